// Package llm defines the provider-neutral turn contract for the agent loop.
//
// The provider is treated as a black box that streams deltas for one turn:
// text fragments and tool-call fragments. Tool-call arguments are only
// meaningful once the turn finishes; the loop must never parse a fragment.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one transcript entry sent to the provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a fully assembled tool invocation requested by the model.
// Arguments is the raw JSON string accumulated across deltas.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema describes one callable tool offered to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Delta is one streamed fragment of a turn. Exactly one field is meaningful:
// Text carries a text fragment; ToolCallDelta reports that a tool-call
// fragment was observed (the assembled call arrives in the final Turn).
type Delta struct {
	Text          string
	ToolCallDelta bool
}

// Turn is the assembled result of one provider request.
type Turn struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// TurnRequest carries the transcript and tool schemas for one turn.
// Tool choice is always automatic: the model decides whether to call tools.
type TurnRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolSchema
}

// TurnProvider streams one model turn. onDelta is invoked in stream order;
// it may be nil. No assumption is made about the provider's own retry
// behavior.
type TurnProvider interface {
	StreamTurn(ctx context.Context, req TurnRequest, onDelta func(Delta)) (Turn, error)
}
