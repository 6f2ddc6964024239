package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// EventType is the category of a protocol stream event.
type EventType string

const (
	EventMeta          EventType = "meta"
	EventPlanReady     EventType = "plan_ready"
	EventToolStart     EventType = "tool_start"
	EventStepStarted   EventType = "step_started"
	EventToolResult    EventType = "tool_result"
	EventStepSucceeded EventType = "step_succeeded"
	EventStepFailed    EventType = "step_failed"
	EventNavigate      EventType = "navigate"
	EventText          EventType = "text"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// StreamEvent is one element of the ordered server-to-client protocol stream.
// Exactly one payload field is populated per type. A stream always ends with
// exactly one done event, including on error.
type StreamEvent struct {
	ID       string        `json:"id"`
	Type     EventType     `json:"type"`
	Meta     *MetaPayload  `json:"meta,omitempty"`
	Plan     *Plan         `json:"plan,omitempty"`
	Tool     *ToolEvent    `json:"tool,omitempty"`
	Step     *StepEvent    `json:"step,omitempty"`
	Navigate *Viewport     `json:"navigate,omitempty"`
	Text     string        `json:"text,omitempty"`
	Error    *ErrorPayload `json:"error,omitempty"`
}

// ToolEvent accompanies tool_start and tool_result events.
type ToolEvent struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// StepEvent accompanies the step_started / step_succeeded / step_failed
// three-phase protocol, so callers can render fine-grained progress and a
// resume path can identify exactly which step failed.
type StepEvent struct {
	Index int    `json:"index"`
	Tool  string `json:"tool"`
	Error string `json:"error,omitempty"`
}

// EventSink receives protocol events in order. Sinks must not block
// indefinitely; slow consumers are the transport layer's problem.
type EventSink func(StreamEvent)

// EventID derives a deterministic ULID for event seq within one attempt of a
// run's stream. The timestamp comes from the run's creation time; the entropy
// from sha256(commandID, attemptAt, seq). attemptAt discriminates attempts: a
// re-entered run must not reuse a failed attempt's IDs for different payloads,
// while a replay salted with the run's frozen terminal time stays
// byte-identical across repeats. Microsecond truncation matches what a
// timestamptz survives a round trip with.
func EventID(commandID uuid.UUID, createdAt, attemptAt time.Time, seq int) string {
	var buf bytes.Buffer
	buf.Write(commandID[:])
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], uint64(attemptAt.UnixMicro()))
	buf.Write(salt[:])
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], uint64(seq))
	buf.Write(seqBytes[:])
	sum := sha256.Sum256(buf.Bytes())

	var id ulid.ULID
	id.SetTime(ulid.Timestamp(createdAt))
	_ = id.SetEntropy(sum[:10])
	return id.String()
}
