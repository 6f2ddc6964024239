package agent_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshohq/bansho/internal/agent"
	"github.com/banshohq/bansho/internal/llm"
	"github.com/banshohq/bansho/internal/model"
	"github.com/banshohq/bansho/internal/testutil"
	"github.com/banshohq/bansho/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedTurn is one pre-recorded provider response.
type scriptedTurn struct {
	deltas []llm.Delta
	turn   llm.Turn
	err    error
}

// scriptedProvider plays back turns in order and records every request.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	requests []llm.TurnRequest
}

func (p *scriptedProvider) StreamTurn(_ context.Context, req llm.TurnRequest, onDelta func(llm.Delta)) (llm.Turn, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return llm.Turn{}, fmt.Errorf("scripted provider exhausted")
	}
	next := p.turns[0]
	p.turns = p.turns[1:]
	p.mu.Unlock()

	if next.err != nil {
		return llm.Turn{}, next.err
	}
	for _, d := range next.deltas {
		if onDelta != nil {
			onDelta(d)
		}
	}
	return next.turn, nil
}

// fakeExecutor records calls and answers from a per-tool result table.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []tools.Call
	results map[string]tools.Result
}

func (e *fakeExecutor) Execute(_ context.Context, call tools.Call) tools.Result {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()

	if res, ok := e.results[call.Name]; ok {
		res.CallID = call.CallID
		res.Name = call.Name
		return res
	}
	return tools.Result{CallID: call.CallID, Name: call.Name, Data: map[string]any{"ok": true}}
}

func (e *fakeExecutor) recorded() []tools.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]tools.Call(nil), e.calls...)
}

func collectSink(events *[]model.StreamEvent) model.EventSink {
	return func(ev model.StreamEvent) { *events = append(*events, ev) }
}

func eventTypes(events []model.StreamEvent) []model.EventType {
	out := make([]model.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func testInput() agent.RunInput {
	return agent.RunInput{
		BoardID:       uuid.New(),
		UserID:        "alice",
		CommandID:     uuid.New(),
		CommandText:   "add a sticky note",
		Model:         "gpt-4o-mini",
		SelectedTools: []string{tools.ToolCreateObject, tools.ToolUpdateObject},
	}
}

func newLoop(p llm.TurnProvider, e agent.ToolExecutor, maxIterations int) *agent.Loop {
	return agent.NewLoop(p, e, maxIterations, 120, testutil.TestLogger())
}

func TestRunFinalTextTurn(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{{
		deltas: []llm.Delta{{Text: "All "}, {Text: "done."}},
		turn:   llm.Turn{Content: "All done.", FinishReason: "stop"},
	}}}
	executor := &fakeExecutor{}

	var events []model.StreamEvent
	res, err := newLoop(provider, executor, 4).Run(context.Background(), testInput(), collectSink(&events))
	require.NoError(t, err)

	assert.Equal(t, "All done.", res.Text)
	assert.Zero(t, res.ToolCallCount)
	assert.Empty(t, executor.recorded())
	assert.Equal(t, []model.EventType{model.EventText, model.EventText}, eventTypes(events))
}

func TestRunToolTurnThenText(t *testing.T) {
	in := testInput()
	provider := &scriptedProvider{turns: []scriptedTurn{
		{turn: llm.Turn{
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: tools.ToolCreateObject, Arguments: `{"kind":"sticky_note"}`},
				{ID: "call_2", Name: tools.ToolCreateObject, Arguments: `{"kind":"shape"}`},
			},
			FinishReason: "tool_calls",
		}},
		{turn: llm.Turn{Content: "Created two objects.", FinishReason: "stop"}},
	}}
	executor := &fakeExecutor{}

	var events []model.StreamEvent
	res, err := newLoop(provider, executor, 4).Run(context.Background(), in, collectSink(&events))
	require.NoError(t, err)

	assert.Equal(t, "Created two objects.", res.Text)
	assert.Equal(t, 2, res.ToolCallCount)
	require.NotNil(t, res.Plan)
	assert.Len(t, res.Plan.Steps, 2)

	assert.Equal(t, []model.EventType{
		model.EventPlanReady,
		model.EventStepStarted, model.EventToolStart,
		model.EventStepStarted, model.EventToolStart,
		model.EventToolResult, model.EventStepSucceeded,
		model.EventToolResult, model.EventStepSucceeded,
	}, eventTypes(events))

	calls := executor.recorded()
	require.Len(t, calls, 2)
	ids := []string{calls[0].ClientID, calls[1].ClientID}
	assert.Contains(t, ids, fmt.Sprintf("%s/step-0", in.CommandID))
	assert.Contains(t, ids, fmt.Sprintf("%s/step-1", in.CommandID))

	// Tool results were fed back before the final turn.
	provider.mu.Lock()
	defer provider.mu.Unlock()
	require.Len(t, provider.requests, 2)
	last := provider.requests[1].Messages
	assert.Equal(t, "tool", last[len(last)-1].Role)
}

func TestRunSuppressesPreNarration(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{
			deltas: []llm.Delta{
				{Text: "Let me "},
				{ToolCallDelta: true},
				{Text: "create that for you"},
			},
			turn: llm.Turn{
				ToolCalls:    []llm.ToolCall{{ID: "call_1", Name: tools.ToolCreateObject, Arguments: `{"kind":"text"}`}},
				FinishReason: "tool_calls",
			},
		},
		{turn: llm.Turn{Content: "Done.", FinishReason: "stop"}},
	}}
	executor := &fakeExecutor{}

	var events []model.StreamEvent
	_, err := newLoop(provider, executor, 4).Run(context.Background(), testInput(), collectSink(&events))
	require.NoError(t, err)

	var texts []string
	for _, ev := range events {
		if ev.Type == model.EventText {
			texts = append(texts, ev.Text)
		}
	}
	assert.Equal(t, []string{"Let me "}, texts, "text after the first tool-call delta is suppressed")
}

func TestRunBadArgumentsBecomeToolError(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{turn: llm.Turn{
			ToolCalls:    []llm.ToolCall{{ID: "call_1", Name: tools.ToolCreateObject, Arguments: `{"kind": dangling`}},
			FinishReason: "tool_calls",
		}},
		{turn: llm.Turn{Content: "Sorry, retried.", FinishReason: "stop"}},
	}}
	executor := &fakeExecutor{}

	var events []model.StreamEvent
	res, err := newLoop(provider, executor, 4).Run(context.Background(), testInput(), collectSink(&events))
	require.NoError(t, err, "a parse failure must not abort the run")
	assert.Equal(t, "Sorry, retried.", res.Text)
	assert.Empty(t, executor.recorded(), "unparseable arguments never reach the executor")

	failed := 0
	for _, ev := range events {
		if ev.Type == model.EventStepFailed {
			failed++
			assert.NotEmpty(t, ev.Step.Error)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestRunFirstTurnPlanValidationFailsClosed(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{turn: llm.Turn{
			ToolCalls:    []llm.ToolCall{{ID: "call_1", Name: tools.ToolClearBoard, Arguments: `{"confirm":true}`}},
			FinishReason: "tool_calls",
		}},
	}}
	executor := &fakeExecutor{}

	var events []model.StreamEvent
	_, err := newLoop(provider, executor, 4).Run(context.Background(), testInput(), collectSink(&events))

	var planErr *agent.ErrPlanValidation
	require.ErrorAs(t, err, &planErr)
	assert.Empty(t, executor.recorded(), "zero mutations on plan validation failure")
	assert.Empty(t, events)
}

func TestRunMaxIterationsTerminatesDegraded(t *testing.T) {
	toolTurn := scriptedTurn{turn: llm.Turn{
		ToolCalls:    []llm.ToolCall{{ID: "call", Name: tools.ToolCreateObject, Arguments: `{"kind":"shape"}`}},
		FinishReason: "tool_calls",
	}}
	provider := &scriptedProvider{turns: []scriptedTurn{toolTurn, toolTurn, toolTurn, toolTurn}}
	executor := &fakeExecutor{}

	var events []model.StreamEvent
	res, err := newLoop(provider, executor, 3).Run(context.Background(), testInput(), collectSink(&events))
	require.NoError(t, err)

	assert.True(t, res.MaxedOut)
	assert.NotEmpty(t, res.Text)
	assert.Equal(t, 3, res.ToolCallCount)
	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Len(t, provider.requests, 3, "never exceeds the iteration bound")
}

func TestRunNeedsConfirmationStopsLoop(t *testing.T) {
	in := testInput()
	in.SelectedTools = append(in.SelectedTools, tools.ToolClearBoard)
	provider := &scriptedProvider{turns: []scriptedTurn{
		{turn: llm.Turn{
			ToolCalls:    []llm.ToolCall{{ID: "call_1", Name: tools.ToolClearBoard, Arguments: `{"confirm":false}`}},
			FinishReason: "tool_calls",
		}},
	}}
	executor := &fakeExecutor{results: map[string]tools.Result{
		tools.ToolClearBoard: {Data: map[string]any{"confirm_required": true}, NeedsConfirmation: true},
	}}

	var events []model.StreamEvent
	res, err := newLoop(provider, executor, 4).Run(context.Background(), in, collectSink(&events))
	require.NoError(t, err)

	assert.True(t, res.NeedsConfirmation)
	assert.NotEmpty(t, res.Text)
	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Len(t, provider.requests, 1, "no further turns after a confirmation gate")
}

func TestRunProviderErrorAborts(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{{err: llm.ErrUnavailable}}}
	executor := &fakeExecutor{}

	_, err := newLoop(provider, executor, 4).Run(context.Background(), testInput(), collectSink(&[]model.StreamEvent{}))
	assert.ErrorIs(t, err, llm.ErrUnavailable)
}
