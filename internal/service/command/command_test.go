package command_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshohq/bansho/internal/llm"
	"github.com/banshohq/bansho/internal/model"
	"github.com/banshohq/bansho/internal/service/command"
	"github.com/banshohq/bansho/internal/storage"
	"github.com/banshohq/bansho/internal/testutil"
	"github.com/banshohq/bansho/internal/tools"
)

var (
	testDB   *storage.DB
	registry *tools.Registry
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	registry = tools.NewRegistry(testDB, testutil.TestLogger())

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// scriptedProvider plays back canned turns in order.
type scriptedProvider struct {
	mu    sync.Mutex
	turns []llm.Turn
	errs  []error
}

func (p *scriptedProvider) StreamTurn(_ context.Context, _ llm.TurnRequest, onDelta func(llm.Delta)) (llm.Turn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return llm.Turn{}, err
		}
	}
	if len(p.turns) == 0 {
		return llm.Turn{}, fmt.Errorf("scripted provider exhausted")
	}
	next := p.turns[0]
	p.turns = p.turns[1:]
	if onDelta != nil && len(next.ToolCalls) == 0 && next.Content != "" {
		onDelta(llm.Delta{Text: next.Content})
	}
	return next, nil
}

func newService(provider llm.TurnProvider, staleAfter time.Duration) *command.Service {
	return command.New(testDB, provider, registry, command.Options{
		SimpleModel:      "gpt-4o-mini",
		ComplexModel:     "gpt-4o",
		MaxIterations:    4,
		SnapshotRowLimit: 120,
		StaleRunAfter:    staleAfter,
	}, testutil.TestLogger())
}

func collect(events *[]model.StreamEvent) model.EventSink {
	return func(ev model.StreamEvent) { *events = append(*events, ev) }
}

func eventTypes(events []model.StreamEvent) []model.EventType {
	out := make([]model.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func marshalEvents(t *testing.T, events []model.StreamEvent) string {
	t.Helper()
	raw, err := json.Marshal(events)
	require.NoError(t, err)
	return string(raw)
}

func TestExecuteFastPathScenario(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	svc := newService(&scriptedProvider{}, time.Minute)

	var events []model.StreamEvent
	err := svc.Execute(ctx, boardID, "alice", model.CommandRequest{
		CommandID:   uuid.New(),
		CommandText: "create a SWOT analysis for Q2 launch",
	}, collect(&events))
	require.NoError(t, err)

	// Exactly the fast-path event set; the general loop is never entered.
	seen := map[model.EventType]bool{}
	for _, ev := range events {
		seen[ev.Type] = true
	}
	assert.True(t, seen[model.EventMeta])
	assert.True(t, seen[model.EventToolStart])
	assert.True(t, seen[model.EventToolResult])
	assert.True(t, seen[model.EventNavigate])
	assert.True(t, seen[model.EventText])
	assert.True(t, seen[model.EventDone])
	assert.False(t, seen[model.EventPlanReady])
	assert.False(t, seen[model.EventStepStarted])
	assert.False(t, seen[model.EventError])

	assert.Equal(t, model.EventMeta, events[0].Type)
	assert.Equal(t, "swot", events[0].Meta.FastPath)
	assert.Equal(t, model.EventDone, events[len(events)-1].Type)

	snap, err := testDB.FetchSnapshot(ctx, boardID)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Counts.Objects)
}

func TestResubmissionReplaysWithoutMutations(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	commandID := uuid.New()
	svc := newService(&scriptedProvider{}, time.Minute)

	req := model.CommandRequest{CommandID: commandID, CommandText: "set up a kanban board"}

	var first []model.StreamEvent
	require.NoError(t, svc.Execute(ctx, boardID, "alice", req, collect(&first)))

	versionAfter, err := testDB.GetVersion(ctx, boardID)
	require.NoError(t, err)

	var second []model.StreamEvent
	require.NoError(t, svc.Execute(ctx, boardID, "alice", req, collect(&second)))

	assert.Equal(t, model.EventDone, second[len(second)-1].Type)
	for _, ev := range second {
		assert.NotEqual(t, model.EventToolStart, ev.Type, "replay performs no tool calls")
	}

	versionFinal, err := testDB.GetVersion(ctx, boardID)
	require.NoError(t, err)
	assert.Equal(t, versionAfter, versionFinal, "replay performs zero mutations")
}

func TestReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	commandID := uuid.New()
	svc := newService(&scriptedProvider{}, time.Minute)

	require.NoError(t, svc.Execute(ctx, boardID, "alice", model.CommandRequest{
		CommandID:   commandID,
		CommandText: "start a retro board",
	}, collect(&[]model.StreamEvent{})))

	var a, b []model.StreamEvent
	require.NoError(t, svc.Resume(ctx, boardID, commandID, "alice", collect(&a)))
	require.NoError(t, svc.Resume(ctx, boardID, commandID, "alice", collect(&b)))

	require.NotEmpty(t, a)
	assert.Equal(t, marshalEvents(t, a), marshalEvents(t, b), "byte-identical replay")
	for _, ev := range a {
		assert.NotEmpty(t, ev.ID)
	}
}

func TestExecuteLoopRun(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	provider := &scriptedProvider{turns: []llm.Turn{
		{
			ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      tools.ToolCreateObject,
				Arguments: `{"kind":"sticky_note","props":{"text":"hello"}}`,
			}},
			FinishReason: "tool_calls",
		},
		{Content: "Added a sticky note.", FinishReason: "stop"},
	}}
	svc := newService(provider, time.Minute)

	commandID := uuid.New()
	var events []model.StreamEvent
	err := svc.Execute(ctx, boardID, "alice", model.CommandRequest{
		CommandID:   commandID,
		CommandText: "add a sticky note that says hello",
	}, collect(&events))
	require.NoError(t, err)

	assert.Equal(t, []model.EventType{
		model.EventMeta,
		model.EventPlanReady,
		model.EventStepStarted, model.EventToolStart,
		model.EventToolResult, model.EventStepSucceeded,
		model.EventText,
		model.EventDone,
	}, eventTypes(events))

	run, err := svc.GetRun(ctx, boardID, commandID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.ToolCallCount)
	require.NotNil(t, run.VersionEnd)
	assert.Equal(t, run.VersionStart+1, *run.VersionEnd)
	require.NotNil(t, run.StoredResponse)
	assert.Equal(t, "Added a sticky note.", run.StoredResponse.Text)
}

func TestResumeRejectsFreshInFlightRun(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	require.NoError(t, testDB.CreateBoard(ctx, boardID))

	run, _, err := testDB.CreateRun(ctx, storage.CreateRunRequest{
		BoardID: boardID, UserID: "alice", CommandID: uuid.New(), CommandText: "x",
	})
	require.NoError(t, err)
	require.NoError(t, testDB.TransitionRun(ctx, run.ID, model.RunStatusExecuting, model.RunStatusStarted))

	svc := newService(&scriptedProvider{}, time.Hour)
	err = svc.Resume(ctx, boardID, run.CommandID, "alice", collect(&[]model.StreamEvent{}))
	assert.ErrorIs(t, err, command.ErrInProgress)
}

func TestResumeFailedRunReentersWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	commandID := uuid.New()

	// First attempt: the create lands, then the provider dies mid-run.
	provider := &scriptedProvider{
		turns: []llm.Turn{{
			ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      tools.ToolCreateObject,
				Arguments: `{"kind":"shape","props":{"x":0}}`,
			}},
			FinishReason: "tool_calls",
		}},
		errs: []error{nil, llm.ErrUnavailable},
	}
	svc := newService(provider, time.Hour)

	err := svc.Execute(ctx, boardID, "alice", model.CommandRequest{
		CommandID:   commandID,
		CommandText: "add a shape",
	}, collect(&[]model.StreamEvent{}))
	require.NoError(t, err, "a model failure terminates the stream, not the handler")

	run, err := testDB.GetRunByCommand(ctx, boardID, commandID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusFailed, run.Status)

	snap, err := testDB.FetchSnapshot(ctx, boardID)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Counts.Objects, "committed effects stay in place")

	// Second attempt re-enters with the same command ID: the deterministic
	// client ID makes the prior creation a no-op.
	provider.mu.Lock()
	provider.turns = []llm.Turn{
		{
			ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      tools.ToolCreateObject,
				Arguments: `{"kind":"shape","props":{"x":0}}`,
			}},
			FinishReason: "tool_calls",
		},
		{Content: "Added the shape.", FinishReason: "stop"},
	}
	provider.errs = nil
	provider.mu.Unlock()

	var events []model.StreamEvent
	require.NoError(t, svc.Resume(ctx, boardID, commandID, "alice", collect(&events)))
	assert.Equal(t, model.EventDone, events[len(events)-1].Type)

	run, err = testDB.GetRunByCommand(ctx, boardID, commandID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	snap, err = testDB.FetchSnapshot(ctx, boardID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Counts.Objects, "re-entry must not duplicate the object")
}

func TestReplayFailedRunCarriesMeta(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	commandID := uuid.New()
	provider := &scriptedProvider{errs: []error{llm.ErrUnavailable}}
	svc := newService(provider, time.Hour)

	req := model.CommandRequest{CommandID: commandID, CommandText: "add a sticky note"}
	require.NoError(t, svc.Execute(ctx, boardID, "alice", req, collect(&[]model.StreamEvent{})))

	run, err := testDB.GetRunByCommand(ctx, boardID, commandID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.StoredResponse)
	require.NotNil(t, run.StoredResponse.Meta, "a failed run stores the routing metadata it streamed")

	// A plain resubmission replays the failure with the original meta, not a
	// bare error.
	var events []model.StreamEvent
	require.NoError(t, svc.Execute(ctx, boardID, "alice", req, collect(&events)))

	require.NotEmpty(t, events)
	require.Equal(t, model.EventMeta, events[0].Type)
	assert.Equal(t, "gpt-4o-mini", events[0].Meta.Model)

	sawError := false
	for _, ev := range events {
		if ev.Type == model.EventError {
			sawError = true
			assert.Equal(t, model.ErrKindModel, ev.Error.Kind)
		}
	}
	assert.True(t, sawError)
	assert.Equal(t, model.EventDone, events[len(events)-1].Type)
}

func TestReattemptEventIDsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	commandID := uuid.New()
	provider := &scriptedProvider{errs: []error{llm.ErrUnavailable}}
	svc := newService(provider, time.Hour)

	var first []model.StreamEvent
	require.NoError(t, svc.Execute(ctx, boardID, "alice", model.CommandRequest{
		CommandID:   commandID,
		CommandText: "add a sticky note",
	}, collect(&first)))

	provider.mu.Lock()
	provider.turns = []llm.Turn{{Content: "Done.", FinishReason: "stop"}}
	provider.errs = nil
	provider.mu.Unlock()

	var second []model.StreamEvent
	require.NoError(t, svc.Resume(ctx, boardID, commandID, "alice", collect(&second)))

	// Both attempts stream events for the same run, but a client deduplicating
	// by event ID must never conflate a failed attempt's events with the
	// re-entered attempt's.
	firstIDs := map[string]bool{}
	for _, ev := range first {
		require.NotEmpty(t, ev.ID)
		firstIDs[ev.ID] = true
	}
	for _, ev := range second {
		require.NotEmpty(t, ev.ID)
		assert.False(t, firstIDs[ev.ID], "event ID %s reused across attempts", ev.ID)
	}
}

func TestStaleRunRecoveredOnReadThenResumable(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	require.NoError(t, testDB.CreateBoard(ctx, boardID))

	// Simulate a host killed mid-executing.
	run, _, err := testDB.CreateRun(ctx, storage.CreateRunRequest{
		BoardID: boardID, UserID: "alice", CommandID: uuid.New(), CommandText: "set up a kanban board",
	})
	require.NoError(t, err)
	require.NoError(t, testDB.TransitionRun(ctx, run.ID, model.RunStatusExecuting, model.RunStatusStarted))

	svc := newService(&scriptedProvider{}, 0)

	got, err := svc.GetRun(ctx, boardID, run.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.StoredResponse)
	require.NotNil(t, got.StoredResponse.Error)
	assert.Equal(t, model.ErrKindStaleTimeout, got.StoredResponse.Error.Kind)

	// Resume after recovery gets a fresh stream, not a 409. The command is a
	// fast-path template, so no provider turns are needed.
	var events []model.StreamEvent
	require.NoError(t, svc.Resume(ctx, boardID, run.CommandID, "alice", collect(&events)))
	assert.Equal(t, model.EventDone, events[len(events)-1].Type)

	got, err = testDB.GetRunByCommand(ctx, boardID, run.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
}

func TestResumeOwnerOnly(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	commandID := uuid.New()
	svc := newService(&scriptedProvider{}, time.Minute)

	require.NoError(t, svc.Execute(ctx, boardID, "alice", model.CommandRequest{
		CommandID:   commandID,
		CommandText: "set up a kanban board",
	}, collect(&[]model.StreamEvent{})))

	err := svc.Resume(ctx, boardID, commandID, "mallory", collect(&[]model.StreamEvent{}))
	assert.ErrorIs(t, err, command.ErrForbidden)
}

func TestResumeUnknownRun(t *testing.T) {
	svc := newService(&scriptedProvider{}, time.Minute)
	err := svc.Resume(context.Background(), uuid.New(), uuid.New(), "alice", collect(&[]model.StreamEvent{}))
	assert.ErrorIs(t, err, command.ErrRunNotFound)
}

func TestNeedsConfirmationThenResume(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()
	commandID := uuid.New()

	provider := &scriptedProvider{turns: []llm.Turn{{
		ToolCalls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      tools.ToolClearBoard,
			Arguments: `{"confirm":false}`,
		}},
		FinishReason: "tool_calls",
	}}}
	svc := newService(provider, time.Minute)

	var events []model.StreamEvent
	require.NoError(t, svc.Execute(ctx, boardID, "alice", model.CommandRequest{
		CommandID:   commandID,
		CommandText: "clear the board",
	}, collect(&events)))

	run, err := testDB.GetRunByCommand(ctx, boardID, commandID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusNeedsConfirmation, run.Status)
	assert.Equal(t, model.EventDone, events[len(events)-1].Type)

	// The resumed attempt confirms and completes.
	provider.mu.Lock()
	provider.turns = []llm.Turn{
		{
			ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      tools.ToolClearBoard,
				Arguments: `{"confirm":true}`,
			}},
			FinishReason: "tool_calls",
		},
		{Content: "Cleared the board.", FinishReason: "stop"},
	}
	provider.mu.Unlock()

	require.NoError(t, svc.Resume(ctx, boardID, commandID, "alice", collect(&[]model.StreamEvent{})))

	run, err = testDB.GetRunByCommand(ctx, boardID, commandID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
}
