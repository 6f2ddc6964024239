// Package command orchestrates the full lifecycle of one board command:
// run-ledger bookkeeping, routing, the agent loop or a fast path, terminal
// persistence, and resume/replay.
//
// Ordering contract: a run's terminal state is persisted before the terminal
// events reach the sink, so stored and streamed state can never disagree.
package command

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshohq/bansho/internal/agent"
	"github.com/banshohq/bansho/internal/llm"
	"github.com/banshohq/bansho/internal/model"
	"github.com/banshohq/bansho/internal/storage"
)

var (
	// ErrRunNotFound is returned when resuming a command that was never run.
	ErrRunNotFound = errors.New("command: run not found")
	// ErrInProgress is returned when the run has a live executor elsewhere.
	ErrInProgress = errors.New("command: run already in progress")
	// ErrForbidden is returned when the caller is not the original submitter.
	ErrForbidden = errors.New("command: only the original submitter may resume a run")
)

// Options carries the routing and execution knobs the service needs.
type Options struct {
	SimpleModel      string
	ComplexModel     string
	MaxIterations    int
	SnapshotRowLimit int
	StaleRunAfter    time.Duration
}

// Service executes, resumes and replays board commands.
type Service struct {
	db       *storage.DB
	provider llm.TurnProvider
	executor agent.ToolExecutor
	opts     Options
	logger   *slog.Logger
}

// New creates a command service.
func New(db *storage.DB, provider llm.TurnProvider, executor agent.ToolExecutor, opts Options, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		provider: provider,
		executor: executor,
		opts:     opts,
		logger:   logger,
	}
}

// emitter assigns event IDs in sequence order before forwarding to the
// caller's sink. IDs derive from the run's command ID, creation time and an
// attempt salt: live attempts salt with their start time so a re-entry never
// reuses a failed attempt's IDs, while replays salt with the run's frozen
// terminal time so repeated replays are byte-identical.
type emitter struct {
	mu        sync.Mutex
	sink      model.EventSink
	commandID uuid.UUID
	createdAt time.Time
	attemptAt time.Time
	seq       int
}

func newEmitter(sink model.EventSink, commandID uuid.UUID, createdAt, attemptAt time.Time) *emitter {
	return &emitter{sink: sink, commandID: commandID, createdAt: createdAt, attemptAt: attemptAt}
}

func (e *emitter) emit(ev model.StreamEvent) {
	e.mu.Lock()
	ev.ID = model.EventID(e.commandID, e.createdAt, e.attemptAt, e.seq)
	e.seq++
	e.mu.Unlock()
	e.sink(ev)
}
