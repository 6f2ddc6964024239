// Package model defines the core domain types for Bansho.
//
// Types correspond directly to database tables and stream event payloads.
// Strong typing (UUIDs, time.Time, enums) is used throughout; interface{}
// is avoided except for tool argument passthrough.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a command run.
type RunStatus string

const (
	RunStatusStarted           RunStatus = "started"
	RunStatusPlanning          RunStatus = "planning"
	RunStatusExecuting         RunStatus = "executing"
	RunStatusCompleted         RunStatus = "completed"
	RunStatusFailed            RunStatus = "failed"
	RunStatusResuming          RunStatus = "resuming"
	RunStatusNeedsConfirmation RunStatus = "needs_confirmation"
)

// Terminal reports whether the status can never change again.
// needs_confirmation is re-enterable via resume and therefore not terminal,
// but it is also not "in flight": stale detection skips it.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// InFlight reports whether the run is presumed to have an active executor.
// Runs in these states older than the staleness threshold are treated as
// orphaned by a crashed or preempted process.
func (s RunStatus) InFlight() bool {
	switch s {
	case RunStatusStarted, RunStatusPlanning, RunStatusExecuting, RunStatusResuming:
		return true
	}
	return false
}

// Run is the durable ledger record for one command invocation.
// (BoardID, CommandID) is unique: resubmission never creates a second Run.
type Run struct {
	ID             uuid.UUID       `json:"id"`
	BoardID        uuid.UUID       `json:"board_id"`
	UserID         string          `json:"user_id"`
	CommandID      uuid.UUID       `json:"command_id"`
	CommandText    string          `json:"command_text"`
	Status         RunStatus       `json:"status"`
	Model          string          `json:"model,omitempty"`
	ToolCallCount  int             `json:"tool_call_count"`
	CurrentStep    int             `json:"current_step"`
	TotalSteps     int             `json:"total_steps"`
	VersionStart   int64           `json:"version_start"`
	VersionEnd     *int64          `json:"version_end,omitempty"`
	DurationMs     *int64          `json:"duration_ms,omitempty"`
	StoredResponse *StoredResponse `json:"stored_response,omitempty"`
	RequestContext RequestContext  `json:"request_context"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StoredResponse is the serializable snapshot of a run's produced output.
// It is the sole source of truth for replay: a completed run's event stream
// is reconstructed from this structure alone, with no model or tool calls.
type StoredResponse struct {
	Text  string        `json:"text,omitempty"`
	Meta  *MetaPayload  `json:"meta,omitempty"`
	Plan  *Plan         `json:"plan,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
}

// RequestContext captures everything needed to re-enter a run without the
// original caller: viewport, screen size, selection and conversation history.
type RequestContext struct {
	Viewport   *Viewport      `json:"viewport,omitempty"`
	ScreenSize *ScreenSize    `json:"screen_size,omitempty"`
	Selection  []uuid.UUID    `json:"selection,omitempty"`
	History    []HistoryEntry `json:"history,omitempty"`
}

// Viewport is a rectangular region of the board in board coordinates.
type Viewport struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// ScreenSize is the caller's display size in pixels.
type ScreenSize struct {
	W int `json:"w"`
	H int `json:"h"`
}

// HistoryEntry is one prior exchange in the command conversation.
type HistoryEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// MetaPayload describes routing decisions made for a run. Emitted as the
// first stream event so clients can render model/complexity immediately.
type MetaPayload struct {
	Model       string `json:"model"`
	Complexity  string `json:"complexity"`
	ContextSize int    `json:"context_size"`
	FastPath    string `json:"fast_path,omitempty"`
}

// ErrorPayload is the terminal error recorded for a failed run.
// Kind distinguishes synthetic staleness timeouts from real failures.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds recorded in ErrorPayload.Kind.
const (
	ErrKindPlanValidation = "plan_validation"
	ErrKindModel          = "model_error"
	ErrKindStaleTimeout   = "stale_timeout"
	ErrKindMaxIterations  = "max_iterations"
	ErrKindToolError      = "tool_error"
)
