package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/banshohq/bansho/internal/model"
)

const runColumns = `id, board_id, user_id, command_id, command_text, status, model,
	tool_call_count, current_step, total_steps, version_start, version_end,
	duration_ms, stored_response, request_context, created_at, updated_at`

// CreateRunRequest carries everything captured at first submission.
type CreateRunRequest struct {
	BoardID        uuid.UUID
	UserID         string
	CommandID      uuid.UUID
	CommandText    string
	VersionStart   int64
	RequestContext model.RequestContext
}

// CreateRun inserts a new run in status started, or returns the existing run
// for the same (board_id, command_id). The boolean reports whether this call
// created the row, i.e. whether the caller owns execution. The insert uses
// ON CONFLICT DO NOTHING plus a re-query so a lost race is indistinguishable
// from a plain resubmission.
func (db *DB) CreateRun(ctx context.Context, req CreateRunRequest) (model.Run, bool, error) {
	ctxJSON, err := json.Marshal(req.RequestContext)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("storage: marshal request context: %w", err)
	}

	id := uuid.New()
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, board_id, user_id, command_id, command_text, status, version_start, request_context)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		 ON CONFLICT (board_id, command_id) DO NOTHING`,
		id, req.BoardID, req.UserID, req.CommandID, req.CommandText,
		string(model.RunStatusStarted), req.VersionStart, ctxJSON,
	)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("storage: create run: %w", err)
	}

	run, err := db.GetRunByCommand(ctx, req.BoardID, req.CommandID)
	if err != nil {
		return model.Run{}, false, err
	}
	return run, tag.RowsAffected() == 1, nil
}

// GetRunByCommand retrieves a run by its (board_id, command_id) idempotency key.
func (db *DB) GetRunByCommand(ctx context.Context, boardID, commandID uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE board_id = $1 AND command_id = $2`,
		boardID, commandID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run for command %s: %w", commandID, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// TransitionRun moves a run from one of the allowed source states to the
// target state. A single conditional UPDATE enforces the state machine:
// RowsAffected of zero means the run is missing or in a different state,
// which callers must treat as losing the transition race.
func (db *DB) TransitionRun(ctx context.Context, id uuid.UUID, to model.RunStatus, from ...model.RunStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("storage: transition run: no source states given")
	}
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = now()
		 WHERE id = $2 AND status = ANY($3)`,
		string(to), id, states,
	)
	if err != nil {
		return fmt.Errorf("storage: transition run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// SetRunModel records the model chosen by routing. Called once per execution
// attempt, before the first turn.
func (db *DB) SetRunModel(ctx context.Context, id uuid.UUID, modelName string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET model = $1, updated_at = now() WHERE id = $2`,
		modelName, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set run model: %w", err)
	}
	return nil
}

// UpdateRunProgress records step progress so a resume path can see how far
// execution got. Also refreshes updated_at, which keeps an actively executing
// run out of stale detection.
func (db *DB) UpdateRunProgress(ctx context.Context, id uuid.UUID, currentStep, totalSteps, toolCallCount int) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET current_step = $1, total_steps = $2, tool_call_count = $3, updated_at = now()
		 WHERE id = $4`,
		currentStep, totalSteps, toolCallCount, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update run progress: %w", err)
	}
	return nil
}

// FinishRun flips a non-terminal run to its terminal (or needs_confirmation)
// state and writes the stored response, version_end, duration and tool call
// count in the same statement. The status flip and the response snapshot are
// atomic so persisted and streamed state can never disagree.
func (db *DB) FinishRun(
	ctx context.Context,
	id uuid.UUID,
	status model.RunStatus,
	versionEnd int64,
	duration time.Duration,
	toolCallCount int,
	stored model.StoredResponse,
) error {
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("storage: marshal stored response: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $1,
		     version_end = $2,
		     duration_ms = $3,
		     tool_call_count = $4,
		     stored_response = $5::jsonb,
		     updated_at = now()
		 WHERE id = $6 AND status NOT IN ('completed', 'failed')`,
		string(status), versionEnd, duration.Milliseconds(), toolCallCount, payload, id,
	)
	if err != nil {
		return fmt.Errorf("storage: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// RecoverStaleRun force-fails a run that is in flight but has not been
// touched for longer than threshold: the executing process is presumed dead.
// The update is conditional on both state and age so exactly one caller wins
// when several readers notice staleness concurrently. Returns whether this
// call performed the flip.
func (db *DB) RecoverStaleRun(ctx context.Context, id uuid.UUID, threshold time.Duration) (bool, error) {
	stored, err := json.Marshal(model.StoredResponse{
		Text: "The command was interrupted before it could finish.",
		Error: &model.ErrorPayload{
			Kind:    model.ErrKindStaleTimeout,
			Message: fmt.Sprintf("run abandoned for longer than %s, presumed orphaned", threshold),
		},
	})
	if err != nil {
		return false, fmt.Errorf("storage: marshal stale payload: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'failed',
		     stored_response = $1::jsonb,
		     updated_at = now()
		 WHERE id = $2
		   AND status IN ('started', 'planning', 'executing', 'resuming')
		   AND updated_at < now() - ($3 * interval '1 microsecond')`,
		stored, id, threshold.Microseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: recover stale run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		run         model.Run
		statusStr   string
		storedJSON  []byte
		contextJSON []byte
	)
	if err := row.Scan(
		&run.ID, &run.BoardID, &run.UserID, &run.CommandID, &run.CommandText,
		&statusStr, &run.Model, &run.ToolCallCount, &run.CurrentStep, &run.TotalSteps,
		&run.VersionStart, &run.VersionEnd, &run.DurationMs,
		&storedJSON, &contextJSON, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return model.Run{}, err
	}
	run.Status = model.RunStatus(statusStr)

	if len(storedJSON) > 0 {
		var stored model.StoredResponse
		if err := json.Unmarshal(storedJSON, &stored); err != nil {
			return model.Run{}, fmt.Errorf("unmarshal stored response: %w", err)
		}
		run.StoredResponse = &stored
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &run.RequestContext); err != nil {
			return model.Run{}, fmt.Errorf("unmarshal request context: %w", err)
		}
	}
	return run, nil
}
