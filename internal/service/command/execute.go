package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshohq/bansho/internal/agent"
	"github.com/banshohq/bansho/internal/model"
	"github.com/banshohq/bansho/internal/router"
	"github.com/banshohq/bansho/internal/storage"
	"github.com/banshohq/bansho/internal/tools"
)

// Execute runs one command submission. The (board, command_id) pair is the
// idempotency key: the first caller owns execution, any concurrent or later
// resubmission is dispatched against the existing run instead.
func (s *Service) Execute(ctx context.Context, boardID uuid.UUID, userID string, req model.CommandRequest, sink model.EventSink) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("command: %w", err)
	}

	if err := s.db.CreateBoard(ctx, boardID); err != nil {
		return err
	}
	version, err := s.db.GetVersion(ctx, boardID)
	if err != nil {
		return err
	}

	run, owned, err := s.db.CreateRun(ctx, storage.CreateRunRequest{
		BoardID:      boardID,
		UserID:       userID,
		CommandID:    req.CommandID,
		CommandText:  req.CommandText,
		VersionStart: version,
		RequestContext: model.RequestContext{
			Viewport:   req.Viewport,
			ScreenSize: req.ScreenSize,
			Selection:  req.Selection,
			History:    req.History,
		},
	})
	if err != nil {
		return err
	}

	if !owned {
		// Resubmission: terminal runs replay, fresh in-flight runs reject,
		// stale or confirmable runs re-enter.
		return s.dispatchExisting(ctx, run, userID, sink, false)
	}
	return s.runAttempt(ctx, run, sink)
}

// runAttempt drives one execution attempt for a run the caller owns. The run
// is in status started (first attempt) or resuming (re-entry).
func (s *Service) runAttempt(ctx context.Context, run model.Run, sink model.EventSink) error {
	started := time.Now()
	em := newEmitter(sink, run.CommandID, run.CreatedAt, started)

	complexity := router.Classify(run.CommandText)
	hasSelection := len(run.RequestContext.Selection) > 0
	modelName := s.opts.SimpleModel
	if complexity == router.Complex {
		modelName = s.opts.ComplexModel
	}

	var fp *router.FastPath
	if len(run.RequestContext.History) == 0 && !hasSelection {
		fp = router.MatchFastPath(run.CommandText)
	}

	if err := s.db.SetRunModel(ctx, run.ID, modelName); err != nil {
		s.logger.Warn("failed to record run model", "run_id", run.ID, "error", err)
	}

	meta := model.MetaPayload{Model: modelName, Complexity: string(complexity)}
	if fp != nil {
		meta.FastPath = fp.Name
		return s.runFastPath(ctx, run, fp, meta, em, started)
	}
	return s.runLoop(ctx, run, meta, hasSelection, em, started)
}

// runFastPath executes a pre-built template plan directly against the tool
// registry, with no model turns.
func (s *Service) runFastPath(
	ctx context.Context,
	run model.Run,
	fp *router.FastPath,
	meta model.MetaPayload,
	em *emitter,
	started time.Time,
) error {
	if err := s.db.TransitionRun(ctx, run.ID, model.RunStatusExecuting, model.RunStatusStarted, model.RunStatusResuming); err != nil {
		return err
	}
	em.emit(model.StreamEvent{Type: model.EventMeta, Meta: &meta})

	for i, step := range fp.Steps {
		args, err := json.Marshal(step.Args)
		if err != nil {
			return s.finishFailed(ctx, run, em, started, i, model.StoredResponse{
				Meta: &meta,
				Error: &model.ErrorPayload{
					Kind:    model.ErrKindToolError,
					Message: fmt.Sprintf("template step %d has invalid arguments", i),
				},
			})
		}
		callID := fmt.Sprintf("fp_%d", i)
		em.emit(model.StreamEvent{Type: model.EventToolStart, Tool: &model.ToolEvent{CallID: callID, Name: step.Tool}})

		res := s.executor.Execute(ctx, tools.Call{
			BoardID:  run.BoardID,
			UserID:   run.UserID,
			CallID:   callID,
			ClientID: tools.ClientID(run.CommandID, i),
			Name:     step.Tool,
			Args:     args,
		})
		em.emit(model.StreamEvent{Type: model.EventToolResult, Tool: &model.ToolEvent{
			CallID: res.CallID, Name: res.Name, Result: res.Data, Error: res.Err,
		}})
		if res.Err != "" {
			return s.finishFailed(ctx, run, em, started, i, model.StoredResponse{
				Meta: &meta,
				Error: &model.ErrorPayload{
					Kind:    model.ErrKindToolError,
					Message: fmt.Sprintf("template step %d (%s): %s", i, step.Tool, res.Err),
				},
			})
		}
	}

	if fp.Navigate != nil {
		em.emit(model.StreamEvent{Type: model.EventNavigate, Navigate: fp.Navigate})
	}
	em.emit(model.StreamEvent{Type: model.EventText, Text: fp.Text})

	stored := model.StoredResponse{
		Text: fp.Text,
		Meta: &meta,
		Plan: &model.Plan{Summary: fp.Name + " template", Steps: fp.Steps},
	}
	return s.finishAndEmitDone(ctx, run, em, started, model.RunStatusCompleted, len(fp.Steps), stored)
}

// runLoop routes the command through the agent loop.
func (s *Service) runLoop(
	ctx context.Context,
	run model.Run,
	meta model.MetaPayload,
	hasSelection bool,
	em *emitter,
	started time.Time,
) error {
	if err := s.db.TransitionRun(ctx, run.ID, model.RunStatusPlanning, model.RunStatusStarted, model.RunStatusResuming); err != nil {
		return err
	}

	snap, err := s.db.FetchSnapshot(ctx, run.BoardID)
	if err != nil {
		return err
	}
	meta.ContextSize = len(agent.BuildContext(snap, run.RequestContext, s.opts.SnapshotRowLimit))
	em.emit(model.StreamEvent{Type: model.EventMeta, Meta: &meta})

	selected := router.SelectTools(run.CommandText, router.Complexity(meta.Complexity), hasSelection)
	loop := agent.NewLoop(s.provider, s.executor, s.opts.MaxIterations, s.opts.SnapshotRowLimit, s.logger)

	res, err := loop.Run(ctx, agent.RunInput{
		BoardID:       run.BoardID,
		UserID:        run.UserID,
		CommandID:     run.CommandID,
		CommandText:   run.CommandText,
		Model:         meta.Model,
		SelectedTools: selected,
		Snapshot:      snap,
		Context:       run.RequestContext,
	}, s.progressSink(ctx, run, em))

	switch {
	case err != nil:
		var planErr *agent.ErrPlanValidation
		if errors.As(err, &planErr) {
			return s.finishFailed(ctx, run, em, started, 0, model.StoredResponse{
				Meta: &meta,
				Error: &model.ErrorPayload{
					Kind:    model.ErrKindPlanValidation,
					Message: planErr.Reason,
				},
			})
		}
		s.logger.Error("agent loop failed", "run_id", run.ID, "error", err)
		return s.finishFailed(ctx, run, em, started, res.ToolCallCount, model.StoredResponse{
			Meta: &meta,
			Plan: res.Plan,
			Error: &model.ErrorPayload{
				Kind:    model.ErrKindModel,
				Message: "the model provider failed; changes made so far are in place",
			},
		})

	case res.NeedsConfirmation:
		em.emit(model.StreamEvent{Type: model.EventText, Text: res.Text})
		stored := model.StoredResponse{Text: res.Text, Meta: &meta, Plan: res.Plan}
		return s.finishAndEmitDone(ctx, run, em, started, model.RunStatusNeedsConfirmation, res.ToolCallCount, stored)

	case res.MaxedOut:
		em.emit(model.StreamEvent{Type: model.EventText, Text: res.Text})
		return s.finishFailed(ctx, run, em, started, res.ToolCallCount, model.StoredResponse{
			Text: res.Text,
			Meta: &meta,
			Plan: res.Plan,
			Error: &model.ErrorPayload{
				Kind:    model.ErrKindMaxIterations,
				Message: "iteration bound reached before the model finished",
			},
		})

	default:
		// The final turn's text already streamed as deltas.
		stored := model.StoredResponse{Text: res.Text, Meta: &meta, Plan: res.Plan}
		return s.finishAndEmitDone(ctx, run, em, started, model.RunStatusCompleted, res.ToolCallCount, stored)
	}
}

// progressSink forwards loop events to the emitter and mirrors progress into
// the ledger so stale detection sees an active run and a resume path can see
// how far execution got.
func (s *Service) progressSink(ctx context.Context, run model.Run, em *emitter) model.EventSink {
	totalSteps := 0
	completedSteps := 0
	toolCalls := 0
	return func(ev model.StreamEvent) {
		switch ev.Type {
		case model.EventPlanReady:
			totalSteps = len(ev.Plan.Steps)
			if err := s.db.TransitionRun(ctx, run.ID, model.RunStatusExecuting, model.RunStatusPlanning); err != nil {
				s.logger.Warn("failed to mark run executing", "run_id", run.ID, "error", err)
			}
		case model.EventStepSucceeded, model.EventStepFailed:
			completedSteps++
			toolCalls++
			if ev.Step != nil && ev.Step.Index+1 > totalSteps {
				totalSteps = ev.Step.Index + 1
			}
			if err := s.db.UpdateRunProgress(ctx, run.ID, completedSteps, totalSteps, toolCalls); err != nil {
				s.logger.Warn("failed to record run progress", "run_id", run.ID, "error", err)
			}
		}
		em.emit(ev)
	}
}

// finishRun persists the terminal (or needs_confirmation) state. Terminal
// persistence always precedes terminal events.
func (s *Service) finishRun(
	ctx context.Context,
	run model.Run,
	started time.Time,
	status model.RunStatus,
	toolCallCount int,
	stored model.StoredResponse,
) error {
	versionEnd, err := s.db.GetVersion(ctx, run.BoardID)
	if err != nil {
		return err
	}
	if err := s.db.FinishRun(ctx, run.ID, status, versionEnd, time.Since(started), toolCallCount, stored); err != nil {
		return err
	}
	return nil
}

func (s *Service) finishAndEmitDone(
	ctx context.Context,
	run model.Run,
	em *emitter,
	started time.Time,
	status model.RunStatus,
	toolCallCount int,
	stored model.StoredResponse,
) error {
	if err := s.finishRun(ctx, run, started, status, toolCallCount, stored); err != nil {
		return err
	}
	em.emit(model.StreamEvent{Type: model.EventDone})
	return nil
}

// finishFailed persists the failed run and closes the stream. The stored
// response must carry Error plus whatever meta, plan and text the attempt
// produced before failing: a later resubmission replays only from this
// record, and a replay stripped to a bare error loses the routing metadata
// the original stream carried.
func (s *Service) finishFailed(
	ctx context.Context,
	run model.Run,
	em *emitter,
	started time.Time,
	toolCallCount int,
	stored model.StoredResponse,
) error {
	if err := s.finishRun(ctx, run, started, model.RunStatusFailed, toolCallCount, stored); err != nil {
		return err
	}
	em.emit(model.StreamEvent{Type: model.EventError, Error: stored.Error})
	em.emit(model.StreamEvent{Type: model.EventDone})
	return nil
}
