package command

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/banshohq/bansho/internal/model"
	"github.com/banshohq/bansho/internal/storage"
)

// Resume re-attaches to an existing run. Only the original submitter may
// resume: completed runs replay their stored response verbatim; fresh
// in-flight runs are rejected; stale in-flight runs are recovered to failed
// and re-entered; failed and needs_confirmation runs re-enter directly.
func (s *Service) Resume(ctx context.Context, boardID, commandID uuid.UUID, userID string, sink model.EventSink) error {
	run, err := s.db.GetRunByCommand(ctx, boardID, commandID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrRunNotFound
		}
		return err
	}
	return s.dispatchExisting(ctx, run, userID, sink, true)
}

// dispatchExisting handles a run that already exists. reenterFailed controls
// the failed state: a resume re-enters it, a plain resubmission replays it.
func (s *Service) dispatchExisting(ctx context.Context, run model.Run, userID string, sink model.EventSink, reenterFailed bool) error {
	if run.UserID != userID {
		return ErrForbidden
	}

	if run.Status.InFlight() {
		recovered, err := s.db.RecoverStaleRun(ctx, run.ID, s.opts.StaleRunAfter)
		if err != nil {
			return err
		}
		if !recovered {
			return ErrInProgress
		}
		// The orphan is now failed with a synthetic timeout payload;
		// fall through and re-enter with the stored context.
		run, err = s.db.GetRunByCommand(ctx, run.BoardID, run.CommandID)
		if err != nil {
			return err
		}
		return s.reenter(ctx, run, sink)
	}

	switch run.Status {
	case model.RunStatusCompleted:
		return s.replay(run, sink)
	case model.RunStatusFailed:
		if reenterFailed {
			return s.reenter(ctx, run, sink)
		}
		return s.replay(run, sink)
	case model.RunStatusNeedsConfirmation:
		return s.reenter(ctx, run, sink)
	default:
		return ErrInProgress
	}
}

// reenter claims the run for a fresh execution attempt. The conditional
// transition is the claim: losing it means another process resumed first.
func (s *Service) reenter(ctx context.Context, run model.Run, sink model.EventSink) error {
	err := s.db.TransitionRun(ctx, run.ID, model.RunStatusResuming,
		model.RunStatusFailed, model.RunStatusNeedsConfirmation)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return ErrInProgress
		}
		return err
	}
	run.Status = model.RunStatusResuming

	s.logger.Info("re-entering run",
		"run_id", run.ID,
		"board_id", run.BoardID,
		"command_id", run.CommandID,
	)
	return s.runAttempt(ctx, run, sink)
}

// replay reconstructs the protocol event sequence purely from the stored
// response: no model turns, no tool calls, zero mutations. The emitter is
// salted with the run's terminal update time, which no longer moves, so
// repeated replays are byte-identical.
func (s *Service) replay(run model.Run, sink model.EventSink) error {
	em := newEmitter(sink, run.CommandID, run.CreatedAt, run.UpdatedAt)

	stored := run.StoredResponse
	if stored != nil {
		if stored.Meta != nil {
			em.emit(model.StreamEvent{Type: model.EventMeta, Meta: stored.Meta})
		}
		if stored.Plan != nil {
			em.emit(model.StreamEvent{Type: model.EventPlanReady, Plan: stored.Plan})
		}
		if stored.Text != "" {
			em.emit(model.StreamEvent{Type: model.EventText, Text: stored.Text})
		}
		if stored.Error != nil {
			em.emit(model.StreamEvent{Type: model.EventError, Error: stored.Error})
		}
	}
	em.emit(model.StreamEvent{Type: model.EventDone})
	return nil
}

// GetRun returns the ledger record for a command, applying stale recovery
// lazily: an in-flight run past the threshold is flipped to failed on this
// read.
func (s *Service) GetRun(ctx context.Context, boardID, commandID uuid.UUID) (model.Run, error) {
	run, err := s.db.GetRunByCommand(ctx, boardID, commandID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Run{}, ErrRunNotFound
		}
		return model.Run{}, err
	}
	if !run.Status.InFlight() {
		return run, nil
	}

	recovered, err := s.db.RecoverStaleRun(ctx, run.ID, s.opts.StaleRunAfter)
	if err != nil {
		return model.Run{}, err
	}
	if recovered {
		return s.db.GetRunByCommand(ctx, boardID, commandID)
	}
	return run, nil
}
