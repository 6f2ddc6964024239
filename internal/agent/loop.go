// Package agent implements the bounded multi-turn tool-calling loop.
//
// The loop is a restart-safe stream transformer: it reads model turns,
// dispatches tool calls, and emits protocol events. It persists nothing;
// durability is the run ledger's job. It always terminates within the
// configured iteration bound regardless of model behavior.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshohq/bansho/internal/llm"
	"github.com/banshohq/bansho/internal/model"
	"github.com/banshohq/bansho/internal/tools"
)

// ToolExecutor dispatches one tool call. Implementations never report tool
// failures as Go errors; those travel in Result.Err.
type ToolExecutor interface {
	Execute(ctx context.Context, call tools.Call) tools.Result
}

// RunInput carries everything one loop invocation needs. Snapshot and
// request context are read-only; the loop never refetches board state.
type RunInput struct {
	BoardID       uuid.UUID
	UserID        string
	CommandID     uuid.UUID
	CommandText   string
	Model         string
	SelectedTools []string
	Snapshot      model.BoardSnapshot
	Context       model.RequestContext
}

// Result is the loop's terminal outcome. Exactly one of the flag fields may
// be set; Text always carries a human-readable closing message.
type Result struct {
	Text              string
	Plan              *model.Plan
	ToolCallCount     int
	NeedsConfirmation bool
	MaxedOut          bool
}

// ErrPlanValidation marks a first-turn plan that failed validation. The run
// fails closed: no tool executed, zero mutations.
type ErrPlanValidation struct{ Reason string }

func (e *ErrPlanValidation) Error() string {
	return fmt.Sprintf("agent: plan validation: %s", e.Reason)
}

// Loop drives the conversation for one run.
type Loop struct {
	provider      llm.TurnProvider
	executor      ToolExecutor
	maxIterations int
	rowLimit      int
	logger        *slog.Logger
}

// NewLoop creates a loop bounded at maxIterations turns, building board
// context with the given snapshot row limit.
func NewLoop(provider llm.TurnProvider, executor ToolExecutor, maxIterations, rowLimit int, logger *slog.Logger) *Loop {
	return &Loop{
		provider:      provider,
		executor:      executor,
		maxIterations: maxIterations,
		rowLimit:      rowLimit,
		logger:        logger,
	}
}

const degradedMessage = "I couldn't finish this command within the allowed number of steps. The changes made so far are in place; please review the board and re-run the rest if needed."

const confirmMessage = "This command would remove content from the board. Resubmit or resume with explicit confirmation to proceed."

// Run executes the loop until a terminal turn, a confirmation gate, or the
// iteration bound. Events are emitted in protocol order; emit is called from
// the loop goroutine only. Committed tool effects are never rolled back.
func (l *Loop) Run(ctx context.Context, in RunInput, emit model.EventSink) (Result, error) {
	transcript := []llm.Message{
		{Role: "system", Content: l.systemPrompt(in)},
	}
	transcript = append(transcript, historyMessages(in.Context.History)...)
	transcript = append(transcript, llm.Message{Role: "user", Content: in.CommandText})

	schemas := tools.Schemas(in.SelectedTools)
	allowed := make(map[string]bool, len(in.SelectedTools))
	for _, name := range in.SelectedTools {
		allowed[name] = true
	}

	res := Result{}
	stepIndex := 0

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		// Forward text deltas live only until the first tool-call delta of
		// this turn; everything after that is pre-narration.
		toolDeltaSeen := false
		turn, err := l.provider.StreamTurn(ctx, llm.TurnRequest{
			Model:    in.Model,
			Messages: transcript,
			Tools:    schemas,
		}, func(d llm.Delta) {
			if d.ToolCallDelta {
				toolDeltaSeen = true
			}
			if d.Text != "" && !toolDeltaSeen {
				emit(model.StreamEvent{Type: model.EventText, Text: d.Text})
			}
		})
		if err != nil {
			return res, fmt.Errorf("agent: turn %d: %w", iteration, err)
		}

		if len(turn.ToolCalls) == 0 {
			res.Text = turn.Content
			return res, nil
		}

		plan := planFromCalls(turn.ToolCalls)
		if err := plan.Validate(allowed); err != nil {
			if iteration == 0 {
				return res, &ErrPlanValidation{Reason: err.Error()}
			}
			// Later turns degrade per call: the registry reports unknown
			// tools as tool errors and the model gets to correct itself.
			l.logger.Warn("turn plan invalid, dispatching anyway",
				"iteration", iteration, "error", err)
		}
		if iteration == 0 {
			res.Plan = plan
			emit(model.StreamEvent{Type: model.EventPlanReady, Plan: plan})
		}

		transcript = append(transcript, llm.Message{
			Role:      "assistant",
			Content:   turn.Content,
			ToolCalls: turn.ToolCalls,
		})

		results, err := l.executeTurn(ctx, in, turn.ToolCalls, stepIndex, emit)
		if err != nil {
			return res, err
		}
		stepIndex += len(turn.ToolCalls)
		res.ToolCallCount += len(turn.ToolCalls)

		needsConfirmation := false
		for i, tr := range results {
			transcript = append(transcript, llm.Message{
				Role:       "tool",
				ToolCallID: turn.ToolCalls[i].ID,
				Content:    resultContent(tr),
			})
			if tr.NeedsConfirmation {
				needsConfirmation = true
			}
		}
		if needsConfirmation {
			res.NeedsConfirmation = true
			res.Text = confirmMessage
			return res, nil
		}
	}

	res.MaxedOut = true
	res.Text = degradedMessage
	return res, nil
}

// executeTurn runs all of one turn's tool calls concurrently. step_started
// and tool_start are emitted before the fan-out and results after the join,
// both in step order, so emit never races.
func (l *Loop) executeTurn(
	ctx context.Context,
	in RunInput,
	calls []llm.ToolCall,
	baseStep int,
	emit model.EventSink,
) ([]tools.Result, error) {
	for i, tc := range calls {
		emit(model.StreamEvent{Type: model.EventStepStarted, Step: &model.StepEvent{Index: baseStep + i, Tool: tc.Name}})
		emit(model.StreamEvent{Type: model.EventToolStart, Tool: &model.ToolEvent{CallID: tc.ID, Name: tc.Name}})
	}

	results := make([]tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		g.Go(func() error {
			args := json.RawMessage(tc.Arguments)
			if !json.Valid(args) && len(tc.Arguments) > 0 {
				// Parse failures feed back into the transcript as tool
				// errors, never an abort.
				results[i] = tools.Result{
					CallID: tc.ID,
					Name:   tc.Name,
					Err:    "tool arguments are not valid JSON",
				}
				return nil
			}
			results[i] = l.executor.Execute(gctx, tools.Call{
				BoardID:  in.BoardID,
				UserID:   in.UserID,
				CallID:   tc.ID,
				ClientID: tools.ClientID(in.CommandID, baseStep+i),
				Name:     tc.Name,
				Args:     args,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("agent: execute turn: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("agent: execute turn: %w", err)
	}

	for i, tr := range results {
		emit(model.StreamEvent{Type: model.EventToolResult, Tool: &model.ToolEvent{
			CallID: tr.CallID,
			Name:   tr.Name,
			Result: tr.Data,
			Error:  tr.Err,
		}})
		step := &model.StepEvent{Index: baseStep + i, Tool: calls[i].Name}
		if tr.Err != "" {
			step.Error = tr.Err
			emit(model.StreamEvent{Type: model.EventStepFailed, Step: step})
		} else {
			emit(model.StreamEvent{Type: model.EventStepSucceeded, Step: step})
		}
	}
	return results, nil
}

func planFromCalls(calls []llm.ToolCall) *model.Plan {
	plan := &model.Plan{Steps: make([]model.PlanStep, 0, len(calls))}
	for _, tc := range calls {
		step := model.PlanStep{Tool: tc.Name}
		var args map[string]any
		if json.Unmarshal([]byte(tc.Arguments), &args) == nil {
			step.Args = args
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan
}

func resultContent(tr tools.Result) string {
	if tr.Err != "" {
		payload, _ := json.Marshal(map[string]any{"error": tr.Err})
		return string(payload)
	}
	if tr.NeedsConfirmation {
		payload, _ := json.Marshal(map[string]any{"needs_confirmation": true})
		return string(payload)
	}
	payload, err := json.Marshal(tr.Data)
	if err != nil {
		return `{"error": "unserializable result"}`
	}
	return string(payload)
}

func historyMessages(history []model.HistoryEntry) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, h := range history {
		role := h.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		out = append(out, llm.Message{Role: role, Content: h.Text})
	}
	return out
}

func (l *Loop) systemPrompt(in RunInput) string {
	return "You are a board assistant. You modify a shared visual board by calling tools. " +
		"Use the provided tools to carry out the user's command; when you are finished, " +
		"reply with a short plain-text summary of what you did and call no more tools.\n\n" +
		"Current board state:\n" + BuildContext(in.Snapshot, in.Context, l.rowLimit)
}
