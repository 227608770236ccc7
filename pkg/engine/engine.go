package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crisislens/pipeline/pkg/models"
	"github.com/crisislens/pipeline/pkg/otelhelper"
	"github.com/crisislens/pipeline/pkg/statestore"
)

// Checkpoint names written by the engine.
const (
	CheckpointRiskScored = "risk_scored"
	CheckpointPreReview  = "pre_review"
)

// ErrStageNotRegistered is returned when the graph reaches a stage with no
// registered StageFunc.
var ErrStageNotRegistered = errors.New("stage not registered")

// StageUpdate carries a stage's contribution back to the workflow state.
// Output is recorded under the stage's name; RiskScore, when set, replaces
// the workflow's risk score.
type StageUpdate struct {
	Output    any
	RiskScore *float64
}

// StageFunc executes one processing stage. The state is read-only input;
// mutations flow back through the returned StageUpdate so the engine remains
// the single writer.
type StageFunc func(ctx context.Context, state *models.WorkflowState) (*StageUpdate, error)

// StageExecutionError marks a stage failure after retries were exhausted.
type StageExecutionError struct {
	Stage Stage
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// ErrorKind classifies the failure for dead-letter entries.
func (e *StageExecutionError) ErrorKind() string { return "stage_error" }

// Engine runs workflows through the stage graph. It owns the state while
// driving it: every mutation is persisted before the next stage starts, so a
// crash resumes from the last saved boundary.
type Engine struct {
	store  statestore.Store
	stages map[Stage]StageFunc
	policy ErrorPolicy
	logger *slog.Logger
	tracer trace.Tracer
}

// New builds an engine over the given store and stage registry.
func New(store statestore.Store, stages map[Stage]StageFunc, policy ErrorPolicy, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		stages: stages,
		policy: policy,
		logger: logger.With("module", "engine"),
		tracer: otel.Tracer("crisislens.engine"),
	}
}

// Run drives state from the given stage until it pauses at the human-review
// gate or reaches a terminal status. The caller must have saved the state
// once before calling; Run persists after every mutation.
//
// A nil return means the workflow paused, completed or was cancelled; the
// final status is on the state. A non-nil return reports a persistence
// failure or an exhausted stage, in which case the state has been marked
// failed when the store allowed it.
func (e *Engine) Run(ctx context.Context, state *models.WorkflowState, from Stage) error {
	current := from

	for current != StageComplete {
		cancelled, err := e.checkCancelled(ctx, state)
		if err != nil {
			return err
		}

		if cancelled {
			e.logger.InfoContext(ctx, "Workflow cancelled, stopping at stage boundary",
				"workflow_id", state.WorkflowID, "stage", current)

			return nil
		}

		if current == StageHumanReview {
			return e.pause(ctx, state)
		}

		update, err := e.executeStage(ctx, state, current)
		if err != nil {
			return err
		}

		e.apply(state, current, update)

		// A cancel issued while the stage ran must not be clobbered by the
		// save below.
		cancelled, err = e.checkCancelled(ctx, state)
		if err != nil {
			return err
		}

		if cancelled {
			e.logger.InfoContext(ctx, "Workflow cancelled, discarding stage output",
				"workflow_id", state.WorkflowID, "stage", current)

			return nil
		}

		if err := e.store.Save(ctx, state.WorkflowID, state); err != nil {
			return fmt.Errorf("failed to persist state after stage %s: %w", current, err)
		}

		if current == StageCalculateRisk {
			if err := e.store.CreateCheckpoint(ctx, state.WorkflowID, CheckpointRiskScored, state); err != nil {
				e.logger.ErrorContext(ctx, "Failed to write risk checkpoint",
					"workflow_id", state.WorkflowID, "error", err)
			}
		}

		current = NextStage(current, state.RiskScore)
	}

	state.Status = models.WorkflowStatusCompleted
	state.Touch()

	if err := e.store.Save(ctx, state.WorkflowID, state); err != nil {
		return fmt.Errorf("failed to persist completed state: %w", err)
	}

	e.logger.InfoContext(ctx, "Workflow completed",
		"workflow_id", state.WorkflowID, "stages", len(state.StageOutputs))

	return nil
}

// checkCancelled reloads the stored status so a cancellation issued by
// another process takes effect at the next stage boundary.
func (e *Engine) checkCancelled(ctx context.Context, state *models.WorkflowState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	stored, err := e.store.Load(ctx, state.WorkflowID)
	if err != nil {
		if statestore.IsStateNotFound(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to check for cancellation: %w", err)
	}

	if stored.Status == models.WorkflowStatusCancelled {
		state.Status = models.WorkflowStatusCancelled
		state.UpdatedAt = stored.UpdatedAt

		return true, nil
	}

	return false, nil
}

// pause parks the workflow at the human-review gate. The state and a
// pre_review checkpoint are persisted and the call returns without blocking;
// a resume request re-enters the graph later.
func (e *Engine) pause(ctx context.Context, state *models.WorkflowState) error {
	state.NeedsHumanReview = true
	state.HumanReviewStatus = models.ReviewStatusPending
	state.Status = models.WorkflowStatusPaused
	state.Touch()

	if err := e.store.Save(ctx, state.WorkflowID, state); err != nil {
		return fmt.Errorf("failed to persist paused state: %w", err)
	}

	if err := e.store.CreateCheckpoint(ctx, state.WorkflowID, CheckpointPreReview, state); err != nil {
		e.logger.ErrorContext(ctx, "Failed to write pre-review checkpoint",
			"workflow_id", state.WorkflowID, "error", err)
	}

	e.logger.InfoContext(ctx, "Workflow paused for human review",
		"workflow_id", state.WorkflowID, "risk_score", state.RiskScore)

	return nil
}

// executeStage runs one stage under the retry policy. Each failed attempt is
// recorded on the state and persisted; exhaustion marks the workflow failed
// and returns a StageExecutionError.
func (e *Engine) executeStage(ctx context.Context, state *models.WorkflowState, stage Stage) (*StageUpdate, error) {
	fn, ok := e.stages[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStageNotRegistered, stage)
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "stage."+string(stage),
		attribute.String(otelhelper.WorkflowIDKey, state.WorkflowID),
		attribute.String(otelhelper.StageKey, string(stage)),
	)
	defer span.End()

	state.RetryCount = 0

	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxRetries; attempt++ {
		update, err := fn(ctx, state)
		if err == nil {
			span.SetAttributes(attribute.Int("workflow.attempts", attempt))

			return update, nil
		}

		lastErr = err
		state.Errors = append(state.Errors, fmt.Sprintf("%s: %s", stage, err))
		state.RetryCount = attempt
		state.Touch()

		if saveErr := e.store.Save(ctx, state.WorkflowID, state); saveErr != nil {
			return nil, fmt.Errorf("failed to persist state after stage error: %w", saveErr)
		}

		e.logger.WarnContext(ctx, "Stage attempt failed",
			"workflow_id", state.WorkflowID, "stage", stage, "attempt", attempt, "error", err)

		if attempt < e.policy.MaxRetries {
			if err := e.wait(ctx, e.policy.Backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}

	state.Status = models.WorkflowStatusFailed
	state.Touch()

	if err := e.store.Save(ctx, state.WorkflowID, state); err != nil {
		return nil, fmt.Errorf("failed to persist failed state: %w", err)
	}

	stageErr := &StageExecutionError{Stage: stage, Err: lastErr}
	otelhelper.SetError(span, stageErr,
		attribute.String(otelhelper.WorkflowIDKey, state.WorkflowID),
		attribute.String(otelhelper.StageKey, string(stage)))

	e.logger.ErrorContext(ctx, "Stage retries exhausted",
		"workflow_id", state.WorkflowID, "stage", stage, "error", lastErr)

	return nil, stageErr
}

func (e *Engine) apply(state *models.WorkflowState, stage Stage, update *StageUpdate) {
	if update != nil {
		if update.Output != nil {
			state.StageOutputs[string(stage)] = update.Output
		}

		if update.RiskScore != nil {
			state.RiskScore = update.RiskScore
		}
	}

	state.RetryCount = 0
	state.Touch()
}

func (e *Engine) wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
