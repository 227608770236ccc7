// Package executor exposes the workflow lifecycle API: admit a raw item,
// resume a paused review, cancel, and inspect status. It sits between the
// transports (HTTP, bus consumers) and the engine.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/crisislens/pipeline/pkg/bus"
	"github.com/crisislens/pipeline/pkg/engine"
	"github.com/crisislens/pipeline/pkg/events"
	"github.com/crisislens/pipeline/pkg/models"
	"github.com/crisislens/pipeline/pkg/statestore"
)

// rawItemSchema is the admission contract for incoming items. Anything that
// passes is accepted; stages tolerate missing optional fields.
const rawItemSchema = `{
	"type": "object",
	"required": ["text"],
	"properties": {
		"id":         {"type": "string", "minLength": 1},
		"text":       {"type": "string", "minLength": 1},
		"source":     {"type": "string"},
		"language":   {"type": "string"},
		"languages":  {"type": "array", "items": {"type": "string"}},
		"risk_score": {"type": "number"}
	}
}`

// workflowNamespace seeds deterministic workflow ids so re-submitting the
// same item id yields the same workflow.
var workflowNamespace = uuid.MustParse("8a6e1d7c-24c5-4d2f-9a0b-3f51e86cf2a1")

// Executor owns the workflow lifecycle.
type Executor struct {
	store    statestore.Store
	engine   *engine.Engine
	producer *bus.Producer
	schema   *gojsonschema.Schema
	validate *validator.Validate
	logger   *slog.Logger
}

// New builds an executor. The producer may be shared with other components.
func New(store statestore.Store, eng *engine.Engine, producer *bus.Producer, logger *slog.Logger) (*Executor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(rawItemSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile raw item schema: %w", err)
	}

	return &Executor{
		store:    store,
		engine:   eng,
		producer: producer,
		schema:   schema,
		validate: validator.New(),
		logger:   logger.With("module", "executor"),
	}, nil
}

// Start admits a raw item and drives its workflow until it pauses or
// terminates. Items carrying an id get a deterministic workflow id, so a
// redelivered item attaches to its existing run instead of spawning a second
// one. The returned id identifies the workflow either way.
func (e *Executor) Start(ctx context.Context, rawItem map[string]any) (string, error) {
	if err := e.validateRawItem(rawItem); err != nil {
		return "", err
	}

	workflowID, deterministic := deriveWorkflowID(rawItem)

	if deterministic {
		existing, err := e.store.Load(ctx, workflowID)
		if err == nil {
			e.logger.InfoContext(ctx, "Item already has a workflow, skipping",
				"workflow_id", workflowID, "status", existing.Status)

			return workflowID, nil
		}

		if !statestore.IsStateNotFound(err) {
			return "", fmt.Errorf("failed to check for existing workflow: %w", err)
		}
	}

	state := models.NewWorkflowState(workflowID, rawItem)
	if err := e.validate.Struct(state); err != nil {
		return "", &ValidationError{Reasons: []string{err.Error()}}
	}

	if err := e.store.Save(ctx, workflowID, state); err != nil {
		return "", fmt.Errorf("failed to persist initial state: %w", err)
	}

	e.logger.InfoContext(ctx, "Workflow started", "workflow_id", workflowID)

	if err := e.drive(ctx, state, engine.StageNormalize); err != nil {
		return workflowID, err
	}

	return workflowID, nil
}

// Resume applies a human-review decision to a paused workflow and re-enters
// the graph at advisory drafting. Both approve and reject resume; the
// decision travels on the state for downstream consumers.
func (e *Executor) Resume(ctx context.Context, workflowID string, decision models.ReviewStatus) error {
	state, err := e.store.Load(ctx, workflowID)
	if err != nil {
		return err
	}

	if state.Status != models.WorkflowStatusPaused {
		return &TransitionError{WorkflowID: workflowID, Action: "resume", Status: string(state.Status)}
	}

	state.HumanReviewStatus = decision
	state.Status = models.WorkflowStatusRunning
	state.Touch()

	if err := e.store.Save(ctx, workflowID, state); err != nil {
		return fmt.Errorf("failed to persist resumed state: %w", err)
	}

	e.logger.InfoContext(ctx, "Workflow resumed",
		"workflow_id", workflowID, "decision", decision)

	return e.drive(ctx, state, engine.StageDraftAdvisory)
}

// Cancel stops a workflow. Running workflows stop cooperatively at the next
// stage boundary; paused ones stop immediately. Terminal workflows cannot be
// cancelled.
func (e *Executor) Cancel(ctx context.Context, workflowID string) error {
	state, err := e.store.Load(ctx, workflowID)
	if err != nil {
		return err
	}

	if !state.Status.CanTransitionTo(models.WorkflowStatusCancelled) {
		return &TransitionError{WorkflowID: workflowID, Action: "cancel", Status: string(state.Status)}
	}

	state.Status = models.WorkflowStatusCancelled
	state.Touch()

	if err := e.store.Save(ctx, workflowID, state); err != nil {
		return fmt.Errorf("failed to persist cancelled state: %w", err)
	}

	e.logger.InfoContext(ctx, "Workflow cancelled", "workflow_id", workflowID)

	return nil
}

// GetStatus returns the read-only projection of a workflow.
func (e *Executor) GetStatus(ctx context.Context, workflowID string) (models.StatusSnapshot, error) {
	state, err := e.store.Load(ctx, workflowID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}

	return state.Snapshot(), nil
}

// drive runs the engine and publishes the terminal events. A stage
// exhaustion is not surfaced as a call error: the failure lives on the state
// and on the completion event.
func (e *Executor) drive(ctx context.Context, state *models.WorkflowState, from engine.Stage) error {
	err := e.engine.Run(ctx, state, from)
	if err != nil {
		var stageErr *engine.StageExecutionError
		if !errors.As(err, &stageErr) {
			return err
		}
	}

	e.publishTerminal(ctx, state)

	return nil
}

// publishTerminal emits the workflow-completed event for any terminal
// status, plus a high-risk alert when the completed item's score exceeds the
// alert threshold.
func (e *Executor) publishTerminal(ctx context.Context, state *models.WorkflowState) {
	if !state.Status.Terminal() {
		return
	}

	completed := events.WorkflowCompleted{
		WorkflowID: state.WorkflowID,
		ItemID:     rawItemID(state),
		Status:     string(state.Status),
		RiskScore:  state.RiskScore,
		Errors:     state.Errors,
		DurationMs: state.UpdatedAt.Sub(state.StartedAt).Milliseconds(),
	}

	if advisory, ok := state.Output(string(engine.StageDraftAdvisory)); ok {
		if m, ok := advisory.(map[string]any); ok {
			completed.Advisory = m
		}
	}

	if !e.producer.Send(ctx, events.TopicWorkflowCompleted, state.WorkflowID, completed) {
		e.logger.ErrorContext(ctx, "Failed to publish completion event",
			"workflow_id", state.WorkflowID)
	}

	if state.Status == models.WorkflowStatusCompleted &&
		state.RiskScore != nil && *state.RiskScore > events.AlertRiskThreshold {
		alert := events.HighRiskAlert{
			ItemID:     rawItemID(state),
			WorkflowID: state.WorkflowID,
			Type:       "high_risk_item",
			Severity:   "critical",
			Message:    fmt.Sprintf("item %s scored %.2f", rawItemID(state), *state.RiskScore),
			Data:       completed.Advisory,
		}

		if !e.producer.Send(ctx, events.TopicAlerts, alert.ItemID, alert) {
			e.logger.ErrorContext(ctx, "Failed to publish high-risk alert",
				"workflow_id", state.WorkflowID)
		}
	}
}

func (e *Executor) validateRawItem(rawItem map[string]any) error {
	if len(rawItem) == 0 {
		return &ValidationError{Reasons: []string{"raw item is empty"}}
	}

	document, err := json.Marshal(rawItem)
	if err != nil {
		return &ValidationError{Reasons: []string{err.Error()}}
	}

	result, err := e.schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return &ValidationError{Reasons: []string{err.Error()}}
	}

	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))

		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}

		return &ValidationError{Reasons: reasons}
	}

	return nil
}

// deriveWorkflowID maps an item id to a stable workflow id. Items without an
// id get a fresh time-ordered one.
func deriveWorkflowID(rawItem map[string]any) (string, bool) {
	if itemID, ok := rawItem["id"].(string); ok && itemID != "" {
		return uuid.NewSHA1(workflowNamespace, []byte(itemID)).String(), true
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString(), false
	}

	return id.String(), false
}

func rawItemID(state *models.WorkflowState) string {
	if id, ok := state.RawItem["id"].(string); ok {
		return id
	}

	return ""
}
