// Package models defines the core domain models for the verification pipeline.
package models

import (
	"time"
)

// WorkflowStatus represents the lifecycle state of a verification run.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"   // Entry state, engine is driving stages
	WorkflowStatusPaused    WorkflowStatus = "paused"    // Suspended awaiting a human-review decision
	WorkflowStatusCompleted WorkflowStatus = "completed" // Terminal, advisory published
	WorkflowStatusFailed    WorkflowStatus = "failed"    // Terminal, retries exhausted
	WorkflowStatusCancelled WorkflowStatus = "cancelled" // Terminal, cancelled by an operator
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// CanTransitionTo reports whether the state machine allows moving to next.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	switch s {
	case WorkflowStatusRunning:
		return next == WorkflowStatusPaused || next == WorkflowStatusCompleted ||
			next == WorkflowStatusFailed || next == WorkflowStatusCancelled
	case WorkflowStatusPaused:
		return next == WorkflowStatusRunning || next == WorkflowStatusCancelled
	default:
		return false
	}
}

// ReviewStatus tracks the human-review gate decision for a paused workflow.
type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusApproved ReviewStatus = "approved"
	ReviewStatusRejected ReviewStatus = "rejected"
)

// WorkflowState is the serializable record describing one in-flight
// verification run. It is exclusively owned by the engine while a stage is
// executing; every other party reads snapshots loaded from the state store.
type WorkflowState struct {
	WorkflowID string         `json:"workflow_id" validate:"required"`
	RawItem    map[string]any `json:"raw_item"    validate:"required"`

	// StageOutputs maps a stage name to the payload that stage produced.
	// A stage only ever writes its own key; later stages read prior keys.
	StageOutputs map[string]any `json:"stage_outputs"`

	Status            WorkflowStatus `json:"status"`
	RiskScore         *float64       `json:"risk_score,omitempty"`
	NeedsHumanReview  bool           `json:"needs_human_review"`
	HumanReviewStatus ReviewStatus   `json:"human_review_status,omitempty"`

	// Errors is the append-only list of stage-qualified error strings.
	Errors     []string `json:"errors"`
	RetryCount int      `json:"retry_count"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflowState builds the initial state for a fresh run.
func NewWorkflowState(workflowID string, rawItem map[string]any) *WorkflowState {
	now := time.Now().UTC()

	return &WorkflowState{
		WorkflowID:   workflowID,
		RawItem:      rawItem,
		StageOutputs: make(map[string]any),
		Status:       WorkflowStatusRunning,
		Errors:       make([]string, 0),
		RetryCount:   0,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// Touch advances UpdatedAt, keeping it monotonically non-decreasing even if
// the wall clock steps backwards between mutations.
func (s *WorkflowState) Touch() {
	now := time.Now().UTC()
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// Output returns the recorded payload of the named stage.
func (s *WorkflowState) Output(stage string) (any, bool) {
	out, ok := s.StageOutputs[stage]

	return out, ok
}

// Claims returns the claim list produced by the extract_claims stage, or nil
// if that stage has not run yet.
func (s *WorkflowState) Claims() []map[string]any {
	raw, ok := s.StageOutputs["extract_claims"]
	if !ok {
		return nil
	}

	switch typed := raw.(type) {
	case []map[string]any:
		return typed
	case []any:
		// JSON round-trips decode lists as []any.
		claims := make([]map[string]any, 0, len(typed))

		for _, entry := range typed {
			if claim, ok := entry.(map[string]any); ok {
				claims = append(claims, claim)
			}
		}

		return claims
	default:
		return nil
	}
}

// StatusSnapshot is the read-only projection exposed by the executor API.
type StatusSnapshot struct {
	WorkflowID        string         `json:"workflow_id"`
	Status            WorkflowStatus `json:"status"`
	RiskScore         *float64       `json:"risk_score,omitempty"`
	NeedsHumanReview  bool           `json:"needs_human_review"`
	HumanReviewStatus ReviewStatus   `json:"human_review_status,omitempty"`
	Errors            []string       `json:"errors"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Snapshot projects the state into its API-visible form. The errors slice is
// copied so callers cannot grow the live record.
func (s *WorkflowState) Snapshot() StatusSnapshot {
	errs := make([]string, len(s.Errors))
	copy(errs, s.Errors)

	return StatusSnapshot{
		WorkflowID:        s.WorkflowID,
		Status:            s.Status,
		RiskScore:         s.RiskScore,
		NeedsHumanReview:  s.NeedsHumanReview,
		HumanReviewStatus: s.HumanReviewStatus,
		Errors:            errs,
		StartedAt:         s.StartedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}
