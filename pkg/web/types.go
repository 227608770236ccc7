// Package web provides the HTTP surface of the verification pipeline:
// starting workflows, review decisions, cancellation and status lookups.
package web

import "github.com/crisislens/pipeline/pkg/models"

// StartWorkflowResponse acknowledges an admitted item.
type StartWorkflowResponse struct {
	WorkflowID string                `json:"workflow_id"`
	Status     models.WorkflowStatus `json:"status"`
}

// ResumeWorkflowRequest carries the human-review decision.
type ResumeWorkflowRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
}

// PausedWorkflowsResponse lists the review queue.
type PausedWorkflowsResponse struct {
	WorkflowIDs []string `json:"workflow_ids"`
	Count       int      `json:"count"`
}

// HealthResponse reports the API's dependency health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
