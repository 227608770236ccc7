package web

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/crisislens/pipeline/pkg/executor"
	"github.com/crisislens/pipeline/pkg/models"
	"github.com/crisislens/pipeline/pkg/statestore"
)

// APIHandlers exposes the workflow lifecycle over HTTP.
type APIHandlers struct {
	executor  *executor.Executor
	store     statestore.Store
	validator *validator.Validate
}

func NewAPIHandlers(exec *executor.Executor, store statestore.Store, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		executor:  exec,
		store:     store,
		validator: validator,
	}
}

// StartWorkflow admits a raw item. The call returns once the workflow has
// paused or terminated, so the response status is final for low-risk items.
func (h *APIHandlers) StartWorkflow(c fiber.Ctx) error {
	var rawItem map[string]any
	if err := c.Bind().JSON(&rawItem); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	workflowID, err := h.executor.Start(c.Context(), rawItem)
	if err != nil {
		return handleLifecycleError(c, err)
	}

	snapshot, err := h.executor.GetStatus(c.Context(), workflowID)
	if err != nil {
		return handleLifecycleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(StartWorkflowResponse{
		WorkflowID: workflowID,
		Status:     snapshot.Status,
	})
}

// GetWorkflow returns the status projection of one workflow.
func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	snapshot, err := h.executor.GetStatus(c.Context(), id)
	if err != nil {
		return handleLifecycleError(c, err)
	}

	return c.JSON(snapshot)
}

// ResumeWorkflow applies a review decision to a paused workflow.
func (h *APIHandlers) ResumeWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req ResumeWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.executor.Resume(c.Context(), id, models.ReviewStatus(req.Decision)); err != nil {
		return handleLifecycleError(c, err)
	}

	snapshot, err := h.executor.GetStatus(c.Context(), id)
	if err != nil {
		return handleLifecycleError(c, err)
	}

	return c.JSON(snapshot)
}

// CancelWorkflow stops a running or paused workflow.
func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	if err := h.executor.Cancel(c.Context(), id); err != nil {
		return handleLifecycleError(c, err)
	}

	snapshot, err := h.executor.GetStatus(c.Context(), id)
	if err != nil {
		return handleLifecycleError(c, err)
	}

	return c.JSON(snapshot)
}

// GetPausedWorkflows lists the human-review queue.
func (h *APIHandlers) GetPausedWorkflows(c fiber.Ctx) error {
	ids, err := h.store.PausedWorkflows(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(PausedWorkflowsResponse{WorkflowIDs: ids, Count: len(ids)})
}

// HealthCheck reports the state store's availability.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	response := HealthResponse{Status: "healthy", Checks: map[string]string{"statestore": "ok"}}

	if err := h.store.HealthCheck(c.Context()); err != nil {
		response.Status = "unhealthy"
		response.Checks["statestore"] = err.Error()

		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}

	return c.JSON(response)
}
