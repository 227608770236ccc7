package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/crisislens/pipeline/pkg/executor"
	"github.com/crisislens/pipeline/pkg/statestore"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("workflow_not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("invalid_transition").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleLifecycleError maps executor and store errors onto problem
// responses.
func handleLifecycleError(c fiber.Ctx, err error) error {
	switch {
	case executor.IsValidationError(err):
		return badRequest(c, err.Error())
	case statestore.IsStateNotFound(err):
		return notFound(c, "workflow not found")
	case errors.Is(err, executor.ErrInvalidTransition):
		return conflict(c, err.Error())
	default:
		return internalError(c, err)
	}
}
