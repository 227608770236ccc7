package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp assembles the fiber application with all pipeline routes.
func NewApp(handlers *APIHandlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("CrisisLens Pipeline API")
	})

	w := app.Group("/workflows")
	w.Post("/", handlers.StartWorkflow)
	// Registered before /:id so "paused" is not read as a workflow id.
	w.Get("/paused", handlers.GetPausedWorkflows)
	w.Get("/:id", handlers.GetWorkflow)
	w.Post("/:id/resume", handlers.ResumeWorkflow)
	w.Post("/:id/cancel", handlers.CancelWorkflow)

	app.Get("/health", handlers.HealthCheck)

	return app
}
