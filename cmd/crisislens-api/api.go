// Package main provides the pipeline API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/crisislens/pipeline/pkg/executor"
	"github.com/crisislens/pipeline/pkg/statestore"
	"github.com/crisislens/pipeline/pkg/web"
)

type API struct {
	logger   *slog.Logger
	store    statestore.Store
	executor *executor.Executor
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, store statestore.Store, exec *executor.Executor) *API {
	return &API{
		logger:   logger,
		store:    store,
		executor: exec,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.executor, a.store, a.validate)

	return web.NewApp(handlers)
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
