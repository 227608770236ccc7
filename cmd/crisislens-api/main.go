package main

import (
	"context"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	cli "github.com/urfave/cli/v3"

	"github.com/crisislens/pipeline/pkg/bus"
	"github.com/crisislens/pipeline/pkg/cmd"
	"github.com/crisislens/pipeline/pkg/engine"
	"github.com/crisislens/pipeline/pkg/executor"
	"github.com/crisislens/pipeline/pkg/log"
	"github.com/crisislens/pipeline/pkg/otelhelper"
	"github.com/crisislens/pipeline/pkg/stages"
	"github.com/crisislens/pipeline/pkg/statestore"
)

func main() {
	command := &cli.Command{
		Name:                  "crisislens-api",
		EnableShellCompletion: true,
		Usage:                 "Start the workflow lifecycle HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   8080,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "state-store-url",
				Usage:    "State store connection URL (redis://, postgres:// or memory)",
				Required: true,
				Sources:  cli.EnvVars("STATE_STORE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("crisislens-api")
			logger.InfoContext(ctx, "Initializing CrisisLens API")

			if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
				if _, err := otelhelper.NewTracer(ctx, "crisislens-api"); err != nil {
					logger.WarnContext(ctx, "Failed to initialize tracing", "error", err)
				}
			}

			store, err := cmd.NewStateStore(ctx, logger, command.String("state-store-url"), statestore.DefaultTTL)
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close state store", "error", err)
				}
			}()

			publisher, _, err := cmd.NewChannel(command.String("event-bus"), watermill.NewSlogLogger(logger), "crisislens-api")
			if err != nil {
				return err
			}

			producer := bus.NewProducer(publisher, "crisislens-api", logger)
			defer func() {
				if err := producer.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close producer", "error", err)
				}
			}()

			eng := engine.New(store, stages.Default(), engine.DefaultErrorPolicy(), logger)

			exec, err := executor.New(store, eng, producer, logger)
			if err != nil {
				return err
			}

			api := NewAPI(logger, store, exec)

			logger.InfoContext(ctx, "Starting API server", "port", command.Int("port"))

			return api.Start(command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
