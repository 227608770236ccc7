package main

import (
	"context"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/crisislens/pipeline/pkg/bus"
	"github.com/crisislens/pipeline/pkg/cmd"
	"github.com/crisislens/pipeline/pkg/engine"
	"github.com/crisislens/pipeline/pkg/executor"
	"github.com/crisislens/pipeline/pkg/log"
	"github.com/crisislens/pipeline/pkg/otelhelper"
	"github.com/crisislens/pipeline/pkg/stages"
	"github.com/crisislens/pipeline/pkg/statestore"
	"github.com/crisislens/pipeline/pkg/worker"
)

func main() {
	command := &cli.Command{
		Name:                  "crisislens-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker consuming pipeline topics and running verification workflows",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
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

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("crisislens-worker").With("worker_id", workerID)
			wmLogger := watermill.NewSlogLogger(logger)

			logger.InfoContext(ctx, "Initializing CrisisLens worker")

			if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
				if _, err := otelhelper.NewTracer(ctx, "crisislens-worker"); err != nil {
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

			provider := command.String("event-bus")

			publisher, _, err := cmd.NewChannel(provider, wmLogger, workerID)
			if err != nil {
				return err
			}

			producer := bus.NewProducer(publisher, workerID, logger)
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

			factory := func(wm watermill.LoggerAdapter, serviceName string) (message.Publisher, message.Subscriber, error) {
				return cmd.NewChannel(provider, wm, serviceName)
			}

			manager := worker.NewManager(workerID, store, exec, producer, factory, wmLogger, logger)

			if err := manager.Start(ctx); err != nil {
				logger.ErrorContext(ctx, "Worker stopped with error", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
