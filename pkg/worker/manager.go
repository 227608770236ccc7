// Package worker runs the pipeline's bus-driven side: the consumer groups
// that admit items and fan out notifications, plus the periodic jobs for
// review reminders and state expiry.
package worker

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/robfig/cron/v3"

	"github.com/crisislens/pipeline/pkg/bus"
	"github.com/crisislens/pipeline/pkg/events"
	"github.com/crisislens/pipeline/pkg/executor"
	"github.com/crisislens/pipeline/pkg/statestore"
)

// Consumer group names. Each group gets its own subscriber so its offsets
// advance independently.
const (
	GroupMain          = "main"
	GroupNotifications = "notifications"
	GroupActivity      = "activity"
)

const (
	reminderSchedule = "@every 15m"
	purgeSchedule    = "@every 1h"
)

// ChannelFactory builds a publisher/subscriber pair for one named service.
// The service name determines the consumer group.
type ChannelFactory func(logger watermill.LoggerAdapter, serviceName string) (message.Publisher, message.Subscriber, error)

// Manager wires the consumer groups and periodic jobs of one worker process.
type Manager struct {
	id        string
	store     statestore.Store
	executor  *executor.Executor
	producer  *bus.Producer
	factory   ChannelFactory
	wmLogger  watermill.LoggerAdapter
	logger    *slog.Logger
	consumers []*bus.Consumer
	cron      *cron.Cron
}

func NewManager(
	id string,
	store statestore.Store,
	exec *executor.Executor,
	producer *bus.Producer,
	factory ChannelFactory,
	wmLogger watermill.LoggerAdapter,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		id:       id,
		store:    store,
		executor: exec,
		producer: producer,
		factory:  factory,
		wmLogger: wmLogger,
		logger:   logger.With("module", "worker", "worker_id", id),
		cron:     cron.New(),
	}
}

// Start subscribes every consumer group, schedules the periodic jobs and
// blocks until SIGINT or SIGTERM.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting worker manager")

	if err := m.subscribeAll(ctx); err != nil {
		return err
	}

	if err := m.scheduleJobs(ctx); err != nil {
		return err
	}

	m.cron.Start()

	m.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	m.logger.InfoContext(ctx, "Shutting down worker...")

	return m.Close()
}

// subscribeAll builds and subscribes the three consumer groups.
func (m *Manager) subscribeAll(ctx context.Context) error {
	groups := []struct {
		name     string
		handlers map[string]bus.Handler
	}{
		{
			name: GroupMain,
			handlers: map[string]bus.Handler{
				events.TopicRawItems:        m.handleRawItem,
				events.TopicNormalizedItems: m.handleNormalizedItem,
				events.TopicClaims:          m.handleClaim,
			},
		},
		{
			name: GroupNotifications,
			handlers: map[string]bus.Handler{
				events.TopicAlerts:        m.handleAlert,
				events.TopicNotifications: m.handleNotification,
			},
		},
		{
			name: GroupActivity,
			handlers: map[string]bus.Handler{
				events.TopicUserActivity: m.handleUserActivity,
			},
		},
	}

	for _, group := range groups {
		// The group name, not the worker id, determines the consumer group:
		// every worker instance shares offsets within a group.
		_, subscriber, err := m.factory(m.wmLogger, "crisislens-"+group.name)
		if err != nil {
			return err
		}

		consumer := bus.NewConsumer(group.name, subscriber, m.producer, m.logger)

		for topic, handler := range group.handlers {
			consumer.Handle(topic, handler)
		}

		if err := consumer.Subscribe(ctx); err != nil {
			return err
		}

		m.consumers = append(m.consumers, consumer)
	}

	return nil
}

// Close stops the periodic jobs, then drains and closes every consumer.
func (m *Manager) Close() error {
	<-m.cron.Stop().Done()

	var firstErr error

	for _, consumer := range m.consumers {
		if err := consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
