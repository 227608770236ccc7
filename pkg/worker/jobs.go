package worker

import (
	"context"

	"github.com/crisislens/pipeline/pkg/events"
	"github.com/crisislens/pipeline/pkg/statestore"
)

// scheduleJobs registers the periodic maintenance jobs: review reminders for
// parked workflows and, for stores without native expiry, the TTL purge.
func (m *Manager) scheduleJobs(ctx context.Context) error {
	if _, err := m.cron.AddFunc(reminderSchedule, func() { m.remindReviewers(ctx) }); err != nil {
		return err
	}

	sweeper, ok := m.store.(statestore.Sweeper)
	if !ok {
		return nil
	}

	_, err := m.cron.AddFunc(purgeSchedule, func() {
		purged, err := sweeper.PurgeExpired(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "Expiry purge failed", "error", err)

			return
		}

		if purged > 0 {
			m.logger.InfoContext(ctx, "Purged expired workflow state", "records", purged)
		}
	})

	return err
}

// remindReviewers nudges the review queue about every paused workflow.
func (m *Manager) remindReviewers(ctx context.Context) {
	paused, err := m.store.PausedWorkflows(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to list paused workflows", "error", err)

		return
	}

	for _, workflowID := range paused {
		state, err := m.store.Load(ctx, workflowID)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to load paused workflow",
				"workflow_id", workflowID, "error", err)

			continue
		}

		reminder := events.ReviewReminder{
			WorkflowID:  workflowID,
			PausedSince: state.UpdatedAt,
			RiskScore:   state.RiskScore,
		}

		if !m.producer.Send(ctx, events.TopicNotifications, workflowID, reminder) {
			m.logger.ErrorContext(ctx, "Failed to publish review reminder",
				"workflow_id", workflowID)
		}
	}

	if len(paused) > 0 {
		m.logger.InfoContext(ctx, "Review reminders sent", "count", len(paused))
	}
}
