package worker

import (
	"context"
	"fmt"

	"github.com/crisislens/pipeline/pkg/bus"
	"github.com/crisislens/pipeline/pkg/events"
)

// handleRawItem admits an incoming item into the pipeline. Validation
// failures are returned so the message lands on the dlq topic with its
// reason attached.
func (m *Manager) handleRawItem(ctx context.Context, msg *bus.Message) error {
	workflowID, err := m.executor.Start(ctx, stripBusFields(msg.Payload))
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Raw item admitted",
		"workflow_id", workflowID, "key", msg.Key)

	return nil
}

// handleNormalizedItem covers items scored by an external classifier before
// reaching us: anything above the alert threshold fans out immediately, the
// full verification run follows via raw-items.
func (m *Manager) handleNormalizedItem(ctx context.Context, msg *bus.Message) error {
	payload := msg.Payload

	score, ok := payload["risk_score"].(float64)
	if !ok || score <= events.AlertRiskThreshold {
		return nil
	}

	itemID, _ := payload["id"].(string)

	alert := events.HighRiskAlert{
		ItemID:   itemID,
		Type:     "high_risk_item",
		Severity: "critical",
		Message:  fmt.Sprintf("pre-scored item %s at %.2f", itemID, score),
		Data:     stripBusFields(payload),
	}

	if !m.producer.Send(ctx, events.TopicAlerts, itemID, alert) {
		return fmt.Errorf("failed to publish alert for item %s", itemID)
	}

	return nil
}

// handleClaim re-verifies a single claim routed back into the pipeline, for
// example after new evidence surfaced.
func (m *Manager) handleClaim(ctx context.Context, msg *bus.Message) error {
	payload := msg.Payload

	text, _ := payload["text"].(string)
	if text == "" {
		return fmt.Errorf("claim message has no text")
	}

	item := map[string]any{"text": text}

	if claimID, ok := payload["claim_id"].(string); ok && claimID != "" {
		item["id"] = "claim-" + claimID
	}

	if source, ok := payload["source"].(string); ok {
		item["source"] = source
	}

	workflowID, err := m.executor.Start(ctx, item)
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Claim re-verification started",
		"workflow_id", workflowID, "claim_id", item["id"])

	return nil
}

// handleAlert turns a high-risk alert into a notification delivery request.
func (m *Manager) handleAlert(ctx context.Context, msg *bus.Message) error {
	payload := msg.Payload

	itemID, _ := payload["item_id"].(string)
	message, _ := payload["message"].(string)

	notification := events.Notification{
		Type:     "high_risk_alert",
		Severity: "critical",
		Title:    message,
		Data:     stripBusFields(payload),
		Channels: []string{"ops", "review"},
	}

	if !m.producer.Send(ctx, events.TopicNotifications, itemID, notification) {
		return fmt.Errorf("failed to queue notification for item %s", itemID)
	}

	return nil
}

// handleNotification records the delivery request. Actual channel delivery
// (mail, chat hooks) lives outside this service.
func (m *Manager) handleNotification(ctx context.Context, msg *bus.Message) error {
	m.logger.InfoContext(ctx, "Notification queued for delivery",
		"type", msg.Payload["type"], "severity", msg.Payload["severity"], "title", msg.Payload["title"])

	return nil
}

// handleUserActivity audits reviewer activity events.
func (m *Manager) handleUserActivity(ctx context.Context, msg *bus.Message) error {
	m.logger.InfoContext(ctx, "User activity recorded",
		"user", msg.Payload["user"], "action", msg.Payload["action"], "workflow_id", msg.Payload["workflow_id"])

	return nil
}

// stripBusFields drops the transport metadata the producer injected so it
// does not leak into workflow state or re-published payloads.
func stripBusFields(payload map[string]any) map[string]any {
	cleaned := make(map[string]any, len(payload))

	for key, value := range payload {
		if key == bus.TimestampField || key == bus.ProducerField {
			continue
		}

		cleaned[key] = value
	}

	return cleaned
}
