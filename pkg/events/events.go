// Package events defines the bus topics and typed payloads exchanged between
// pipeline services.
package events

import "time"

// Kafka topics. Logical names; partition counts are an operational concern.
const (
	TopicRawItems          = "raw-items"
	TopicNormalizedItems   = "normalized-items"
	TopicClaims            = "claims"
	TopicAlerts            = "alerts"
	TopicNotifications     = "notifications"
	TopicUserActivity      = "user-activity"
	TopicWorkflowCompleted = "workflow-completed"
	TopicDeadLetter        = "dlq"
)

// AlertRiskThreshold is the risk score above which a completed workflow also
// fans out onto the alerts topic. Strictly greater-than.
const AlertRiskThreshold = 0.8

// WorkflowCompleted is published whenever a workflow reaches a terminal
// status, for downstream indexing, notification and UI consumers.
type WorkflowCompleted struct {
	WorkflowID string         `json:"workflow_id"`
	ItemID     string         `json:"item_id,omitempty"`
	Status     string         `json:"status"`
	RiskScore  *float64       `json:"risk_score,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Advisory   map[string]any `json:"advisory,omitempty"`
}

// HighRiskAlert is published to the alerts topic for items whose risk score
// exceeds AlertRiskThreshold.
type HighRiskAlert struct {
	ItemID     string         `json:"item_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notification is an outbound delivery request for the notification service.
type Notification struct {
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Title    string         `json:"title"`
	Data     map[string]any `json:"data,omitempty"`
	Channels []string       `json:"channels,omitempty"`
}

// ReviewReminder nudges reviewers about workflows parked at the human-review
// gate.
type ReviewReminder struct {
	WorkflowID  string    `json:"workflow_id"`
	PausedSince time.Time `json:"paused_since"`
	RiskScore   *float64  `json:"risk_score,omitempty"`
}

// DeadLetter records a message whose handler failed, preserved on the dlq
// topic for inspection and replay.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalKey       string    `json:"original_key,omitempty"`
	OriginalPayload   any       `json:"original_payload"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	ErrorMessage      string    `json:"error_message"`
	ErrorKind         string    `json:"error_kind"`
	Timestamp         time.Time `json:"timestamp"`
}
