package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	defaultSendAttempts = 3
	sendRetryDelay      = 100 * time.Millisecond
)

// Producer publishes JSON payloads to bus topics. Delivery is at-least-once:
// sends are retried internally a bounded number of times and the outcome is
// reported as a boolean so callers decide how to react to exhaustion.
type Producer struct {
	publisher   message.Publisher
	clientID    string
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
}

// NewProducer wraps a watermill publisher. clientID is stamped into every
// payload's _producer field.
func NewProducer(publisher message.Publisher, clientID string, logger *slog.Logger) *Producer {
	return &Producer{
		publisher:   publisher,
		clientID:    clientID,
		maxAttempts: defaultSendAttempts,
		retryDelay:  sendRetryDelay,
		logger:      logger.With("module", "bus_producer", "client_id", clientID),
	}
}

// Send publishes payload to topic under the given partition key. The payload
// must marshal to a JSON object; it is enriched with _timestamp and
// _producer before transmission. Returns false when the payload cannot be
// encoded or every attempt failed.
func (p *Producer) Send(ctx context.Context, topic, key string, payload any) bool {
	data, err := p.encode(payload)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to encode payload", "topic", topic, "error", err)

		return false
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)

	if key != "" {
		msg.Metadata.Set(KeyMetadataKey, key)
	}

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err = p.publisher.Publish(topic, msg)
		if err == nil {
			p.logger.DebugContext(ctx, "Message published", "topic", topic, "key", key)

			return true
		}

		p.logger.WarnContext(ctx, "Publish attempt failed",
			"topic", topic, "attempt", attempt, "error", err)

		if attempt < p.maxAttempts {
			select {
			case <-ctx.Done():
				p.logger.ErrorContext(ctx, "Publish aborted", "topic", topic, "error", ctx.Err())

				return false
			case <-time.After(p.retryDelay):
			}
		}
	}

	p.logger.ErrorContext(ctx, "Publish retries exhausted", "topic", topic, "key", key, "error", err)

	return false
}

// encode marshals payload and injects the producer metadata fields.
func (p *Producer) encode(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	object[TimestampField] = time.Now().UTC().Format(time.RFC3339Nano)
	object[ProducerField] = p.clientID

	return json.Marshal(object)
}

// Close releases the underlying publisher.
func (p *Producer) Close() error {
	return p.publisher.Close()
}
