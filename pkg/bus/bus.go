// Package bus provides the durable event-bus backbone connecting pipeline
// services: an at-least-once producer, consumer groups with per-topic
// handlers, and dead-letter routing for poison messages.
package bus

import (
	"context"
	"errors"
	"time"
)

// KeyMetadataKey carries the partition key in watermill message metadata.
// Messages sharing a key preserve order within a topic partition.
const KeyMetadataKey = "key"

// TimestampField is injected into every payload by the producer before
// transmission.
const TimestampField = "_timestamp"

// ProducerField records which client produced the payload.
const ProducerField = "_producer"

// Message is a single delivery handed to a topic handler. Delivery is
// at-least-once; handlers must be idempotent.
type Message struct {
	Topic     string
	Key       string
	Payload   map[string]any
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one message from a topic. A returned error routes the
// message to the dead-letter topic; it does not stop the partition.
type Handler func(ctx context.Context, msg *Message) error

// kinder lets domain errors label the dead-letter entries they cause.
type kinder interface {
	ErrorKind() string
}

// errorKind classifies a handler failure for the dead-letter record.
func errorKind(err error) string {
	var k kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}

	return "handler_error"
}
