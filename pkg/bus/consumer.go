package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	kafka "github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"

	"github.com/crisislens/pipeline/pkg/events"
)

// Consumer is one consumer group member: it subscribes to the topics it has
// handlers for, dispatches each message to the registered handler, and routes
// handler failures to the dead-letter topic so one poisoned message never
// blocks a partition.
//
// Messages are acknowledged after the handler returns (success or failure);
// a crash mid-handler causes redelivery on restart, so handlers must be
// idempotent.
type Consumer struct {
	group      string
	subscriber message.Subscriber
	dlq        *Producer
	handlers   map[string]Handler
	logger     *slog.Logger
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// NewConsumer builds a consumer for the given group. dlq is the producer
// used for dead-letter entries; it may publish on a different connection
// than the subscriber.
func NewConsumer(group string, subscriber message.Subscriber, dlq *Producer, logger *slog.Logger) *Consumer {
	return &Consumer{
		group:      group,
		subscriber: subscriber,
		dlq:        dlq,
		handlers:   make(map[string]Handler),
		logger:     logger.With("module", "bus_consumer", "group", group),
	}
}

// Handle registers the handler for a topic. Must be called before Subscribe.
func (c *Consumer) Handle(topic string, handler Handler) {
	c.handlers[topic] = handler
}

// Subscribe starts one consume loop per registered topic and returns. The
// loops run until Close is called or ctx is cancelled.
func (c *Consumer) Subscribe(ctx context.Context) error {
	if len(c.handlers) == 0 {
		return fmt.Errorf("consumer group %s has no registered handlers", c.group)
	}

	ctx, c.cancel = context.WithCancel(ctx)

	for topic := range c.handlers {
		messages, err := c.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
		}

		c.wg.Add(1)

		go c.consume(ctx, topic, messages)
	}

	c.logger.InfoContext(ctx, "Consumer group subscribed", "topics", len(c.handlers))

	return nil
}

func (c *Consumer) consume(ctx context.Context, topic string, messages <-chan *message.Message) {
	defer c.wg.Done()

	for msg := range messages {
		c.process(ctx, topic, msg)

		// Always acknowledge: failures are preserved on the dlq topic and
		// the partition keeps moving.
		msg.Ack()
	}

	c.logger.InfoContext(ctx, "Consume loop stopped", "topic", topic)
}

func (c *Consumer) process(ctx context.Context, topic string, msg *message.Message) {
	received := &Message{
		Topic: topic,
		Key:   msg.Metadata.Get(KeyMetadataKey),
	}

	if partition, ok := kafka.MessagePartitionFromCtx(msg.Context()); ok {
		received.Partition = partition
	}

	if offset, ok := kafka.MessagePartitionOffsetFromCtx(msg.Context()); ok {
		received.Offset = offset
	}

	if timestamp, ok := kafka.MessageTimestampFromCtx(msg.Context()); ok {
		received.Timestamp = timestamp
	} else {
		received.Timestamp = time.Now().UTC()
	}

	handler, exists := c.handlers[topic]
	if !exists {
		c.logger.WarnContext(ctx, "No handler registered for topic, skipping", "topic", topic)

		return
	}

	if err := json.Unmarshal(msg.Payload, &received.Payload); err != nil {
		c.logger.ErrorContext(ctx, "Failed to decode message payload", "topic", topic, "error", err)
		c.deadLetter(ctx, received, string(msg.Payload), fmt.Errorf("failed to decode payload: %w", err), "decode_error")

		return
	}

	if err := handler(ctx, received); err != nil {
		c.logger.ErrorContext(ctx, "Handler failed",
			"topic", topic, "key", received.Key, "error", err)
		c.deadLetter(ctx, received, received.Payload, err, errorKind(err))
	}
}

// deadLetter writes exactly one dlq entry for an unrecoverable handler
// failure.
func (c *Consumer) deadLetter(ctx context.Context, msg *Message, payload any, cause error, kind string) {
	entry := events.DeadLetter{
		OriginalTopic:     msg.Topic,
		OriginalKey:       msg.Key,
		OriginalPayload:   payload,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		ErrorMessage:      cause.Error(),
		ErrorKind:         kind,
		Timestamp:         time.Now().UTC(),
	}

	if !c.dlq.Send(ctx, events.TopicDeadLetter, msg.Key, entry) {
		c.logger.ErrorContext(ctx, "Failed to publish dead-letter entry",
			"original_topic", msg.Topic, "key", msg.Key)
	}
}

// Close stops fetching new batches, lets in-flight messages finish, and
// releases the broker connection.
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}

	err := c.subscriber.Close()

	c.wg.Wait()

	return err
}
