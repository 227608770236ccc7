package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisislens/pipeline/pkg/channels/gochannel"
	"github.com/crisislens/pipeline/pkg/events"
)

func publishRaw(pub message.Publisher, topic string, payload []byte) error {
	return pub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

type kindedError struct {
	kind string
}

func (e *kindedError) Error() string { return "stage blew up" }

func (e *kindedError) ErrorKind() string { return e.kind }

func TestConsumer_DispatchesToHandler(t *testing.T) {
	ctx := context.Background()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	producer := NewProducer(pub, "test-producer", testLogger())
	consumer := NewConsumer("main", sub, producer, testLogger())

	var (
		mu       sync.Mutex
		received []*Message
	)

	consumer.Handle("raw-items", func(_ context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()

		received = append(received, msg)

		return nil
	})

	require.NoError(t, consumer.Subscribe(ctx))

	defer consumer.Close()

	require.True(t, producer.Send(ctx, "raw-items", "item-1", map[string]any{"id": "item-1"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, "raw-items", received[0].Topic)
	assert.Equal(t, "item-1", received[0].Key)
	assert.Equal(t, "item-1", received[0].Payload["id"])
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestConsumer_SubscribeWithoutHandlers(t *testing.T) {
	_, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	consumer := NewConsumer("empty", sub, nil, testLogger())

	assert.Error(t, consumer.Subscribe(context.Background()))
}

func TestConsumer_HandlerFailureGoesToDeadLetter(t *testing.T) {
	ctx := context.Background()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	dlqMessages, err := sub.Subscribe(ctx, events.TopicDeadLetter)
	require.NoError(t, err)

	producer := NewProducer(pub, "test-producer", testLogger())
	consumer := NewConsumer("main", sub, producer, testLogger())

	var handled int

	consumer.Handle("claims", func(_ context.Context, msg *Message) error {
		handled++

		if msg.Payload["id"] == "bad" {
			return &kindedError{kind: "stage_error"}
		}

		return nil
	})

	require.NoError(t, consumer.Subscribe(ctx))

	defer consumer.Close()

	require.True(t, producer.Send(ctx, "claims", "bad", map[string]any{"id": "bad"}))
	require.True(t, producer.Send(ctx, "claims", "good", map[string]any{"id": "good"}))

	msg := receiveOne(t, dlqMessages)

	var entry events.DeadLetter

	require.NoError(t, json.Unmarshal(msg.Payload, &entry))
	assert.Equal(t, "claims", entry.OriginalTopic)
	assert.Equal(t, "bad", entry.OriginalKey)
	assert.Equal(t, "stage blew up", entry.ErrorMessage)
	assert.Equal(t, "stage_error", entry.ErrorKind)
	assert.False(t, entry.Timestamp.IsZero())

	// The poisoned message did not stall the partition.
	assert.Eventually(t, func() bool { return handled >= 2 }, 5*time.Second, 10*time.Millisecond)

	select {
	case extra := <-dlqMessages:
		t.Fatalf("unexpected second dead-letter entry: %s", extra.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConsumer_MalformedPayloadGoesToDeadLetter(t *testing.T) {
	ctx := context.Background()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	dlqMessages, err := sub.Subscribe(ctx, events.TopicDeadLetter)
	require.NoError(t, err)

	producer := NewProducer(pub, "test-producer", testLogger())
	consumer := NewConsumer("main", sub, producer, testLogger())

	consumer.Handle("raw-items", func(_ context.Context, _ *Message) error {
		t.Error("handler must not run for undecodable payloads")

		return nil
	})

	require.NoError(t, consumer.Subscribe(ctx))

	defer consumer.Close()

	require.NoError(t, publishRaw(pub, "raw-items", []byte("{not json")))

	msg := receiveOne(t, dlqMessages)

	var entry events.DeadLetter

	require.NoError(t, json.Unmarshal(msg.Payload, &entry))
	assert.Equal(t, "raw-items", entry.OriginalTopic)
	assert.Equal(t, "decode_error", entry.ErrorKind)
	assert.Equal(t, "{not json", entry.OriginalPayload)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "stage_error", errorKind(&kindedError{kind: "stage_error"}))
	assert.Equal(t, "handler_error", errorKind(errors.New("plain")))
}
