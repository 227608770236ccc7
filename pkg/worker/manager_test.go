package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisislens/pipeline/pkg/bus"
	gochan "github.com/crisislens/pipeline/pkg/channels/gochannel"
	"github.com/crisislens/pipeline/pkg/engine"
	"github.com/crisislens/pipeline/pkg/events"
	"github.com/crisislens/pipeline/pkg/executor"
	"github.com/crisislens/pipeline/pkg/models"
	"github.com/crisislens/pipeline/pkg/statestore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func stubStages() map[engine.Stage]engine.StageFunc {
	stages := []engine.Stage{
		engine.StageNormalize,
		engine.StageExtractEntities,
		engine.StageExtractClaims,
		engine.StageAssignTopics,
		engine.StageRetrieveEvidence,
		engine.StageAssessVeracity,
		engine.StageCalculateRisk,
		engine.StageDraftAdvisory,
		engine.StageTranslateAdvisory,
	}

	registry := make(map[engine.Stage]engine.StageFunc)

	for _, stage := range stages {
		stage := stage
		registry[stage] = func(_ context.Context, _ *models.WorkflowState) (*engine.StageUpdate, error) {
			return &engine.StageUpdate{Output: map[string]any{"stage": string(stage)}}, nil
		}
	}

	registry[engine.StageCalculateRisk] = func(_ context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
		score := 0.1
		if raw, ok := state.RawItem["risk_score"].(float64); ok {
			score = raw
		}

		return &engine.StageUpdate{Output: map[string]any{"risk_score": score}, RiskScore: &score}, nil
	}

	return registry
}

type fixture struct {
	store    statestore.Store
	manager  *Manager
	producer *bus.Producer
	sub      message.Subscriber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := statestore.NewMemoryStore(statestore.DefaultTTL)

	pub, sub, err := gochan.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	// Every group shares the in-memory channel.
	factory := func(watermill.LoggerAdapter, string) (message.Publisher, message.Subscriber, error) {
		return pub, sub, nil
	}

	producer := bus.NewProducer(pub, "worker-test", testLogger())

	policy := engine.ErrorPolicy{
		MaxRetries:   3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		BackoffScale: 2.0,
	}

	eng := engine.New(store, stubStages(), policy, testLogger())

	exec, err := executor.New(store, eng, producer, testLogger())
	require.NoError(t, err)

	manager := NewManager("worker-test", store, exec, producer, factory, watermill.NopLogger{}, testLogger())

	require.NoError(t, manager.subscribeAll(context.Background()))

	t.Cleanup(func() {
		for _, consumer := range manager.consumers {
			_ = consumer.Close()
		}
	})

	return &fixture{store: store, manager: manager, producer: producer, sub: sub}
}

func (f *fixture) receive(t *testing.T, topic string) map[string]any {
	t.Helper()

	messages, err := f.sub.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	select {
	case msg := <-messages:
		msg.Ack()

		var payload map[string]any

		require.NoError(t, json.Unmarshal(msg.Payload, &payload))

		return payload
	case <-time.After(5 * time.Second):
		t.Fatalf("no message on %s within timeout", topic)

		return nil
	}
}

func TestManager_RawItemRunsWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.producer.Send(ctx, events.TopicRawItems, "item-1", map[string]any{
		"id": "item-1", "text": "road closure on highway 12", "risk_score": 0.2,
	}))

	completed := f.receive(t, events.TopicWorkflowCompleted)
	assert.Equal(t, "item-1", completed["item_id"])
	assert.Equal(t, "completed", completed["status"])

	state, err := f.store.Load(ctx, completed["workflow_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, state.Status)
	assert.NotContains(t, state.RawItem, bus.TimestampField, "bus metadata stays off the state")
}

func TestManager_PreScoredItemFansOutToNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.producer.Send(ctx, events.TopicNormalizedItems, "item-2", map[string]any{
		"id": "item-2", "text": "chemical plant explosion", "risk_score": 0.93,
	}))

	alert := f.receive(t, events.TopicAlerts)
	assert.Equal(t, "item-2", alert["item_id"])
	assert.Equal(t, "critical", alert["severity"])

	// The notifications group picks the alert up and queues a delivery.
	notification := f.receive(t, events.TopicNotifications)
	assert.Equal(t, "high_risk_alert", notification["type"])
	assert.Equal(t, "critical", notification["severity"])
}

func TestManager_PreScoredItemBelowThresholdIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.producer.Send(ctx, events.TopicNormalizedItems, "item-3", map[string]any{
		"id": "item-3", "text": "pre-scored but calm", "risk_score": 0.4,
	}))

	messages, err := f.sub.Subscribe(ctx, events.TopicAlerts)
	require.NoError(t, err)

	select {
	case msg := <-messages:
		t.Fatalf("unexpected alert: %s", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_InvalidRawItemGoesToDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.producer.Send(ctx, events.TopicRawItems, "bad", map[string]any{
		"id": "bad-item",
	}))

	entry := f.receive(t, events.TopicDeadLetter)
	assert.Equal(t, events.TopicRawItems, entry["original_topic"])
	assert.Equal(t, "validation_error", entry["error_kind"])
}

func TestManager_ClaimMessageStartsReverification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.producer.Send(ctx, events.TopicClaims, "c1", map[string]any{
		"claim_id": "c1", "text": "hospital at capacity", "source": "ticker",
	}))

	completed := f.receive(t, events.TopicWorkflowCompleted)
	assert.Equal(t, "claim-c1", completed["item_id"])
}

func TestManager_RemindReviewers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	score := 0.9
	state := models.NewWorkflowState("wf-paused", map[string]any{"id": "item-4", "text": "pending"})
	state.Status = models.WorkflowStatusPaused
	state.NeedsHumanReview = true
	state.HumanReviewStatus = models.ReviewStatusPending
	state.RiskScore = &score
	require.NoError(t, f.store.Save(ctx, state.WorkflowID, state))

	f.manager.remindReviewers(ctx)

	reminder := f.receive(t, events.TopicNotifications)
	assert.Equal(t, "wf-paused", reminder["workflow_id"])
	assert.InDelta(t, 0.9, reminder["risk_score"], 1e-9)
}
