package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisislens/pipeline/pkg/models"
)

func newTestState(id string) *models.WorkflowState {
	return models.NewWorkflowState(id, map[string]any{"id": "item-" + id, "text": "flood reported"})
}

func TestMemoryStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	state := newTestState("wf-1")
	score := 0.35
	state.RiskScore = &score
	state.StageOutputs["extract_entities"] = []any{"Lisbon", "Red Cross"}
	state.Errors = append(state.Errors, "normalize: transient timeout")

	require.NoError(t, store.Save(ctx, "wf-1", state))

	loaded, err := store.Load(ctx, "wf-1")
	require.NoError(t, err)

	assert.Equal(t, state.WorkflowID, loaded.WorkflowID)
	assert.Equal(t, state.Status, loaded.Status)
	assert.Equal(t, state.Errors, loaded.Errors)
	require.NotNil(t, loaded.RiskScore)
	assert.InDelta(t, score, *loaded.RiskScore, 0)
	assert.True(t, loaded.StartedAt.Equal(state.StartedAt))
	assert.True(t, loaded.UpdatedAt.Equal(state.UpdatedAt))
}

func TestMemoryStore_LoadUnknown(t *testing.T) {
	store := NewMemoryStore(0)

	_, err := store.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsStateNotFound(err))
}

func TestMemoryStore_LoadExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10 * time.Millisecond)

	require.NoError(t, store.Save(ctx, "wf-1", newTestState("wf-1")))

	time.Sleep(20 * time.Millisecond)

	_, err := store.Load(ctx, "wf-1")
	assert.True(t, IsStateNotFound(err))
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	require.NoError(t, store.Save(ctx, "wf-1", newTestState("wf-1")))
	require.NoError(t, store.Delete(ctx, "wf-1"))

	_, err := store.Load(ctx, "wf-1")
	assert.True(t, IsStateNotFound(err))
}

func TestMemoryStore_CheckpointIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	state := newTestState("wf-1")
	state.StageOutputs["assign_topics"] = []any{"infrastructure"}
	require.NoError(t, store.Save(ctx, "wf-1", state))
	require.NoError(t, store.CreateCheckpoint(ctx, "wf-1", "c1", state))

	// Mutate and save a diverged live state.
	state.Status = models.WorkflowStatusPaused
	state.StageOutputs["assign_topics"] = []any{"health"}
	state.Errors = append(state.Errors, "calculate_risk: model unavailable")
	require.NoError(t, store.Save(ctx, "wf-1", state))

	restored, err := store.RestoreCheckpoint(ctx, "wf-1", "c1")
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusRunning, restored.Status)
	assert.Equal(t, []any{"infrastructure"}, restored.StageOutputs["assign_topics"])
	assert.Empty(t, restored.Errors)
}

func TestMemoryStore_RestoreUnknownCheckpoint(t *testing.T) {
	store := NewMemoryStore(0)

	_, err := store.RestoreCheckpoint(context.Background(), "wf-1", "missing")
	require.Error(t, err)
	assert.True(t, IsCheckpointNotFound(err))
}

func TestMemoryStore_CheckpointTTLRefreshedWithState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(50 * time.Millisecond)

	state := newTestState("wf-1")
	require.NoError(t, store.Save(ctx, "wf-1", state))
	require.NoError(t, store.CreateCheckpoint(ctx, "wf-1", "c1", state))

	// Saves of the owning state keep the checkpoint alive past its
	// original expiry.
	for range 3 {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, store.Save(ctx, "wf-1", state))
	}

	_, err := store.RestoreCheckpoint(ctx, "wf-1", "c1")
	assert.NoError(t, err)
}

func TestMemoryStore_PausedWorkflows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	running := newTestState("wf-running")
	require.NoError(t, store.Save(ctx, "wf-running", running))

	paused := newTestState("wf-paused")
	paused.Status = models.WorkflowStatusPaused
	require.NoError(t, store.Save(ctx, "wf-paused", paused))

	ids, err := store.PausedWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-paused"}, ids)
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10 * time.Millisecond)

	require.NoError(t, store.Save(ctx, "wf-1", newTestState("wf-1")))
	require.NoError(t, store.CreateCheckpoint(ctx, "wf-1", "c1", newTestState("wf-1")))

	time.Sleep(20 * time.Millisecond)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "workflow:state:wf-1", stateKey("wf-1"))
	assert.Equal(t, "workflow:checkpoint:wf-1:pre_review", checkpointKey("wf-1", "pre_review"))
	assert.Equal(t, "workflow:checkpoints:wf-1", checkpointIndexKey("wf-1"))
}
