package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crisislens/pipeline/pkg/models"
)

type memoryRecord struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-memory Store used for tests and local development.
// Records are kept as JSON so checkpoint isolation matches the durable
// backends exactly.
type MemoryStore struct {
	mu          sync.RWMutex
	ttl         time.Duration
	states      map[string]memoryRecord
	checkpoints map[string]memoryRecord
}

// NewMemoryStore creates an in-memory store. A non-positive ttl falls back
// to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &MemoryStore{
		ttl:         ttl,
		states:      make(map[string]memoryRecord),
		checkpoints: make(map[string]memoryRecord),
	}
}

func (m *MemoryStore) Save(_ context.Context, workflowID string, state *models.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return NewStateError("Save", workflowID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiry := time.Now().Add(m.ttl)
	m.states[stateKey(workflowID)] = memoryRecord{data: data, expiresAt: expiry}

	// Checkpoints never expire before the owning state.
	prefix := checkpointKey(workflowID, "")
	for key, record := range m.checkpoints {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			record.expiresAt = expiry
			m.checkpoints[key] = record
		}
	}

	return nil
}

func (m *MemoryStore) Load(_ context.Context, workflowID string) (*models.WorkflowState, error) {
	m.mu.RLock()
	record, ok := m.states[stateKey(workflowID)]
	m.mu.RUnlock()

	if !ok || time.Now().After(record.expiresAt) {
		return nil, NewStateError("Load", workflowID, ErrStateNotFound)
	}

	var state models.WorkflowState
	if err := json.Unmarshal(record.data, &state); err != nil {
		return nil, NewStateError("Load", workflowID, err)
	}

	return &state, nil
}

func (m *MemoryStore) Delete(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, stateKey(workflowID))

	return nil
}

func (m *MemoryStore) CreateCheckpoint(_ context.Context, workflowID, name string, state *models.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return NewCheckpointError("CreateCheckpoint", workflowID, name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[checkpointKey(workflowID, name)] = memoryRecord{
		data:      data,
		expiresAt: time.Now().Add(m.ttl),
	}

	return nil
}

func (m *MemoryStore) RestoreCheckpoint(_ context.Context, workflowID, name string) (*models.WorkflowState, error) {
	m.mu.RLock()
	record, ok := m.checkpoints[checkpointKey(workflowID, name)]
	m.mu.RUnlock()

	if !ok || time.Now().After(record.expiresAt) {
		return nil, NewCheckpointError("RestoreCheckpoint", workflowID, name, ErrCheckpointNotFound)
	}

	var state models.WorkflowState
	if err := json.Unmarshal(record.data, &state); err != nil {
		return nil, NewCheckpointError("RestoreCheckpoint", workflowID, name, err)
	}

	return &state, nil
}

func (m *MemoryStore) PausedWorkflows(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	paused := make([]string, 0)

	for key, record := range m.states {
		if now.After(record.expiresAt) {
			continue
		}

		var state models.WorkflowState
		if err := json.Unmarshal(record.data, &state); err != nil {
			return nil, fmt.Errorf("failed to decode state for %s: %w", key, err)
		}

		if state.Status == models.WorkflowStatusPaused {
			paused = append(paused, state.WorkflowID)
		}
	}

	return paused, nil
}

// PurgeExpired removes records whose TTL has elapsed.
func (m *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	var purged int64

	for key, record := range m.states {
		if now.After(record.expiresAt) {
			delete(m.states, key)

			purged++
		}
	}

	for key, record := range m.checkpoints {
		if now.After(record.expiresAt) {
			delete(m.checkpoints, key)

			purged++
		}
	}

	return purged, nil
}

func (m *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

func (m *MemoryStore) Close(_ context.Context) error {
	return nil
}
