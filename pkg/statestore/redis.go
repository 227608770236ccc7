package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/crisislens/pipeline/pkg/models"
)

const connectTimeout = 5 * time.Second

// RedisStore persists workflow state in Redis. State lives under
// workflow:state:{id}, checkpoints under workflow:checkpoint:{id}:{name};
// both carry the store's TTL, refreshed on every write of the owning state.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore connects to Redis at the given URL (redis://...). A
// non-positive ttl falls back to DefaultTTL.
func NewRedisStore(ctx context.Context, logger *slog.Logger, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	logger.InfoContext(ctx, "Connected to Redis state store", "addr", opts.Addr, "ttl", ttl)

	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger.With("module", "redis_state_store"),
	}, nil
}

func (r *RedisStore) Save(ctx context.Context, workflowID string, state *models.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return NewStateError("Save", workflowID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, stateKey(workflowID), data, r.ttl)

	// Keep the paused index in step with the persisted status.
	if state.Status == models.WorkflowStatusPaused {
		pipe.SAdd(ctx, pausedIndexKey, workflowID)
	} else {
		pipe.SRem(ctx, pausedIndexKey, workflowID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return NewStateError("Save", workflowID, err)
	}

	return r.refreshCheckpointTTLs(ctx, workflowID)
}

// refreshCheckpointTTLs extends every checkpoint of the workflow so none
// expires before the owning state.
func (r *RedisStore) refreshCheckpointTTLs(ctx context.Context, workflowID string) error {
	names, err := r.client.SMembers(ctx, checkpointIndexKey(workflowID)).Result()
	if err != nil {
		return NewStateError("Save", workflowID, err)
	}

	if len(names) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	pipe.Expire(ctx, checkpointIndexKey(workflowID), r.ttl)

	for _, name := range names {
		pipe.Expire(ctx, checkpointKey(workflowID, name), r.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return NewStateError("Save", workflowID, err)
	}

	return nil
}

func (r *RedisStore) Load(ctx context.Context, workflowID string) (*models.WorkflowState, error) {
	data, err := r.client.Get(ctx, stateKey(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, NewStateError("Load", workflowID, ErrStateNotFound)
	}

	if err != nil {
		return nil, NewStateError("Load", workflowID, err)
	}

	var state models.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, NewStateError("Load", workflowID, err)
	}

	return &state, nil
}

func (r *RedisStore) Delete(ctx context.Context, workflowID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, stateKey(workflowID))
	pipe.SRem(ctx, pausedIndexKey, workflowID)

	if _, err := pipe.Exec(ctx); err != nil {
		return NewStateError("Delete", workflowID, err)
	}

	return nil
}

func (r *RedisStore) CreateCheckpoint(ctx context.Context, workflowID, name string, state *models.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return NewCheckpointError("CreateCheckpoint", workflowID, name, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, checkpointKey(workflowID, name), data, r.ttl)
	pipe.SAdd(ctx, checkpointIndexKey(workflowID), name)
	pipe.Expire(ctx, checkpointIndexKey(workflowID), r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return NewCheckpointError("CreateCheckpoint", workflowID, name, err)
	}

	return nil
}

func (r *RedisStore) RestoreCheckpoint(ctx context.Context, workflowID, name string) (*models.WorkflowState, error) {
	data, err := r.client.Get(ctx, checkpointKey(workflowID, name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, NewCheckpointError("RestoreCheckpoint", workflowID, name, ErrCheckpointNotFound)
	}

	if err != nil {
		return nil, NewCheckpointError("RestoreCheckpoint", workflowID, name, err)
	}

	var state models.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, NewCheckpointError("RestoreCheckpoint", workflowID, name, err)
	}

	return &state, nil
}

func (r *RedisStore) PausedWorkflows(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, pausedIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list paused workflows: %w", err)
	}

	return ids, nil
}

func (r *RedisStore) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close(ctx context.Context) error {
	err := r.client.Close()
	if err != nil {
		r.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
	}

	return err
}
