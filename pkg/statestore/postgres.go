package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crisislens/pipeline/pkg/models"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL for deployments that already
// run a relational database instead of Redis. Expiry is an expires_at column
// checked on read and reaped by PurgeExpired.
type PostgresStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
}

func postgresMigrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_states (
				workflow_id TEXT PRIMARY KEY,
				state JSONB NOT NULL,
				status TEXT NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_states_status
				ON workflow_states (status);

			CREATE TABLE IF NOT EXISTS workflow_checkpoints (
				workflow_id TEXT NOT NULL,
				name TEXT NOT NULL,
				state JSONB NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (workflow_id, name)
			);
		`,
	}
}

// NewPostgresStore connects to PostgreSQL and runs migrations. A
// non-positive ttl falls back to DefaultTTL.
func NewPostgresStore(ctx context.Context, logger *slog.Logger, databaseURL string, ttl time.Duration) (*PostgresStore, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	store := &PostgresStore{
		db:     database,
		ttl:    ttl,
		logger: logger.With("module", "postgres_state_store"),
	}

	if err := runMigrations(ctx, store.logger, database, postgresMigrations()); err != nil {
		return nil, fmt.Errorf("failed to run state store migrations: %w", err)
	}

	logger.InfoContext(ctx, "PostgreSQL state store initialized", "ttl", ttl)

	return store, nil
}

func (p *PostgresStore) Save(ctx context.Context, workflowID string, state *models.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return NewStateError("Save", workflowID, err)
	}

	expiry := time.Now().Add(p.ttl)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStateError("Save", workflowID, err)
	}

	query := `
		INSERT INTO workflow_states (workflow_id, state, status, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (workflow_id)
		DO UPDATE SET
			state = EXCLUDED.state,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := tx.ExecContext(ctx, query, workflowID, data, string(state.Status), expiry); err != nil {
		_ = tx.Rollback()

		return NewStateError("Save", workflowID, err)
	}

	// Checkpoints never expire before the owning state.
	refresh := `UPDATE workflow_checkpoints SET expires_at = $2 WHERE workflow_id = $1 AND expires_at < $2`
	if _, err := tx.ExecContext(ctx, refresh, workflowID, expiry); err != nil {
		_ = tx.Rollback()

		return NewStateError("Save", workflowID, err)
	}

	if err := tx.Commit(); err != nil {
		return NewStateError("Save", workflowID, err)
	}

	return nil
}

func (p *PostgresStore) Load(ctx context.Context, workflowID string) (*models.WorkflowState, error) {
	var data []byte

	query := `SELECT state FROM workflow_states WHERE workflow_id = $1 AND expires_at > NOW()`

	err := p.db.QueryRowContext(ctx, query, workflowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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

func (p *PostgresStore) Delete(ctx context.Context, workflowID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM workflow_states WHERE workflow_id = $1`, workflowID); err != nil {
		return NewStateError("Delete", workflowID, err)
	}

	return nil
}

func (p *PostgresStore) CreateCheckpoint(ctx context.Context, workflowID, name string, state *models.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return NewCheckpointError("CreateCheckpoint", workflowID, name, err)
	}

	query := `
		INSERT INTO workflow_checkpoints (workflow_id, name, state, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, name)
		DO UPDATE SET
			state = EXCLUDED.state,
			expires_at = EXCLUDED.expires_at
	`

	if _, err := p.db.ExecContext(ctx, query, workflowID, name, data, time.Now().Add(p.ttl)); err != nil {
		return NewCheckpointError("CreateCheckpoint", workflowID, name, err)
	}

	return nil
}

func (p *PostgresStore) RestoreCheckpoint(ctx context.Context, workflowID, name string) (*models.WorkflowState, error) {
	var data []byte

	query := `SELECT state FROM workflow_checkpoints WHERE workflow_id = $1 AND name = $2 AND expires_at > NOW()`

	err := p.db.QueryRowContext(ctx, query, workflowID, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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

func (p *PostgresStore) PausedWorkflows(ctx context.Context) ([]string, error) {
	query := `SELECT workflow_id FROM workflow_states WHERE status = $1 AND expires_at > NOW()`

	rows, err := p.db.QueryContext(ctx, query, string(models.WorkflowStatusPaused))
	if err != nil {
		return nil, fmt.Errorf("failed to list paused workflows: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	paused := make([]string, 0)

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan paused workflow id: %w", err)
		}

		paused = append(paused, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate paused workflows: %w", err)
	}

	return paused, nil
}

// PurgeExpired deletes state and checkpoint rows past their expiry.
func (p *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM workflow_states WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired states: %w", err)
	}

	states, _ := result.RowsAffected()

	result, err = p.db.ExecContext(ctx, `DELETE FROM workflow_checkpoints WHERE expires_at <= NOW()`)
	if err != nil {
		return states, fmt.Errorf("failed to purge expired checkpoints: %w", err)
	}

	checkpoints, _ := result.RowsAffected()

	return states + checkpoints, nil
}

func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close(ctx context.Context) error {
	err := p.db.Close()
	if err != nil {
		p.logger.ErrorContext(ctx, "Error closing PostgreSQL connection", "error", err)
	}

	return err
}
