// Package statestore provides durable persistence for workflow state and
// named checkpoints. The store is the single source of truth for a run;
// callers follow a cooperative single-writer discipline where only the task
// currently driving a workflow may save it.
package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/crisislens/pipeline/pkg/models"
)

// DefaultTTL is how long workflow state and checkpoints live without a
// refreshing write.
const DefaultTTL = 7 * 24 * time.Hour

// Store is the durable persistence contract for workflow state.
//
// Save overwrites atomically and refreshes the TTL. Checkpoints are
// independent snapshots: mutating live state never mutates a stored
// checkpoint, and a checkpoint's TTL is refreshed together with the owning
// state so it never expires first.
type Store interface {
	Save(ctx context.Context, workflowID string, state *models.WorkflowState) error
	Load(ctx context.Context, workflowID string) (*models.WorkflowState, error)
	Delete(ctx context.Context, workflowID string) error

	CreateCheckpoint(ctx context.Context, workflowID, name string, state *models.WorkflowState) error
	RestoreCheckpoint(ctx context.Context, workflowID, name string) (*models.WorkflowState, error)

	// PausedWorkflows lists ids currently waiting on a human-review decision.
	PausedWorkflows(ctx context.Context) ([]string, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Sweeper is implemented by stores that cannot expire records on their own
// and need a periodic purge (the SQL store; Redis handles TTLs natively).
type Sweeper interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func stateKey(workflowID string) string {
	return "workflow:state:" + workflowID
}

func checkpointKey(workflowID, name string) string {
	return fmt.Sprintf("workflow:checkpoint:%s:%s", workflowID, name)
}

// pausedIndexKey is the set of workflow ids in the paused status, maintained
// on every save so the review-reminder job can enumerate them.
const pausedIndexKey = "workflow:paused"

// checkpointIndexKey tracks checkpoint names per workflow so their TTLs can
// be refreshed alongside the owning state.
func checkpointIndexKey(workflowID string) string {
	return "workflow:checkpoints:" + workflowID
}
