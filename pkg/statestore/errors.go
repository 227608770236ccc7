// Package statestore provides standardized error types for state persistence.
package statestore

import (
	"errors"
	"fmt"
)

var (
	// ErrStateNotFound indicates no live state exists for the workflow id,
	// either because it never existed or because its TTL elapsed.
	ErrStateNotFound = errors.New("workflow state not found")

	// ErrCheckpointNotFound indicates no checkpoint with the given name
	// exists for the workflow.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// StateError wraps store failures with the operation and workflow involved.
type StateError struct {
	Op         string // Operation being performed (e.g. "Save", "Load")
	WorkflowID string
	Checkpoint string // Checkpoint name if applicable
	Err        error
}

func (e *StateError) Error() string {
	if e.Checkpoint != "" {
		return fmt.Sprintf("%s failed for workflow %s checkpoint %s: %v", e.Op, e.WorkflowID, e.Checkpoint, e.Err)
	}

	return fmt.Sprintf("%s failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

func (e *StateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStateError creates a new state error with context.
func NewStateError(op, workflowID string, err error) *StateError {
	return &StateError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// NewCheckpointError creates a new state error for checkpoint operations.
func NewCheckpointError(op, workflowID, checkpoint string, err error) *StateError {
	return &StateError{
		Op:         op,
		WorkflowID: workflowID,
		Checkpoint: checkpoint,
		Err:        err,
	}
}

// IsStateNotFound checks if an error indicates missing or expired state.
func IsStateNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound)
}

// IsCheckpointNotFound checks if an error indicates a missing checkpoint.
func IsCheckpointNotFound(err error) bool {
	return errors.Is(err, ErrCheckpointNotFound)
}
