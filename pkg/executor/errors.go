package executor

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a lifecycle action is not allowed in
// the workflow's current status.
var ErrInvalidTransition = errors.New("invalid workflow transition")

// ValidationError reports a raw item that failed admission checks. The
// workflow is never created.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("raw item failed validation: %v", e.Reasons)
}

// ErrorKind classifies the failure for dead-letter entries.
func (e *ValidationError) ErrorKind() string { return "validation_error" }

// IsValidationError reports whether err is a raw item validation failure.
func IsValidationError(err error) bool {
	var verr *ValidationError

	return errors.As(err, &verr)
}

// TransitionError carries the context of a rejected lifecycle action.
type TransitionError struct {
	WorkflowID string
	Action     string
	Status     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s workflow %s in status %s", e.Action, e.WorkflowID, e.Status)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ErrorKind classifies the failure for dead-letter entries.
func (e *TransitionError) ErrorKind() string { return "invalid_transition" }
