package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout          = errors.New("execution timed out")
	ErrResourceExceeded = errors.New("resource limit exceeded")
	ErrRuntimeFailure   = errors.New("user code failed")
	ErrSpawn            = errors.New("cannot start sandbox process")
	ErrContainerdDown   = errors.New("containerd unavailable")
	ErrBackendClosed    = errors.New("sandbox backend closed")
	ErrInvalidRequest   = errors.New("invalid execution request")
)

// ExecutionError wraps infrastructure failures with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// LimitError reports which ceiling terminated an execution.
type LimitError struct {
	Limit  Limit
	Signal string
}

func (e *LimitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%s: %s (%s)", ErrResourceExceeded, e.Limit, e.Signal)
	}
	return fmt.Sprintf("%s: %s", ErrResourceExceeded, e.Limit)
}

func (e *LimitError) Unwrap() []error {
	if e.Limit == LimitTimeout {
		return []error{ErrResourceExceeded, ErrTimeout}
	}
	return []error{ErrResourceExceeded}
}

// Err maps a result onto the error taxonomy: nil for a normal completion,
// a *LimitError for a ceiling, ErrRuntimeFailure for failing user code.
// The result itself remains the authoritative outcome.
func (r *ExecutionResult) Err() error {
	switch r.Outcome {
	case OutcomeResourceExceeded:
		return &LimitError{Limit: r.Limit, Signal: r.Signal}
	case OutcomeRuntimeFailure:
		return fmt.Errorf("%w: exit status %d", ErrRuntimeFailure, r.ExitStatus)
	default:
		return nil
	}
}

// IsTimeout returns true if the error is a wall-clock timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsResourceExceeded returns true if any ceiling terminated the execution.
func IsResourceExceeded(err error) bool {
	return errors.Is(err, ErrResourceExceeded)
}
