package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout         = errors.New("execution timed out")
	ErrResourceLimit   = errors.New("resource limit exceeded")
	ErrRunnerFault     = errors.New("isolation boundary fault")
	ErrUnsupportedLang = errors.New("unsupported language")
	ErrInvalidRequest  = errors.New("invalid execution request")
	ErrBackendDown     = errors.New("sandbox backend unavailable")
)

// ExecutionError wraps errors with execution context.
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

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsResourceLimit returns true if the error is a resource-ceiling kill.
func IsResourceLimit(err error) bool {
	return errors.Is(err, ErrResourceLimit)
}

// IsRunnerFault returns true if the isolation boundary itself failed.
// A boundary that could not start is surfaced, never silently retried.
func IsRunnerFault(err error) bool {
	return errors.Is(err, ErrRunnerFault)
}
