package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"secure-code-sandbox/internal/validator"
)

var (
	// ErrQueueSaturated rejects a submission when the admission queue
	// is full. Fail-fast: the caller retries or gives up, the queue
	// never grows unbounded.
	ErrQueueSaturated = errors.New("admission queue saturated")

	// ErrNotFound means no live execution carries the given id.
	ErrNotFound = errors.New("execution not found")

	// ErrClosed rejects operations after the scheduler shut down.
	ErrClosed = errors.New("scheduler closed")
)

// RejectedError carries the validator verdict for a refused submission.
type RejectedError struct {
	Violations []validator.Violation
}

func (e *RejectedError) Error() string {
	if len(e.Violations) == 0 {
		return "code rejected by validation"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("code rejected by validation: %s", strings.Join(parts, "; "))
}

// AsRejected unwraps a RejectedError if err carries one.
func AsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
