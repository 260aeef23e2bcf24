package scheduler

import (
	"errors"
	"time"

	"secure-code-sandbox/internal/sandbox"
)

// ExecutionResult is the normalized terminal record of one execution.
// ExitCode is nil when the process was killed by a signal (timeout or
// resource ceiling) instead of exiting on its own.
type ExecutionResult struct {
	ExecID   string         `json:"execution_id"`
	Stdout   string         `json:"stdout"`
	Stderr   string         `json:"stderr"`
	ExitCode *int           `json:"exit_code,omitempty"`
	Duration time.Duration  `json:"-"`
	Reason   sandbox.Reason `json:"termination_reason"`
	Err      string         `json:"error,omitempty"`
}

// ElapsedMS returns the wall-clock duration in milliseconds, the unit
// the API reports.
func (r *ExecutionResult) ElapsedMS() int64 {
	return r.Duration.Milliseconds()
}

// collect normalizes a backend outcome (or fault) into the terminal
// state and result. Fault messages are sanitized: callers see which
// operation failed, never socket paths or daemon internals.
func collect(e *Execution, out *sandbox.Outcome, err error) (State, *ExecutionResult) {
	if err != nil {
		return StateFailed, &ExecutionResult{
			ExecID: e.id,
			Reason: sandbox.ReasonRunnerError,
			Err:    faultMessage(err),
		}
	}

	res := &ExecutionResult{
		ExecID:   e.id,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Duration: out.Duration,
		Reason:   out.Reason,
	}

	switch out.Reason {
	case sandbox.ReasonTimeout, sandbox.ReasonResourceLimit:
		// A ceiling kill carries the same fail-closed semantics as a
		// timeout; the reason field preserves the distinction.
		return StateTimedOut, res
	case sandbox.ReasonNormal:
		return StateCompleted, res
	default:
		res.Reason = sandbox.ReasonRunnerError
		res.Err = "sandbox returned an unknown termination reason"
		return StateFailed, res
	}
}

// cancelledResult records an execution cancelled before producing output.
func cancelledResult(e *Execution) *ExecutionResult {
	return &ExecutionResult{
		ExecID: e.id,
		Reason: sandbox.ReasonCancelled,
	}
}

func faultMessage(err error) string {
	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) {
		return "sandbox failure during " + execErr.Op
	}
	return "sandbox failure"
}

// faultOp labels a fault by the operation that failed, for metrics.
func faultOp(err error) string {
	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Op
	}
	return "run"
}
