package sandbox

import (
	"time"

	"secure-code-sandbox/internal/registry"
)

// Request is what the scheduler hands a backend: already validated code
// plus the ceilings resolved against the language registry.
type Request struct {
	ExecID     string
	Source     string
	Descriptor *registry.Descriptor
	Limits     registry.Ceilings
}

// Reason records why an execution stopped.
type Reason string

const (
	ReasonNormal        Reason = "normal"
	ReasonTimeout       Reason = "timeout"
	ReasonResourceLimit Reason = "resource_limit"
	ReasonRunnerError   Reason = "runner_error"
	ReasonCancelled     Reason = "cancelled"
)

// Outcome is the raw execution result a backend produces. ExitCode is
// nil when the process was terminated by a signal (timeout or resource
// kill) rather than exiting on its own.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode *int
	Duration time.Duration
	Reason   Reason
}

func intPtr(v int) *int { return &v }
