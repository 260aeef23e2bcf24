package api

import (
	"time"

	"secure-code-sandbox/internal/validator"
)

// SubmitRequest is the API-level request to run code.
type SubmitRequest struct {
	Code     string         `json:"code"`
	Language string         `json:"language"` // python, javascript, shell
	Timeout  Duration       `json:"timeout,omitempty"`
	Limits   ResourceLimits `json:"limits,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ResourceLimits are caller-requested ceilings. They may only tighten
// the language maximums; anything looser is clamped server-side.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares,omitempty"` // 1024 = 1 CPU
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	PidsLimit int64 `json:"pids_limit,omitempty"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	ExecutionID   string `json:"execution_id"`
	State         string `json:"state"`
	QueuePosition int    `json:"queue_position"`
}

// StatusResponse reports one execution's state and, once terminal, its
// result. ExitCode is absent when the process was killed by a signal.
type StatusResponse struct {
	ExecutionID       string `json:"execution_id"`
	Language          string `json:"language"`
	State             string `json:"state"`
	QueuePosition     int    `json:"queue_position,omitempty"`
	Stdout            string `json:"stdout,omitempty"`
	Stderr            string `json:"stderr,omitempty"`
	ExitCode          *int   `json:"exit_code,omitempty"`
	ElapsedMS         int64  `json:"elapsed_ms,omitempty"`
	TerminationReason string `json:"termination_reason,omitempty"`
	Error             string `json:"error,omitempty"`
}

// CancelResponse reports a cancellation attempt.
type CancelResponse struct {
	ExecutionID string `json:"execution_id"`
	Cancelled   bool   `json:"cancelled"`
}

// RejectionResponse is returned when validation refuses the code.
type RejectionResponse struct {
	Error      string                `json:"error"`
	Code       string                `json:"code"`
	RequestID  string                `json:"request_id"`
	Violations []validator.Violation `json:"violations"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string   `json:"status"`
	Backend    bool     `json:"backend"`
	QueueDepth int      `json:"queue_depth"`
	Languages  []string `json:"languages"`
	Uptime     string   `json:"uptime"`
}
