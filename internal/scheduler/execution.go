package scheduler

import (
	"context"
	"sync"
	"time"

	"secure-code-sandbox/internal/registry"
)

// State is the lifecycle phase of one execution. Transitions are
// monotonic: Queued may move to Running or Cancelled, Running to one of
// the terminal result states, and terminal states never move again.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateFailed, StateCancelled:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled},
	StateRunning: {StateCompleted, StateTimedOut, StateFailed, StateCancelled},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Execution is the handle returned by Submit. All state changes go
// through transition/finish under the lock, so observers always see a
// consistent phase, and the done channel closes exactly once.
type Execution struct {
	id          string
	language    string
	source      string
	desc        *registry.Descriptor
	limits      registry.Ceilings
	submittedAt time.Time

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	finishedAt time.Time
	result     *ExecutionResult
	killRun    context.CancelFunc
	killAsked  bool

	done chan struct{}
}

func newExecution(id string, desc *registry.Descriptor, source string, limits registry.Ceilings) *Execution {
	return &Execution{
		id:          id,
		language:    desc.Language,
		source:      source,
		desc:        desc,
		limits:      limits,
		submittedAt: time.Now(),
		state:       StateQueued,
		done:        make(chan struct{}),
	}
}

// ID returns the execution identifier.
func (e *Execution) ID() string { return e.id }

// Language returns the language the execution was submitted for.
func (e *Execution) Language() string { return e.language }

// State returns the current lifecycle phase.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed when the execution reaches a terminal state.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Result returns the terminal result, or nil before completion.
func (e *Execution) Result() *ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// transition moves to a non-terminal state. Returns false when the
// current state does not permit the move.
func (e *Execution) transition(to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !canTransition(e.state, to) {
		return false
	}
	e.state = to
	if to == StateRunning {
		e.startedAt = time.Now()
	}
	return true
}

// cancelQueued finishes an execution that never left the queue.
// Returns false when it already started or finished.
func (e *Execution) cancelQueued(result *ExecutionResult) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateQueued {
		return false
	}
	e.state = StateCancelled
	e.finishedAt = time.Now()
	e.result = result
	close(e.done)
	return true
}

// armKill installs the hook Cancel fires to interrupt a running
// execution's backend call.
func (e *Execution) armKill(fn context.CancelFunc) {
	e.mu.Lock()
	e.killRun = fn
	e.mu.Unlock()
}

// requestKill marks the execution for cancellation and returns the
// kill hook. Returns nil when the execution is not running or the hook
// is not armed yet.
func (e *Execution) requestKill() context.CancelFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning || e.killRun == nil {
		return nil
	}
	e.killAsked = true
	return e.killRun
}

func (e *Execution) killRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killAsked
}

// finish moves to a terminal state, records the result, and releases
// waiters. Returns false when the move is not permitted; the done
// channel then stays untouched.
func (e *Execution) finish(to State, result *ExecutionResult) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !to.Terminal() || !canTransition(e.state, to) {
		return false
	}
	e.state = to
	e.finishedAt = time.Now()
	e.result = result
	close(e.done)
	return true
}

// Status is a point-in-time snapshot of one execution.
type Status struct {
	ExecID        string
	Language      string
	State         State
	QueuePosition int // 1-based; 0 once the execution left the queue
	SubmittedAt   time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	Result        *ExecutionResult
}

func (e *Execution) snapshot(queuePos int) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		ExecID:        e.id,
		Language:      e.language,
		State:         e.state,
		QueuePosition: queuePos,
		SubmittedAt:   e.submittedAt,
		StartedAt:     e.startedAt,
		FinishedAt:    e.finishedAt,
		Result:        e.result,
	}
}
