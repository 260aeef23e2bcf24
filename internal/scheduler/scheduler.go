package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"secure-code-sandbox/internal/monitor"
	"secure-code-sandbox/internal/registry"
	"secure-code-sandbox/internal/sandbox"
	"secure-code-sandbox/internal/validator"
)

const (
	defaultMaxConcurrent = 3
	defaultMaxQueueDepth = 64
)

// Config bounds the scheduler's admission behavior.
type Config struct {
	MaxConcurrent int // executions running at once
	MaxQueueDepth int // submissions waiting beyond the running set
}

// SubmitRequest is one code submission. Options may only tighten the
// language's resource ceilings.
type SubmitRequest struct {
	Language string
	Source   string
	Options  registry.Options
}

// Scheduler owns admission: every submission passes validation here,
// waits in a strict FIFO queue, and runs with bounded concurrency.
// Collaborators never reach the backend directly, so there is no path
// around the validator.
type Scheduler struct {
	reg     *registry.Registry
	val     *validator.Validator
	backend sandbox.Backend
	metrics *monitor.Metrics
	events  *broker

	maxQueue int

	mu     sync.Mutex
	queue  []*Execution
	table  map[string]*Execution
	closed bool

	wake chan struct{}
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New starts a scheduler with MaxConcurrent worker slots. metrics may
// be nil in tests.
func New(cfg Config, reg *registry.Registry, backend sandbox.Backend, metrics *monitor.Metrics) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.MaxQueueDepth < 1 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}

	s := &Scheduler{
		reg:      reg,
		val:      validator.New(reg),
		backend:  backend,
		metrics:  metrics,
		events:   newBroker(),
		maxQueue: cfg.MaxQueueDepth,
		table:    make(map[string]*Execution),
		wake:     make(chan struct{}, cfg.MaxConcurrent+cfg.MaxQueueDepth),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	for i := 0; i < cfg.MaxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	return s
}

// Validate runs the static validator without admitting anything.
func (s *Scheduler) Validate(source, language string) validator.Verdict {
	return s.val.Validate(source, language)
}

// Submit validates the code and, if accepted, enqueues it. The
// returned Execution is the caller's handle for Wait/StatusOf/Cancel.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	verdict := s.val.Validate(req.Source, req.Language)
	if !verdict.Accepted {
		s.countRejections(verdict)
		log.Warn().
			Str("language", req.Language).
			Int("violations", len(verdict.Violations)).
			Msg("submission rejected by validation")
		return nil, &RejectedError{Violations: verdict.Violations}
	}

	desc, err := s.reg.Get(req.Language)
	if err != nil {
		return nil, err
	}
	limits := desc.Clamp(req.Options)

	e := newExecution(uuid.New().String(), desc, req.Source, limits)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if len(s.queue) >= s.maxQueue {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.QueueRejections.Inc()
		}
		return nil, ErrQueueSaturated
	}
	s.queue = append(s.queue, e)
	s.table[e.id] = e
	depth := len(s.queue)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}

	log.Info().
		Str("exec_id", e.id).
		Str("language", e.language).
		Int("queue_depth", depth).
		Msg("execution queued")
	s.events.publish(stateEvent(e, EventQueued, StateQueued, nil))

	return e, nil
}

// StatusOf snapshots one execution. Observing a terminal state
// delivers the result and removes the live-table entry; a later call
// for the same id returns ErrNotFound.
func (s *Scheduler) StatusOf(id string) (Status, error) {
	s.mu.Lock()
	e, ok := s.table[id]
	if !ok {
		s.mu.Unlock()
		return Status{}, ErrNotFound
	}
	pos := s.queuePositionLocked(id)
	st := e.snapshot(pos)
	if st.State.Terminal() {
		delete(s.table, id)
	}
	s.mu.Unlock()
	return st, nil
}

// QueuePosition returns the execution's 1-based FIFO position, or 0
// once it left the queue. Unlike StatusOf it never consumes a terminal
// result.
func (s *Scheduler) QueuePosition(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuePositionLocked(id)
}

// Wait blocks until the execution finishes or ctx expires. Delivery
// removes the live-table entry.
func (s *Scheduler) Wait(ctx context.Context, id string) (*ExecutionResult, error) {
	s.mu.Lock()
	e, ok := s.table[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
	}

	s.mu.Lock()
	delete(s.table, id)
	s.mu.Unlock()

	return e.Result(), nil
}

// Cancel withdraws a queued execution, or sends a best-effort
// termination signal to a running one. Returns true only for the
// queued case; a running execution reports false because the signal
// races the run, which may still complete first.
func (s *Scheduler) Cancel(id string) (bool, error) {
	s.mu.Lock()
	e, ok := s.table[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrNotFound
	}

	if !e.cancelQueued(cancelledResult(e)) {
		kill := e.requestKill()
		s.mu.Unlock()
		if kill != nil {
			log.Info().Str("exec_id", id).Msg("termination signal sent to running execution")
			kill()
		}
		return false, nil
	}

	for i, queued := range s.queue {
		if queued.id == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	log.Info().Str("exec_id", id).Msg("queued execution cancelled")
	s.events.publish(stateEvent(e, EventCancelled, StateCancelled, e.Result()))
	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(e.language, string(StateCancelled)).Inc()
	}
	return true, nil
}

// Subscribe streams lifecycle events for one execution.
func (s *Scheduler) Subscribe(id string) (<-chan Event, func(), error) {
	s.mu.Lock()
	_, ok := s.table[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	ch, cancel := s.events.subscribe(id)
	return ch, cancel, nil
}

// QueueDepth returns the number of executions waiting for a slot.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops admission, cancels everything still queued, and waits
// for running executions' workers to return.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, e := range pending {
		if e.cancelQueued(cancelledResult(e)) {
			s.events.publish(stateEvent(e, EventCancelled, StateCancelled, e.Result()))
		}
	}

	s.stop()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		e := s.next(ctx)
		if e == nil {
			return
		}
		s.runOne(ctx, e)
	}
}

// next pops the queue head, skipping entries cancelled while waiting.
func (s *Scheduler) next(ctx context.Context) *Execution {
	for {
		s.mu.Lock()
		for len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			if e.State() == StateCancelled {
				continue
			}
			depth := len(s.queue)
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.QueueDepth.Set(float64(depth))
			}
			return e
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, e *Execution) {
	if !e.transition(StateRunning) {
		return
	}

	queueWait := time.Since(e.submittedAt)
	if s.metrics != nil {
		s.metrics.QueueWait.Observe(queueWait.Seconds())
		s.metrics.ActiveExecutions.Inc()
		defer s.metrics.ActiveExecutions.Dec()
	}

	log.Info().
		Str("exec_id", e.id).
		Str("language", e.language).
		Dur("queue_wait", queueWait).
		Msg("execution started")
	s.events.publish(stateEvent(e, EventStarted, StateRunning, nil))

	runCtx, killRun := context.WithCancel(ctx)
	defer killRun()
	e.armKill(killRun)

	outcome, err := s.backend.Run(runCtx, sandbox.Request{
		ExecID:     e.id,
		Source:     e.source,
		Descriptor: e.desc,
		Limits:     e.limits,
	})
	if err != nil && e.killRequested() {
		// The backend aborted because Cancel fired the kill hook.
		if e.finish(StateCancelled, cancelledResult(e)) {
			log.Info().Str("exec_id", e.id).Msg("running execution cancelled")
			if s.metrics != nil {
				s.metrics.ExecutionsTotal.WithLabelValues(e.language, string(StateCancelled)).Inc()
			}
			s.events.publish(stateEvent(e, EventCancelled, StateCancelled, e.Result()))
		}
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", e.id).Msg("sandbox run failed")
		if s.metrics != nil {
			s.metrics.RecordFault(faultOp(err))
		}
	}

	state, result := collect(e, outcome, err)
	if !e.finish(state, result) {
		log.Error().Str("exec_id", e.id).Str("state", string(state)).Msg("illegal terminal transition")
		return
	}

	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(e.language, string(state)).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(e.language).Observe(result.Duration.Seconds())
	}
	s.events.publish(stateEvent(e, terminalEventType(state), state, result))
}

// queuePositionLocked returns the 1-based FIFO position; 0 when the
// execution is not waiting. Caller holds s.mu.
func (s *Scheduler) queuePositionLocked(id string) int {
	for i, e := range s.queue {
		if e.id == id {
			return i + 1
		}
	}
	return 0
}

func (s *Scheduler) countRejections(verdict validator.Verdict) {
	if s.metrics == nil {
		return
	}
	for _, v := range verdict.Violations {
		s.metrics.ValidationRejections.WithLabelValues(string(v.Layer)).Inc()
	}
}
