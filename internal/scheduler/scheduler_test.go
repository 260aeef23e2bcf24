package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"secure-code-sandbox/internal/registry"
	"secure-code-sandbox/internal/sandbox"
)

// fakeBackend stands in for a container backend. With hold set, Run
// blocks until release closes, which lets tests pin executions in the
// Running state.
type fakeBackend struct {
	hold    bool
	release chan struct{}
	started chan string
	outcome func(req sandbox.Request) (*sandbox.Outcome, error)

	mu     sync.Mutex
	active int
	peak   int
	order  []string
}

func newFakeBackend(hold bool) *fakeBackend {
	return &fakeBackend{
		hold:    hold,
		release: make(chan struct{}),
		started: make(chan string, 32),
	}
}

func (f *fakeBackend) Run(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.order = append(f.order, req.ExecID)
	f.mu.Unlock()

	f.started <- req.ExecID

	if f.hold {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if f.outcome != nil {
		return f.outcome(req)
	}
	code := 0
	return &sandbox.Outcome{
		Stdout:   "ok\n",
		ExitCode: &code,
		Duration: time.Millisecond,
		Reason:   sandbox.ReasonNormal,
	}, nil
}

func (f *fakeBackend) Healthy(context.Context) bool { return true }
func (f *fakeBackend) Close() error                 { return nil }

func (f *fakeBackend) peakActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeBackend) startOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func newTestScheduler(t *testing.T, cfg Config, backend sandbox.Backend) *Scheduler {
	t.Helper()
	s := New(cfg, registry.New(), backend, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func awaitStart(t *testing.T, backend *fakeBackend) string {
	t.Helper()
	select {
	case id := <-backend.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no execution started within 5s")
		return ""
	}
}

func TestSubmit_RejectsDangerousCode(t *testing.T) {
	backend := newFakeBackend(false)
	s := newTestScheduler(t, Config{}, backend)

	_, err := s.Submit(context.Background(), SubmitRequest{
		Language: "python",
		Source:   "import os\nos.system('ls')",
	})

	rej, ok := AsRejected(err)
	if !ok {
		t.Fatalf("Submit error = %v, want RejectedError", err)
	}
	if len(rej.Violations) == 0 {
		t.Error("RejectedError carries no violations")
	}
}

func TestSubmit_UnsupportedLanguage(t *testing.T) {
	backend := newFakeBackend(false)
	s := newTestScheduler(t, Config{}, backend)

	_, err := s.Submit(context.Background(), SubmitRequest{
		Language: "cobol",
		Source:   "DISPLAY 'HI'.",
	})
	if _, ok := AsRejected(err); !ok {
		t.Fatalf("Submit error = %v, want rejection for unsupported language", err)
	}
}

func TestScheduler_ConcurrencyCeiling(t *testing.T) {
	backend := newFakeBackend(true)
	s := newTestScheduler(t, Config{MaxConcurrent: 2, MaxQueueDepth: 16}, backend)

	var execs []*Execution
	for i := 0; i < 5; i++ {
		e, err := s.Submit(context.Background(), SubmitRequest{
			Language: "python",
			Source:   "print('hello')",
		})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		execs = append(execs, e)
	}

	awaitStart(t, backend)
	awaitStart(t, backend)

	if got := backend.peakActive(); got != 2 {
		t.Errorf("peak active = %d, want 2", got)
	}
	if got := s.QueueDepth(); got != 3 {
		t.Errorf("queue depth = %d, want 3", got)
	}

	close(backend.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range execs {
		if _, err := s.Wait(ctx, e.ID()); err != nil {
			t.Fatalf("Wait(%s): %v", e.ID(), err)
		}
	}

	if got := backend.peakActive(); got > 2 {
		t.Errorf("peak active = %d, ceiling of 2 was breached", got)
	}
}

func TestScheduler_StrictFIFO(t *testing.T) {
	backend := newFakeBackend(false)
	s := newTestScheduler(t, Config{MaxConcurrent: 1, MaxQueueDepth: 16}, backend)

	var want []string
	for i := 0; i < 4; i++ {
		e, err := s.Submit(context.Background(), SubmitRequest{
			Language: "javascript",
			Source:   "console.log('hi')",
		})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		want = append(want, e.ID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range want {
		if _, err := s.Wait(ctx, id); err != nil {
			t.Fatalf("Wait(%s): %v", id, err)
		}
	}

	got := backend.startOrder()
	if len(got) != len(want) {
		t.Fatalf("started %d executions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("start order[%d] = %s, want %s (FIFO violated)", i, got[i], want[i])
		}
	}
}

func TestScheduler_QueueSaturation(t *testing.T) {
	backend := newFakeBackend(true)
	s := newTestScheduler(t, Config{MaxConcurrent: 1, MaxQueueDepth: 2}, backend)

	submit := func() (*Execution, error) {
		return s.Submit(context.Background(), SubmitRequest{
			Language: "python",
			Source:   "print('x')",
		})
	}

	running, err := submit()
	if err != nil {
		t.Fatalf("Submit running: %v", err)
	}
	awaitStart(t, backend)

	b, err := submit()
	if err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	c, err := submit()
	if err != nil {
		t.Fatalf("Submit c: %v", err)
	}

	if _, err := submit(); !errors.Is(err, ErrQueueSaturated) {
		t.Errorf("Submit over capacity = %v, want ErrQueueSaturated", err)
	}

	// Queue positions are 1-based and FIFO.
	stB, err := s.StatusOf(b.ID())
	if err != nil {
		t.Fatalf("StatusOf b: %v", err)
	}
	if stB.QueuePosition != 1 {
		t.Errorf("b queue position = %d, want 1", stB.QueuePosition)
	}
	stC, err := s.StatusOf(c.ID())
	if err != nil {
		t.Fatalf("StatusOf c: %v", err)
	}
	if stC.QueuePosition != 2 {
		t.Errorf("c queue position = %d, want 2", stC.QueuePosition)
	}

	close(backend.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range []*Execution{running, b, c} {
		if _, err := s.Wait(ctx, e.ID()); err != nil {
			t.Fatalf("Wait(%s): %v", e.ID(), err)
		}
	}
}

func TestCancel_Queued(t *testing.T) {
	backend := newFakeBackend(true)
	s := newTestScheduler(t, Config{MaxConcurrent: 1, MaxQueueDepth: 8}, backend)

	running, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print(1)"})
	if err != nil {
		t.Fatalf("Submit running: %v", err)
	}
	awaitStart(t, backend)

	queued, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print(2)"})
	if err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	ok, err := s.Cancel(queued.ID())
	if err != nil || !ok {
		t.Fatalf("Cancel(queued) = %v, %v, want true, nil", ok, err)
	}
	if got := queued.State(); got != StateCancelled {
		t.Errorf("cancelled state = %s, want %s", got, StateCancelled)
	}
	if got := queued.Result().Reason; got != sandbox.ReasonCancelled {
		t.Errorf("cancelled reason = %s, want %s", got, sandbox.ReasonCancelled)
	}

	// Cancelling running code reports false: the termination signal is
	// best effort, and this run completes normally before it lands.
	ok, err = s.Cancel(running.ID())
	if err != nil || ok {
		t.Errorf("Cancel(running) = %v, %v, want false, nil", ok, err)
	}

	if _, err := s.Cancel("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(unknown) = %v, want ErrNotFound", err)
	}

	close(backend.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Wait(ctx, running.ID())
	if err != nil {
		t.Fatalf("Wait(running): %v", err)
	}
	if res.Reason != sandbox.ReasonNormal {
		t.Errorf("running reason = %s, want %s", res.Reason, sandbox.ReasonNormal)
	}
}

func TestCancel_RunningKilled(t *testing.T) {
	backend := newFakeBackend(true)
	backend.outcome = func(req sandbox.Request) (*sandbox.Outcome, error) {
		return nil, &sandbox.ExecutionError{
			ExecID: req.ExecID,
			Op:     "wait",
			Err:    fmt.Errorf("%w: task aborted", sandbox.ErrRunnerFault),
		}
	}
	s := newTestScheduler(t, Config{MaxConcurrent: 1, MaxQueueDepth: 8}, backend)

	e, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print(1)"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	awaitStart(t, backend)

	ok, err := s.Cancel(e.ID())
	if err != nil || ok {
		t.Fatalf("Cancel(running) = %v, %v, want false, nil", ok, err)
	}

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after cancel")
	}
	if got := e.State(); got != StateCancelled {
		t.Errorf("state = %s, want %s", got, StateCancelled)
	}
	if got := e.Result().Reason; got != sandbox.ReasonCancelled {
		t.Errorf("reason = %s, want %s", got, sandbox.ReasonCancelled)
	}
}

func TestWait_DeliversOnce(t *testing.T) {
	backend := newFakeBackend(false)
	s := newTestScheduler(t, Config{}, backend)

	e, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print('hi')"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Wait(ctx, e.ID())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Reason != sandbox.ReasonNormal {
		t.Errorf("reason = %s, want %s", res.Reason, sandbox.ReasonNormal)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", res.ExitCode)
	}
	if res.Stdout != "ok\n" {
		t.Errorf("stdout = %q, want ok", res.Stdout)
	}

	// Delivery removed the live-table entry.
	if _, err := s.Wait(ctx, e.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Wait = %v, want ErrNotFound", err)
	}
	if _, err := s.StatusOf(e.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("StatusOf after delivery = %v, want ErrNotFound", err)
	}
}

func TestQueuePosition_DoesNotConsumeResult(t *testing.T) {
	backend := newFakeBackend(false)
	s := newTestScheduler(t, Config{}, backend)

	e, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print(1)"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish within 5s")
	}

	// Peeking the position after completion must not deliver the result.
	if got := s.QueuePosition(e.ID()); got != 0 {
		t.Errorf("QueuePosition = %d, want 0", got)
	}

	st, err := s.StatusOf(e.ID())
	if err != nil {
		t.Fatalf("StatusOf after peek: %v", err)
	}
	if st.State != StateCompleted {
		t.Errorf("state = %s, want %s", st.State, StateCompleted)
	}
	if _, err := s.StatusOf(e.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second StatusOf = %v, want ErrNotFound", err)
	}
}

func TestTimeoutAndCeilingKillsMapToTimedOut(t *testing.T) {
	tests := []struct {
		name   string
		reason sandbox.Reason
	}{
		{"wall clock timeout", sandbox.ReasonTimeout},
		{"resource ceiling kill", sandbox.ReasonResourceLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend(false)
			backend.outcome = func(sandbox.Request) (*sandbox.Outcome, error) {
				return &sandbox.Outcome{
					Stdout:   "partial",
					Duration: 50 * time.Millisecond,
					Reason:   tt.reason,
				}, nil
			}
			s := newTestScheduler(t, Config{}, backend)

			e, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "while True: pass"})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}

			select {
			case <-e.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("execution never finished")
			}

			if got := e.State(); got != StateTimedOut {
				t.Errorf("state = %s, want %s", got, StateTimedOut)
			}
			res := e.Result()
			if res.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", res.Reason, tt.reason)
			}
			if res.ExitCode != nil {
				t.Errorf("exit code = %d, want nil on signal kill", *res.ExitCode)
			}
			if res.Stdout != "partial" {
				t.Errorf("stdout = %q, want partial output preserved", res.Stdout)
			}
		})
	}
}

func TestRunnerFaultMapsToFailed(t *testing.T) {
	backend := newFakeBackend(false)
	backend.outcome = func(req sandbox.Request) (*sandbox.Outcome, error) {
		return nil, &sandbox.ExecutionError{
			ExecID: req.ExecID,
			Op:     "create_container",
			Err:    sandbox.ErrRunnerFault,
		}
	}
	s := newTestScheduler(t, Config{}, backend)

	e, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print(1)"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution never finished")
	}

	if got := e.State(); got != StateFailed {
		t.Errorf("state = %s, want %s", got, StateFailed)
	}
	res := e.Result()
	if res.Reason != sandbox.ReasonRunnerError {
		t.Errorf("reason = %s, want %s", res.Reason, sandbox.ReasonRunnerError)
	}
	if res.Err != "sandbox failure during create_container" {
		t.Errorf("error message = %q, want sanitized op-level message", res.Err)
	}
}

func TestSubscribe_LifecycleEvents(t *testing.T) {
	backend := newFakeBackend(true)
	s := newTestScheduler(t, Config{MaxConcurrent: 1}, backend)

	// Park a long execution so the next submission stays queued while
	// we attach the subscriber. Closing release later unblocks both.
	parked, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print(0)"})
	if err != nil {
		t.Fatalf("Submit parked: %v", err)
	}
	awaitStart(t, backend)

	e, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print(1)"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	events, cancelSub, err := s.Subscribe(e.ID())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancelSub()

	close(backend.release)

	var seen []EventType
	deadline := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen = append(seen, ev.Type)
			if ev.Type == EventCompleted && ev.Result == nil {
				t.Error("terminal event carries no result")
			}
		case <-deadline:
			t.Fatalf("saw events %v, want started and completed", seen)
		}
	}

	if seen[0] != EventStarted || seen[1] != EventCompleted {
		t.Errorf("event order = %v, want [started completed]", seen)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Wait(ctx, parked.ID()); err != nil {
		t.Fatalf("Wait(parked): %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"queued to running", StateQueued, StateRunning, true},
		{"queued to cancelled", StateQueued, StateCancelled, true},
		{"running to completed", StateRunning, StateCompleted, true},
		{"running to timed out", StateRunning, StateTimedOut, true},
		{"running to failed", StateRunning, StateFailed, true},
		{"running to cancelled", StateRunning, StateCancelled, true},
		{"completed to running", StateCompleted, StateRunning, false},
		{"cancelled to running", StateCancelled, StateRunning, false},
		{"queued to completed", StateQueued, StateCompleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestClose_CancelsQueued(t *testing.T) {
	backend := newFakeBackend(true)
	s := New(Config{MaxConcurrent: 1, MaxQueueDepth: 8}, registry.New(), backend, nil)

	if _, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print(1)"}); err != nil {
		t.Fatalf("Submit running: %v", err)
	}
	awaitStart(t, backend)

	queued, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print(2)"})
	if err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	close(backend.release)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := queued.State(); got != StateCancelled {
		t.Errorf("queued state after Close = %s, want %s", got, StateCancelled)
	}

	if _, err := s.Submit(context.Background(), SubmitRequest{Language: "python", Source: "print(3)"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
}
