package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Runner is the containerd isolation backend. It holds no per-execution
// state and runs any number of requests concurrently; how many actually
// run at once is the scheduler's decision.
type Runner struct {
	client  *Client
	workdir string
	profile SecurityProfile
}

func NewRunner(client *Client, workdir string) *Runner {
	return &Runner{
		client:  client,
		workdir: workdir,
		profile: DefaultSecurityProfile(),
	}
}

// PrefetchImages pulls the interpreter images so the first execution
// does not pay the pull latency.
func (r *Runner) PrefetchImages(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if _, err := r.client.EnsureImage(ctx, ref); err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("image prefetch failed")
		}
	}
}

// Run executes the request inside a fresh container and tears
// everything down before returning. Timeouts and ceiling kills are
// reported in the Outcome, not as errors; a non-nil error means the
// boundary itself failed.
func (r *Runner) Run(ctx context.Context, req Request) (*Outcome, error) {
	logger := log.With().
		Str("exec_id", req.ExecID).
		Str("language", req.Descriptor.Language).
		Logger()

	ws, err := NewWorkspace(r.workdir, req.ExecID, req.Descriptor, req.Source)
	if err != nil {
		return nil, r.fault(req.ExecID, "workspace", err)
	}
	defer func() {
		if rmErr := ws.Remove(); rmErr != nil {
			logger.Error().Err(rmErr).Msg("workspace cleanup failed")
		}
	}()

	image, err := r.client.EnsureImage(ctx, req.Descriptor.Image)
	if err != nil {
		return nil, r.fault(req.ExecID, "ensure_image", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Limits.Timeout)
	defer cancel()

	containerID := "sandbox-" + req.ExecID
	container, err := r.createContainer(execCtx, containerID, image, req, ws)
	if err != nil {
		return nil, r.fault(req.ExecID, "create_container", err)
	}
	// Cleanup runs on every exit path, with a fresh context so a fired
	// deadline cannot leak the container.
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	stdout := newCapBuffer(maxStdoutBytes)
	stderr := newCapBuffer(maxStderrBytes)

	nsCtx := r.client.WithNamespace(execCtx)
	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(nil, stdout, stderr)),
	)
	if err != nil {
		return nil, r.fault(req.ExecID, "create_task", err)
	}
	defer func() {
		delCtx := r.client.WithNamespace(context.Background())
		if _, delErr := task.Delete(delCtx, containerd.WithProcessKill); delErr != nil {
			logger.Error().Err(delErr).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, r.fault(req.ExecID, "task_wait", err)
	}

	if err := task.Start(nsCtx); err != nil {
		return nil, r.fault(req.ExecID, "task_start", err)
	}
	start := time.Now()

	logger.Info().Msg("task started")

	select {
	case status := <-exitCh:
		return r.finish(logger, stdout, stderr, int(status.ExitCode()), time.Since(start)), nil

	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Caller went away (shutdown), not a workload timeout.
			return nil, r.fault(req.ExecID, "wait", ctx.Err())
		}

		logger.Warn().Dur("timeout", req.Limits.Timeout).Msg("wall-clock deadline hit, killing task")
		killCtx := r.client.WithNamespace(context.Background())
		if killErr := task.Kill(killCtx, 9); killErr != nil {
			logger.Error().Err(killErr).Msg("failed to kill timed-out task")
		}
		<-exitCh

		return &Outcome{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
			Reason:   ReasonTimeout,
		}, nil
	}
}

// finish classifies a natural task exit. Exit 137 without our deadline
// firing means the kernel delivered SIGKILL for a ceiling breach (OOM
// or pids); that is treated exactly like a timeout, never as a normal
// exit with output.
func (r *Runner) finish(logger zerolog.Logger, stdout, stderr *capBuffer, code int, dur time.Duration) *Outcome {
	out := &Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: dur,
	}

	if code == 137 {
		logger.Warn().Msg("task killed by resource ceiling")
		out.Reason = ReasonResourceLimit
		return out
	}

	logger.Info().Int("exit_code", code).Dur("duration", dur).Msg("execution completed")
	out.ExitCode = intPtr(code)
	out.Reason = ReasonNormal
	return out
}

// Healthy reports whether the containerd connection is usable.
func (r *Runner) Healthy(ctx context.Context) bool {
	return r.client.Healthy(ctx)
}

// Close releases the containerd connection.
func (r *Runner) Close() error {
	return r.client.Close()
}

func (r *Runner) fault(execID, op string, err error) error {
	return &ExecutionError{
		ExecID: execID,
		Op:     op,
		Err:    fmt.Errorf("%w: %v", ErrRunnerFault, err),
	}
}

func (r *Runner) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	req Request,
	ws *Workspace,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(req.Descriptor.Command(ws.ContainerCodePath())...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, r.profile)
				ApplyResourceLimits(s, req.Limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      ws.HostDir(),
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Env = sandboxEnv()
				s.Process.Cwd = "/workspace"

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}
