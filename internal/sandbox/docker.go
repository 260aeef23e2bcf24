package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"secure-code-sandbox/pkg/seccomp"
)

// orphanReapInterval is how often the Docker backend sweeps for
// sandbox containers that outlived their execution (server crash,
// daemon restart mid-run).
const orphanReapInterval = 5 * time.Minute

// orphanMinAge keeps the sweep away from containers belonging to
// in-flight executions; anything older than this has long passed the
// maximum execution timeout.
const orphanMinAge = 5 * time.Minute

// DockerBackend is the Docker Engine isolation backend, used on hosts
// without containerd access (macOS, or dockerd-only Linux).
type DockerBackend struct {
	cli         *client.Client
	workdir     string
	seccompJSON string

	cancelReaper context.CancelFunc
}

func NewDockerBackend(ctx context.Context, workdir string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %v", ErrBackendDown, err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: docker daemon not reachable: %v", ErrBackendDown, err)
	}

	profile, err := seccomp.DockerProfileJSON()
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("serializing seccomp profile: %w", err)
	}

	d := &DockerBackend{
		cli:         cli,
		workdir:     workdir,
		seccompJSON: string(profile),
	}

	reapCtx, cancel := context.WithCancel(context.Background())
	d.cancelReaper = cancel
	go d.reapLoop(reapCtx)

	return d, nil
}

// PrefetchImages pulls the interpreter images ahead of the first
// execution.
func (d *DockerBackend) PrefetchImages(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if err := d.ensureImage(ctx, ref); err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("image prefetch failed")
		}
	}
}

// Run executes the request in a fresh container with network disabled,
// a read-only root, and the resource ceilings from the request.
func (d *DockerBackend) Run(ctx context.Context, req Request) (*Outcome, error) {
	logger := log.With().
		Str("exec_id", req.ExecID).
		Str("language", req.Descriptor.Language).
		Logger()

	ws, err := NewWorkspace(d.workdir, req.ExecID, req.Descriptor, req.Source)
	if err != nil {
		return nil, d.fault(req.ExecID, "workspace", err)
	}
	defer func() {
		if rmErr := ws.Remove(); rmErr != nil {
			logger.Error().Err(rmErr).Msg("workspace cleanup failed")
		}
	}()

	if err := d.ensureImage(ctx, req.Descriptor.Image); err != nil {
		return nil, d.fault(req.ExecID, "ensure_image", err)
	}

	pids := req.Limits.PidsLimit
	memoryBytes := req.Limits.MemoryMB * 1024 * 1024

	cfg := &container.Config{
		Image:           req.Descriptor.Image,
		Cmd:             req.Descriptor.Command(ws.ContainerCodePath()),
		User:            "65534:65534",
		Env:             sandboxEnv(),
		WorkingDir:      "/workspace",
		Hostname:        "sandbox",
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
	}
	host := &container.HostConfig{
		Binds:          []string{ws.HostDir() + ":/workspace:ro"},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges", "seccomp=" + d.seccompJSON},
		NetworkMode:    container.NetworkMode("none"),
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,nosuid,nodev,noexec,size=%d", scratchBytes),
		},
		Resources: container.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes, // no swap headroom beyond the limit
			CPUPeriod:  cfsPeriodMicros,
			CPUQuota:   cfsQuota(req.Limits.CPUShares),
			PidsLimit:  &pids,
		},
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "sandbox-"+req.ExecID)
	if err != nil {
		return nil, d.fault(req.ExecID, "create_container", err)
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		if rmErr := d.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			logger.Error().Err(rmErr).Msg("container remove failed")
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, req.Limits.Timeout)
	defer cancel()

	if err := d.cli.ContainerStart(execCtx, created.ID, container.StartOptions{}); err != nil {
		return nil, d.fault(req.ExecID, "start_container", err)
	}
	start := time.Now()

	logger.Info().Msg("container started")

	statusCh, errCh := d.cli.ContainerWait(execCtx, created.ID, container.WaitConditionNotRunning)

	var exitCode int
	timedOut := false
	select {
	case waitErr := <-errCh:
		if ctx.Err() != nil {
			return nil, d.fault(req.ExecID, "wait", ctx.Err())
		}
		if execCtx.Err() == nil {
			return nil, d.fault(req.ExecID, "wait", waitErr)
		}
		// Wall-clock deadline hit: hard kill, then collect what wrote
		// to the streams before death.
		logger.Warn().Dur("timeout", req.Limits.Timeout).Msg("wall-clock deadline hit, killing container")
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if killErr := d.cli.ContainerKill(killCtx, created.ID, "SIGKILL"); killErr != nil {
			logger.Error().Err(killErr).Msg("failed to kill timed-out container")
		}
		killCancel()
		timedOut = true

	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	duration := time.Since(start)

	stdout := newCapBuffer(maxStdoutBytes)
	stderr := newCapBuffer(maxStderrBytes)
	d.collectLogs(created.ID, stdout, stderr, logger)

	out := &Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if timedOut {
		out.Reason = ReasonTimeout
		return out, nil
	}

	if d.oomKilled(created.ID) || exitCode == 137 {
		logger.Warn().Msg("container killed by resource ceiling")
		out.Reason = ReasonResourceLimit
		return out, nil
	}

	logger.Info().Int("exit_code", exitCode).Dur("duration", duration).Msg("execution completed")
	out.ExitCode = intPtr(exitCode)
	out.Reason = ReasonNormal
	return out, nil
}

// Healthy reports whether the Docker daemon answers a ping.
func (d *DockerBackend) Healthy(ctx context.Context) bool {
	_, err := d.cli.Ping(ctx)
	return err == nil
}

// Close stops the orphan reaper and releases the client.
func (d *DockerBackend) Close() error {
	if d.cancelReaper != nil {
		d.cancelReaper()
	}
	return d.cli.Close()
}

func (d *DockerBackend) fault(execID, op string, err error) error {
	return &ExecutionError{
		ExecID: execID,
		Op:     op,
		Err:    fmt.Errorf("%w: %v", ErrRunnerFault, err),
	}
}

func (d *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	list, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err == nil && len(list) > 0 {
		return nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()

	log.Info().Str("ref", ref).Msg("image pulled")
	return nil
}

// collectLogs demuxes the container's stdout/stderr streams into the
// capped buffers. Uses a fresh context; the execution deadline may
// already have fired.
func (d *DockerBackend) collectLogs(id string, stdout, stderr *capBuffer, logger zerolog.Logger) {
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := d.cli.ContainerLogs(logCtx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		logger.Error().Err(err).Msg("reading container logs failed")
		return
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil && err != io.EOF {
		logger.Warn().Err(err).Msg("log demux stopped early")
	}
}

func (d *DockerBackend) oomKilled(id string) bool {
	inspectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inspect, err := d.cli.ContainerInspect(inspectCtx, id)
	if err != nil || inspect.State == nil {
		return false
	}
	return inspect.State.OOMKilled
}

// reapLoop removes sandbox containers that survived a previous process.
// Only containers older than orphanMinAge are touched so in-flight
// executions are never reaped.
func (d *DockerBackend) reapLoop(ctx context.Context) {
	d.reapOrphans(ctx)

	ticker := time.NewTicker(orphanReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.reapOrphans(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerBackend) reapOrphans(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	list, err := d.cli.ContainerList(listCtx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "sandbox-")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("listing sandbox containers failed")
		return
	}

	cutoff := time.Now().Add(-orphanMinAge).Unix()
	for _, c := range list {
		if c.Created > cutoff {
			continue
		}
		if !hasSandboxName(c.Names) {
			continue
		}

		log.Warn().Str("container_id", c.ID).Msg("removing orphaned sandbox container")
		if err := d.cli.ContainerRemove(listCtx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Error().Err(err).Str("container_id", c.ID).Msg("failed to remove orphaned container")
		}
	}
}

// hasSandboxName guards against the substring semantics of the name
// filter: only containers whose name actually starts with the sandbox
// prefix are reaped.
func hasSandboxName(names []string) bool {
	for _, n := range names {
		if strings.HasPrefix(strings.TrimPrefix(n, "/"), "sandbox-") {
			return true
		}
	}
	return false
}
