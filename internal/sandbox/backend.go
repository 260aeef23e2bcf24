package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"secure-code-sandbox/internal/registry"
)

// Backend executes a single validated request inside an isolation
// boundary. Implementations are safe for concurrent use; admission
// control lives in the scheduler, not here.
type Backend interface {
	Run(ctx context.Context, req Request) (*Outcome, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// BackendConfig selects and configures an isolation backend.
type BackendConfig struct {
	Kind             string // auto, containerd, or docker
	ContainerdSocket string
	Namespace        string
	Workdir          string // root for per-execution workspace dirs
}

// NewBackend picks the best available backend: containerd on Linux,
// Docker elsewhere or as fallback.
func NewBackend(ctx context.Context, cfg BackendConfig, reg *registry.Registry) (Backend, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = "auto"
	}

	switch kind {
	case "containerd":
		return newContainerdBackend(ctx, cfg, reg)
	case "docker":
		return newDockerBackend(ctx, cfg, reg)
	case "auto":
		if runtime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg, reg)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(ctx, cfg, reg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("%w: neither containerd nor Docker reachable", ErrBackendDown)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", kind)
	}
}

func newContainerdBackend(ctx context.Context, cfg BackendConfig, reg *registry.Registry) (Backend, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, err
	}

	runner := NewRunner(client, cfg.Workdir)

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to clean up orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	runner.PrefetchImages(ctx, reg.Images())

	return runner, nil
}

func newDockerBackend(ctx context.Context, cfg BackendConfig, reg *registry.Registry) (Backend, error) {
	backend, err := NewDockerBackend(ctx, cfg.Workdir)
	if err != nil {
		return nil, err
	}
	backend.PrefetchImages(ctx, reg.Images())
	return backend, nil
}
