package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"secure-code-sandbox/internal/api"
	"secure-code-sandbox/internal/config"
	"secure-code-sandbox/internal/monitor"
	"secure-code-sandbox/internal/registry"
	"secure-code-sandbox/internal/sandbox"
	"secure-code-sandbox/internal/scheduler"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file specified, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitor.NewMetrics()
	languages := registry.New()

	backend, err := sandbox.NewBackend(ctx, sandbox.BackendConfig{
		Kind:             cfg.Sandbox.Backend,
		ContainerdSocket: cfg.Sandbox.ContainerdSocket,
		Namespace:        cfg.Sandbox.Namespace,
		Workdir:          cfg.Sandbox.Workdir,
	}, languages)
	if err != nil {
		log.Fatal().Err(err).Msg("no sandbox backend available")
	}

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		MaxQueueDepth: cfg.Scheduler.MaxQueueDepth,
	}, languages, backend, metrics)

	server := api.NewServer(cfg, sched, backend, languages, metrics)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Address()).
			Str("backend", cfg.Sandbox.Backend).
			Int("max_concurrent", cfg.Scheduler.MaxConcurrent).
			Int("max_queue_depth", cfg.Scheduler.MaxQueueDepth).
			Msg("server starting")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := sched.Close(); err != nil {
			log.Error().Err(err).Msg("scheduler close error")
		}
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}
