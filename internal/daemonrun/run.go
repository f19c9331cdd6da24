// Package daemonrun wires configuration into a running conveyor daemon
// process: logger, job store, status feed, storage locator, pipeline
// stages, queue manager, and worker pool.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/events"
	"conveyor/internal/locator"
	"conveyor/internal/logging"
	"conveyor/internal/manager"
	"conveyor/internal/pipeline"
	"conveyor/internal/policy"
	"conveyor/internal/queue"
	"conveyor/internal/services/publisher"
	"conveyor/internal/services/transcoder"
	"conveyor/internal/services/transcriber"
	"conveyor/internal/worker"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the conveyor daemon and blocks until the context is cancelled
// or a termination signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", filepath.Join(cfg.Paths.LogDir, "conveyor.log")},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "conveyord.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}
	defer store.Close()

	broker := events.NewBroker(200)
	loc := locator.New(cfg, logger, broker)

	registry := pipeline.NewRegistry()
	registry.Register(queue.KindProcessMedia, mediaStages(cfg, loc, logger)...)

	mgr := manager.New(cfg, store, loc, broker, logger)
	pool := worker.NewPool(cfg, store, registry, policy.NewEngine(cfg.Retry), broker, logger)

	d, err := daemon.New(cfg, store, logger, daemon.Components{
		Broker:   broker,
		Locator:  loc,
		Manager:  mgr,
		Pool:     pool,
		Registry: registry,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return err
	}

	cleanStaleWorkspaces(signalCtx, cfg, store, logger)

	<-signalCtx.Done()
	logger.Info("conveyor daemon shutting down")
	d.Stop()
	return nil
}

// mediaStages assembles the standard process-media pipeline from the
// configured collaborators. transcriber.New returns nil when transcription
// is unconfigured; the interface handed to the stages must stay nil too,
// not a typed nil, or the optional-captions check never fires.
func mediaStages(cfg *config.Config, resolver pipeline.SourceResolver, logger *slog.Logger) []pipeline.Handler {
	var captions pipeline.Transcriber
	if c := transcriber.New(cfg.Transcriber); c != nil {
		captions = c
	}
	return pipeline.NewMediaStages(cfg, resolver, captions,
		transcoder.New(cfg.Transcoder), publisher.New(cfg.Publisher), logger)
}

// cleanStaleWorkspaces drops staging leftovers from previous runs that no
// longer belong to a live job attempt. Workspaces of non-terminal jobs are
// kept regardless of age; a store error keeps the workspace too.
func cleanStaleWorkspaces(ctx context.Context, cfg *config.Config, store *queue.Store, logger *slog.Logger) {
	active := func(jobID string) bool {
		job, err := store.GetByID(ctx, jobID)
		if err != nil {
			return !errors.Is(err, queue.ErrNotFound)
		}
		return !job.State.Terminal()
	}
	removed, errs := pipeline.CleanStaleWorkspaces(cfg.Paths.StagingDir, 24*time.Hour, active)
	for _, err := range errs {
		logger.Warn("stale workspace cleanup", logging.Error(err))
	}
	if len(removed) > 0 {
		logger.Info("removed stale staging workspaces", logging.Int("count", len(removed)))
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
