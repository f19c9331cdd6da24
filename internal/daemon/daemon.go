package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"conveyor/internal/config"
	"conveyor/internal/events"
	"conveyor/internal/locator"
	"conveyor/internal/logging"
	"conveyor/internal/manager"
	"conveyor/internal/pipeline"
	"conveyor/internal/queue"
	"conveyor/internal/worker"
)

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	broker   *events.Broker
	locator  *locator.Locator
	manager  *manager.Manager
	pool     *worker.Pool
	registry *pipeline.Registry
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Components carries the pre-wired services the daemon orchestrates.
type Components struct {
	Broker   *events.Broker
	Locator  *locator.Locator
	Manager  *manager.Manager
	Pool     *worker.Pool
	Registry *pipeline.Registry
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	QueueDBPath  string
	LockFilePath string
	Queue        queue.QueueSummary
	Workers      []queue.WorkerRecord
	Locations    []locator.LocationStatus
	Stages       []pipeline.Health
	Database     queue.DatabaseHealth
}

// New constructs a daemon from initialized dependencies.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, comps Components) (*Daemon, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if comps.Manager == nil || comps.Pool == nil {
		return nil, errors.New("daemon requires a queue manager and worker pool")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "conveyord.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		broker:   comps.Broker,
		locator:  comps.Locator,
		manager:  comps.Manager,
		pool:     comps.Pool,
		registry: comps.Registry,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the instance lock and launches the locator, queue manager,
// worker pool, and API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conveyor daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if d.locator != nil {
		d.locator.Start(d.ctx)
	}
	if err := d.manager.Start(d.ctx); err != nil {
		d.teardown()
		return fmt.Errorf("start queue manager: %w", err)
	}
	d.pool.Start(d.ctx)
	if d.api != nil {
		if err := d.api.start(d.ctx); err != nil {
			d.pool.Stop()
			d.manager.Stop()
			d.teardown()
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("conveyor daemon started", logging.String("lock", d.lockPath))
	return nil
}

func (d *Daemon) teardown() {
	if d.locator != nil {
		d.locator.Stop()
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.ctx = nil
	_ = d.lock.Unlock()
}

// Stop halts background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.api != nil {
		d.api.stop()
	}
	d.pool.Stop()
	d.manager.Stop()
	if d.locator != nil {
		d.locator.Stop()
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.ctx = nil
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("conveyor daemon stopped")
}

// Close stops the daemon and releases the job store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// APIAddr reports the bound API listener address, empty before Start.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Events exposes the status feed broker; may be nil when no feed is wired.
func (d *Daemon) Events() *events.Broker {
	return d.broker
}

// Status reports aggregate runtime information.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		QueueDBPath:  filepath.Join(d.cfg.Paths.DataDir, "jobs.db"),
		LockFilePath: d.lockPath,
		Database:     d.store.CheckHealth(ctx),
	}

	if summary, err := d.store.Stats(ctx); err != nil {
		d.logger.Warn("queue stats unavailable", logging.Error(err))
	} else {
		status.Queue = summary
	}

	staleAfter := time.Duration(d.cfg.Workers.StaleWorkerTimeout) * time.Second
	if workers, err := d.store.Workers(ctx, staleAfter); err != nil {
		d.logger.Warn("worker records unavailable", logging.Error(err))
	} else {
		status.Workers = workers
	}

	if d.locator != nil {
		status.Locations = d.locator.ListLocations()
	}
	if d.registry != nil {
		for _, kind := range d.registry.Kinds() {
			stages, err := d.registry.StagesFor(kind)
			if err != nil {
				continue
			}
			for _, stage := range stages {
				status.Stages = append(status.Stages, stage.HealthCheck(ctx))
			}
		}
	}
	return status
}
