package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/config"
	"conveyor/internal/events"
	"conveyor/internal/logging"
	"conveyor/internal/pipeline"
	"conveyor/internal/policy"
	"conveyor/internal/queue"
)

// Pool is a fixed-size set of executors sharing one store and pipeline
// registry.
type Pool struct {
	store     *queue.Store
	registry  *pipeline.Registry
	policy    *policy.Engine
	publisher events.Publisher
	logger    *slog.Logger

	size          int
	pollInterval  time.Duration
	leaseDuration time.Duration
	errorBackoff  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds a Pool from configuration.
func NewPool(
	cfg *config.Config,
	store *queue.Store,
	registry *pipeline.Registry,
	engine *policy.Engine,
	publisher events.Publisher,
	logger *slog.Logger,
) *Pool {
	size := cfg.Workers.Count
	if size <= 0 {
		size = 1
	}
	poll := time.Duration(cfg.Workers.PollInterval) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	lease := time.Duration(cfg.Workers.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	backoff := time.Duration(cfg.Workers.ErrorRetryInterval) * time.Second
	if backoff <= 0 {
		backoff = 10 * time.Second
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pool{
		store:         store,
		registry:      registry,
		policy:        engine,
		publisher:     publisher,
		logger:        logger.With(logging.String(logging.FieldComponent, "worker-pool")),
		size:          size,
		pollInterval:  poll,
		leaseDuration: lease,
		errorBackoff:  backoff,
	}
}

// Start launches the executors.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.size; i++ {
		exec := &executor{
			id:   "worker-" + uuid.NewString()[:8],
			pool: p,
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			exec.run(runCtx)
		}()
	}
	p.logger.Info("worker pool started", logging.Int("workers", p.size))
}

// Stop halts the executors and waits for in-flight jobs to reach a stage
// boundary.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}
