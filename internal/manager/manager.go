package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/events"
	"conveyor/internal/locator"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
)

// Manager owns queue membership operations and periodic maintenance.
type Manager struct {
	cfg       *config.Config
	store     *queue.Store
	locator   *locator.Locator
	publisher events.Publisher
	logger    *slog.Logger

	schedules *schedules

	workerMu     sync.Mutex
	staleWorkers map[string]bool
}

// New builds a Manager. The locator may be nil for API-only deployments
// where jobs arrive exclusively by submission.
func New(cfg *config.Config, store *queue.Store, loc *locator.Locator, publisher events.Publisher, logger *slog.Logger) *Manager {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		locator:   loc,
		publisher: publisher,
		logger:    logger.With(logging.String(logging.FieldComponent, "queue-manager")),
	}
	m.schedules = newSchedules(m)
	return m
}

// Submission is an externally submitted piece of work.
type Submission struct {
	Kind        string
	LocationID  string
	PayloadPath string
	Priority    int
}

// Enqueue creates and admits a job. Duplicate payload submissions of
// discovered work are idempotent no-ops; the existing active job is
// returned with created=false.
func (m *Manager) Enqueue(ctx context.Context, sub Submission) (job *queue.Job, created bool, err error) {
	if sub.Kind == "" {
		sub.Kind = queue.KindProcessMedia
	}
	if sub.Priority <= 0 {
		sub.Priority = m.cfg.Discovery.DefaultPriority
	}

	job, err = m.store.Create(ctx, queue.NewJob{
		Kind:        sub.Kind,
		LocationID:  sub.LocationID,
		PayloadPath: sub.PayloadPath,
		Priority:    sub.Priority,
		MaxAttempts: m.cfg.Retry.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicatePayload) {
			existing, findErr := m.store.FindActiveByPayload(ctx, sub.LocationID, sub.PayloadPath)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	admitted, err := m.store.Admit(ctx, job.ID)
	if err != nil {
		return nil, false, fmt.Errorf("admit created job: %w", err)
	}
	m.publisher.Publish(events.Event{
		Type:       events.TypeJobQueued,
		Message:    "job admitted to the queue",
		JobID:      admitted.ID,
		LocationID: admitted.LocationID,
	})
	m.logger.Info("job enqueued",
		logging.String(logging.FieldJobID, admitted.ID),
		logging.String(logging.FieldLocation, admitted.LocationID),
		logging.String("payload", admitted.PayloadPath),
		logging.Int("priority", admitted.Priority))
	return admitted, true, nil
}

// Reorder updates the priority of a waiting job. Running jobs report
// queue.ErrInvalidState.
func (m *Manager) Reorder(ctx context.Context, jobID string, priority int) (*queue.Job, error) {
	return m.store.UpdatePriority(ctx, jobID, priority)
}

// Pause moves a queued job aside so workers skip it.
func (m *Manager) Pause(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := m.store.Transition(ctx, jobID, queue.StateQueued, queue.StatePaused)
	if err != nil {
		if errors.Is(err, queue.ErrStaleState) {
			return nil, fmt.Errorf("%w: only queued jobs can be paused", queue.ErrInvalidState)
		}
		return nil, err
	}
	return job, nil
}

// Resume returns a paused job to the queue at its original position.
func (m *Manager) Resume(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := m.store.Transition(ctx, jobID, queue.StatePaused, queue.StateQueued)
	if err != nil {
		if errors.Is(err, queue.ErrStaleState) {
			return nil, fmt.Errorf("%w: only paused jobs can be resumed", queue.ErrInvalidState)
		}
		return nil, err
	}
	return job, nil
}

// Cancel ends a job. Waiting jobs cancel immediately; running jobs are
// flagged and cancel cooperatively at the executor's next stage boundary.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := m.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case queue.StatePending, queue.StateQueued, queue.StatePaused:
		cancelled, err := m.store.Transition(ctx, jobID, job.State, queue.StateCancelled)
		if err != nil {
			return nil, err
		}
		m.publisher.Publish(events.Event{
			Type:    events.TypeJobCancelled,
			Message: "job cancelled while waiting",
			JobID:   jobID,
		})
		return cancelled, nil
	case queue.StateRunning:
		if err := m.store.RequestCancel(ctx, jobID); err != nil {
			return nil, err
		}
		m.logger.Info("cancellation requested for running job",
			logging.String(logging.FieldJobID, jobID))
		return m.store.GetByID(ctx, jobID)
	default:
		return nil, fmt.Errorf("%w: job is already %s", queue.ErrInvalidState, job.State)
	}
}

// Requeue resets a failed or cancelled job with a fresh attempt budget.
func (m *Manager) Requeue(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := m.store.Requeue(ctx, jobID)
	if err != nil {
		return nil, err
	}
	m.publisher.Publish(events.Event{
		Type:    events.TypeJobQueued,
		Message: "job requeued by operator",
		JobID:   jobID,
	})
	return job, nil
}

// Discover sweeps scannable locations and admits untracked media, newest
// first up to the per-location cap. Partitioned per location: one failing
// location logs and moves on.
func (m *Manager) Discover(ctx context.Context) (admitted int) {
	if m.locator == nil {
		return 0
	}
	for _, location := range m.cfg.Locations {
		if !location.Scan {
			continue
		}
		known, err := m.store.KnownPayloadPaths(ctx, location.ID)
		if err != nil {
			m.logger.Error("discovery skipped: cannot list known payloads",
				logging.String(logging.FieldLocation, location.ID),
				logging.Error(err))
			continue
		}
		items, err := m.locator.Discover(location.ID, locator.DiscoverFilter{
			Extensions: m.cfg.Discovery.Extensions,
			Known:      known,
			MaxItems:   m.cfg.Discovery.MaxPerLocation,
		})
		if err != nil {
			m.logger.Error("discovery sweep failed",
				logging.String(logging.FieldLocation, location.ID),
				logging.Error(err))
			continue
		}
		for _, item := range items {
			_, created, err := m.Enqueue(ctx, Submission{
				Kind:        queue.KindProcessMedia,
				LocationID:  item.LocationID,
				PayloadPath: item.Path,
			})
			if err != nil {
				m.logger.Error("failed to enqueue discovered item",
					logging.String(logging.FieldLocation, item.LocationID),
					logging.String("payload", item.Path),
					logging.Error(err))
				continue
			}
			if created {
				admitted++
			}
		}
	}
	if admitted > 0 {
		m.logger.Info("discovery sweep admitted new work", logging.Int("admitted", admitted))
	}
	return admitted
}

// ReclaimExpired requeues or fails running jobs whose lease lapsed, and
// emits a feed event per reclaimed job.
func (m *Manager) ReclaimExpired(ctx context.Context) ([]queue.ReclaimOutcome, error) {
	outcomes, err := m.store.ReclaimExpired(ctx)
	if err != nil {
		return nil, err
	}
	for _, outcome := range outcomes {
		if outcome.Requeued {
			m.logger.Warn("requeued job after lease expiry",
				logging.String(logging.FieldJobID, outcome.JobID),
				logging.Int("attempt", outcome.Attempt))
			m.publisher.Publish(events.Event{
				Type:    events.TypeJobReclaimed,
				Level:   events.LevelWarn,
				Message: "lease expired, job requeued",
				JobID:   outcome.JobID,
			})
		} else {
			m.logger.Error("job failed after lease expiry with no attempts left",
				logging.String(logging.FieldJobID, outcome.JobID),
				logging.Alert("job requires operator attention"))
			m.publisher.Publish(events.Event{
				Type:    events.TypeJobFailed,
				Level:   events.LevelAlert,
				Message: "lease expired with no remaining attempts",
				JobID:   outcome.JobID,
			})
		}
	}
	return outcomes, nil
}

// CheckWorkers flags workers whose heartbeat crossed the stale threshold and
// publishes one worker.unhealthy event per healthy-to-stale transition. A
// fresh heartbeat re-arms the alert.
func (m *Manager) CheckWorkers(ctx context.Context) {
	staleAfter := time.Duration(m.cfg.Workers.StaleWorkerTimeout) * time.Second
	records, err := m.store.Workers(ctx, staleAfter)
	if err != nil {
		m.logger.Warn("worker health sweep failed", logging.Error(err))
		return
	}

	m.workerMu.Lock()
	defer m.workerMu.Unlock()
	current := make(map[string]bool, len(records))
	for _, record := range records {
		current[record.ID] = !record.Healthy
		if !record.Healthy && !m.staleWorkers[record.ID] {
			m.logger.Warn("worker heartbeat went stale",
				logging.String(logging.FieldWorkerID, record.ID),
				logging.Duration("stale_after", staleAfter))
			m.publisher.Publish(events.Event{
				Type:     events.TypeWorkerUnhealthy,
				Level:    events.LevelWarn,
				Message:  "worker heartbeat went stale",
				WorkerID: record.ID,
			})
		}
	}
	m.staleWorkers = current
}

// Cleanup purges terminal jobs past their retention windows and prunes
// long-stale worker records.
func (m *Manager) Cleanup(ctx context.Context) error {
	removed, err := m.store.Cleanup(ctx, queue.RetentionWindows{
		Completed: time.Duration(m.cfg.Retention.CompletedHours) * time.Hour,
		Failed:    time.Duration(m.cfg.Retention.FailedHours) * time.Hour,
		Cancelled: time.Duration(m.cfg.Retention.CancelledHours) * time.Hour,
	})
	if err != nil {
		return err
	}
	for state, count := range removed {
		m.logger.Info("purged terminal jobs",
			logging.String("state", string(state)),
			logging.Int("count", count))
	}

	stale := time.Duration(m.cfg.Workers.StaleWorkerTimeout) * time.Second
	if pruned, err := m.store.PruneStaleWorkers(ctx, 10*stale); err != nil {
		m.logger.Warn("failed to prune stale workers", logging.Error(err))
	} else if pruned > 0 {
		m.logger.Info("pruned stale worker records", logging.Int("count", pruned))
	}
	return nil
}

// Start performs a startup reclaim sweep, then launches the maintenance
// schedules.
func (m *Manager) Start(ctx context.Context) error {
	// Leases held by a previous daemon instance are dead by definition.
	if _, err := m.ReclaimExpired(ctx); err != nil {
		return fmt.Errorf("startup reclaim: %w", err)
	}
	return m.schedules.start(ctx)
}

// Stop halts the maintenance schedules.
func (m *Manager) Stop() {
	m.schedules.stop()
}
