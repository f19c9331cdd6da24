package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"conveyor/internal/events"
	"conveyor/internal/logging"
	"conveyor/internal/pipeline"
	"conveyor/internal/policy"
	"conveyor/internal/queue"
	"conveyor/internal/services"
)

type executor struct {
	id   string
	pool *Pool
}

func (e *executor) run(ctx context.Context) {
	logger := e.pool.logger.With(logging.String(logging.FieldWorkerID, e.id))
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.pool.store.RemoveWorker(cleanupCtx, e.id)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := e.pool.store.Claim(ctx, e.id, e.pool.registry.Kinds(), e.pool.leaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A store failure is systemic, not job-specific: back off and
			// surface a pool-level alert instead of burning attempts.
			logger.Error("job store unavailable, pausing claims", logging.Error(err))
			e.pool.publisher.Publish(events.Event{
				Type:     events.TypeWorkerUnhealthy,
				Level:    events.LevelAlert,
				Message:  "job store unreachable: " + err.Error(),
				WorkerID: e.id,
			})
			if !sleepCtx(ctx, e.pool.errorBackoff) {
				return
			}
			continue
		}

		if job == nil {
			_ = e.pool.store.Heartbeat(ctx, e.id, "")
			if !sleepCtx(ctx, e.pool.pollInterval) {
				return
			}
			continue
		}

		e.execute(ctx, logger, job)
	}
}

// execute drives one claimed job through its remaining pipeline stages.
func (e *executor) execute(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	jobCtx = services.WithJobID(jobCtx, job.ID)
	jobCtx = services.WithWorkerID(jobCtx, e.id)

	jobLogger := logger.With(logging.String(logging.FieldJobID, job.ID))
	_ = e.pool.store.Heartbeat(ctx, e.id, job.ID)

	attempt := job.AttemptCount + 1
	jobLogger.Info("job started",
		logging.String("payload", job.PayloadPath),
		logging.String(logging.FieldLocation, job.LocationID),
		logging.Int("attempt", attempt),
		logging.String("resume_stage", job.Stage))
	e.pool.publisher.Publish(events.Event{
		Type:     events.TypeJobStarted,
		Message:  "job claimed",
		JobID:    job.ID,
		WorkerID: e.id,
	})

	// cancelRequested flips at the next renewal after an operator cancel;
	// it is honored at stage boundaries only.
	var cancelRequested atomic.Bool
	var leaseLost atomic.Bool
	stopRenewal := e.startLeaseRenewal(jobCtx, cancelJob, job.ID, &cancelRequested, &leaseLost)
	defer stopRenewal()

	if job.CancelRequested {
		cancelRequested.Store(true)
	}

	stages, err := e.pool.registry.StagesFor(job.Kind)
	if err != nil {
		e.failJob(ctx, jobLogger, job, queue.JobError{
			Kind:    string(services.KindConfiguration),
			Message: err.Error(),
			At:      time.Now().UTC(),
			Attempt: attempt,
		}, true)
		return
	}

	for _, stage := range pipeline.Remaining(stages, job.Stage) {
		if leaseLost.Load() {
			jobLogger.Warn("lease lost, aborting local work",
				logging.String(logging.FieldStage, stage.Name()))
			return
		}
		if cancelRequested.Load() {
			e.cancelJob(ctx, jobLogger, job, stage.Name())
			return
		}
		if ctx.Err() != nil {
			// Daemon shutdown: stop at the boundary and let the lease
			// expire into a reclaim.
			return
		}

		stageCtx := services.WithStage(jobCtx, stage.Name())
		stageLogger := jobLogger.With(logging.String(logging.FieldStage, stage.Name()))
		stageLogger.Info("stage started")

		if stageErr := stage.Execute(stageCtx, job); stageErr != nil {
			if leaseLost.Load() {
				// The stage failed because the context was torn down after
				// a reclaim; recovery belongs to the new owner.
				return
			}
			e.handleStageFailure(ctx, stageLogger, job, stage.Name(), attempt, stageErr)
			return
		}

		if persistErr := e.persistStageResult(ctx, job, stage.Name()); persistErr != nil {
			if errors.Is(persistErr, queue.ErrLeaseLost) {
				jobLogger.Warn("lease lost at checkpoint, aborting local work",
					logging.String(logging.FieldStage, stage.Name()))
				return
			}
			stageLogger.Error("failed to persist stage result", logging.Error(persistErr))
			return
		}

		stageLogger.Info("stage completed")
		e.pool.publisher.Publish(events.Event{
			Type:     events.TypeJobStageCompleted,
			Message:  "stage completed",
			JobID:    job.ID,
			Stage:    stage.Name(),
			WorkerID: e.id,
		})
	}

	stopRenewal()
	if err := e.pool.store.MarkCompleted(ctx, job.ID, e.id); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			jobLogger.Warn("lease lost before completion could be recorded")
			return
		}
		jobLogger.Error("failed to mark job completed", logging.Error(err))
		return
	}
	jobLogger.Info("job completed", logging.String("published_id", job.PublishedID))
	e.pool.publisher.Publish(events.Event{
		Type:     events.TypeJobCompleted,
		Message:  "job completed",
		JobID:    job.ID,
		WorkerID: e.id,
	})
	_ = e.pool.store.Heartbeat(ctx, e.id, "")
}

// persistStageResult durably records a completed stage plus any references
// the stage produced. Published ids land before the checkpoint so a crash
// between the two cannot trigger a duplicate publish.
func (e *executor) persistStageResult(ctx context.Context, job *queue.Job, stageName string) error {
	if stageName == pipeline.StageTransform && job.OutputRef != "" {
		if err := e.pool.store.RecordOutput(ctx, job.ID, e.id, job.OutputRef); err != nil {
			return err
		}
	}
	if stageName == pipeline.StagePublish && job.PublishedID != "" {
		if err := e.pool.store.RecordPublished(ctx, job.ID, e.id, job.PublishedID); err != nil {
			return err
		}
	}
	if err := e.pool.store.CheckpointStage(ctx, job.ID, e.id, stageName); err != nil {
		return err
	}
	job.Stage = stageName
	return nil
}

func (e *executor) handleStageFailure(ctx context.Context, logger *slog.Logger, job *queue.Job, stageName string, attempt int, stageErr error) {
	decision := e.pool.policy.Decide(attempt, job.MaxAttempts, stageErr)
	jobErr := queue.JobError{
		Kind:    string(decision.Kind),
		Message: stageErr.Error(),
		At:      time.Now().UTC(),
		Attempt: attempt,
	}

	switch decision.Outcome {
	case policy.OutcomeRetry:
		requeue := queue.RetryRequeue{Delay: decision.Delay, Error: jobErr}
		if stageName == pipeline.StageValidate {
			// The transform must rerun: revalidating the same output would
			// fail identically forever.
			resume := pipeline.StageAcquire
			requeue.ResumeStage = &resume
		}
		if err := e.pool.store.RequeueForRetry(ctx, job.ID, e.id, requeue); err != nil {
			logger.Error("failed to requeue job for retry", logging.Error(err))
			return
		}
		logger.Warn("stage failed, retrying",
			logging.Error(stageErr),
			logging.Int("attempt", attempt),
			logging.Duration("retry_delay", decision.Delay))
		e.pool.publisher.Publish(events.Event{
			Type:     events.TypeJobRetrying,
			Level:    events.LevelWarn,
			Message:  jobErr.Message,
			JobID:    job.ID,
			Stage:    stageName,
			WorkerID: e.id,
		})

	case policy.OutcomeAbandon:
		logger.Error("stage failed with non-retryable error",
			logging.Error(stageErr),
			logging.String(logging.FieldErrorKind, jobErr.Kind))
		e.failJob(ctx, logger, job, jobErr, false)

	case policy.OutcomeEscalate:
		logger.Error("job exhausted its attempt budget",
			logging.Error(stageErr),
			logging.Int("attempt", attempt),
			logging.Alert("job requires operator attention"))
		e.failJob(ctx, logger, job, jobErr, true)
	}
	_ = e.pool.store.Heartbeat(ctx, e.id, "")
}

func (e *executor) failJob(ctx context.Context, logger *slog.Logger, job *queue.Job, jobErr queue.JobError, escalated bool) {
	if err := e.pool.store.MarkFailed(ctx, job.ID, e.id, jobErr); err != nil {
		logger.Error("failed to mark job failed", logging.Error(err))
		return
	}
	level := events.LevelWarn
	if escalated {
		level = events.LevelAlert
	}
	e.pool.publisher.Publish(events.Event{
		Type:     events.TypeJobFailed,
		Level:    level,
		Message:  jobErr.Message,
		JobID:    job.ID,
		WorkerID: e.id,
		Metadata: map[string]string{"error_kind": jobErr.Kind},
	})
}

func (e *executor) cancelJob(ctx context.Context, logger *slog.Logger, job *queue.Job, atStage string) {
	if err := e.pool.store.MarkCancelled(ctx, job.ID, e.id); err != nil {
		logger.Error("failed to mark job cancelled", logging.Error(err))
		return
	}
	logger.Info("job cancelled at stage boundary", logging.String(logging.FieldStage, atStage))
	e.pool.publisher.Publish(events.Event{
		Type:     events.TypeJobCancelled,
		Message:  "cancelled before stage " + atStage,
		JobID:    job.ID,
		WorkerID: e.id,
	})
	_ = e.pool.store.Heartbeat(ctx, e.id, "")
}

// startLeaseRenewal renews the job's lease on a fraction of its duration.
// Losing the lease cancels the job context so blocking collaborator calls
// unwind promptly.
func (e *executor) startLeaseRenewal(ctx context.Context, cancelJob context.CancelFunc, jobID string, cancelRequested, leaseLost *atomic.Bool) (stop func()) {
	interval := e.pool.leaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var stopped atomic.Bool

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				flagged, err := e.pool.store.RenewLease(ctx, jobID, e.id, e.pool.leaseDuration)
				if err != nil {
					if errors.Is(err, queue.ErrLeaseLost) {
						leaseLost.Store(true)
						cancelJob()
						return
					}
					// Transient store trouble: keep trying until the lease
					// genuinely lapses.
					continue
				}
				if flagged {
					cancelRequested.Store(true)
				}
				_ = e.pool.store.Heartbeat(ctx, e.id, jobID)
			}
		}
	}()

	return func() {
		if stopped.CompareAndSwap(false, true) {
			close(done)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
