package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Admit moves a pending job into the queued state, stamping queued_at. The
// queue manager is the only caller.
func (s *Store) Admit(ctx context.Context, jobID string) (*Job, error) {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ensureContext(ctx),
		`UPDATE jobs SET state = ?, queued_at = ?, updated_at = ? WHERE id = ? AND state = ?`,
		StateQueued, now, now, jobID, StatePending,
	)
	if err != nil {
		return nil, fmt.Errorf("admit job: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, s.staleOrMissing(ctx, jobID, StatePending)
	}
	return s.GetByID(ctx, jobID)
}

// Claim atomically selects the highest-priority queued job of one of the
// given kinds (ties broken by earliest queued_at), marks it running, and
// leases it to the worker. Jobs gated by a not_before retry delay are
// skipped. Returns nil when nothing is claimable.
//
// The inner SELECT and the conditional UPDATE run as one statement, so two
// workers can never claim the same row: the loser's UPDATE matches zero rows.
func (s *Store) Claim(ctx context.Context, workerID string, kinds []string, leaseDuration time.Duration) (*Job, error) {
	ctx = ensureContext(ctx)
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if len(kinds) == 0 {
		kinds = []string{KindProcessMedia}
	}
	if leaseDuration <= 0 {
		leaseDuration = 2 * time.Minute
	}

	now := time.Now().UTC()
	args := []any{
		StateRunning,
		workerID,
		formatTime(now),
		formatTime(now.Add(leaseDuration)),
		formatTime(now),
		StateQueued,
	}
	for _, kind := range kinds {
		args = append(args, kind)
	}
	args = append(args, formatTime(now))

	query := `UPDATE jobs SET
            state = ?,
            worker_id = ?,
            started_at = ?,
            lease_expires_at = ?,
            updated_at = ?,
            not_before = NULL
        WHERE id = (
            SELECT id FROM jobs
            WHERE state = ?
              AND kind IN (` + makePlaceholders(len(kinds)) + `)
              AND (not_before IS NULL OR not_before <= ?)
            ORDER BY priority ASC, queued_at ASC
            LIMIT 1
        )
        RETURNING ` + jobColumns

	var job *Job
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, args...)
		claimed, scanErr := scanJob(row)
		if scanErr != nil {
			return scanErr
		}
		job = claimed
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// RenewLease extends the lease of a running job the worker still owns and
// reports whether cancellation has been requested. ErrLeaseLost means the job
// was reclaimed after lease expiry; the caller must abort its local work.
func (s *Store) RenewLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) (cancelRequested bool, err error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()

	query := `UPDATE jobs SET lease_expires_at = ?, updated_at = ?
        WHERE id = ? AND worker_id = ? AND state = ?
        RETURNING cancel_requested`

	var flag int
	err = retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, query,
			formatTime(now.Add(leaseDuration)), formatTime(now),
			jobID, workerID, StateRunning,
		).Scan(&flag)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: job %s no longer owned by worker %s", ErrLeaseLost, jobID, workerID)
	}
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return flag != 0, nil
}

// Transition performs a compare-and-swap state change. It fails with
// ErrStaleState when the job is no longer in fromState, and ErrNotFound when
// the job does not exist.
func (s *Store) Transition(ctx context.Context, jobID string, fromState, toState State) (*Job, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()

	assigns := []string{"state = ?", "updated_at = ?"}
	args := []any{toState, formatTime(now)}

	switch toState {
	case StateQueued:
		// Resume and requeue re-enter the claimable set. queued_at is
		// preserved when already stamped so paused jobs keep their place.
		assigns = append(assigns, "queued_at = COALESCE(queued_at, ?)", "worker_id = NULL", "lease_expires_at = NULL")
		args = append(args, formatTime(now))
	case StateCompleted, StateFailed, StateCancelled:
		assigns = append(assigns, "finished_at = ?", "worker_id = NULL", "lease_expires_at = NULL")
		args = append(args, formatTime(now))
	}

	args = append(args, jobID, fromState)
	query := `UPDATE jobs SET ` + strings.Join(assigns, ", ") + ` WHERE id = ? AND state = ?`

	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", fromState, toState, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, s.staleOrMissing(ctx, jobID, fromState)
	}
	return s.GetByID(ctx, jobID)
}

// CheckpointStage durably records the completed pipeline stage for a running
// job the worker still owns. Resumption after crash re-enters at the next
// stage, so the write must land before the next stage starts.
func (s *Store) CheckpointStage(ctx context.Context, jobID, workerID, stage string) error {
	return s.ownedUpdate(ctx, jobID, workerID, "checkpoint stage",
		`UPDATE jobs SET stage = ?, updated_at = ? WHERE id = ? AND worker_id = ? AND state = ?`,
		stage, formatTime(time.Now()), jobID, workerID, StateRunning)
}

// RecordOutput stores the transform output reference on a running job.
func (s *Store) RecordOutput(ctx context.Context, jobID, workerID, outputRef string) error {
	return s.ownedUpdate(ctx, jobID, workerID, "record output",
		`UPDATE jobs SET output_ref = ?, updated_at = ? WHERE id = ? AND worker_id = ? AND state = ?`,
		outputRef, formatTime(time.Now()), jobID, workerID, StateRunning)
}

// RecordPublished stores the publisher-assigned identifier on a running job.
// It is written before the publish stage checkpoint so a crash between the
// two cannot cause a second publish with a fresh idempotency key.
func (s *Store) RecordPublished(ctx context.Context, jobID, workerID, publishedID string) error {
	return s.ownedUpdate(ctx, jobID, workerID, "record published id",
		`UPDATE jobs SET published_id = ?, updated_at = ? WHERE id = ? AND worker_id = ? AND state = ?`,
		publishedID, formatTime(time.Now()), jobID, workerID, StateRunning)
}

// MarkCompleted finishes a running job the worker still owns.
func (s *Store) MarkCompleted(ctx context.Context, jobID, workerID string) error {
	now := formatTime(time.Now())
	return s.ownedUpdate(ctx, jobID, workerID, "mark completed",
		`UPDATE jobs SET state = ?, finished_at = ?, updated_at = ?,
            worker_id = NULL, lease_expires_at = NULL
         WHERE id = ? AND worker_id = ? AND state = ?`,
		StateCompleted, now, now, jobID, workerID, StateRunning)
}

// MarkFailed terminates a running job the worker still owns, recording the
// final structured error.
func (s *Store) MarkFailed(ctx context.Context, jobID, workerID string, jobErr JobError) error {
	now := formatTime(time.Now())
	return s.ownedUpdate(ctx, jobID, workerID, "mark failed",
		`UPDATE jobs SET state = ?, finished_at = ?, updated_at = ?,
            worker_id = NULL, lease_expires_at = NULL,
            attempt_count = ?,
            error_kind = ?, error_message = ?, error_at = ?, error_attempt = ?
         WHERE id = ? AND worker_id = ? AND state = ?`,
		StateFailed, now, now,
		jobErr.Attempt,
		jobErr.Kind, jobErr.Message, formatTime(jobErr.At), jobErr.Attempt,
		jobID, workerID, StateRunning)
}

// RetryRequeue describes how a running job returns to the queue after a
// retryable failure.
type RetryRequeue struct {
	// Delay gates the next claim behind not_before.
	Delay time.Duration
	// ResumeStage, when set, overwrites the checkpointed stage so the next
	// attempt re-enters earlier in the pipeline (e.g. a failed validation
	// rolls back so the transform reruns).
	ResumeStage *string
	Error       JobError
}

// RequeueForRetry returns a running job to the queue after a retryable
// failure. The attempt is counted, the error recorded, and the job gated
// behind not_before so the backoff delay is honored by Claim.
func (s *Store) RequeueForRetry(ctx context.Context, jobID, workerID string, requeue RetryRequeue) error {
	now := time.Now().UTC()
	var notBefore any
	if requeue.Delay > 0 {
		notBefore = formatTime(now.Add(requeue.Delay))
	}

	assigns := `state = ?, updated_at = ?,
            worker_id = NULL, lease_expires_at = NULL, started_at = NULL,
            attempt_count = ?, not_before = ?,
            error_kind = ?, error_message = ?, error_at = ?, error_attempt = ?`
	args := []any{
		StateQueued, formatTime(now),
		requeue.Error.Attempt, notBefore,
		requeue.Error.Kind, requeue.Error.Message, formatTime(requeue.Error.At), requeue.Error.Attempt,
	}
	if requeue.ResumeStage != nil {
		assigns += `, stage = ?`
		args = append(args, *requeue.ResumeStage)
	}
	args = append(args, jobID, workerID, StateRunning)

	return s.ownedUpdate(ctx, jobID, workerID, "requeue for retry",
		`UPDATE jobs SET `+assigns+` WHERE id = ? AND worker_id = ? AND state = ?`,
		args...)
}

// RequestCancel flags a running job for cooperative cancellation. The worker
// observes the flag at the next stage boundary and exits cleanly.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.execWithRetry(ensureContext(ctx),
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND state = ?`,
		formatTime(time.Now()), jobID, StateRunning)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return s.staleOrMissing(ctx, jobID, StateRunning)
	}
	return nil
}

// MarkCancelled finishes a running job after the worker observed the
// cancellation flag at a stage boundary.
func (s *Store) MarkCancelled(ctx context.Context, jobID, workerID string) error {
	now := formatTime(time.Now())
	return s.ownedUpdate(ctx, jobID, workerID, "mark cancelled",
		`UPDATE jobs SET state = ?, finished_at = ?, updated_at = ?,
            worker_id = NULL, lease_expires_at = NULL
         WHERE id = ? AND worker_id = ? AND state = ?`,
		StateCancelled, now, now, jobID, workerID, StateRunning)
}

// ReclaimOutcome reports what happened to one expired-lease job.
type ReclaimOutcome struct {
	JobID    string
	Requeued bool // false means the retry ceiling was reached and the job failed
	Attempt  int
}

// ReclaimExpired finds running jobs whose lease has lapsed and atomically
// requeues each with the attempt counted, or fails it when the retry ceiling
// is reached. The checkpointed stage is preserved so the next attempt resumes
// where the crashed worker left off.
func (s *Store) ReclaimExpired(ctx context.Context) ([]ReclaimOutcome, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()

	query := `UPDATE jobs SET
            state = CASE WHEN attempt_count + 1 >= max_attempts THEN ? ELSE ? END,
            finished_at = CASE WHEN attempt_count + 1 >= max_attempts THEN ? ELSE finished_at END,
            error_kind = CASE WHEN attempt_count + 1 >= max_attempts THEN 'lease_expired' ELSE error_kind END,
            error_message = CASE WHEN attempt_count + 1 >= max_attempts
                THEN 'worker lease expired with no remaining attempts' ELSE error_message END,
            error_at = CASE WHEN attempt_count + 1 >= max_attempts THEN ? ELSE error_at END,
            error_attempt = CASE WHEN attempt_count + 1 >= max_attempts THEN attempt_count + 1 ELSE error_attempt END,
            attempt_count = attempt_count + 1,
            worker_id = NULL,
            lease_expires_at = NULL,
            started_at = NULL,
            updated_at = ?
        WHERE state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
        RETURNING id, state, attempt_count`

	nowStr := formatTime(now)
	var outcomes []ReclaimOutcome
	err := retryOnBusy(ctx, func() error {
		rows, queryErr := s.db.QueryContext(ctx, query,
			StateFailed, StateQueued, nowStr, nowStr, nowStr, StateRunning, nowStr)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		outcomes = outcomes[:0]
		for rows.Next() {
			var (
				id      string
				state   State
				attempt int
			)
			if scanErr := rows.Scan(&id, &state, &attempt); scanErr != nil {
				return scanErr
			}
			outcomes = append(outcomes, ReclaimOutcome{
				JobID:    id,
				Requeued: state == StateQueued,
				Attempt:  attempt,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return outcomes, nil
}

// Requeue resets a failed or cancelled job back to queued with a fresh
// attempt budget. Operator-driven; fails with ErrDuplicatePayload when a new
// active job has since taken over the payload identity.
func (s *Store) Requeue(ctx context.Context, jobID string) (*Job, error) {
	ctx = ensureContext(ctx)
	now := formatTime(time.Now())

	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET state = ?, updated_at = ?, queued_at = ?,
            attempt_count = 0, stage = '', not_before = NULL,
            worker_id = NULL, lease_expires_at = NULL,
            started_at = NULL, finished_at = NULL, cancel_requested = 0,
            error_kind = NULL, error_message = NULL, error_at = NULL, error_attempt = NULL
         WHERE id = ? AND state IN (?, ?)`,
		StateQueued, now, now, jobID, StateFailed, StateCancelled)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: payload is owned by a newer job", ErrDuplicatePayload)
		}
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, getErr := s.GetByID(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: only failed or cancelled jobs can be requeued", ErrInvalidState)
	}
	return s.GetByID(ctx, jobID)
}

// UpdatePriority changes the priority of a queued job. Running and terminal
// jobs cannot be reordered.
func (s *Store) UpdatePriority(ctx context.Context, jobID string, priority int) (*Job, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET priority = ?, updated_at = ? WHERE id = ? AND state IN (?, ?, ?)`,
		priority, formatTime(time.Now()), jobID, StatePending, StateQueued, StatePaused)
	if err != nil {
		return nil, fmt.Errorf("update priority: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, getErr := s.GetByID(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: job is not waiting in the queue", ErrInvalidState)
	}
	return s.GetByID(ctx, jobID)
}

// ownedUpdate runs an UPDATE guarded by worker ownership of a running job.
// Zero rows affected means the lease was lost to a reclaim.
func (s *Store) ownedUpdate(ctx context.Context, jobID, workerID, op string, query string, args ...any) error {
	res, err := s.execWithRetry(ensureContext(ctx), query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%s: %w: job %s no longer owned by worker %s", op, ErrLeaseLost, jobID, workerID)
	}
	return nil
}

// staleOrMissing distinguishes a missing job from one that moved on.
func (s *Store) staleOrMissing(ctx context.Context, jobID string, expected State) error {
	job, err := s.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s, expected %s", ErrStaleState, jobID, job.State, expected)
}
