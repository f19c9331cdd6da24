package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"conveyor/internal/queue"
	"conveyor/internal/testsupport"
)

func TestClaimHonorsPriorityThenQueuedAt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := testsupport.SeedJob(t, store, "primary", "incoming/low-early.mkv")
	second := testsupport.SeedJob(t, store, "primary", "incoming/high.mkv")
	third := testsupport.SeedJob(t, store, "primary", "incoming/low-late.mkv")

	if _, err := store.UpdatePriority(ctx, second.ID, 10); err != nil {
		t.Fatalf("UpdatePriority failed: %v", err)
	}

	// Admission order fixes queued_at order among equal priorities.
	for _, id := range []string{first.ID, second.ID, third.ID} {
		if _, err := store.Admit(ctx, id); err != nil {
			t.Fatalf("Admit %s failed: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	wantOrder := []string{second.ID, first.ID, third.ID}
	for i, want := range wantOrder {
		claimed, err := store.Claim(ctx, fmt.Sprintf("worker-%d", i), nil, time.Minute)
		if err != nil {
			t.Fatalf("Claim %d failed: %v", i, err)
		}
		if claimed == nil || claimed.ID != want {
			t.Fatalf("claim %d: expected %s, got %#v", i, want, claimed)
		}
		if claimed.State != queue.StateRunning {
			t.Fatalf("claimed job should be running, got %s", claimed.State)
		}
		if claimed.LeaseExpiresAt == nil {
			t.Fatal("claimed job should carry a lease expiry")
		}
	}

	empty, err := store.Claim(ctx, "worker-x", nil, time.Minute)
	if err != nil {
		t.Fatalf("Claim on empty queue failed: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected no claimable work, got %#v", empty)
	}
}

func TestClaimSkipsPendingAndDelayedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.SeedJob(t, store, "primary", "incoming/unadmitted.mkv")

	delayed := testsupport.SeedQueuedJob(t, store, "primary", "incoming/delayed.mkv")
	claimed, err := store.Claim(ctx, "worker-1", nil, time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("initial claim failed: %v (%#v)", err, claimed)
	}
	retryErr := queue.JobError{Kind: "transient", Message: "collaborator timeout", At: time.Now(), Attempt: 1}
	if err := store.RequeueForRetry(ctx, delayed.ID, "worker-1", queue.RetryRequeue{Delay: time.Hour, Error: retryErr}); err != nil {
		t.Fatalf("RequeueForRetry failed: %v", err)
	}

	got, err := store.Claim(ctx, "worker-2", nil, time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nothing claimable: pending and delayed jobs must be skipped, got %#v", got)
	}

	refreshed, err := store.GetByID(ctx, delayed.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if refreshed.State != queue.StateQueued || refreshed.NotBefore == nil {
		t.Fatalf("expected queued job gated by not_before, got %#v", refreshed)
	}
	if refreshed.AttemptCount != 1 {
		t.Fatalf("expected attempt counted on retry requeue, got %d", refreshed.AttemptCount)
	}
	if refreshed.LastError == nil || refreshed.LastError.Kind != "transient" {
		t.Fatalf("expected structured error recorded, got %#v", refreshed.LastError)
	}
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	const jobCount = 8
	for i := 0; i < jobCount; i++ {
		testsupport.SeedQueuedJob(t, store, "primary", fmt.Sprintf("incoming/race-%d.mkv", i))
	}

	const workerCount = 16
	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := store.Claim(ctx, workerID, nil, time.Minute)
				if err != nil {
					t.Errorf("Claim by %s failed: %v", workerID, err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if owner, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by both %s and %s", job.ID, owner, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(claimed) != jobCount {
		t.Fatalf("expected all %d jobs claimed exactly once, got %d", jobCount, len(claimed))
	}
}

func TestRenewLeaseReportsCancelAndLoss(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.SeedQueuedJob(t, store, "primary", "incoming/renew.mkv")
	if _, err := store.Claim(ctx, "worker-1", nil, time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	cancelRequested, err := store.RenewLease(ctx, job.ID, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("RenewLease failed: %v", err)
	}
	if cancelRequested {
		t.Fatal("no cancellation was requested yet")
	}

	if err := store.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	cancelRequested, err = store.RenewLease(ctx, job.ID, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("RenewLease after cancel failed: %v", err)
	}
	if !cancelRequested {
		t.Fatal("expected renewal to surface the cancellation flag")
	}

	// A different worker renewing means the lease was lost.
	if _, err := store.RenewLease(ctx, job.ID, "worker-2", time.Minute); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for foreign worker, got %v", err)
	}
}

func TestTransitionCompareAndSwap(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.SeedQueuedJob(t, store, "primary", "incoming/pause.mkv")

	paused, err := store.Transition(ctx, job.ID, queue.StateQueued, queue.StatePaused)
	if err != nil {
		t.Fatalf("Transition to paused failed: %v", err)
	}
	if paused.State != queue.StatePaused {
		t.Fatalf("expected paused, got %s", paused.State)
	}
	if paused.QueuedAt == nil {
		t.Fatal("pausing must not clear queued_at")
	}

	// Stale expectation: the job is paused, not queued.
	if _, err := store.Transition(ctx, job.ID, queue.StateQueued, queue.StateCancelled); !errors.Is(err, queue.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	resumed, err := store.Transition(ctx, job.ID, queue.StatePaused, queue.StateQueued)
	if err != nil {
		t.Fatalf("Transition to queued failed: %v", err)
	}
	if resumed.QueuedAt == nil || !resumed.QueuedAt.Equal(*paused.QueuedAt) {
		t.Fatalf("resume must preserve the original queue position, got %#v", resumed.QueuedAt)
	}

	if _, err := store.Transition(ctx, "no-such-job", queue.StateQueued, queue.StatePaused); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReclaimExpiredRequeuesAndPreservesStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.SeedQueuedJob(t, store, "primary", "incoming/crash.mkv")
	claimed, err := store.Claim(ctx, "worker-1", nil, 10*time.Millisecond)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v (%#v)", err, claimed)
	}
	if err := store.CheckpointStage(ctx, job.ID, "worker-1", "transform"); err != nil {
		t.Fatalf("CheckpointStage failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	outcomes, err := store.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired failed: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Requeued || outcomes[0].Attempt != 1 {
		t.Fatalf("unexpected reclaim outcomes: %#v", outcomes)
	}

	recovered, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if recovered.State != queue.StateQueued || recovered.WorkerID != "" || recovered.LeaseExpiresAt != nil {
		t.Fatalf("expected clean requeue, got %#v", recovered)
	}
	if recovered.Stage != "transform" {
		t.Fatalf("reclaim must preserve the checkpointed stage, got %q", recovered.Stage)
	}

	// The crashed worker can no longer act on the job.
	if err := store.MarkCompleted(ctx, job.ID, "worker-1"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for reclaimed job, got %v", err)
	}
}

func TestReclaimExpiredFailsAtRetryCeiling(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job, err := store.Create(ctx, queue.NewJob{
		Kind:        queue.KindProcessMedia,
		LocationID:  "primary",
		PayloadPath: "incoming/doomed.mkv",
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Admit(ctx, job.ID); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := store.Claim(ctx, "worker-1", nil, 5*time.Millisecond)
		if err != nil || claimed == nil {
			t.Fatalf("Claim attempt %d failed: %v (%#v)", attempt, err, claimed)
		}
		time.Sleep(10 * time.Millisecond)
		outcomes, err := store.ReclaimExpired(ctx)
		if err != nil {
			t.Fatalf("ReclaimExpired attempt %d failed: %v", attempt, err)
		}
		if len(outcomes) != 1 {
			t.Fatalf("expected one reclaim outcome, got %#v", outcomes)
		}
		if attempt < 2 && !outcomes[0].Requeued {
			t.Fatalf("attempt %d should requeue, got %#v", attempt, outcomes[0])
		}
		if attempt == 2 && outcomes[0].Requeued {
			t.Fatalf("final attempt should fail the job, got %#v", outcomes[0])
		}
	}

	failed, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if failed.State != queue.StateFailed {
		t.Fatalf("expected failed at retry ceiling, got %s", failed.State)
	}
	if failed.AttemptCount != failed.MaxAttempts {
		t.Fatalf("attempt_count %d should equal max_attempts %d", failed.AttemptCount, failed.MaxAttempts)
	}
	if failed.LastError == nil || failed.LastError.Kind != "lease_expired" {
		t.Fatalf("expected structured lease_expired error, got %#v", failed.LastError)
	}
}

func TestRequeueResetsAttemptBudget(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.SeedQueuedJob(t, store, "primary", "incoming/redo.mkv")
	if _, err := store.Claim(ctx, "worker-1", nil, time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	failure := queue.JobError{Kind: "validation", Message: "unsupported format", At: time.Now(), Attempt: 3}
	if err := store.MarkFailed(ctx, job.ID, "worker-1", failure); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	requeued, err := store.Requeue(ctx, job.ID)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if requeued.State != queue.StateQueued || requeued.AttemptCount != 0 || requeued.Stage != "" {
		t.Fatalf("expected a fresh queued job, got %#v", requeued)
	}
	if requeued.LastError != nil {
		t.Fatalf("expected error cleared on operator requeue, got %#v", requeued.LastError)
	}

	// Requeueing a non-terminal job is rejected.
	if _, err := store.Requeue(ctx, job.ID); !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestUpdatePriorityRejectsRunningJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.SeedQueuedJob(t, store, "primary", "incoming/busy.mkv")
	if _, err := store.Claim(ctx, "worker-1", nil, time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if _, err := store.UpdatePriority(ctx, job.ID, 1); !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for running job, got %v", err)
	}
}
