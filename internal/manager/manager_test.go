package manager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"conveyor/internal/events"
	"conveyor/internal/locator"
	"conveyor/internal/logging"
	"conveyor/internal/manager"
	"conveyor/internal/queue"
	"conveyor/internal/testsupport"
)

func newManager(t *testing.T) (*manager.Manager, *queue.Store, *locator.Locator, *events.Broker) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	broker := events.NewBroker(50)
	loc := locator.New(cfg, logging.NewNop(), broker)
	loc.ProbeAll()
	return manager.New(cfg, store, loc, broker, logging.NewNop()), store, loc, broker
}

func TestEnqueueAdmitsNewJob(t *testing.T) {
	mgr, store, _, broker := newManager(t)
	ctx := context.Background()

	job, created, err := mgr.Enqueue(ctx, manager.Submission{
		LocationID:  "primary",
		PayloadPath: "incoming/new.mkv",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created {
		t.Fatal("expected a new job")
	}
	if job.State != queue.StateQueued {
		t.Fatalf("expected admitted job queued, got %s", job.State)
	}
	if job.QueuedAt == nil {
		t.Fatal("admitted job must carry queued_at")
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil || fetched.State != queue.StateQueued {
		t.Fatalf("expected persisted queued job: %v %#v", err, fetched)
	}

	var sawQueued bool
	for _, event := range broker.Recent() {
		if event.Type == events.TypeJobQueued && event.JobID == job.ID {
			sawQueued = true
		}
	}
	if !sawQueued {
		t.Fatal("expected a job.queued event")
	}
}

func TestEnqueueDuplicateIsIdempotent(t *testing.T) {
	mgr, _, _, _ := newManager(t)
	ctx := context.Background()

	first, created, err := mgr.Enqueue(ctx, manager.Submission{
		LocationID: "primary", PayloadPath: "incoming/dup.mkv",
	})
	if err != nil || !created {
		t.Fatalf("first enqueue: %v created=%v", err, created)
	}

	second, created, err := mgr.Enqueue(ctx, manager.Submission{
		LocationID: "primary", PayloadPath: "incoming/dup.mkv",
	})
	if err != nil {
		t.Fatalf("duplicate enqueue must not error: %v", err)
	}
	if created {
		t.Fatal("duplicate enqueue must be a no-op")
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("expected the existing job back, got %#v", second)
	}
}

func TestPauseResumeCycle(t *testing.T) {
	mgr, _, _, _ := newManager(t)
	ctx := context.Background()

	job, _, err := mgr.Enqueue(ctx, manager.Submission{
		LocationID: "primary", PayloadPath: "incoming/pausable.mkv",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	paused, err := mgr.Pause(ctx, job.ID)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if paused.State != queue.StatePaused {
		t.Fatalf("expected paused, got %s", paused.State)
	}

	// Pausing a paused job is invalid.
	if _, err := mgr.Pause(ctx, job.ID); !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	resumed, err := mgr.Resume(ctx, job.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.State != queue.StateQueued {
		t.Fatalf("expected queued after resume, got %s", resumed.State)
	}
}

func TestCancelWaitingJobIsImmediate(t *testing.T) {
	mgr, _, _, _ := newManager(t)
	ctx := context.Background()

	job, _, err := mgr.Enqueue(ctx, manager.Submission{
		LocationID: "primary", PayloadPath: "incoming/cancel-waiting.mkv",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	cancelled, err := mgr.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.State != queue.StateCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.State)
	}

	// A terminal job cannot be cancelled again.
	if _, err := mgr.Cancel(ctx, job.ID); !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCancelRunningJobSetsFlag(t *testing.T) {
	mgr, store, _, _ := newManager(t)
	ctx := context.Background()

	job, _, err := mgr.Enqueue(ctx, manager.Submission{
		LocationID: "primary", PayloadPath: "incoming/cancel-running.mkv",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := store.Claim(ctx, "worker-1", nil, time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	flagged, err := mgr.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if flagged.State != queue.StateRunning {
		t.Fatalf("running job stays running until the boundary, got %s", flagged.State)
	}
	if !flagged.CancelRequested {
		t.Fatal("expected cancellation flag set")
	}
}

func TestDiscoverAdmitsUntrackedMedia(t *testing.T) {
	mgr, store, loc, _ := newManager(t)
	ctx := context.Background()

	root := loc.ListLocations()[0].Root
	base := time.Now().Add(-time.Hour)
	testsupport.WriteMediaFile(t, root, "episode-1.mkv", base)
	testsupport.WriteMediaFile(t, root, "episode-2.mkv", base.Add(time.Minute))
	testsupport.WriteMediaFile(t, root, "ignore.txt", base)

	admitted := mgr.Discover(ctx)
	if admitted != 2 {
		t.Fatalf("expected 2 admitted jobs, got %d", admitted)
	}

	// Re-discovery of the same items is a no-op.
	if again := mgr.Discover(ctx); again != 0 {
		t.Fatalf("expected idempotent re-discovery, admitted %d", again)
	}

	jobs, err := store.List(ctx, queue.ListFilter{States: []queue.State{queue.StateQueued}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", len(jobs))
	}
}

func TestDiscoverSkipsTerminalPayloads(t *testing.T) {
	mgr, store, loc, _ := newManager(t)
	ctx := context.Background()

	root := loc.ListLocations()[0].Root
	testsupport.WriteMediaFile(t, root, "finished.mkv", time.Now().Add(-time.Hour))

	if admitted := mgr.Discover(ctx); admitted != 1 {
		t.Fatalf("expected 1 admitted job, got %d", admitted)
	}
	job, err := store.Claim(ctx, "worker-1", nil, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, job.ID, "worker-1"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	// The source file is still on disk; later sweeps must not re-enqueue it.
	if again := mgr.Discover(ctx); again != 0 {
		t.Fatalf("sweep resurrected a completed payload, admitted %d", again)
	}

	// A job failed at its ceiling stays failed until an operator requeues it.
	testsupport.WriteMediaFile(t, root, "exhausted.mkv", time.Now().Add(-time.Hour))
	if admitted := mgr.Discover(ctx); admitted != 1 {
		t.Fatalf("expected the new payload admitted, got %d", admitted)
	}
	failed, err := store.Claim(ctx, "worker-1", nil, time.Minute)
	if err != nil || failed == nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.MarkFailed(ctx, failed.ID, "worker-1", queue.JobError{
		Kind: "transient", Message: "exhausted", At: time.Now().UTC(), Attempt: 3,
	}); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if again := mgr.Discover(ctx); again != 0 {
		t.Fatalf("sweep resurrected a failed payload, admitted %d", again)
	}
}

func TestCheckWorkersFlagsStaleHeartbeatOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Workers.StaleWorkerTimeout = 1
	store := testsupport.MustOpenStore(t, cfg)
	broker := events.NewBroker(50)
	mgr := manager.New(cfg, store, nil, broker, logging.NewNop())
	ctx := context.Background()

	if err := store.Heartbeat(ctx, "worker-1", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	mgr.CheckWorkers(ctx)
	if n := countEvents(broker, events.TypeWorkerUnhealthy); n != 0 {
		t.Fatalf("fresh heartbeat reported unhealthy %d times", n)
	}

	time.Sleep(1200 * time.Millisecond)
	mgr.CheckWorkers(ctx)
	mgr.CheckWorkers(ctx)
	if n := countEvents(broker, events.TypeWorkerUnhealthy); n != 1 {
		t.Fatalf("expected one unhealthy transition event, got %d", n)
	}

	// A fresh heartbeat re-arms the alert for the next stall.
	if err := store.Heartbeat(ctx, "worker-1", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	mgr.CheckWorkers(ctx)
	time.Sleep(1200 * time.Millisecond)
	mgr.CheckWorkers(ctx)
	if n := countEvents(broker, events.TypeWorkerUnhealthy); n != 2 {
		t.Fatalf("expected a second transition event after recovery, got %d", n)
	}
}

func countEvents(broker *events.Broker, eventType string) int {
	count := 0
	for _, event := range broker.Recent() {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

func TestStartReclaimsOrphanedLeases(t *testing.T) {
	mgr, store, _, broker := newManager(t)
	ctx := context.Background()

	job, _, err := mgr.Enqueue(ctx, manager.Submission{
		LocationID: "primary", PayloadPath: "incoming/orphan.mkv",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// A lease left behind by a previous daemon run.
	if _, err := store.Claim(ctx, "dead-worker", nil, time.Nanosecond); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	recovered, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if recovered.State != queue.StateQueued {
		t.Fatalf("expected orphaned job requeued at startup, got %s", recovered.State)
	}

	var sawReclaim bool
	for _, event := range broker.Recent() {
		if event.Type == events.TypeJobReclaimed && event.JobID == job.ID {
			sawReclaim = true
		}
	}
	if !sawReclaim {
		t.Fatal("expected a job.reclaimed event")
	}
}
