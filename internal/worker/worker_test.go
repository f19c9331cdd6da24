package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/events"
	"conveyor/internal/logging"
	"conveyor/internal/pipeline"
	"conveyor/internal/policy"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/testsupport"
	"conveyor/internal/worker"
)

type stubStage struct {
	name    string
	calls   atomic.Int32
	execute func(job *queue.Job) error
}

func (s *stubStage) Name() string { return s.name }

func (s *stubStage) Execute(ctx context.Context, job *queue.Job) error {
	s.calls.Add(1)
	if s.execute != nil {
		return s.execute(job)
	}
	return nil
}

func (s *stubStage) HealthCheck(context.Context) pipeline.Health {
	return pipeline.Healthy(s.name)
}

func newTestPool(t *testing.T, cfg *config.Config, store *queue.Store, stages []pipeline.Handler, broker events.Publisher) *worker.Pool {
	t.Helper()
	registry := pipeline.NewRegistry()
	registry.Register(queue.KindProcessMedia, stages...)
	engine := policy.NewEngine(cfg.Retry)
	return worker.NewPool(cfg, store, registry, engine, broker, logging.NewNop())
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func fastConfig(t *testing.T) *config.Config {
	cfg := testsupport.NewConfig(t)
	cfg.Workers.Count = 1
	cfg.Workers.PollInterval = 1
	cfg.Workers.LeaseSeconds = 3
	return cfg
}

func TestPoolRunsJobThroughAllStages(t *testing.T) {
	cfg := fastConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	acquire := &stubStage{name: pipeline.StageAcquire}
	transform := &stubStage{name: pipeline.StageTransform, execute: func(job *queue.Job) error {
		job.OutputRef = "/staging/out.mkv"
		return nil
	}}
	publish := &stubStage{name: pipeline.StagePublish, execute: func(job *queue.Job) error {
		job.PublishedID = "pub-1"
		return nil
	}}
	broker := events.NewBroker(50)
	pool := newTestPool(t, cfg, store, []pipeline.Handler{acquire, transform, publish}, broker)

	job := testsupport.SeedQueuedJob(t, store, "primary", "incoming/full-run.mkv")

	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.GetByID(ctx, job.ID)
		return err == nil && current.State == queue.StateCompleted
	})

	final, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if final.Stage != pipeline.StagePublish {
		t.Fatalf("expected final checkpoint at publish, got %q", final.Stage)
	}
	if final.OutputRef != "/staging/out.mkv" || final.PublishedID != "pub-1" {
		t.Fatalf("expected stage outputs persisted, got %#v", final)
	}
	if acquire.calls.Load() != 1 || transform.calls.Load() != 1 || publish.calls.Load() != 1 {
		t.Fatal("each stage should run exactly once")
	}

	var sawCompleted bool
	for _, event := range broker.Recent() {
		if event.Type == events.TypeJobCompleted && event.JobID == job.ID {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatal("expected a job.completed event on the feed")
	}
}

func TestPoolRequeuesRetryableFailureWithDelay(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Retry.BaseDelaySeconds = 30
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	failing := &stubStage{name: pipeline.StageAcquire, execute: func(job *queue.Job) error {
		return services.Wrap(services.ErrUnavailable, "acquire", "probe", "mount offline", nil)
	}}
	pool := newTestPool(t, cfg, store, []pipeline.Handler{failing}, events.NewBroker(10))

	job := testsupport.SeedQueuedJob(t, store, "primary", "incoming/flaky.mkv")

	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.GetByID(ctx, job.ID)
		return err == nil && current.State == queue.StateQueued && current.AttemptCount == 1
	})

	requeued, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if requeued.NotBefore == nil || !requeued.NotBefore.After(time.Now()) {
		t.Fatalf("expected a future not_before gate, got %#v", requeued.NotBefore)
	}
	if requeued.LastError == nil || requeued.LastError.Kind != string(services.KindUnavailable) {
		t.Fatalf("expected structured error recorded, got %#v", requeued.LastError)
	}
}

func TestPoolFailsJobOnNonRetryableError(t *testing.T) {
	cfg := fastConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	failing := &stubStage{name: pipeline.StageValidate, execute: func(job *queue.Job) error {
		return services.Wrap(services.ErrValidation, "validate", "inspect", "unsupported format", nil)
	}}
	broker := events.NewBroker(10)
	pool := newTestPool(t, cfg, store, []pipeline.Handler{failing}, broker)

	job := testsupport.SeedQueuedJob(t, store, "primary", "incoming/malformed.mkv")

	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.GetByID(ctx, job.ID)
		return err == nil && current.State == queue.StateFailed
	})

	failed, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if failed.AttemptCount != 1 {
		t.Fatalf("abandon should record the attempt, got %d", failed.AttemptCount)
	}
	if failed.LastError == nil || failed.LastError.Kind != string(services.KindValidation) {
		t.Fatalf("expected validation error recorded, got %#v", failed.LastError)
	}

	var sawFailed bool
	for _, event := range broker.Recent() {
		if event.Type == events.TypeJobFailed && event.JobID == job.ID {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatal("expected a job.failed event on the feed")
	}
}

func TestPoolHonorsCooperativeCancellation(t *testing.T) {
	cfg := fastConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	release := make(chan struct{})
	slow := &stubStage{name: pipeline.StageAcquire, execute: func(job *queue.Job) error {
		<-release
		return nil
	}}
	second := &stubStage{name: pipeline.StageTransform}
	pool := newTestPool(t, cfg, store, []pipeline.Handler{slow, second}, events.NewBroker(10))

	job := testsupport.SeedQueuedJob(t, store, "primary", "incoming/cancel-me.mkv")

	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.GetByID(ctx, job.ID)
		return err == nil && current.State == queue.StateRunning
	})

	if err := store.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	// Give the renewal loop a chance to observe the flag, then let the
	// in-flight stage finish so the boundary check runs.
	time.Sleep(1500 * time.Millisecond)
	close(release)

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.GetByID(ctx, job.ID)
		return err == nil && current.State == queue.StateCancelled
	})

	if second.calls.Load() != 0 {
		t.Fatal("cancellation must take effect before the next stage starts")
	}
}

func TestPoolResumesFromCheckpointedStage(t *testing.T) {
	cfg := fastConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.SeedQueuedJob(t, store, "primary", "incoming/resume.mkv")

	// Simulate a previous attempt that checkpointed acquire before its
	// worker crashed and the lease was reclaimed.
	claimed, err := store.Claim(ctx, "crashed-worker", nil, time.Nanosecond)
	if err != nil || claimed == nil {
		t.Fatalf("setup claim failed: %v (%#v)", err, claimed)
	}
	if err := store.CheckpointStage(ctx, job.ID, "crashed-worker", pipeline.StageAcquire); err != nil {
		t.Fatalf("setup checkpoint failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := store.ReclaimExpired(ctx); err != nil {
		t.Fatalf("setup reclaim failed: %v", err)
	}

	acquire := &stubStage{name: pipeline.StageAcquire}
	transform := &stubStage{name: pipeline.StageTransform}
	pool := newTestPool(t, cfg, store, []pipeline.Handler{acquire, transform}, events.NewBroker(10))

	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.GetByID(ctx, job.ID)
		return err == nil && current.State == queue.StateCompleted
	})

	if acquire.calls.Load() != 0 {
		t.Fatal("checkpointed stage must not rerun")
	}
	if transform.calls.Load() != 1 {
		t.Fatalf("expected resume at transform, ran %d times", transform.calls.Load())
	}
}
