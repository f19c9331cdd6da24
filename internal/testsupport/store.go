package testsupport

import (
	"context"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeedJob creates a pending job for tests using the provided store.
func SeedJob(t testing.TB, store *queue.Store, locationID, payloadPath string) *queue.Job {
	t.Helper()

	job, err := store.Create(context.Background(), queue.NewJob{
		Kind:        queue.KindProcessMedia,
		LocationID:  locationID,
		PayloadPath: payloadPath,
		Priority:    50,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return job
}

// SeedQueuedJob creates a job and admits it so it is claimable.
func SeedQueuedJob(t testing.TB, store *queue.Store, locationID, payloadPath string) *queue.Job {
	t.Helper()

	job := SeedJob(t, store, locationID, payloadPath)
	admitted, err := store.Admit(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("store.Admit: %v", err)
	}
	return admitted
}
