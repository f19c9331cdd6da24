package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/events"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	broker := events.NewBroker(10)

	ch, cancel, snapshot := broker.Subscribe()
	defer cancel()
	assert.Empty(t, snapshot)

	broker.Publish(events.Event{
		Type:  events.TypeJobCompleted,
		JobID: "job-1",
	})

	select {
	case got := <-ch:
		assert.Equal(t, events.TypeJobCompleted, got.Type)
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, events.LevelInfo, got.Level, "level defaults to info")
		assert.False(t, got.Timestamp.IsZero(), "timestamp is stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestSubscribeReplaysRecentHistory(t *testing.T) {
	broker := events.NewBroker(3)

	for i := 0; i < 5; i++ {
		broker.Publish(events.Event{Type: events.TypeJobQueued, JobID: string(rune('a' + i))})
	}

	_, cancel, snapshot := broker.Subscribe()
	defer cancel()

	require.Len(t, snapshot, 3, "replay window is bounded")
	assert.Equal(t, "c", snapshot[0].JobID, "oldest events are evicted first")
	assert.Equal(t, "e", snapshot[2].JobID)
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	broker := events.NewBroker(10)

	ch, cancel, _ := broker.Subscribe()
	cancel()

	broker.Publish(events.Event{Type: events.TypeJobFailed, Level: events.LevelAlert})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("cancelled subscriber received an event")
		}
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	broker := events.NewBroker(5)

	_, cancel, _ := broker.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Far more events than the subscriber buffer holds.
		for i := 0; i < 500; i++ {
			broker.Publish(events.Event{Type: events.TypeJobStarted})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestNoopPublisherIsSafe(t *testing.T) {
	var pub events.Publisher = events.NoopPublisher{}
	pub.Publish(events.Event{Type: events.TypeWorkerUnhealthy})
}
