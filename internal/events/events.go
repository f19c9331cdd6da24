// Package events fans state-transition notifications out to status feed
// subscribers. A bounded replay buffer lets late subscribers catch up on
// recent history; slow subscribers drop events rather than block publishers.
package events

import (
	"sync"
	"time"
)

const (
	defaultBufferSize       = 200
	defaultSubscriberBuffer = 50
)

// Event types carried on the status feed.
const (
	TypeJobQueued         = "job.queued"
	TypeJobStarted        = "job.started"
	TypeJobStageCompleted = "job.stage_completed"
	TypeJobRetrying       = "job.retrying"
	TypeJobCompleted      = "job.completed"
	TypeJobFailed         = "job.failed"
	TypeJobCancelled      = "job.cancelled"
	TypeJobReclaimed      = "job.reclaimed"
	TypeWorkerUnhealthy   = "worker.unhealthy"
	TypeLocationDegraded  = "location.degraded"
	TypeLocationRecovered = "location.recovered"
)

// Severity levels. Alert marks events operators should act on.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelAlert = "alert"
)

// Event is one status feed entry.
type Event struct {
	Timestamp  time.Time         `json:"ts"`
	Level      string            `json:"level"`
	Type       string            `json:"type"`
	Message    string            `json:"msg"`
	JobID      string            `json:"job_id,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	LocationID string            `json:"location_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Publisher is the write side of the feed.
type Publisher interface {
	Publish(Event)
}

// NoopPublisher discards events. Used in tests and tools that don't serve
// the status feed.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Broker distributes events to subscribers and retains a replay window.
type Broker struct {
	mu        sync.RWMutex
	subs      map[int]chan Event
	nextID    int
	buffer    []Event
	bufferCap int
}

// NewBroker returns a broker retaining up to bufferSize events for replay.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broker{
		subs:      map[int]chan Event{},
		bufferCap: bufferSize,
	}
}

// Publish stamps and delivers the event. Subscribers whose channel is full
// miss the event; the replay buffer still records it.
func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	b.mu.Lock()
	if b.bufferCap > 0 {
		if len(b.buffer) < b.bufferCap {
			b.buffer = append(b.buffer, event)
		} else {
			copy(b.buffer, b.buffer[1:])
			b.buffer[len(b.buffer)-1] = event
		}
	}
	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a consumer. The returned snapshot holds the replay
// buffer at subscription time; cancel removes the subscription.
func (b *Broker) Subscribe() (<-chan Event, func(), []Event) {
	if b == nil {
		return nil, func() {}, nil
	}
	ch := make(chan Event, defaultSubscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	snapshot := append([]Event(nil), b.buffer...)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel, snapshot
}

// Recent returns a copy of the replay buffer.
func (b *Broker) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.buffer...)
}
