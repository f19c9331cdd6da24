package queue

import (
	"strings"
	"time"
)

// State represents the lifecycle of a job.
type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StatePaused    State = "paused"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var allStates = []State{
	StatePending,
	StateQueued,
	StatePaused,
	StateRunning,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// Terminal reports whether the state is final and eligible for retention cleanup.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// KindProcessMedia is the job kind for the standard media pipeline.
const KindProcessMedia = "process-media"

// JobError is the structured record of a job's most recent failure.
type JobError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
}

// Job is one schedulable unit of pipeline work persisted in SQLite.
type Job struct {
	ID              string
	Kind            string
	LocationID      string
	PayloadPath     string
	Priority        int
	State           State
	Stage           string // last durably completed pipeline stage, empty before the first
	AttemptCount    int
	MaxAttempts     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	QueuedAt        *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	NotBefore       *time.Time // retry delay gate; Claim skips jobs before this instant
	WorkerID        string
	LeaseExpiresAt  *time.Time
	CancelRequested bool
	LastError       *JobError
	OutputRef       string
	PublishedID     string
	IdempotencyKey  string
}

// PayloadID is the identity used for duplicate suppression among
// non-terminal jobs: one active job per (location, path).
func (j *Job) PayloadID() string {
	return j.LocationID + ":" + j.PayloadPath
}

// Active reports whether the job still occupies its payload identity.
func (j *Job) Active() bool {
	return !j.State.Terminal()
}

// LeaseExpired reports whether a running job's lease has lapsed at now.
func (j *Job) LeaseExpired(now time.Time) bool {
	if j.State != StateRunning || j.LeaseExpiresAt == nil {
		return false
	}
	return j.LeaseExpiresAt.Before(now)
}

// QueueSummary aggregates job counts per state for the status feed.
type QueueSummary struct {
	Total     int            `json:"total"`
	ByState   map[State]int  `json:"by_state"`
	ByKind    map[string]int `json:"by_kind"`
	Timestamp time.Time      `json:"timestamp"`
}

// WorkerRecord is the ephemeral liveness record for one pool executor.
// It is advisory only; the job row's lease is authoritative for ownership.
type WorkerRecord struct {
	ID           string     `json:"worker_id"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	CurrentJobID *string    `json:"current_job_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Healthy      bool       `json:"healthy"`
}

// DatabaseHealth captures diagnostic information about the job database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	TableExists      bool
	IntegrityCheck   bool
	TotalJobs        int
	Error            string
}
