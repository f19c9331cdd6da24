package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a queue entry in a transport-friendly format.
type Job struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Location        string    `json:"location"`
	Path            string    `json:"path"`
	Priority        int       `json:"priority"`
	State           string    `json:"state"`
	Stage           string    `json:"stage,omitempty"`
	Attempts        int       `json:"attempts"`
	MaxAttempts     int       `json:"maxAttempts"`
	Worker          string    `json:"worker,omitempty"`
	CancelRequested bool      `json:"cancelRequested,omitempty"`
	OutputRef       string    `json:"outputRef,omitempty"`
	PublishedID     string    `json:"publishedId,omitempty"`
	Error           *JobError `json:"error,omitempty"`
	CreatedAt       string    `json:"createdAt,omitempty"`
	UpdatedAt       string    `json:"updatedAt,omitempty"`
	QueuedAt        string    `json:"queuedAt,omitempty"`
	StartedAt       string    `json:"startedAt,omitempty"`
	FinishedAt      string    `json:"finishedAt,omitempty"`
	NotBefore       string    `json:"notBefore,omitempty"`
	LeaseExpiresAt  string    `json:"leaseExpiresAt,omitempty"`
}

// JobError carries the most recent failure recorded for a job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	At      string `json:"at,omitempty"`
	Attempt int    `json:"attempt"`
}

// PayloadRef identifies a payload by managed location and relative path.
type PayloadRef struct {
	Location string `json:"location"`
	Path     string `json:"path"`
}

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest struct {
	Kind     string     `json:"kind,omitempty"`
	Payload  PayloadRef `json:"payload"`
	Priority *int       `json:"priority,omitempty"`
}

// SubmitResponse reports the job bound to a submission. Created is false
// when an equivalent active job already held the payload identity.
type SubmitResponse struct {
	Job     Job  `json:"job"`
	Created bool `json:"created"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job Job `json:"job"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// ReorderRequest is the body of POST /api/jobs/{id}/reorder.
type ReorderRequest struct {
	Priority int `json:"priority"`
}

// QueueSummary provides aggregate queue counts.
type QueueSummary struct {
	Total     int            `json:"total"`
	ByState   map[string]int `json:"byState"`
	ByKind    map[string]int `json:"byKind"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Worker reports liveness for one pool executor.
type Worker struct {
	ID           string `json:"id"`
	LastSeenAt   string `json:"lastSeenAt,omitempty"`
	CurrentJobID string `json:"currentJobId,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	Healthy      bool   `json:"healthy"`
}

// WorkerListResponse wraps worker liveness records.
type WorkerListResponse struct {
	Workers []Worker `json:"workers"`
}

// Location reports probe state for one managed storage root.
type Location struct {
	ID           string `json:"id"`
	Root         string `json:"root"`
	Availability string `json:"availability"`
	Writable     bool   `json:"writable"`
	FreeBytes    uint64 `json:"freeBytes"`
	LastProbedAt string `json:"lastProbedAt,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// LocationListResponse wraps location probe statuses.
type LocationListResponse struct {
	Locations []Location `json:"locations"`
}

// StageHealth mirrors readiness reporting for pipeline stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DatabaseHealth captures queue database diagnostics.
type DatabaseHealth struct {
	Path           string `json:"path"`
	Exists         bool   `json:"exists"`
	Readable       bool   `json:"readable"`
	TableExists    bool   `json:"tableExists"`
	IntegrityCheck bool   `json:"integrityCheck"`
	TotalJobs      int    `json:"totalJobs"`
	Error          string `json:"error,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	QueueDBPath  string         `json:"queueDbPath"`
	LockFilePath string         `json:"lockFilePath"`
	Queue        QueueSummary   `json:"queue"`
	Workers      []Worker       `json:"workers"`
	Locations    []Location     `json:"locations"`
	Stages       []StageHealth  `json:"stages,omitempty"`
	Database     DatabaseHealth `json:"database"`
}

// Event is the wire form of a status feed event.
type Event struct {
	Timestamp  string            `json:"ts"`
	Level      string            `json:"level"`
	Type       string            `json:"type"`
	Message    string            `json:"msg"`
	JobID      string            `json:"jobId,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	WorkerID   string            `json:"workerId,omitempty"`
	LocationID string            `json:"locationId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ErrorResponse is the uniform error payload returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}
