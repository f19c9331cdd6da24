package api

import (
	"time"

	"conveyor/internal/events"
	"conveyor/internal/locator"
	"conveyor/internal/pipeline"
	"conveyor/internal/queue"
)

// FromJob converts a persisted job into its transport form.
func FromJob(job *queue.Job) Job {
	if job == nil {
		return Job{}
	}
	out := Job{
		ID:              job.ID,
		Kind:            job.Kind,
		Location:        job.LocationID,
		Path:            job.PayloadPath,
		Priority:        job.Priority,
		State:           string(job.State),
		Stage:           job.Stage,
		Attempts:        job.AttemptCount,
		MaxAttempts:     job.MaxAttempts,
		Worker:          job.WorkerID,
		CancelRequested: job.CancelRequested,
		OutputRef:       job.OutputRef,
		PublishedID:     job.PublishedID,
		CreatedAt:       formatTimestamp(job.CreatedAt),
		UpdatedAt:       formatTimestamp(job.UpdatedAt),
		QueuedAt:        formatOptional(job.QueuedAt),
		StartedAt:       formatOptional(job.StartedAt),
		FinishedAt:      formatOptional(job.FinishedAt),
		NotBefore:       formatOptional(job.NotBefore),
		LeaseExpiresAt:  formatOptional(job.LeaseExpiresAt),
	}
	if job.LastError != nil {
		out.Error = &JobError{
			Kind:    job.LastError.Kind,
			Message: job.LastError.Message,
			At:      formatTimestamp(job.LastError.At),
			Attempt: job.LastError.Attempt,
		}
	}
	return out
}

// FromJobs converts a slice of persisted jobs.
func FromJobs(jobs []*queue.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// FromSummary converts aggregate queue counts.
func FromSummary(summary queue.QueueSummary) QueueSummary {
	out := QueueSummary{
		Total:     summary.Total,
		ByState:   make(map[string]int, len(summary.ByState)),
		ByKind:    summary.ByKind,
		Timestamp: formatTimestamp(summary.Timestamp),
	}
	for state, count := range summary.ByState {
		out.ByState[string(state)] = count
	}
	return out
}

// FromWorker converts a worker liveness record.
func FromWorker(record queue.WorkerRecord) Worker {
	out := Worker{
		ID:         record.ID,
		LastSeenAt: formatTimestamp(record.LastSeenAt),
		StartedAt:  formatOptional(record.StartedAt),
		Healthy:    record.Healthy,
	}
	if record.CurrentJobID != nil {
		out.CurrentJobID = *record.CurrentJobID
	}
	return out
}

// FromLocation converts a location probe status.
func FromLocation(status locator.LocationStatus) Location {
	return Location{
		ID:           status.ID,
		Root:         status.Root,
		Availability: string(status.Availability),
		Writable:     status.Writable,
		FreeBytes:    status.FreeBytes,
		LastProbedAt: formatTimestamp(status.LastProbedAt),
		Detail:       status.Detail,
	}
}

// FromStageHealth converts a stage readiness record.
func FromStageHealth(health pipeline.Health) StageHealth {
	return StageHealth{Name: health.Name, Ready: health.Ready, Detail: health.Detail}
}

// FromDatabaseHealth converts queue database diagnostics.
func FromDatabaseHealth(health queue.DatabaseHealth) DatabaseHealth {
	return DatabaseHealth{
		Path:           health.DBPath,
		Exists:         health.DatabaseExists,
		Readable:       health.DatabaseReadable,
		TableExists:    health.TableExists,
		IntegrityCheck: health.IntegrityCheck,
		TotalJobs:      health.TotalJobs,
		Error:          health.Error,
	}
}

// FromEvent converts a status feed event to its wire form.
func FromEvent(event events.Event) Event {
	return Event{
		Timestamp:  formatTimestamp(event.Timestamp),
		Level:      event.Level,
		Type:       event.Type,
		Message:    event.Message,
		JobID:      event.JobID,
		Stage:      event.Stage,
		WorkerID:   event.WorkerID,
		LocationID: event.LocationID,
		Metadata:   event.Metadata,
	}
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(dateTimeFormat)
}

func formatOptional(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return formatTimestamp(*ts)
}
