package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewJob carries the caller-supplied fields for Create.
type NewJob struct {
	Kind        string
	LocationID  string
	PayloadPath string
	Priority    int
	MaxAttempts int
}

// Create inserts a new job in the pending state. It fails with
// ErrDuplicatePayload when an equivalent non-terminal job already exists for
// the same payload identity. Admission to queued is the queue manager's call.
func (s *Store) Create(ctx context.Context, spec NewJob) (*Job, error) {
	ctx = ensureContext(ctx)
	if spec.Kind == "" {
		return nil, errors.New("job kind is required")
	}
	if spec.LocationID == "" || spec.PayloadPath == "" {
		return nil, errors.New("payload location and path are required")
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = 3
	}

	timestamp := formatTime(time.Now())
	id := uuid.NewString()

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, kind, location_id, payload_path, priority, state, stage,
            attempt_count, max_attempts, created_at, updated_at,
            idempotency_key
        ) VALUES (?, ?, ?, ?, ?, ?, '', 0, ?, ?, ?, ?)`,
		id,
		spec.Kind,
		spec.LocationID,
		spec.PayloadPath,
		spec.Priority,
		StatePending,
		spec.MaxAttempts,
		timestamp,
		timestamp,
		uuid.NewString(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s:%s", ErrDuplicatePayload, spec.LocationID, spec.PayloadPath)
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier. Missing jobs return ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindActiveByPayload returns the non-terminal job holding the given payload
// identity, or nil when the identity is free.
func (s *Store) FindActiveByPayload(ctx context.Context, locationID, payloadPath string) (*Job, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs
         WHERE location_id = ? AND payload_path = ?
           AND state NOT IN (?, ?, ?)
         LIMIT 1`,
		locationID, payloadPath,
		StateCompleted, StateFailed, StateCancelled,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job by payload: %w", err)
	}
	return job, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	States []State
	Kinds  []string
	Limit  int
	Offset int
}

// List returns jobs matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	ctx = ensureContext(ctx)

	var (
		clauses []string
		args    []any
	)
	if len(filter.States) > 0 {
		clauses = append(clauses, `state IN (`+makePlaceholders(len(filter.States))+`)`)
		for _, state := range filter.States {
			args = append(args, state)
		}
	}
	if len(filter.Kinds) > 0 {
		clauses = append(clauses, `kind IN (`+makePlaceholders(len(filter.Kinds))+`)`)
		for _, kind := range filter.Kinds {
			args = append(args, kind)
		}
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(` OFFSET %d`, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats returns a count of jobs grouped by state and kind.
func (s *Store) Stats(ctx context.Context) (QueueSummary, error) {
	ctx = ensureContext(ctx)
	summary := QueueSummary{
		ByState:   make(map[State]int),
		ByKind:    make(map[string]int),
		Timestamp: time.Now().UTC(),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, kind, COUNT(1) FROM jobs GROUP BY state, kind`)
	if err != nil {
		return summary, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state State
			kind  string
			count int
		)
		if err := rows.Scan(&state, &kind, &count); err != nil {
			return summary, err
		}
		summary.Total += count
		summary.ByState[state] += count
		summary.ByKind[kind] += count
	}
	return summary, rows.Err()
}

const jobColumns = "id, kind, location_id, payload_path, priority, state, stage, " +
	"attempt_count, max_attempts, created_at, updated_at, queued_at, started_at, " +
	"finished_at, not_before, worker_id, lease_expires_at, cancel_requested, " +
	"error_kind, error_message, error_at, error_attempt, output_ref, published_id, idempotency_key"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id             string
		kind           string
		locationID     string
		payloadPath    string
		priority       int
		stateStr       string
		stage          string
		attemptCount   int
		maxAttempts    int
		createdRaw     string
		updatedRaw     string
		queuedRaw      sql.NullString
		startedRaw     sql.NullString
		finishedRaw    sql.NullString
		notBeforeRaw   sql.NullString
		workerID       sql.NullString
		leaseRaw       sql.NullString
		cancelFlag     int
		errorKind      sql.NullString
		errorMessage   sql.NullString
		errorAtRaw     sql.NullString
		errorAttempt   sql.NullInt64
		outputRef      sql.NullString
		publishedID    sql.NullString
		idempotencyKey string
	)

	if err := scanner.Scan(
		&id,
		&kind,
		&locationID,
		&payloadPath,
		&priority,
		&stateStr,
		&stage,
		&attemptCount,
		&maxAttempts,
		&createdRaw,
		&updatedRaw,
		&queuedRaw,
		&startedRaw,
		&finishedRaw,
		&notBeforeRaw,
		&workerID,
		&leaseRaw,
		&cancelFlag,
		&errorKind,
		&errorMessage,
		&errorAtRaw,
		&errorAttempt,
		&outputRef,
		&publishedID,
		&idempotencyKey,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		Kind:            kind,
		LocationID:      locationID,
		PayloadPath:     payloadPath,
		Priority:        priority,
		State:           State(stateStr),
		Stage:           stage,
		AttemptCount:    attemptCount,
		MaxAttempts:     maxAttempts,
		WorkerID:        workerID.String,
		CancelRequested: cancelFlag != 0,
		OutputRef:       outputRef.String,
		PublishedID:     publishedID.String,
		IdempotencyKey:  idempotencyKey,
	}

	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	job.QueuedAt = parseNullableTime(queuedRaw)
	job.StartedAt = parseNullableTime(startedRaw)
	job.FinishedAt = parseNullableTime(finishedRaw)
	job.NotBefore = parseNullableTime(notBeforeRaw)
	job.LeaseExpiresAt = parseNullableTime(leaseRaw)

	if errorMessage.Valid || errorKind.Valid {
		jobErr := &JobError{
			Kind:    errorKind.String,
			Message: errorMessage.String,
			Attempt: int(errorAttempt.Int64),
		}
		if at := parseNullableTime(errorAtRaw); at != nil {
			jobErr.At = *at
		}
		job.LastError = jobErr
	}

	return job, nil
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

// timeLayout is fixed width so the TEXT comparisons in ORDER BY and the
// lease/delay gates stay correct lexically. RFC3339Nano trims trailing
// fractional zeros, which breaks that property.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
