package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Heartbeat upserts a worker's liveness record. currentJobID is empty when
// the worker is idle. The record is advisory; the job row's lease decides
// ownership.
func (s *Store) Heartbeat(ctx context.Context, workerID, currentJobID string) error {
	now := formatTime(time.Now())
	_, err := s.execWithRetry(ensureContext(ctx),
		`INSERT INTO workers (id, last_seen_at, started_at, current_job_id)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
            last_seen_at = excluded.last_seen_at,
            current_job_id = excluded.current_job_id`,
		workerID, now, now, nullableString(currentJobID))
	if err != nil {
		return fmt.Errorf("worker heartbeat: %w", err)
	}
	return nil
}

// RemoveWorker deletes a worker's liveness record on clean shutdown.
func (s *Store) RemoveWorker(ctx context.Context, workerID string) error {
	if _, err := s.execWithRetry(ensureContext(ctx),
		`DELETE FROM workers WHERE id = ?`, workerID); err != nil {
		return fmt.Errorf("remove worker: %w", err)
	}
	return nil
}

// Workers lists known workers, flagging any whose last heartbeat is older
// than staleAfter as unhealthy.
func (s *Store) Workers(ctx context.Context, staleAfter time.Duration) ([]WorkerRecord, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, last_seen_at, started_at, current_job_id FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var records []WorkerRecord
	for rows.Next() {
		var (
			id         string
			lastSeen   string
			startedRaw string
			currentJob sql.NullString
		)
		if err := rows.Scan(&id, &lastSeen, &startedRaw, &currentJob); err != nil {
			return nil, err
		}

		record := WorkerRecord{ID: id, Healthy: true}
		if seen, err := parseTimeString(lastSeen); err == nil {
			record.LastSeenAt = seen
			if staleAfter > 0 && now.Sub(seen) > staleAfter {
				record.Healthy = false
			}
		}
		if started, err := parseTimeString(startedRaw); err == nil {
			record.StartedAt = &started
		}
		if currentJob.Valid && currentJob.String != "" {
			jobID := currentJob.String
			record.CurrentJobID = &jobID
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// PruneStaleWorkers removes liveness records far past the stale threshold so
// crashed workers eventually disappear from the status surface.
func (s *Store) PruneStaleWorkers(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := s.execWithRetry(ensureContext(ctx),
		`DELETE FROM workers WHERE last_seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune stale workers: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
