package queue

import (
	"context"
	"fmt"
	"os"
	"time"
)

// RetentionWindows gives the per-terminal-state age after which jobs are
// purged. A zero window keeps that state's jobs forever.
type RetentionWindows struct {
	Completed time.Duration
	Failed    time.Duration
	Cancelled time.Duration
}

// Cleanup purges terminal jobs older than their state's retention window and
// returns the number removed per state.
func (s *Store) Cleanup(ctx context.Context, windows RetentionWindows) (map[State]int, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	removed := make(map[State]int)

	purge := func(state State, window time.Duration) error {
		if window <= 0 {
			return nil
		}
		cutoff := formatTime(now.Add(-window))
		res, err := s.execWithRetry(ctx,
			`DELETE FROM jobs WHERE state = ? AND finished_at IS NOT NULL AND finished_at < ?`,
			state, cutoff)
		if err != nil {
			return fmt.Errorf("purge %s jobs: %w", state, err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			removed[state] = int(affected)
		}
		return nil
	}

	if err := purge(StateCompleted, windows.Completed); err != nil {
		return removed, err
	}
	if err := purge(StateFailed, windows.Failed); err != nil {
		return removed, err
	}
	if err := purge(StateCancelled, windows.Cancelled); err != nil {
		return removed, err
	}
	return removed, nil
}

// Health runs a quick liveness probe against the database.
func (s *Store) Health(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ensureContext(ctx), "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health probe: %w", err)
	}
	return nil
}

// CheckHealth gathers diagnostic information about the jobs database for the
// status surface. It never returns an error; problems are reported in the
// result so a broken database still produces a readable report.
func (s *Store) CheckHealth(ctx context.Context) DatabaseHealth {
	ctx = ensureContext(ctx)
	health := DatabaseHealth{DBPath: s.path}

	info, err := os.Stat(s.path)
	if err != nil {
		health.Error = fmt.Sprintf("stat database: %v", err)
		return health
	}
	health.DatabaseExists = !info.IsDir()

	if err := s.Health(ctx); err != nil {
		health.Error = err.Error()
		return health
	}
	health.DatabaseReadable = true

	var tableCount int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='jobs'",
	).Scan(&tableCount); err != nil {
		health.Error = fmt.Sprintf("check jobs table: %v", err)
		return health
	}
	health.TableExists = tableCount > 0
	if !health.TableExists {
		return health
	}

	var integrity string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = fmt.Sprintf("integrity check: %v", err)
		return health
	}
	health.IntegrityCheck = integrity == "ok"
	if !health.IntegrityCheck {
		health.Error = fmt.Sprintf("integrity check reported: %s", integrity)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM jobs").Scan(&health.TotalJobs); err != nil {
		health.Error = fmt.Sprintf("count jobs: %v", err)
	}
	return health
}

// KnownPayloadPaths returns the payload paths of every job for a location,
// terminal states included. Discovery must not resurrect a completed or
// exhausted payload; reprocessing is an operator requeue, not a sweep.
func (s *Store) KnownPayloadPaths(ctx context.Context, locationID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT payload_path FROM jobs WHERE location_id = ?`,
		locationID)
	if err != nil {
		return nil, fmt.Errorf("list known payloads: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{})
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		known[path] = struct{}{}
	}
	return known, rows.Err()
}
