package manager

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"conveyor/internal/logging"
)

// schedules runs the manager's periodic maintenance on cron expressions
// from the retention config.
type schedules struct {
	manager *Manager
	cron    *cron.Cron
}

func newSchedules(m *Manager) *schedules {
	return &schedules{
		manager: m,
		cron:    cron.New(),
	}
}

func (s *schedules) start(ctx context.Context) error {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{
			name:     "discovery",
			schedule: s.manager.cfg.Retention.DiscoverySchedule,
			run: func() {
				s.manager.Discover(ctx)
			},
		},
		{
			name:     "reclaim",
			schedule: s.manager.cfg.Retention.ReclaimSchedule,
			run: func() {
				if _, err := s.manager.ReclaimExpired(ctx); err != nil {
					s.manager.logger.Error("reclaim sweep failed", logging.Error(err))
				}
				s.manager.CheckWorkers(ctx)
			},
		},
		{
			name:     "cleanup",
			schedule: s.manager.cfg.Retention.CleanupSchedule,
			run: func() {
				if err := s.manager.Cleanup(ctx); err != nil {
					s.manager.logger.Error("cleanup sweep failed", logging.Error(err))
				}
			},
		},
	}

	for _, entry := range entries {
		if entry.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(entry.schedule, entry.run); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", entry.name, entry.schedule, err)
		}
		s.manager.logger.Info("maintenance schedule registered",
			logging.String("task", entry.name),
			logging.String("schedule", entry.schedule))
	}

	s.cron.Start()
	return nil
}

func (s *schedules) stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
