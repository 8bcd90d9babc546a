package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs Manager.Create on a standard five-field cron spec.
type Scheduler struct {
	m    *Manager
	cron *cron.Cron
	log  zerolog.Logger
	spec string
}

// NewScheduler validates spec up front; "@daily" style descriptors work too.
func NewScheduler(m *Manager, spec string, log zerolog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("backup.schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		m:    m,
		cron: cron.New(cron.WithLocation(time.UTC)),
		log:  log.With().Str("component", "backup-scheduler").Logger(),
		spec: spec,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if _, err := s.m.Create(ctx, CreateOptions{Trigger: "schedule"}); err != nil {
		s.log.Error().Err(err).Msg("scheduled backup failed")
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Str("schedule", s.spec).Time("next", s.Next()).Msg("backup schedule active")
}

// Stop waits for a running backup to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Next reports the next scheduled run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
