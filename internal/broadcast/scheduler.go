package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cron specs of the background jobs.
const (
	DispatchSpec = "@every 1m"
	CleanupSpec  = "0 3 * * *"
)

// Jobs is what the scheduler drives.
type Jobs interface {
	DispatchScheduled(ctx context.Context) (int, error)
	Cleanup(ctx context.Context) (int64, error)
}

// Scheduler starts due scheduled campaigns and prunes old ones.
type Scheduler struct {
	jobs    Jobs
	log     zerolog.Logger
	parser  cron.Parser
	c       *cron.Cron
	timeout time.Duration
}

func NewScheduler(jobs Jobs, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		jobs:    jobs,
		log:     log.With().Str("component", "scheduler").Logger(),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timeout: time.Minute,
	}
}

// Start registers the jobs and runs them until Stop. Jobs see ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.Local))

	if _, err := s.c.AddFunc(DispatchSpec, func() { s.dispatch(ctx) }); err != nil {
		return fmt.Errorf("register dispatch job: %w", err)
	}
	if _, err := s.c.AddFunc(CleanupSpec, func() { s.cleanup(ctx) }); err != nil {
		return fmt.Errorf("register cleanup job: %w", err)
	}
	s.c.Start()
	s.log.Info().Str("dispatch", DispatchSpec).Str("cleanup", CleanupSpec).Msg("scheduler started")
	return nil
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) dispatch(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	n, err := s.jobs.DispatchScheduled(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("dispatch scheduled campaigns")
		return
	}
	if n > 0 {
		s.log.Info().Int("started", n).Msg("scheduled campaigns started")
	}
}

func (s *Scheduler) cleanup(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	if _, err := s.jobs.Cleanup(ctx); err != nil {
		s.log.Error().Err(err).Msg("cleanup old campaigns")
	}
}
