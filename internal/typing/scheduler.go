package typing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-notify/internal/metrics"
)

// DefaultSchedule runs a full sweep twice a minute.
const DefaultSchedule = "@every 30s"

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a usable sweep schedule.
func ValidateSchedule(spec string) error {
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("typing: schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler runs SweepAll on a cron spec. Overlapping runs are skipped.
type Scheduler struct {
	sweeper *Sweeper
	spec    string
	timeout time.Duration
	log     zerolog.Logger

	mu sync.Mutex
	c  *cron.Cron
}

// NewScheduler creates a scheduler for spec (standard five-field cron or a
// descriptor such as "@every 30s"). Each pass is bounded by timeout.
func NewScheduler(sweeper *Sweeper, spec string, timeout time.Duration, log zerolog.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		sweeper: sweeper,
		spec:    spec,
		timeout: timeout,
		log:     log.With().Str("comp", "typing-scheduler").Logger(),
	}
}

// Start registers the sweep job and starts the cron runner. Jobs run until
// ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("typing: schedule %q: %w", s.spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info().Str("spec", s.spec).Msg("periodic sweep started")
	return nil
}

// Stop halts the runner and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info().Msg("periodic sweep stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	metrics.Sweeps.WithLabelValues("schedule").Inc()
	if _, err := s.sweeper.SweepAll(ctx); err != nil {
		s.log.Error().Err(err).Msg("periodic sweep failed")
	}
}
