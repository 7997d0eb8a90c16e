package proposal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepSchedule runs both sweeps every half minute.
const DefaultSweepSchedule = "@every 30s"

// Sweeper periodically expires T3 proposals and executes matured T2
// proposals, so soft-confirmed work completes even if the user never sends
// another message.
type Sweeper struct {
	engine   *Engine
	schedule string
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a sweeper for engine. An empty schedule uses
// DefaultSweepSchedule.
func NewSweeper(engine *Engine, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		engine:   engine,
		schedule: schedule,
		timeout:  time.Minute,
	}, nil
}

// Start schedules the sweep. It is a no-op if already running.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule proposal sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true

	log.Info().Str("schedule", s.schedule).Msg("Proposal sweeper started")
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to
// end.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	log.Info().Msg("Proposal sweeper stopped")
}

// RunOnce performs one expiry sweep followed by one maturity sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (expired, matured int) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	expired, err = s.engine.SweepExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Proposal expiry sweep failed")
	}
	matured, err = s.engine.SweepMatured(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Proposal maturity sweep failed")
	}
	if expired > 0 || matured > 0 {
		log.Debug().Int("expired", expired).Int("matured", matured).Msg("Proposal sweep completed")
	}
	return expired, matured
}
