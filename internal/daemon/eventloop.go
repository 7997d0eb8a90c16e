package daemon

import (
	"context"
	"time"
)

const maintenanceInterval = 30 * time.Second

// EventLoop reports turn queue load between turns.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop until ctx is done.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks logs turn queue pressure. Breaker sweeps are driven by turn
// calls through the registry's Tick.
func (e *EventLoop) processTasks(ctx context.Context) {
	if depth, active := e.daemon.lanes.Depth(), e.daemon.lanes.Active(); depth > 0 || active > 0 {
		e.daemon.logger.Debug().
			Int("queued", depth).
			Int("sessions", active).
			Msg("Turn queue stats")
	}
}
