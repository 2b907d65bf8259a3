// Package sweeper runs the periodic housekeeping jobs: staleness band
// refresh for agents whose heartbeats dried up, and expired operator
// session reaping.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zackees/agentfleet/internal/cluster"
	"github.com/zackees/agentfleet/internal/events"
	"github.com/zackees/agentfleet/internal/metrics"
)

// SweepStore is the store surface the sweeper drives.
type SweepStore interface {
	RefreshStaleness(ctx context.Context) ([]*cluster.Agent, error)
	DeleteExpiredSessions(ctx context.Context) (int64, error)
	CountLiveAgents(ctx context.Context) (int, error)
}

// Sweeper periodically recomputes persisted staleness bands and publishes
// an update event for every agent whose band changed, so subscribers see
// stale/disconnected transitions without waiting for a heartbeat that will
// never come.
type Sweeper struct {
	store    SweepStore
	bus      *events.Bus
	interval time.Duration
	log      *slog.Logger

	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a sweeper; Start schedules it.
func New(st SweepStore, bus *events.Bus, interval time.Duration, log *slog.Logger) *Sweeper {
	ctx, stop := context.WithCancel(context.Background())
	return &Sweeper{
		store:    st,
		bus:      bus,
		interval: interval,
		log:      log.With("component", "sweeper"),
		ctx:      ctx,
		stop:     stop,
	}
}

// Start schedules the sweep job. Runs do not overlap: cron skips a tick if
// the previous sweep is still in flight.
func (s *Sweeper) Start() error {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("sweeper started", "interval", s.interval)
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stop()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) sweep() {
	s.Sweep(s.ctx)
}

// Sweep runs one housekeeping pass. Exported so tests and operators can
// trigger it outside the schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	changed, err := s.store.RefreshStaleness(ctx)
	if err != nil {
		s.log.Warn("staleness refresh failed", "error", err)
	} else {
		for _, agent := range changed {
			s.bus.Publish(events.Event{Type: events.AgentUpdated, Agent: agent})
		}
		if len(changed) > 0 {
			s.log.Info("staleness bands updated", "agents", len(changed))
		}
	}

	n, err := s.store.DeleteExpiredSessions(ctx)
	if err != nil {
		s.log.Warn("session reap failed", "error", err)
	} else if n > 0 {
		s.log.Info("expired sessions reaped", "count", n)
	}

	if live, err := s.store.CountLiveAgents(ctx); err == nil {
		metrics.AgentsLive.Set(float64(live))
	}
}
