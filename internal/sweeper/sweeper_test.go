package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/zackees/agentfleet/internal/cluster"
	"github.com/zackees/agentfleet/internal/events"
)

type fakeSweepStore struct {
	changed    []*cluster.Agent
	refreshErr error
	reaped     int64
	sweeps     int
}

func (f *fakeSweepStore) RefreshStaleness(context.Context) ([]*cluster.Agent, error) {
	f.sweeps++
	return f.changed, f.refreshErr
}

func (f *fakeSweepStore) DeleteExpiredSessions(context.Context) (int64, error) {
	return f.reaped, nil
}

func (f *fakeSweepStore) CountLiveAgents(context.Context) (int, error) {
	return len(f.changed), nil
}

func TestSweepPublishesBandChanges(t *testing.T) {
	st := &fakeSweepStore{
		changed: []*cluster.Agent{
			{ID: "a1", DaemonID: "d1", Staleness: cluster.StalenessStale},
			{ID: "a2", DaemonID: "d1", Staleness: cluster.StalenessDisconnected},
		},
		reaped: 3,
	}
	bus := events.New(time.Second)
	sub, cancel := bus.Subscribe()
	defer cancel()

	sw := New(st, bus, 30*time.Second, slog.Default())
	sw.Sweep(context.Background())

	for _, wantID := range []string{"a1", "a2"} {
		select {
		case evt := <-sub:
			if evt.Type != events.AgentUpdated {
				t.Errorf("event type = %s, want agent_updated", evt.Type)
			}
			if evt.Agent == nil || evt.Agent.ID != wantID {
				t.Errorf("event agent = %+v, want %s", evt.Agent, wantID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event for %s", wantID)
		}
	}
}

func TestSweepNoChangesPublishesNothing(t *testing.T) {
	st := &fakeSweepStore{}
	bus := events.New(time.Second)
	sub, cancel := bus.Subscribe()
	defer cancel()

	sw := New(st, bus, 30*time.Second, slog.Default())
	sw.Sweep(context.Background())

	select {
	case evt := <-sub:
		t.Fatalf("unexpected event %s", evt.Type)
	default:
	}
}

func TestSweepRefreshErrorStillReapsSessions(t *testing.T) {
	st := &fakeSweepStore{refreshErr: errors.New("db down"), reaped: 1}
	bus := events.New(time.Second)

	sw := New(st, bus, 30*time.Second, slog.Default())
	// Must not panic; the reap leg runs regardless.
	sw.Sweep(context.Background())
}

func TestStartStop(t *testing.T) {
	st := &fakeSweepStore{}
	bus := events.New(time.Second)

	sw := New(st, bus, time.Hour, slog.Default())
	if err := sw.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	sw.Stop()
}
