package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/zackees/agentfleet/internal/clock"
	"github.com/zackees/agentfleet/internal/cluster"
)

func testStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), slog.Default(), Options{Clock: clk})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func mustUpsertAgent(t *testing.T, s *Store, id, daemonID string) {
	t.Helper()
	err := s.UpsertAgent(context.Background(), &cluster.Agent{
		ID:       id,
		DaemonID: daemonID,
		PID:      1234,
		CWD:      "/work",
		Command:  "agent --serve",
		Status:   cluster.AgentRunning,
	})
	if err != nil {
		t.Fatalf("upsert agent %s: %v", id, err)
	}
}

func TestUpsertAndGetAgent(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	mustUpsertAgent(t, s, "a1", "d1")

	a, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.DaemonID != "d1" || a.Status != cluster.AgentRunning {
		t.Errorf("unexpected agent: %+v", a)
	}
	if a.Staleness != cluster.StalenessFresh {
		t.Errorf("staleness = %s, want fresh", a.Staleness)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.GetAgent(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertAgentOwnershipConflict(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	mustUpsertAgent(t, s, "a1", "d1")

	err := s.UpsertAgent(ctx, &cluster.Agent{ID: "a1", DaemonID: "d2"})
	if !errors.Is(err, ErrOwnershipConflict) {
		t.Fatalf("err = %v, want ErrOwnershipConflict", err)
	}

	// Nothing mutated: still owned by d1.
	a, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.DaemonID != "d1" {
		t.Errorf("daemon_id = %s, want d1", a.DaemonID)
	}
}

func TestUpsertAgentIdempotent(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	mustUpsertAgent(t, s, "a1", "d1")
	mustUpsertAgent(t, s, "a1", "d1")

	agents, err := s.ListAgents(ctx, AgentFilter{})
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(agents))
	}
}

func TestStoppedIsSticky(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	mustUpsertAgent(t, s, "a1", "d1")
	if err := s.MarkAgentStopped(ctx, "a1", 137, "oom"); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}

	// A replayed registration must not resurrect the agent.
	mustUpsertAgent(t, s, "a1", "d1")

	a, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Status != cluster.AgentStopped {
		t.Errorf("status = %s, want stopped", a.Status)
	}
	if a.StoppedAt == nil {
		t.Error("stopped_at not set")
	}
	if a.Staleness != cluster.StalenessDisconnected {
		t.Errorf("staleness = %s, want disconnected for stopped agent", a.Staleness)
	}
	if got := a.Metrics["exit_code"]; got != 137 {
		t.Errorf("exit_code metric = %v, want 137", got)
	}
	if a.DaemonReportedStatus != "oom" {
		t.Errorf("daemon_reported_status = %s, want oom", a.DaemonReportedStatus)
	}
}

func TestHeartbeatKeepsStoppedTerminal(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	mustUpsertAgent(t, s, "a1", "d1")
	if err := s.MarkAgentStopped(ctx, "a1", 0, ""); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}
	if err := s.UpdateHeartbeat(ctx, "a1", cluster.AgentRunning, nil); err != nil {
		t.Fatalf("update heartbeat: %v", err)
	}

	a, _ := s.GetAgent(ctx, "a1")
	if a.Status != cluster.AgentStopped {
		t.Errorf("status = %s, heartbeats must not resurrect stopped agents", a.Status)
	}
}

func TestUpdateHeartbeatUnknownAgent(t *testing.T) {
	s, _ := testStore(t)
	err := s.UpdateHeartbeat(context.Background(), "ghost", cluster.AgentRunning, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStalenessDerivedOnRead(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	mustUpsertAgent(t, s, "a1", "d1")

	check := func(want cluster.Staleness) {
		t.Helper()
		a, err := s.GetAgent(ctx, "a1")
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if a.Staleness != want {
			t.Errorf("staleness = %s, want %s (age %s)", a.Staleness, want, clk.Since(a.LastHeartbeat))
		}
	}

	check(cluster.StalenessFresh)

	clk.Advance(14 * time.Second)
	check(cluster.StalenessFresh)

	// Lower bounds are inclusive: at exactly 15s the agent is stale.
	clk.Advance(time.Second)
	check(cluster.StalenessStale)

	clk.Advance(74 * time.Second) // age 89s
	check(cluster.StalenessStale)

	clk.Advance(time.Second) // age 90s
	check(cluster.StalenessDisconnected)

	// A heartbeat resets the band to fresh.
	if err := s.UpdateHeartbeat(ctx, "a1", cluster.AgentIdle, map[string]float64{"cpu": 0.5}); err != nil {
		t.Fatalf("update heartbeat: %v", err)
	}
	check(cluster.StalenessFresh)
}

func TestRefreshStalenessReportsBandChanges(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	mustUpsertAgent(t, s, "a1", "d1")
	mustUpsertAgent(t, s, "a2", "d1")
	if err := s.MarkAgentStopped(ctx, "a2", 0, ""); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}

	// No time passed: nothing changed.
	changed, err := s.RefreshStaleness(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("changed = %d, want 0", len(changed))
	}

	clk.Advance(20 * time.Second)
	changed, err = s.RefreshStaleness(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != "a1" {
		t.Fatalf("changed = %+v, want only a1", changed)
	}
	if changed[0].Staleness != cluster.StalenessStale {
		t.Errorf("staleness = %s, want stale", changed[0].Staleness)
	}

	// Second pass is quiescent: the cached band caught up.
	changed, err = s.RefreshStaleness(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("changed = %d on second pass, want 0", len(changed))
	}
}

func TestReconcileDaemonAgents(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	mustUpsertAgent(t, s, "a1", "d1")
	mustUpsertAgent(t, s, "a2", "d1")
	mustUpsertAgent(t, s, "a3", "d1")
	if err := s.MarkAgentStopped(ctx, "a3", 0, ""); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}

	// Daemon restarts knowing a1 and a brand new a4; a2 died with it, a3
	// was already terminal and must not be double-stopped.
	rec, err := s.ReconcileDaemonAgents(ctx, "d1", []string{"a1", "a4"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(rec.Existing) != 1 || rec.Existing[0] != "a1" {
		t.Errorf("existing = %v, want [a1]", rec.Existing)
	}
	if len(rec.New) != 1 || rec.New[0] != "a4" {
		t.Errorf("new = %v, want [a4]", rec.New)
	}
	if len(rec.Stopped) != 1 || rec.Stopped[0] != "a2" {
		t.Errorf("stopped = %v, want [a2]", rec.Stopped)
	}

	a2, err := s.GetAgent(ctx, "a2")
	if err != nil {
		t.Fatalf("get a2: %v", err)
	}
	if a2.Status != cluster.AgentStopped {
		t.Errorf("a2 status = %s, want stopped", a2.Status)
	}
}

func TestListAgentsFilter(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	mustUpsertAgent(t, s, "a1", "d1")
	mustUpsertAgent(t, s, "a2", "d2")
	if err := s.MarkAgentStopped(ctx, "a2", 0, ""); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}

	byDaemon, err := s.ListAgents(ctx, AgentFilter{DaemonID: "d1"})
	if err != nil {
		t.Fatalf("list by daemon: %v", err)
	}
	if len(byDaemon) != 1 || byDaemon[0].ID != "a1" {
		t.Errorf("by daemon = %+v, want [a1]", byDaemon)
	}

	stopped, err := s.ListAgents(ctx, AgentFilter{Status: cluster.AgentStopped})
	if err != nil {
		t.Fatalf("list stopped: %v", err)
	}
	if len(stopped) != 1 || stopped[0].ID != "a2" {
		t.Errorf("stopped = %+v, want [a2]", stopped)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	d := &cluster.Daemon{ID: "d1", Hostname: "dev-box", Platform: "linux", Version: "1.0"}
	if err := s.UpsertDaemon(ctx, d); err != nil {
		t.Fatalf("upsert daemon: %v", err)
	}
	mustUpsertAgent(t, s, "a1", "d1")
	mustUpsertAgent(t, s, "a2", "d1")
	if err := s.MarkAgentStopped(ctx, "a2", 0, ""); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}

	got, err := s.GetDaemon(ctx, "d1")
	if err != nil {
		t.Fatalf("get daemon: %v", err)
	}
	if got.Status != cluster.DaemonConnected {
		t.Errorf("status = %s, want connected", got.Status)
	}
	// Stopped agents do not count.
	if got.AgentCount != 1 {
		t.Errorf("agent_count = %d, want 1", got.AgentCount)
	}

	before := got.LastSeen
	clk.Advance(5 * time.Second)
	if err := s.TouchDaemon(ctx, "d1"); err != nil {
		t.Fatalf("touch daemon: %v", err)
	}
	got, _ = s.GetDaemon(ctx, "d1")
	if !got.LastSeen.After(before) {
		t.Error("touch did not advance last_seen")
	}

	if err := s.MarkDaemonDisconnected(ctx, "d1"); err != nil {
		t.Fatalf("mark disconnected: %v", err)
	}
	got, _ = s.GetDaemon(ctx, "d1")
	if got.Status != cluster.DaemonDisconnected {
		t.Errorf("status = %s, want disconnected", got.Status)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	sess := &cluster.Session{
		ID:         "s1",
		OperatorID: "op-1",
		Type:       cluster.SessionWeb,
		Token:      "ctk_secret",
		ExpiresAt:  clk.Now().Add(time.Hour),
		Scopes:     []string{"read"},
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := s.GetSessionByToken(ctx, "ctk_secret")
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if got.OperatorID != "op-1" || got.Type != cluster.SessionWeb {
		t.Errorf("unexpected session: %+v", got)
	}

	// Listings never carry the token.
	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list) != 1 || list[0].Token != "" {
		t.Errorf("listing leaked token: %+v", list)
	}

	clk.Advance(2 * time.Hour)
	n, err := s.DeleteExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}
	if _, err := s.GetSessionByToken(ctx, "ctk_secret"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after reap", err)
	}
}

func TestBindingUpsertPerChatAgent(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	b := &cluster.TelegramBinding{
		ID: "b1", ChatID: 42, AgentID: "a1", OperatorID: "op-1", Mode: cluster.BindingObserver,
	}
	if err := s.CreateBinding(ctx, b); err != nil {
		t.Fatalf("create binding: %v", err)
	}

	// Same (chat, agent) pair upgrades in place rather than duplicating.
	b2 := &cluster.TelegramBinding{
		ID: "b2", ChatID: 42, AgentID: "a1", OperatorID: "op-2", Mode: cluster.BindingActive,
	}
	if err := s.CreateBinding(ctx, b2); err != nil {
		t.Fatalf("re-create binding: %v", err)
	}

	list, err := s.ListBindings(ctx, 42)
	if err != nil {
		t.Fatalf("list bindings: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("bindings = %d, want 1", len(list))
	}
	if list[0].Mode != cluster.BindingActive || list[0].OperatorID != "op-2" {
		t.Errorf("binding not updated: %+v", list[0])
	}

	if err := s.DeleteBinding(ctx, 42, "a1"); err != nil {
		t.Fatalf("delete binding: %v", err)
	}
	list, _ = s.ListBindings(ctx, 42)
	if len(list) != 0 {
		t.Errorf("bindings = %d after delete, want 0", len(list))
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	for i, typ := range []string{"agent_stop", "agent_exec", "vscode_launch"} {
		ev := &cluster.AuditEvent{
			OperatorID: "op-1",
			EventType:  typ,
			AgentID:    "a1",
			Payload:    map[string]any{"seq": float64(i)},
			Result:     "success",
		}
		if err := s.AppendAuditEvent(ctx, ev); err != nil {
			t.Fatalf("append audit: %v", err)
		}
		clk.Advance(time.Second)
	}

	evs, err := s.ListAuditEvents(ctx, 2)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %d, want 2", len(evs))
	}
	// Newest first.
	if evs[0].EventType != "vscode_launch" || evs[1].EventType != "agent_exec" {
		t.Errorf("unexpected order: %s, %s", evs[0].EventType, evs[1].EventType)
	}
}
