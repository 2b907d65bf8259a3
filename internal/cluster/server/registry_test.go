package server

import (
	"log/slog"
	"sync"
	"testing"
)

// fakeChannel records frames and close reasons for assertions.
type fakeChannel struct {
	mu       sync.Mutex
	sent     [][]byte
	binary   [][]byte
	closed   bool
	reason   string
	sendErr  error
	closedCh chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{closedCh: make(chan struct{})}
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeChannel) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.binary = append(f.binary, data)
	return nil
}

func (f *fakeChannel) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.reason = reason
	close(f.closedCh)
}

func (f *fakeChannel) closedWith() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

func (f *fakeChannel) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeChannel) binaryFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.binary...)
}

func testRegistry() *Registry {
	return NewRegistry(slog.Default())
}

func TestRegisterDaemonChannelSupersedes(t *testing.T) {
	reg := testRegistry()
	first := newFakeChannel()
	second := newFakeChannel()

	reg.RegisterDaemonChannel("d1", first)
	reg.RegisterDaemonChannel("d1", second)

	closed, reason := first.closedWith()
	if !closed || reason != "superseded" {
		t.Errorf("first channel closed=%v reason=%q, want superseded", closed, reason)
	}
	if closed, _ := second.closedWith(); closed {
		t.Error("second channel must stay open")
	}

	got, ok := reg.LookupDaemon("d1")
	if !ok || got != Channel(second) {
		t.Error("registry does not point at the superseding channel")
	}
}

func TestRemoveDaemonChannelOnlyIfCurrent(t *testing.T) {
	reg := testRegistry()
	first := newFakeChannel()
	second := newFakeChannel()

	reg.RegisterDaemonChannel("d1", first)
	reg.RegisterDaemonChannel("d1", second)

	// The superseded session's teardown must not evict its successor.
	if reg.RemoveDaemonChannel("d1", first) {
		t.Error("stale handle removed the current channel")
	}
	if _, ok := reg.LookupDaemon("d1"); !ok {
		t.Fatal("current channel evicted")
	}

	if !reg.RemoveDaemonChannel("d1", second) {
		t.Error("current handle failed to remove itself")
	}
	if _, ok := reg.LookupDaemon("d1"); ok {
		t.Error("channel still registered after removal")
	}
}

func TestAgentPoolBinding(t *testing.T) {
	reg := testRegistry()

	reg.BindAgentToPool("a1", "pool-1")
	if pool, ok := reg.PoolForAgent("a1"); !ok || pool != "pool-1" {
		t.Errorf("pool = %q ok=%v, want pool-1", pool, ok)
	}

	reg.UnbindAgent("a1")
	if _, ok := reg.PoolForAgent("a1"); ok {
		t.Error("binding survived unbind")
	}
}

func TestRemovePoolKeepsAgentBindings(t *testing.T) {
	reg := testRegistry()
	ch := newFakeChannel()

	reg.BindAgentToPool("a1", "pool-1")
	reg.RegisterPool("pool-1", ch)
	reg.RemovePool("pool-1", ch)

	// Pools reconnect under the same id; routing must survive the drop.
	if _, ok := reg.PoolForAgent("a1"); !ok {
		t.Error("agent binding lost when pool channel dropped")
	}
}

func TestRegisterTerminalSupersedes(t *testing.T) {
	reg := testRegistry()
	first := newFakeChannel()
	second := newFakeChannel()

	reg.RegisterTerminal("a1", first)
	reg.RegisterTerminal("a1", second)

	if closed, _ := first.closedWith(); !closed {
		t.Error("first terminal not closed on supersede")
	}
	if got, ok := reg.LookupTerminal("a1"); !ok || got != Channel(second) {
		t.Error("terminal lookup does not return superseding channel")
	}
}

func TestSnapshotDeadHandles(t *testing.T) {
	reg := testRegistry()
	reg.RegisterDaemonChannel("d1", newFakeChannel())
	reg.RegisterPool("pool-1", newFakeChannel())
	reg.RegisterTerminal("a1", newFakeChannel())

	all := reg.SnapshotDeadHandles(func(Channel) bool { return true })
	if len(all) != 3 {
		t.Errorf("snapshot = %d handles, want 3", len(all))
	}

	none := reg.SnapshotDeadHandles(func(Channel) bool { return false })
	if len(none) != 0 {
		t.Errorf("snapshot = %d handles with false predicate, want 0", len(none))
	}
}
