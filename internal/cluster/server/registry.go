// Package server implements the WebSocket accept surface for the cluster:
// daemon control sessions, PTY pool fan-out, browser terminals, and event
// subscriptions.
package server

import (
	"log/slog"
	"sync"
)

// Channel is a live connection handle held in the Registry. Implementations
// must be safe for concurrent use; Send and SendBinary never block the
// caller past a bounded outbound queue.
type Channel interface {
	// Send enqueues a text frame. Returns ErrBackpressureDrop when the
	// outbound queue is full.
	Send(data []byte) error
	// SendBinary enqueues a binary frame with the same queue semantics.
	SendBinary(data []byte) error
	// Close shuts the channel down with a reason, exactly once.
	Close(reason string)
}

// Registry holds the in-memory connection indices. It owns the map entries
// exclusively; ControlSession and PTYRouter hold short-lived borrows of the
// handles it returns. The registry performs no I/O and never holds its
// locks across a send.
type Registry struct {
	mu sync.RWMutex

	// daemon id -> control channel. Exclusive writer: ControlSession.
	daemons map[string]Channel
	// pool id -> pool channel. Exclusive writer: PTYRouter.
	pools map[string]Channel
	// agent id -> browser terminal channel. Exclusive writer: PTYRouter.
	terminals map[string]Channel
	// agent id -> pool id. Set on agent_register, cleared on agent_stopped.
	agentToPool map[string]string

	log *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		daemons:     make(map[string]Channel),
		pools:       make(map[string]Channel),
		terminals:   make(map[string]Channel),
		agentToPool: make(map[string]string),
		log:         log,
	}
}

// RegisterDaemonChannel installs the control channel for a daemon. At most
// one control session exists per daemon id: an existing handle is closed
// with reason "superseded" before replacement.
func (r *Registry) RegisterDaemonChannel(daemonID string, ch Channel) {
	r.mu.Lock()
	old := r.daemons[daemonID]
	r.daemons[daemonID] = ch
	r.mu.Unlock()

	if old != nil {
		r.log.Warn("superseding control channel", "daemon_id", daemonID)
		old.Close("superseded")
	}
}

// RemoveDaemonChannel removes the entry for a daemon, but only if it still
// points at the given handle (a superseding session must not be evicted by
// its predecessor's teardown).
func (r *Registry) RemoveDaemonChannel(daemonID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.daemons[daemonID]; ok && cur == ch {
		delete(r.daemons, daemonID)
		return true
	}
	return false
}

// LookupDaemon returns the control channel for a daemon, if connected.
func (r *Registry) LookupDaemon(daemonID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.daemons[daemonID]
	return ch, ok
}

// RegisterPool installs a pool channel, superseding any previous one with
// the same id (a daemon reconnecting its pool).
func (r *Registry) RegisterPool(poolID string, ch Channel) {
	r.mu.Lock()
	old := r.pools[poolID]
	r.pools[poolID] = ch
	r.mu.Unlock()

	if old != nil {
		old.Close("superseded")
	}
}

// RemovePool removes a pool entry if it still points at the given handle.
// AgentToPool bindings are left in place: the daemon is expected to
// reconnect a pool with the same id.
func (r *Registry) RemovePool(poolID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pools[poolID]; ok && cur == ch {
		delete(r.pools, poolID)
		return true
	}
	return false
}

// LookupPool returns the pool channel for a pool id.
func (r *Registry) LookupPool(poolID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.pools[poolID]
	return ch, ok
}

// RegisterTerminal installs the browser terminal channel for an agent. A
// second browser for the same agent supersedes the first.
func (r *Registry) RegisterTerminal(agentID string, ch Channel) {
	r.mu.Lock()
	old := r.terminals[agentID]
	r.terminals[agentID] = ch
	r.mu.Unlock()

	if old != nil {
		old.Close("superseded")
	}
}

// RemoveTerminal removes a terminal entry if it still points at the given
// handle. Pass nil to remove unconditionally.
func (r *Registry) RemoveTerminal(agentID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.terminals[agentID]
	if !ok {
		return false
	}
	if ch != nil && cur != ch {
		return false
	}
	delete(r.terminals, agentID)
	return true
}

// LookupTerminal returns the browser terminal channel for an agent.
func (r *Registry) LookupTerminal(agentID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.terminals[agentID]
	return ch, ok
}

// BindAgentToPool records which pool channel carries an agent's PTY
// stream. Called on agent_register.
func (r *Registry) BindAgentToPool(agentID, poolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentToPool[agentID] = poolID
}

// UnbindAgent clears the agent's pool routing. Called on agent_stopped.
func (r *Registry) UnbindAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agentToPool, agentID)
}

// PoolForAgent returns the pool id an agent is bound to.
func (r *Registry) PoolForAgent(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.agentToPool[agentID]
	return id, ok
}

// ConnectedDaemons returns the ids of all daemons with a live control
// channel.
func (r *Registry) ConnectedDaemons() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.daemons))
	for id := range r.daemons {
		ids = append(ids, id)
	}
	return ids
}

// SnapshotDeadHandles returns every handle matching the predicate across
// all three connection maps, without removing anything. Callers close the
// returned handles outside the registry lock; the close paths then remove
// the entries. Used by shutdown (predicate always true) and by reapers.
func (r *Registry) SnapshotDeadHandles(pred func(ch Channel) bool) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Channel
	for _, ch := range r.daemons {
		if pred(ch) {
			out = append(out, ch)
		}
	}
	for _, ch := range r.pools {
		if pred(ch) {
			out = append(out, ch)
		}
	}
	for _, ch := range r.terminals {
		if pred(ch) {
			out = append(out, ch)
		}
	}
	return out
}
