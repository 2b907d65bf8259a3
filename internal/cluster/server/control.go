package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zackees/agentfleet/internal/cluster"
	"github.com/zackees/agentfleet/internal/events"
	"github.com/zackees/agentfleet/internal/metrics"
	"github.com/zackees/agentfleet/internal/store"
)

// ControlStore is the subset of store.Store the control path needs.
// Defined as an interface for dependency injection, matching the pattern
// used by the web package.
type ControlStore interface {
	UpsertDaemon(ctx context.Context, d *cluster.Daemon) error
	GetDaemon(ctx context.Context, id string) (*cluster.Daemon, error)
	TouchDaemon(ctx context.Context, id string) error
	MarkDaemonDisconnected(ctx context.Context, id string) error
	GetAgent(ctx context.Context, id string) (*cluster.Agent, error)
	UpsertAgent(ctx context.Context, a *cluster.Agent) error
	MarkAgentStopped(ctx context.Context, id string, exitCode int, reason string) error
	ReconcileDaemonAgents(ctx context.Context, daemonID string, live []string) (*store.ReconcileResult, error)
	UpdateHeartbeat(ctx context.Context, agentID string, reported cluster.AgentStatus, m map[string]float64) error
}

// TokenIssuer is the opaque token capability wired into register_ack.
type TokenIssuer interface {
	IssueToken(ctx context.Context, operatorID string, typ cluster.SessionType, scopes []string) (string, error)
}

// sessionState tracks the control protocol state machine.
type sessionState int

const (
	stateAwaitReg sessionState = iota
	stateLive
	stateDead
)

// errProtocol marks violations that close the channel (wrong first message,
// malformed frames, missing required fields).
var errProtocol = errors.New("protocol violation")

// storeRetries bounds internal retries on heartbeat-path store errors.
// Heartbeat failures are otherwise swallowed: staleness degrades to
// disconnected on its own if the store stays down.
const storeRetries = 3

// ControlSession is the server half of one daemon control channel. All
// message handling runs on the channel's read goroutine; only the outbound
// queue is touched from other goroutines.
type ControlSession struct {
	store    ControlStore
	registry *Registry
	bus      *events.Bus
	tokens   TokenIssuer
	log      *slog.Logger

	ch                Channel
	externalBaseURL   string
	heartbeatInterval time.Duration
	maxAgentsPerPool  int

	state    sessionState
	daemonID string
	hostname string

	// counted is set when this session Inc'd the connected-daemons gauge,
	// so teardown balances it even after being superseded.
	counted bool
}

func newControlSession(ch Channel, st ControlStore, reg *Registry, bus *events.Bus, tokens TokenIssuer, externalBaseURL string, heartbeatInterval time.Duration, maxAgentsPerPool int, log *slog.Logger) *ControlSession {
	return &ControlSession{
		store:             st,
		registry:          reg,
		bus:               bus,
		tokens:            tokens,
		log:               log,
		ch:                ch,
		externalBaseURL:   externalBaseURL,
		heartbeatInterval: heartbeatInterval,
		maxAgentsPerPool:  maxAgentsPerPool,
		state:             stateAwaitReg,
	}
}

// HandleMessage processes one inbound control frame. A returned error is a
// protocol violation and transitions the session to DEAD (the caller closes
// the channel); per-message failures that keep the channel alive are
// reported on the channel itself.
func (s *ControlSession) HandleMessage(ctx context.Context, data []byte) error {
	var env cluster.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed frame: %v: %w", err, errProtocol)
	}

	if s.state == stateAwaitReg {
		if env.Type != cluster.TypeDaemonRegister {
			return fmt.Errorf("expected %s, got %q: %w", cluster.TypeDaemonRegister, env.Type, errProtocol)
		}
		return s.handleRegister(ctx, data)
	}

	switch env.Type {
	case cluster.TypeHeartbeat:
		return s.handleHeartbeat(ctx, data)
	case cluster.TypeAgentRegister:
		return s.handleAgentRegister(ctx, data)
	case cluster.TypeAgentStopped:
		return s.handleAgentStopped(ctx, data)
	case cluster.TypeDaemonRegister:
		// Re-registration on a live channel is treated as reconciliation.
		return s.handleRegister(ctx, data)
	default:
		s.log.Warn("unknown control message type", "daemon_id", s.daemonID, "type", env.Type)
		return nil
	}
}

// handleRegister moves AWAIT_REG -> LIVE: persists the daemon, reconciles
// its agent list, acks with a fresh session token, and announces the
// connection on the bus.
func (s *ControlSession) handleRegister(ctx context.Context, data []byte) error {
	var msg cluster.DaemonRegisterMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed daemon_register: %v: %w", err, errProtocol)
	}
	if msg.DaemonID == "" {
		return fmt.Errorf("daemon_register missing daemon_id: %w", errProtocol)
	}
	if s.state == stateLive && msg.DaemonID != s.daemonID {
		// A channel speaks for exactly one daemon for its whole lifetime;
		// switching ids would leave a stale registry entry behind.
		return fmt.Errorf("daemon_register for %q on a channel owned by %q: %w",
			msg.DaemonID, s.daemonID, errProtocol)
	}

	d := &cluster.Daemon{
		ID:          msg.DaemonID,
		Hostname:    msg.Hostname,
		Platform:    msg.Platform,
		Version:     msg.Version,
		BindAddress: msg.BindAddress,
	}
	if err := s.store.UpsertDaemon(ctx, d); err != nil {
		return fmt.Errorf("register daemon %s: %w", msg.DaemonID, err)
	}

	liveIDs := make([]string, 0, len(msg.Agents))
	for _, a := range msg.Agents {
		liveIDs = append(liveIDs, a.ID)
	}
	rec, err := s.store.ReconcileDaemonAgents(ctx, msg.DaemonID, liveIDs)
	if err != nil {
		return fmt.Errorf("reconcile daemon %s: %w", msg.DaemonID, err)
	}

	// Announced agents the store has never seen are created here, not on
	// some later per-agent registration: the ack's reconciliation verdict
	// and the store must agree the moment the handshake completes.
	newIDs := make(map[string]bool, len(rec.New))
	for _, id := range rec.New {
		newIDs[id] = true
	}
	for _, a := range msg.Agents {
		if !newIDs[a.ID] {
			continue
		}
		err := s.store.UpsertAgent(ctx, &cluster.Agent{
			ID:       a.ID,
			DaemonID: msg.DaemonID,
			Hostname: msg.Hostname,
			Status:   a.Status,
			Metrics:  a.Metrics,
		})
		if err != nil {
			return fmt.Errorf("create announced agent %s: %w", a.ID, err)
		}
	}

	// Announced agents keep their pool routing across daemon reconnects.
	for _, a := range msg.Agents {
		if a.PTYConnectionID != "" {
			s.registry.BindAgentToPool(a.ID, a.PTYConnectionID)
		}
	}

	token, err := s.tokens.IssueToken(ctx, msg.DaemonID, cluster.SessionAPI, []string{"daemon"})
	if err != nil {
		return fmt.Errorf("issue session token: %w", err)
	}

	ack := cluster.RegisterAckMsg{
		Type:                      cluster.TypeRegisterAck,
		DaemonID:                  msg.DaemonID,
		SessionToken:              token,
		HeartbeatInterval:         int(s.heartbeatInterval.Seconds()),
		MaxAgentsPerPTYConnection: s.maxAgentsPerPool,
		Reconciliation: cluster.Reconciliation{
			NewAgents:      rec.New,
			StoppedAgents:  rec.Stopped,
			ExistingAgents: rec.Existing,
		},
	}
	if err := s.sendJSON(ack); err != nil {
		return fmt.Errorf("send register_ack: %w", err)
	}

	first := s.state == stateAwaitReg
	s.daemonID = msg.DaemonID
	s.hostname = msg.Hostname
	s.state = stateLive
	if first {
		s.registry.RegisterDaemonChannel(msg.DaemonID, s.ch)
		metrics.DaemonsConnected.Inc()
		s.counted = true
	}

	s.log.Info("daemon registered", "daemon_id", msg.DaemonID,
		"hostname", msg.Hostname, "agents", len(msg.Agents),
		"reconciled_stopped", len(rec.Stopped))

	if snap, err := s.store.GetDaemon(ctx, msg.DaemonID); err == nil {
		s.bus.Publish(events.Event{Type: events.DaemonConnected, Daemon: snap})
	}
	// Reconciliation stopped agents exactly once; tell subscribers.
	for _, id := range rec.Stopped {
		if agent, err := s.store.GetAgent(ctx, id); err == nil {
			s.bus.Publish(events.Event{Type: events.AgentStopped, Agent: agent})
		}
	}
	return nil
}

// handleHeartbeat ingests daemon liveness plus batched agent updates.
// Store failures here are logged and swallowed after bounded retries.
func (s *ControlSession) handleHeartbeat(ctx context.Context, data []byte) error {
	var msg cluster.HeartbeatMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed heartbeat", "daemon_id", s.daemonID, "error", err)
		return nil
	}
	metrics.HeartbeatsTotal.Inc()

	if err := s.withRetry(func() error { return s.store.TouchDaemon(ctx, s.daemonID) }); err != nil {
		s.log.Warn("heartbeat: touch daemon failed", "daemon_id", s.daemonID, "error", err)
	}

	for _, hb := range msg.Agents {
		err := s.withRetry(func() error {
			return s.store.UpdateHeartbeat(ctx, hb.ID, hb.Status, hb.Metrics)
		})
		if err != nil {
			s.log.Warn("heartbeat: agent update failed",
				"daemon_id", s.daemonID, "agent_id", hb.ID, "error", err)
			continue
		}
		if agent, err := s.store.GetAgent(ctx, hb.ID); err == nil {
			s.bus.Publish(events.Event{Type: events.AgentUpdated, Agent: agent})
		}
	}
	return nil
}

// handleAgentRegister announces a new agent: persists it, binds it to its
// pool, and acks with the pool channel URL the daemon should attach to.
// Replays for the same agent produce the identical ack.
func (s *ControlSession) handleAgentRegister(ctx context.Context, data []byte) error {
	var msg cluster.AgentRegisterMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed agent_register: %v: %w", err, errProtocol)
	}
	if msg.AgentID == "" || msg.PTYConnectionID == "" {
		return fmt.Errorf("agent_register missing agent_id or pty_connection_id: %w", errProtocol)
	}

	agent := &cluster.Agent{
		ID:           msg.AgentID,
		DaemonID:     s.daemonID,
		Hostname:     s.hostname,
		PID:          msg.PID,
		CWD:          msg.CWD,
		Command:      msg.Command,
		Capabilities: msg.Capabilities,
		Status:       cluster.AgentRunning,
	}
	if err := s.store.UpsertAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrOwnershipConflict) {
			// Reject without mutating anything and keep the channel alive.
			s.log.Warn("agent ownership conflict",
				"daemon_id", s.daemonID, "agent_id", msg.AgentID, "error", err)
			return s.sendJSON(cluster.ErrorMsg{
				Type:    cluster.TypeError,
				Message: fmt.Sprintf("agent %s is owned by a different daemon", msg.AgentID),
			})
		}
		return fmt.Errorf("upsert agent %s: %w", msg.AgentID, err)
	}

	s.registry.BindAgentToPool(msg.AgentID, msg.PTYConnectionID)

	ack := cluster.AgentRegisterAckMsg{
		Type:     cluster.TypeAgentRegisterAck,
		AgentID:  msg.AgentID,
		PTYWSURL: fmt.Sprintf("%s/ws/pty/%s", s.externalBaseURL, msg.PTYConnectionID),
	}
	if err := s.sendJSON(ack); err != nil {
		return fmt.Errorf("send agent_register_ack: %w", err)
	}

	s.log.Info("agent registered", "daemon_id", s.daemonID,
		"agent_id", msg.AgentID, "pool_id", msg.PTYConnectionID, "pid", msg.PID)

	if snap, err := s.store.GetAgent(ctx, msg.AgentID); err == nil {
		s.bus.Publish(events.Event{Type: events.AgentRegister, Agent: snap})
	}
	return nil
}

// handleAgentStopped records an agent's terminal event and clears its pool
// routing.
func (s *ControlSession) handleAgentStopped(ctx context.Context, data []byte) error {
	var msg cluster.AgentStoppedMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed agent_stopped: %v: %w", err, errProtocol)
	}
	if msg.AgentID == "" {
		return fmt.Errorf("agent_stopped missing agent_id: %w", errProtocol)
	}

	if err := s.store.MarkAgentStopped(ctx, msg.AgentID, msg.ExitCode, msg.Reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn("agent_stopped for unknown agent",
				"daemon_id", s.daemonID, "agent_id", msg.AgentID)
			return nil
		}
		return fmt.Errorf("mark agent stopped %s: %w", msg.AgentID, err)
	}
	s.registry.UnbindAgent(msg.AgentID)

	s.log.Info("agent stopped", "daemon_id", s.daemonID,
		"agent_id", msg.AgentID, "exit_code", msg.ExitCode, "reason", msg.Reason)

	if snap, err := s.store.GetAgent(ctx, msg.AgentID); err == nil {
		s.bus.Publish(events.Event{Type: events.AgentStopped, Agent: snap})
	}
	return nil
}

// teardown runs exactly once when the session leaves LIVE (channel close,
// read error, or protocol violation). It is the DEAD-state hook: registry
// entry removed, daemon marked disconnected, disconnect broadcast.
func (s *ControlSession) teardown(ctx context.Context) {
	if s.state == stateDead {
		return
	}
	wasLive := s.state == stateLive
	s.state = stateDead
	if !wasLive {
		return
	}

	// Every session that Inc'd the gauge Decs it exactly once, superseded
	// or not.
	if s.counted {
		metrics.DaemonsConnected.Dec()
	}

	// Only remove if the registry still points at us; a superseding
	// session must survive its predecessor's teardown.
	if !s.registry.RemoveDaemonChannel(s.daemonID, s.ch) {
		// Superseded: the daemon has a newer live session, so it is not
		// disconnected.
		return
	}

	if err := s.store.MarkDaemonDisconnected(ctx, s.daemonID); err != nil {
		s.log.Warn("mark daemon disconnected failed", "daemon_id", s.daemonID, "error", err)
	}
	s.log.Info("daemon disconnected", "daemon_id", s.daemonID)

	if snap, err := s.store.GetDaemon(ctx, s.daemonID); err == nil {
		s.bus.Publish(events.Event{Type: events.DaemonDisconnected, Daemon: snap})
	} else {
		s.bus.Publish(events.Event{Type: events.DaemonDisconnected,
			Daemon: &cluster.Daemon{ID: s.daemonID, Status: cluster.DaemonDisconnected}})
	}
}

func (s *ControlSession) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.ch.Send(data)
}

func (s *ControlSession) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < storeRetries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, store.ErrBackendUnavailable) {
			return err
		}
	}
	return err
}
