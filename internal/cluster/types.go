// Package cluster defines the domain model shared by the control plane:
// daemons, the agents they supervise, operator sessions, chat bindings,
// and the staleness classification applied to agent heartbeats.
package cluster

import "time"

// AgentStatus is the daemon-reported lifecycle state of an agent process.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentIdle    AgentStatus = "idle"
	AgentError   AgentStatus = "error"
	AgentStopped AgentStatus = "stopped" // terminal and sticky; a restarted process gets a new id
)

// Staleness classifies how recently an agent's daemon has reported on it.
// It is derived from now - last_heartbeat on every read; the persisted
// column is only a write-through cache.
type Staleness string

const (
	StalenessFresh        Staleness = "fresh"
	StalenessStale        Staleness = "stale"
	StalenessDisconnected Staleness = "disconnected"
)

// Default staleness thresholds. Configurable, but the fresh < stale <
// disconnected ordering is invariant.
const (
	DefaultFreshFor = 15 * time.Second
	DefaultStaleFor = 90 * time.Second
)

// ClassifyStaleness applies the three-band rule: fresh iff age < freshFor,
// stale iff freshFor <= age < staleFor, disconnected iff age >= staleFor.
// Both lower bounds are inclusive.
func ClassifyStaleness(age, freshFor, staleFor time.Duration) Staleness {
	switch {
	case age < freshFor:
		return StalenessFresh
	case age < staleFor:
		return StalenessStale
	default:
		return StalenessDisconnected
	}
}

// DaemonStatus is the cluster-side view of a daemon's control channel.
type DaemonStatus string

const (
	DaemonConnected    DaemonStatus = "connected"
	DaemonDisconnected DaemonStatus = "disconnected"
	DaemonError        DaemonStatus = "error"
)

// Agent is the cluster's view of a tracked interactive process. The owning
// daemon is the authoritative source; every field here is a snapshot of
// what the daemon last reported.
type Agent struct {
	ID                   string             `json:"id"`
	DaemonID             string             `json:"daemon_id"` // immutable once set
	Hostname             string             `json:"hostname"`
	PID                  int                `json:"pid"`
	CWD                  string             `json:"cwd"`
	Command              string             `json:"command"`
	Status               AgentStatus        `json:"status"`
	Staleness            Staleness          `json:"staleness"`
	Capabilities         []string           `json:"capabilities,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	LastHeartbeat        time.Time          `json:"last_heartbeat"`
	StoppedAt            *time.Time         `json:"stopped_at,omitempty"`
	DaemonReportedStatus AgentStatus        `json:"daemon_reported_status,omitempty"`
	DaemonReportedAt     time.Time          `json:"daemon_reported_at"`
	Metrics              map[string]float64 `json:"metrics,omitempty"` // cpu, memory, uptime, pty byte counters
}

// Daemon describes a registered developer-machine daemon.
type Daemon struct {
	ID          string       `json:"id"`
	Hostname    string       `json:"hostname"`
	Platform    string       `json:"platform"`
	Version     string       `json:"version"`
	BindAddress string       `json:"bind_address,omitempty"`
	Status      DaemonStatus `json:"status"`
	AgentCount  int          `json:"agent_count"`
	CreatedAt   time.Time    `json:"created_at"`
	LastSeen    time.Time    `json:"last_seen"`
}

// BindingMode controls what a chat binding may do with its agent.
type BindingMode string

const (
	BindingActive   BindingMode = "active"
	BindingObserver BindingMode = "observer"
)

// TelegramBinding links a chat to an agent. At most one binding exists per
// (chat id, agent id) pair.
type TelegramBinding struct {
	ID         string      `json:"id"`
	ChatID     int64       `json:"chat_id"`
	AgentID    string      `json:"agent_id"`
	OperatorID string      `json:"operator_id"`
	Mode       BindingMode `json:"mode"`
	CreatedAt  time.Time   `json:"created_at"`
}

// SessionType identifies how an operator session was established.
type SessionType string

const (
	SessionWeb      SessionType = "web"
	SessionTelegram SessionType = "telegram"
	SessionAPI      SessionType = "api"
)

// Session is an authenticated operator context. The token is opaque and is
// never included in listing responses.
type Session struct {
	ID         string      `json:"id"`
	OperatorID string      `json:"operator_id"`
	Type       SessionType `json:"type"`
	Token      string      `json:"-"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Scopes     []string    `json:"scopes,omitempty"`
}

// AuditEvent is an append-only record of an operator-initiated action.
type AuditEvent struct {
	ID         string         `json:"id"`
	OperatorID string         `json:"operator_id"`
	EventType  string         `json:"event_type"`
	AgentID    string         `json:"agent_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Result     string         `json:"result"` // "success" or "error"
	Timestamp  time.Time      `json:"timestamp"`
}
