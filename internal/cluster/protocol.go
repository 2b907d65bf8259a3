package cluster

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Control channel message types. Every frame on the daemon control channel
// is a JSON object with a "type" field; unknown types are logged and
// ignored by the receiver.
const (
	// Inbound (daemon -> cluster)
	TypeDaemonRegister = "daemon_register"
	TypeHeartbeat      = "heartbeat"
	TypeAgentRegister  = "agent_register"
	TypeAgentStopped   = "agent_stopped"

	// Outbound (cluster -> daemon)
	TypeRegisterAck      = "register_ack"
	TypeAgentRegisterAck = "agent_register_ack"
	TypeAgentStop        = "agent_stop"
	TypeAgentExec        = "agent_exec"
	TypeVSCodeLaunch     = "vscode_launch"
	TypeGetScrollback    = "get_scrollback"
	TypeTerminalInput    = "terminal_input"
	TypeError            = "error"
)

// Envelope carries just the discriminator so a frame can be routed to the
// right variant before full decoding.
type Envelope struct {
	Type string `json:"type"`
}

// AgentAnnounce is the per-agent entry inside a daemon_register message.
type AgentAnnounce struct {
	ID              string             `json:"id"`
	Status          AgentStatus        `json:"status"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	PTYConnectionID string             `json:"pty_connection_id,omitempty"`
}

// DaemonRegisterMsg opens a control session.
type DaemonRegisterMsg struct {
	Type        string          `json:"type"`
	DaemonID    string          `json:"daemon_id"`
	Hostname    string          `json:"hostname"`
	Platform    string          `json:"platform"`
	Version     string          `json:"version"`
	BindAddress string          `json:"bind_address,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Agents      []AgentAnnounce `json:"agents"`
}

// AgentHeartbeat is the per-agent entry inside a heartbeat message.
type AgentHeartbeat struct {
	ID      string             `json:"id"`
	Status  AgentStatus        `json:"status"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// HeartbeatMsg reports daemon liveness plus batched agent status updates.
type HeartbeatMsg struct {
	Type           string           `json:"type"`
	DaemonID       string           `json:"daemon_id"`
	Timestamp      time.Time        `json:"timestamp"`
	Agents         []AgentHeartbeat `json:"agents,omitempty"`
	PTYConnections []string         `json:"pty_connections,omitempty"`
}

// AgentRegisterMsg announces a newly started agent.
type AgentRegisterMsg struct {
	Type            string            `json:"type"`
	AgentID         string            `json:"agent_id"`
	DaemonID        string            `json:"daemon_id"`
	PID             int               `json:"pid"`
	CWD             string            `json:"cwd"`
	Command         string            `json:"command"`
	Env             map[string]string `json:"env,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	PTYConnectionID string            `json:"pty_connection_id"`
	Timestamp       time.Time         `json:"timestamp"`
}

// AgentStoppedMsg reports an agent's terminal event.
type AgentStoppedMsg struct {
	Type       string    `json:"type"`
	AgentID    string    `json:"agent_id"`
	ExitCode   int       `json:"exit_code"`
	Signal     *int      `json:"signal,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	LastOutput []string  `json:"last_output,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Reconciliation is the server's verdict on the agent list a daemon
// presented at registration, relative to what the store already held.
type Reconciliation struct {
	NewAgents      []string `json:"new_agents"`
	StoppedAgents  []string `json:"stopped_agents"`
	ExistingAgents []string `json:"existing_agents"`
}

// RegisterAckMsg completes the control handshake.
type RegisterAckMsg struct {
	Type                      string         `json:"type"`
	DaemonID                  string         `json:"daemon_id"`
	SessionToken              string         `json:"session_token"`
	HeartbeatInterval         int            `json:"heartbeat_interval"` // seconds
	MaxAgentsPerPTYConnection int            `json:"max_agents_per_pty_connection"`
	Reconciliation            Reconciliation `json:"reconciliation"`
}

// AgentRegisterAckMsg tells the daemon which pool channel to attach the
// agent's PTY stream to. Replayed acks for the same agent are identical.
type AgentRegisterAckMsg struct {
	Type     string `json:"type"`
	AgentID  string `json:"agent_id"`
	PTYWSURL string `json:"pty_ws_url"`
}

// ErrorMsg reports a per-message failure (e.g. an ownership conflict) on
// the control channel without closing it.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Intent is a typed command the cluster asks a daemon to perform on one of
// its agents. Exactly one variant field is set, matching Kind.
type Intent struct {
	Kind           string
	AgentID        string
	Force          bool              // agent_stop
	TimeoutSeconds int               // agent_stop, agent_exec
	Command        string            // agent_exec
	CWD            string            // agent_exec
	Env            map[string]string // agent_exec
	Port           int               // vscode_launch
	AuthToken      string            // vscode_launch
	Lines          int               // get_scrollback
	Data           []byte            // terminal_input, raw bytes
}

// AgentStopIntent asks the daemon to stop an agent.
func AgentStopIntent(agentID string, force bool, timeoutSeconds int) Intent {
	return Intent{Kind: TypeAgentStop, AgentID: agentID, Force: force, TimeoutSeconds: timeoutSeconds}
}

// AgentExecIntent asks the daemon to run a command in an agent's context.
func AgentExecIntent(agentID, command, cwd string, env map[string]string, timeoutSeconds int) Intent {
	return Intent{Kind: TypeAgentExec, AgentID: agentID, Command: command, CWD: cwd, Env: env, TimeoutSeconds: timeoutSeconds}
}

// VSCodeLaunchIntent asks the daemon to start a VS Code server for an agent.
func VSCodeLaunchIntent(agentID string, port int, authToken string) Intent {
	return Intent{Kind: TypeVSCodeLaunch, AgentID: agentID, Port: port, AuthToken: authToken}
}

// ScrollbackIntent asks the daemon for the last n lines of an agent's PTY
// ring buffer.
func ScrollbackIntent(agentID string, lines int) Intent {
	return Intent{Kind: TypeGetScrollback, AgentID: agentID, Lines: lines}
}

// TerminalInputIntent forwards raw keystrokes to an agent's PTY.
func TerminalInputIntent(agentID string, data []byte) Intent {
	return Intent{Kind: TypeTerminalInput, AgentID: agentID, Data: data}
}

// MarshalIntent encodes an intent as a control channel frame. Terminal
// input bytes are hex-encoded so arbitrary binary survives the JSON
// envelope; DecodeTerminalData is the inverse.
func MarshalIntent(it Intent) ([]byte, error) {
	var v any
	switch it.Kind {
	case TypeAgentStop:
		v = struct {
			Type           string `json:"type"`
			AgentID        string `json:"agent_id"`
			Force          bool   `json:"force"`
			TimeoutSeconds int    `json:"timeout_seconds"`
		}{it.Kind, it.AgentID, it.Force, it.TimeoutSeconds}
	case TypeAgentExec:
		v = struct {
			Type           string            `json:"type"`
			AgentID        string            `json:"agent_id"`
			Command        string            `json:"command"`
			CWD            string            `json:"cwd,omitempty"`
			Env            map[string]string `json:"env,omitempty"`
			TimeoutSeconds int               `json:"timeout_seconds"`
		}{it.Kind, it.AgentID, it.Command, it.CWD, it.Env, it.TimeoutSeconds}
	case TypeVSCodeLaunch:
		v = struct {
			Type      string `json:"type"`
			AgentID   string `json:"agent_id"`
			Port      int    `json:"port"`
			AuthToken string `json:"auth_token"`
		}{it.Kind, it.AgentID, it.Port, it.AuthToken}
	case TypeGetScrollback:
		v = struct {
			Type    string `json:"type"`
			AgentID string `json:"agent_id"`
			Lines   int    `json:"lines"`
		}{it.Kind, it.AgentID, it.Lines}
	case TypeTerminalInput:
		v = struct {
			Type    string `json:"type"`
			AgentID string `json:"agent_id"`
			Data    string `json:"data"`
		}{it.Kind, it.AgentID, hex.EncodeToString(it.Data)}
	default:
		return nil, fmt.Errorf("unknown intent kind %q", it.Kind)
	}
	return json.Marshal(v)
}

// DecodeTerminalData recovers the raw bytes from a terminal_input data field.
func DecodeTerminalData(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode terminal data: %w", err)
	}
	return b, nil
}
