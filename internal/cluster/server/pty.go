package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/zackees/agentfleet/internal/cluster"
	"github.com/zackees/agentfleet/internal/metrics"
)

// ptyHeaderLen is the fixed frame header on pool channels: a 16-byte
// big-endian agent UUID. Everything after it is opaque PTY payload.
const ptyHeaderLen = 16

// intentDispatcher routes browser keystrokes back to the owning daemon.
type intentDispatcher interface {
	DispatchIntent(ctx context.Context, agentID string, it cluster.Intent) error
}

// PTYRouter fans PTY traffic between daemon-side pool channels (one pool
// carries several agents) and per-agent browser terminals. It shares the
// Registry with the control path and never buffers payload: the daemon's
// ring buffer is the system of record for history.
type PTYRouter struct {
	registry *Registry
	dispatch intentDispatcher
	log      *slog.Logger
}

// NewPTYRouter creates a router over the shared registry.
func NewPTYRouter(reg *Registry, dispatch intentDispatcher, log *slog.Logger) *PTYRouter {
	return &PTYRouter{registry: reg, dispatch: dispatch, log: log}
}

// HandlePoolFrame demultiplexes one binary frame from a pool channel to
// the agent's browser terminal. Frames shorter than the header are dropped
// and logged but are not protocol-fatal; a frame of exactly header length
// delivers an empty payload. Frames for agents with no open terminal are
// discarded silently.
func (p *PTYRouter) HandlePoolFrame(poolID string, frame []byte) {
	if len(frame) < ptyHeaderLen {
		metrics.PTYFramesTotal.WithLabelValues("short").Inc()
		p.log.Warn("dropping short pty frame", "pool_id", poolID, "len", len(frame))
		return
	}

	agentID, err := uuid.FromBytes(frame[:ptyHeaderLen])
	if err != nil {
		metrics.PTYFramesTotal.WithLabelValues("short").Inc()
		p.log.Warn("dropping pty frame with invalid agent id", "pool_id", poolID, "error", err)
		return
	}
	payload := frame[ptyHeaderLen:]

	term, ok := p.registry.LookupTerminal(agentID.String())
	if !ok {
		// No browser attached; the daemon keeps scrollback.
		metrics.PTYFramesTotal.WithLabelValues("no_terminal").Inc()
		return
	}

	if err := term.SendBinary(payload); err != nil {
		metrics.PTYFramesTotal.WithLabelValues("write_failed").Inc()
		p.log.Debug("terminal write failed, closing terminal",
			"agent_id", agentID.String(), "error", err)
		if p.registry.RemoveTerminal(agentID.String(), term) {
			metrics.TerminalChannels.Dec()
		}
		term.Close("write failed")
		return
	}
	metrics.PTYFramesTotal.WithLabelValues("forwarded").Inc()
	metrics.PTYBytesTotal.Add(float64(len(payload)))
}

// HandleTerminalInput routes raw keystrokes from a browser terminal to the
// agent's daemon as a terminal_input intent (hex-encoded inside the JSON
// control envelope). If the daemon is not connected the frame is dropped
// and logged; the browser gets no explicit NAK.
func (p *PTYRouter) HandleTerminalInput(ctx context.Context, agentID string, data []byte) {
	err := p.dispatch.DispatchIntent(ctx, agentID, cluster.TerminalInputIntent(agentID, data))
	if err != nil {
		if errors.Is(err, ErrDaemonUnavailable) || IsNotFound(err) {
			p.log.Warn("dropping terminal input, daemon unavailable",
				"agent_id", agentID, "len", len(data))
			return
		}
		p.log.Warn("terminal input dispatch failed", "agent_id", agentID, "error", err)
		return
	}
	metrics.TerminalInputBytes.Add(float64(len(data)))
}
