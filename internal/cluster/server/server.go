package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zackees/agentfleet/internal/cluster"
	"github.com/zackees/agentfleet/internal/config"
	"github.com/zackees/agentfleet/internal/events"
	"github.com/zackees/agentfleet/internal/metrics"
)

// sessionValidator authenticates operator tokens on browser-facing
// channels (terminals, event subscriptions).
type sessionValidator interface {
	ValidateToken(ctx context.Context, token string) (*cluster.Session, error)
}

// Server owns the WebSocket accept surface: one control channel per
// daemon, pool channels carrying multiplexed PTY output, per-agent browser
// terminals, and event subscription channels. All components are explicit
// dependencies; a test may host several Servers in one process.
type Server struct {
	store    ControlStore
	registry *Registry
	router   *PTYRouter
	bus      *events.Bus
	tokens   TokenIssuer
	sessions sessionValidator
	cfg      *config.Config
	log      *slog.Logger

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server. Call Handler() to mount it and Shutdown() to drain.
func New(st ControlStore, bus *events.Bus, tokens TokenIssuer, sessions sessionValidator, cfg *config.Config, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:    st,
		registry: NewRegistry(log.With("component", "registry")),
		bus:      bus,
		tokens:   tokens,
		sessions: sessions,
		cfg:      cfg,
		log:      log.With("component", "cluster-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.router = NewPTYRouter(s.registry, s, log.With("component", "pty-router"))
	return s
}

// Registry exposes the connection indices for external inspection.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the WebSocket mux for this server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/daemon", s.handleDaemonWS)
	mux.HandleFunc("GET /ws/pty/{pool_id}", s.handlePoolWS)
	mux.HandleFunc("GET /ws/terminal/{agent_id}", s.handleTerminalWS)
	mux.HandleFunc("GET /ws/events", s.handleEventsWS)
	return mux
}

// Shutdown drains the accept surface: cancels every channel read task,
// marks each live daemon disconnected, and closes all event subscribers.
// The HTTP listener itself is stopped by the caller.
func (s *Server) Shutdown(ctx context.Context) {
	s.cancel()

	connected := s.registry.ConnectedDaemons()
	for _, ch := range s.registry.SnapshotDeadHandles(func(Channel) bool { return true }) {
		ch.Close("server shutting down")
	}
	for _, id := range connected {
		if err := s.store.MarkDaemonDisconnected(ctx, id); err != nil {
			s.log.Warn("shutdown: mark daemon disconnected failed", "daemon_id", id, "error", err)
		}
	}
	s.bus.CloseAll()
	s.log.Info("cluster server drained", "daemons", len(connected))
}

// checkBootstrapToken guards the daemon-facing endpoints. A missing or
// wrong token is a protocol violation: the connection is refused before
// the session reaches AWAIT_REG.
func (s *Server) checkBootstrapToken(w http.ResponseWriter, r *http.Request) bool {
	got := r.URL.Query().Get("token")
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.BootstrapToken)) != 1 {
		s.log.Warn("rejected connection with bad bootstrap token",
			"path", r.URL.Path, "remote", r.RemoteAddr)
		http.Error(w, "invalid bootstrap token", http.StatusUnauthorized)
		return false
	}
	return true
}

// checkOperatorToken guards the browser-facing endpoints.
func (s *Server) checkOperatorToken(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if _, err := s.sessions.ValidateToken(r.Context(), token); err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return false
	}
	return true
}

// handleDaemonWS runs one daemon control session for the lifetime of the
// connection. The read goroutine owns all state transitions; disconnect
// hooks run in the deferred teardown no matter how the loop exits.
func (s *Server) handleDaemonWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkBootstrapToken(w, r) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("control channel upgrade failed", "error", err)
		return
	}

	ch := newWSChannel(conn, s.cfg.SendQueueDepth, s.log)
	sess := newControlSession(ch, s.store, s.registry, s.bus, s.tokens,
		s.cfg.ExternalBaseURL, s.cfg.HeartbeatInterval, s.cfg.MaxAgentsPerPool,
		s.log.With("component", "control-session"))

	defer func() {
		sess.teardown(context.WithoutCancel(s.ctx))
		ch.Close("session ended")
	}()

	stop := context.AfterFunc(s.ctx, func() { ch.Close("server shutting down") })
	defer stop()

	err = ch.readLoop(s.cfg.HandshakeTimeout, func(messageType int, data []byte) error {
		if messageType != websocket.TextMessage {
			return errors.New("control channel frames must be text")
		}
		return sess.HandleMessage(s.ctx, data)
	})
	if err != nil {
		switch {
		case sess.state == stateAwaitReg && os.IsTimeout(err):
			ch.Close("handshake timeout")
		case errors.Is(err, errProtocol):
			s.log.Warn("control protocol violation", "daemon_id", sess.daemonID, "error", err)
			ch.Close("protocol error")
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			// clean disconnect
		default:
			s.log.Debug("control channel read ended", "daemon_id", sess.daemonID, "error", err)
		}
	}
}

// handlePoolWS accepts one PTY pool channel from a daemon and demuxes its
// frames to browser terminals. Pool ids survive reconnects, so only the
// channel entry is removed on close; AgentToPool bindings stay.
func (s *Server) handlePoolWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkBootstrapToken(w, r) {
		return
	}
	poolID := r.PathValue("pool_id")
	if poolID == "" {
		http.Error(w, "missing pool id", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("pool channel upgrade failed", "pool_id", poolID, "error", err)
		return
	}

	ch := newWSChannel(conn, s.cfg.SendQueueDepth, s.log)
	s.registry.RegisterPool(poolID, ch)
	metrics.PoolChannels.Inc()
	s.log.Info("pool channel connected", "pool_id", poolID)

	defer func() {
		if s.registry.RemovePool(poolID, ch) {
			metrics.PoolChannels.Dec()
		}
		ch.Close("pool closed")
		s.log.Info("pool channel closed", "pool_id", poolID)
	}()

	stop := context.AfterFunc(s.ctx, func() { ch.Close("server shutting down") })
	defer stop()

	_ = ch.readLoop(pongWait, func(messageType int, data []byte) error {
		if messageType != websocket.BinaryMessage {
			// Non-binary frames on a pool channel carry nothing; ignore.
			return nil
		}
		s.router.HandlePoolFrame(poolID, data)
		return nil
	})
}

// handleTerminalWS attaches a browser terminal to an agent. Outbound
// frames are raw PTY output; inbound frames are raw keystrokes wrapped
// into terminal_input intents.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkOperatorToken(w, r) {
		return
	}
	agentID := r.PathValue("agent_id")
	if agentID == "" {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetAgent(r.Context(), agentID); err != nil {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("terminal upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	ch := newWSChannel(conn, s.cfg.SendQueueDepth, s.log)
	s.registry.RegisterTerminal(agentID, ch)
	metrics.TerminalChannels.Inc()
	s.log.Info("terminal attached", "agent_id", agentID)

	defer func() {
		if s.registry.RemoveTerminal(agentID, ch) {
			metrics.TerminalChannels.Dec()
		}
		ch.Close("terminal closed")
		s.log.Info("terminal detached", "agent_id", agentID)
	}()

	stop := context.AfterFunc(s.ctx, func() { ch.Close("server shutting down") })
	defer stop()

	_ = ch.readLoop(pongWait, func(messageType int, data []byte) error {
		if messageType != websocket.BinaryMessage {
			return nil
		}
		s.router.HandleTerminalInput(s.ctx, agentID, data)
		return nil
	})
}

// handleEventsWS streams state-change events to a browser. Inbound frames
// are ignored; they only prove liveness.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkOperatorToken(w, r) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("events upgrade failed", "error", err)
		return
	}

	ch := newWSChannel(conn, s.cfg.SendQueueDepth, s.log)
	sub, cancel := s.bus.Subscribe()
	defer cancel()

	stop := context.AfterFunc(s.ctx, func() { ch.Close("server shutting down") })
	defer stop()
	defer ch.Close("events closed")

	// Drain bus events onto the wire. The bus drops us if we block past
	// its send deadline; the browser then reconnects and refreshes.
	go func() {
		for evt := range sub {
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := ch.Send(data); err != nil {
				ch.Close("subscriber stalled")
				return
			}
		}
		ch.Close("bus closed")
	}()

	_ = ch.readLoop(pongWait, func(int, []byte) error { return nil })
}

// ListenAndServe mounts the handler on addr and serves until ctx is
// cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context, addr string, extra func(mux *http.ServeMux)) error {
	mux := http.NewServeMux()
	mux.Handle("/ws/", s.Handler())
	if extra != nil {
		extra(mux)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("cluster server listening", "addr", lis.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.Shutdown(context.WithoutCancel(ctx))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
