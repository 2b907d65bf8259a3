// Package web exposes the thin operator HTTP API: fleet inspection and
// intent dispatch. Operator calls receive structured errors with a stable
// kind code; tokens are never echoed back.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/zackees/agentfleet/internal/auth"
	"github.com/zackees/agentfleet/internal/cluster"
	"github.com/zackees/agentfleet/internal/cluster/server"
	"github.com/zackees/agentfleet/internal/store"
)

// APIStore is the subset of store.Store the API reads and writes.
type APIStore interface {
	GetAgent(ctx context.Context, id string) (*cluster.Agent, error)
	ListAgents(ctx context.Context, f store.AgentFilter) ([]*cluster.Agent, error)
	ListDaemons(ctx context.Context) ([]*cluster.Daemon, error)
	ListSessions(ctx context.Context) ([]*cluster.Session, error)
	CreateBinding(ctx context.Context, b *cluster.TelegramBinding) error
	DeleteBinding(ctx context.Context, chatID int64, agentID string) error
	ListBindings(ctx context.Context, chatID int64) ([]*cluster.TelegramBinding, error)
	AppendAuditEvent(ctx context.Context, ev *cluster.AuditEvent) error
	ListAuditEvents(ctx context.Context, limit int) ([]*cluster.AuditEvent, error)
}

// Dispatcher routes intents onto daemon control channels.
type Dispatcher interface {
	DispatchIntent(ctx context.Context, agentID string, it cluster.Intent) error
}

// Tokens issues and validates operator sessions.
type Tokens interface {
	IssueToken(ctx context.Context, operatorID string, typ cluster.SessionType, scopes []string) (string, error)
	ValidateToken(ctx context.Context, token string) (*cluster.Session, error)
}

// API is the operator-facing HTTP surface.
type API struct {
	store          APIStore
	dispatch       Dispatcher
	tokens         Tokens
	bootstrapToken string
	log            *slog.Logger
}

// New creates the API. bootstrapToken additionally authorizes session
// issuance (POST /api/sessions) so the first operator can log in.
func New(st APIStore, d Dispatcher, t Tokens, bootstrapToken string, log *slog.Logger) *API {
	return &API{store: st, dispatch: d, tokens: t, bootstrapToken: bootstrapToken, log: log.With("component", "api")}
}

// Mount registers all API routes on the mux.
func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /api/agents", a.withSession(a.handleListAgents))
	mux.HandleFunc("GET /api/agents/{id}", a.withSession(a.handleGetAgent))
	mux.HandleFunc("GET /api/daemons", a.withSession(a.handleListDaemons))
	mux.HandleFunc("GET /api/sessions", a.withSession(a.handleListSessions))
	mux.HandleFunc("GET /api/audit", a.withSession(a.handleListAudit))
	mux.HandleFunc("GET /api/bindings", a.withSession(a.handleListBindings))
	mux.HandleFunc("POST /api/bindings", a.withSession(a.handleCreateBinding))
	mux.HandleFunc("DELETE /api/bindings", a.withSession(a.handleDeleteBinding))
	mux.HandleFunc("POST /api/agents/{id}/stop", a.withSession(a.handleAgentStop))
	mux.HandleFunc("POST /api/agents/{id}/exec", a.withSession(a.handleAgentExec))
	mux.HandleFunc("POST /api/agents/{id}/scrollback", a.withSession(a.handleScrollback))
	mux.HandleFunc("POST /api/agents/{id}/vscode", a.withSession(a.handleVSCode))
}

// apiError is the structured error envelope. Kind is a stable code the UI
// can switch on; Message is human-readable and never contains tokens.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, apiError{Kind: kind, Message: msg})
}

// writeDispatchError maps dispatch failures onto the error taxonomy.
func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "agent not found")
	case errors.Is(err, server.ErrDaemonUnavailable):
		writeError(w, http.StatusServiceUnavailable, "daemon_unavailable", "daemon has no live control channel")
	case errors.Is(err, server.ErrBackpressureDrop):
		writeError(w, http.StatusServiceUnavailable, "backpressure_drop", "daemon control channel is congested, retry")
	case errors.Is(err, store.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "storage backend unavailable, retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *cluster.Session)

// withSession authenticates the request's bearer token.
func (a *API) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		sess, err := a.tokens.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid session token")
			return
		}
		next(w, r, sess)
	}
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	got := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.bootstrapToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bootstrap token required")
		return
	}
	var req struct {
		OperatorID string   `json:"operator_id"`
		Type       string   `json:"type"`
		Scopes     []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OperatorID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "operator_id is required")
		return
	}
	typ := cluster.SessionType(req.Type)
	if typ == "" {
		typ = cluster.SessionWeb
	}
	token, err := a.tokens.IssueToken(r.Context(), req.OperatorID, typ, req.Scopes)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request, _ *cluster.Session) {
	f := store.AgentFilter{
		DaemonID: r.URL.Query().Get("daemon_id"),
		Status:   cluster.AgentStatus(r.URL.Query().Get("status")),
	}
	agents, err := a.store.ListAgents(r.Context(), f)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request, _ *cluster.Session) {
	agent, err := a.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleListDaemons(w http.ResponseWriter, r *http.Request, _ *cluster.Session) {
	daemons, err := a.store.ListDaemons(r.Context())
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, daemons)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request, _ *cluster.Session) {
	sessions, err := a.store.ListSessions(r.Context())
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request, _ *cluster.Session) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evs, err := a.store.ListAuditEvents(r.Context(), limit)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (a *API) handleListBindings(w http.ResponseWriter, r *http.Request, _ *cluster.Session) {
	chatID, _ := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
	bindings, err := a.store.ListBindings(r.Context(), chatID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bindings)
}

func (a *API) handleCreateBinding(w http.ResponseWriter, r *http.Request, sess *cluster.Session) {
	var req struct {
		ChatID  int64  `json:"chat_id"`
		AgentID string `json:"agent_id"`
		Mode    string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == 0 || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "chat_id and agent_id are required")
		return
	}
	mode := cluster.BindingMode(req.Mode)
	if mode == "" {
		mode = cluster.BindingObserver
	}
	b := &cluster.TelegramBinding{
		ID:         uuid.NewString(),
		ChatID:     req.ChatID,
		AgentID:    req.AgentID,
		OperatorID: sess.OperatorID,
		Mode:       mode,
	}
	if err := a.store.CreateBinding(r.Context(), b); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) handleDeleteBinding(w http.ResponseWriter, r *http.Request, _ *cluster.Session) {
	chatID, _ := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
	agentID := r.URL.Query().Get("agent_id")
	if chatID == 0 || agentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "chat_id and agent_id are required")
		return
	}
	if err := a.store.DeleteBinding(r.Context(), chatID, agentID); err != nil {
		writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAgentStop(w http.ResponseWriter, r *http.Request, sess *cluster.Session) {
	var req struct {
		Force          bool `json:"force"`
		TimeoutSeconds int  `json:"timeout_seconds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 30
	}
	agentID := r.PathValue("id")
	it := cluster.AgentStopIntent(agentID, req.Force, req.TimeoutSeconds)
	a.dispatchAndAudit(w, r, sess, agentID, it, map[string]any{
		"force": req.Force, "timeout_seconds": req.TimeoutSeconds,
	})
}

func (a *API) handleAgentExec(w http.ResponseWriter, r *http.Request, sess *cluster.Session) {
	var req struct {
		Command        string            `json:"command"`
		CWD            string            `json:"cwd"`
		Env            map[string]string `json:"env"`
		TimeoutSeconds int               `json:"timeout_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "command is required")
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 60
	}
	agentID := r.PathValue("id")
	it := cluster.AgentExecIntent(agentID, req.Command, req.CWD, req.Env, req.TimeoutSeconds)
	a.dispatchAndAudit(w, r, sess, agentID, it, map[string]any{"command": req.Command})
}

func (a *API) handleScrollback(w http.ResponseWriter, r *http.Request, sess *cluster.Session) {
	var req struct {
		Lines int `json:"lines"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Lines <= 0 {
		req.Lines = 200
	}
	agentID := r.PathValue("id")
	a.dispatchAndAudit(w, r, sess, agentID, cluster.ScrollbackIntent(agentID, req.Lines),
		map[string]any{"lines": req.Lines})
}

func (a *API) handleVSCode(w http.ResponseWriter, r *http.Request, sess *cluster.Session) {
	var req struct {
		Port      int    `json:"port"`
		AuthToken string `json:"auth_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Port == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "port is required")
		return
	}
	agentID := r.PathValue("id")
	it := cluster.VSCodeLaunchIntent(agentID, req.Port, req.AuthToken)
	// Audit payload deliberately omits the auth token.
	a.dispatchAndAudit(w, r, sess, agentID, it, map[string]any{"port": req.Port})
}

// dispatchAndAudit routes an intent, records the outcome in the audit
// trail, and answers the caller.
func (a *API) dispatchAndAudit(w http.ResponseWriter, r *http.Request, sess *cluster.Session, agentID string, it cluster.Intent, payload map[string]any) {
	err := a.dispatch.DispatchIntent(r.Context(), agentID, it)

	result := "success"
	if err != nil {
		result = "error"
	}
	audit := &cluster.AuditEvent{
		OperatorID: sess.OperatorID,
		EventType:  it.Kind,
		AgentID:    agentID,
		Payload:    payload,
		Result:     result,
	}
	if auditErr := a.store.AppendAuditEvent(r.Context(), audit); auditErr != nil {
		a.log.Warn("audit append failed", "event_type", it.Kind, "error", auditErr)
	}

	if err != nil {
		a.log.Warn("intent dispatch failed", "kind", it.Kind, "agent_id", agentID, "error", err)
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}
