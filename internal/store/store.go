// Package store persists the cluster's durable state -- agents, daemons,
// operator sessions, chat bindings, and the audit trail -- in SQLite.
// Staleness is derived from last_heartbeat on every read; the persisted
// staleness column is a write-through cache and is never trusted across
// restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zackees/agentfleet/internal/clock"
	"github.com/zackees/agentfleet/internal/cluster"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOwnershipConflict is returned when an agent upsert names a daemon
	// other than the one that first registered the agent.
	ErrOwnershipConflict = errors.New("agent owned by a different daemon")

	// ErrBackendUnavailable wraps transient database failures. Callers on
	// best-effort paths may retry.
	ErrBackendUnavailable = errors.New("store backend unavailable")
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	daemon_id TEXT NOT NULL,
	hostname TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	cwd TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	capabilities TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL,
	stopped_at TEXT,
	staleness TEXT NOT NULL,
	daemon_reported_status TEXT NOT NULL DEFAULT '',
	daemon_reported_at TEXT NOT NULL DEFAULT '',
	metrics TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_agents_daemon ON agents(daemon_id);
CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents(last_heartbeat);

CREATE TABLE IF NOT EXISTS daemons (
	id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	bind_address TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	agent_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_seen TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS telegram_bindings (
	id TEXT PRIMARY KEY,
	chat_id INTEGER NOT NULL,
	agent_id TEXT NOT NULL,
	operator_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bindings_chat_agent ON telegram_bindings(chat_id, agent_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	operator_id TEXT NOT NULL,
	type TEXT NOT NULL,
	token TEXT NOT NULL UNIQUE,
	expires_at TEXT NOT NULL,
	scopes TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);

CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	operator_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	agent_id TEXT,
	payload TEXT NOT NULL DEFAULT '{}',
	result TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
`

// Store wraps a SQLite database for cluster persistence.
type Store struct {
	db  *sql.DB
	clk clock.Clock
	log *slog.Logger

	// Staleness thresholds. fresh < FreshFor, stale < StaleFor, else
	// disconnected. The three-band ordering is invariant.
	freshFor time.Duration
	staleFor time.Duration
}

// Options tunes a Store. Zero values take defaults.
type Options struct {
	Clock    clock.Clock
	FreshFor time.Duration
	StaleFor time.Duration
}

// Open creates or opens a SQLite database at the given path and applies
// the schema.
func Open(path string, log *slog.Logger, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent callers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		clk:      opts.Clock,
		log:      log,
		freshFor: opts.FreshFor,
		staleFor: opts.StaleFor,
	}
	if s.clk == nil {
		s.clk = clock.Real{}
	}
	if s.freshFor == 0 {
		s.freshFor = cluster.DefaultFreshFor
	}
	if s.staleFor == 0 {
		s.staleFor = cluster.DefaultStaleFor
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Now exposes the store's clock so callers share one time source.
func (s *Store) Now() time.Time {
	return s.clk.Now().UTC()
}

// staleness applies the band rule to an agent. Stopped agents always read
// as disconnected: their daemon no longer reports on them.
func (s *Store) staleness(status cluster.AgentStatus, lastHeartbeat time.Time) cluster.Staleness {
	if status == cluster.AgentStopped {
		return cluster.StalenessDisconnected
	}
	return cluster.ClassifyStaleness(s.Now().Sub(lastHeartbeat), s.freshFor, s.staleFor)
}

// fmtTime / parseTime: all timestamps are persisted as RFC3339Nano UTC text.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// wrapErr classifies a database error. sql.ErrNoRows maps to ErrNotFound;
// everything else is treated as a transient backend failure.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrBackendUnavailable)
}
