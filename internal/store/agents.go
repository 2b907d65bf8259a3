package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/zackees/agentfleet/internal/cluster"
)

const agentColumns = `id, daemon_id, hostname, pid, cwd, command, status, capabilities,
	created_at, updated_at, last_heartbeat, stopped_at, staleness,
	daemon_reported_status, daemon_reported_at, metrics`

// AgentFilter narrows ListAgents. Zero values match everything.
type AgentFilter struct {
	DaemonID string
	Status   cluster.AgentStatus
}

// GetAgent returns a single agent with freshly recomputed staleness.
func (s *Store) GetAgent(ctx context.Context, id string) (*cluster.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := s.scanAgent(row)
	if err != nil {
		return nil, wrapErr("get agent", err)
	}
	return a, nil
}

// ListAgents returns agents matching the filter, each with freshly
// recomputed staleness.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]*cluster.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if f.DaemonID != "" {
		q += ` AND daemon_id = ?`
		args = append(args, f.DaemonID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("list agents", err)
	}
	defer rows.Close()

	var out []*cluster.Agent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, wrapErr("list agents", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("list agents", rows.Err())
}

// UpsertAgent inserts a new agent or refreshes an existing one. The daemon
// id is immutable once set: a mismatch returns ErrOwnershipConflict and
// mutates nothing. Upserts against a stopped agent are no-ops -- stopped
// is sticky, a restarted process must register under a new id.
func (s *Store) UpsertAgent(ctx context.Context, a *cluster.Agent) error {
	now := s.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("upsert agent", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	var status string
	err = tx.QueryRowContext(ctx, `SELECT daemon_id, status FROM agents WHERE id = ?`, a.ID).Scan(&ownerID, &status)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
			a.ID, a.DaemonID, a.Hostname, a.PID, a.CWD, a.Command,
			string(statusOrDefault(a.Status)), marshalJSON(a.Capabilities),
			fmtTime(now), fmtTime(now), fmtTime(now),
			string(cluster.StalenessFresh),
			string(a.DaemonReportedStatus), fmtTime(now), marshalJSON(a.Metrics))
		if err != nil {
			return wrapErr("insert agent", err)
		}
	case err != nil:
		return wrapErr("upsert agent", err)
	case ownerID != a.DaemonID:
		return fmt.Errorf("agent %s registered to daemon %s, not %s: %w",
			a.ID, ownerID, a.DaemonID, ErrOwnershipConflict)
	case cluster.AgentStatus(status) == cluster.AgentStopped:
		// Sticky terminal state; replayed registrations change nothing.
		return tx.Commit()
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET hostname = ?, pid = ?, cwd = ?, command = ?, status = ?,
				capabilities = ?, updated_at = ?, last_heartbeat = ?, staleness = ?,
				daemon_reported_status = ?, daemon_reported_at = ?, metrics = ?
			WHERE id = ?`,
			a.Hostname, a.PID, a.CWD, a.Command, string(statusOrDefault(a.Status)),
			marshalJSON(a.Capabilities), fmtTime(now), fmtTime(now),
			string(cluster.StalenessFresh),
			string(a.DaemonReportedStatus), fmtTime(now), marshalJSON(a.Metrics),
			a.ID)
		if err != nil {
			return wrapErr("update agent", err)
		}
	}
	return wrapErr("upsert agent", tx.Commit())
}

// MarkAgentStopped transitions an agent to its terminal state. The exit
// code lands in the metrics bag (the schema has no dedicated column); the
// reason is recorded as the daemon-reported status.
func (s *Store) MarkAgentStopped(ctx context.Context, id string, exitCode int, reason string) error {
	now := s.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("mark agent stopped", err)
	}
	defer func() { _ = tx.Rollback() }()

	var metricsRaw string
	err = tx.QueryRowContext(ctx, `SELECT metrics FROM agents WHERE id = ?`, id).Scan(&metricsRaw)
	if err != nil {
		return wrapErr("mark agent stopped", err)
	}

	metrics := map[string]float64{}
	_ = json.Unmarshal([]byte(metricsRaw), &metrics)
	metrics["exit_code"] = float64(exitCode)

	reported := reason
	if reported == "" {
		reported = string(cluster.AgentStopped)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agents SET status = ?, stopped_at = ?, updated_at = ?, staleness = ?,
			daemon_reported_status = ?, daemon_reported_at = ?, metrics = ?
		WHERE id = ?`,
		string(cluster.AgentStopped), fmtTime(now), fmtTime(now),
		string(cluster.StalenessDisconnected),
		reported, fmtTime(now), marshalJSON(metrics), id)
	if err != nil {
		return wrapErr("mark agent stopped", err)
	}
	return wrapErr("mark agent stopped", tx.Commit())
}

// UpdateHeartbeat refreshes an agent from a daemon heartbeat entry: bumps
// last_heartbeat to now, records the daemon-reported status and metrics,
// and resets the cached staleness to fresh. Stopped agents keep their
// terminal status.
func (s *Store) UpdateHeartbeat(ctx context.Context, agentID string, reported cluster.AgentStatus, metrics map[string]float64) error {
	now := s.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			status = CASE WHEN status = ? THEN status ELSE ? END,
			updated_at = ?, last_heartbeat = ?, staleness = ?,
			daemon_reported_status = ?, daemon_reported_at = ?, metrics = ?
		WHERE id = ?`,
		string(cluster.AgentStopped), string(statusOrDefault(reported)),
		fmtTime(now), fmtTime(now), string(cluster.StalenessFresh),
		string(reported), fmtTime(now), marshalJSON(metrics), agentID)
	if err != nil {
		return wrapErr("update heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update heartbeat: agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// ReconcileResult partitions a daemon's live agent list against the store.
type ReconcileResult struct {
	New      []string // in live list, unknown to the store for this daemon
	Stopped  []string // in the store and not terminal, absent from live list
	Existing []string // intersection
}

// ReconcileDaemonAgents converges the stored agent set for a daemon to the
// daemon's authoritative live list, in one transaction. Agents absent from
// the live list are marked stopped as a side effect (exactly once: already
// terminal rows are skipped).
func (s *Store) ReconcileDaemonAgents(ctx context.Context, daemonID string, liveAgentIDs []string) (*ReconcileResult, error) {
	now := s.Now()
	live := make(map[string]bool, len(liveAgentIDs))
	for _, id := range liveAgentIDs {
		live[id] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("reconcile", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, status FROM agents WHERE daemon_id = ?`, daemonID)
	if err != nil {
		return nil, wrapErr("reconcile", err)
	}

	stored := make(map[string]cluster.AgentStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return nil, wrapErr("reconcile", err)
		}
		stored[id] = cluster.AgentStatus(status)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("reconcile", err)
	}

	res := &ReconcileResult{New: []string{}, Stopped: []string{}, Existing: []string{}}
	for _, id := range liveAgentIDs {
		if _, ok := stored[id]; ok {
			res.Existing = append(res.Existing, id)
		} else {
			res.New = append(res.New, id)
		}
	}
	for id, status := range stored {
		if !live[id] && status != cluster.AgentStopped {
			res.Stopped = append(res.Stopped, id)
		}
	}

	for _, id := range res.Stopped {
		_, err := tx.ExecContext(ctx, `
			UPDATE agents SET status = ?, stopped_at = ?, updated_at = ?, staleness = ?
			WHERE id = ?`,
			string(cluster.AgentStopped), fmtTime(now), fmtTime(now),
			string(cluster.StalenessDisconnected), id)
		if err != nil {
			return nil, wrapErr("reconcile", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("reconcile", err)
	}
	return res, nil
}

// RefreshStaleness recomputes the cached staleness column for every
// non-terminal agent and returns the agents whose band changed. The sweeper
// publishes agent_updated for each so browsers converge without polling.
func (s *Store) RefreshStaleness(ctx context.Context) ([]*cluster.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE status != ?`,
		string(cluster.AgentStopped))
	if err != nil {
		return nil, wrapErr("refresh staleness", err)
	}

	var changed []*cluster.Agent
	var updates []struct {
		id   string
		band cluster.Staleness
	}
	for rows.Next() {
		a, cached, err := s.scanAgentWithCached(rows)
		if err != nil {
			rows.Close()
			return nil, wrapErr("refresh staleness", err)
		}
		if a.Staleness != cached {
			changed = append(changed, a)
			updates = append(updates, struct {
				id   string
				band cluster.Staleness
			}{a.ID, a.Staleness})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("refresh staleness", err)
	}

	for _, u := range updates {
		if _, err := s.db.ExecContext(ctx, `UPDATE agents SET staleness = ? WHERE id = ?`,
			string(u.band), u.id); err != nil {
			return nil, wrapErr("refresh staleness", err)
		}
	}
	return changed, nil
}

// CountLiveAgents returns the number of non-stopped agents.
func (s *Store) CountLiveAgents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE status != ?`,
		string(cluster.AgentStopped)).Scan(&n)
	if err != nil {
		return 0, wrapErr("count live agents", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAgent(r rowScanner) (*cluster.Agent, error) {
	a, _, err := s.scanAgentWithCached(r)
	return a, err
}

// scanAgentWithCached decodes an agent row, recomputing staleness from
// last_heartbeat and also returning the cached band that was persisted.
func (s *Store) scanAgentWithCached(r rowScanner) (*cluster.Agent, cluster.Staleness, error) {
	var a cluster.Agent
	var status, capsRaw, createdAt, updatedAt, lastHeartbeat, cachedStaleness string
	var stoppedAt sql.NullString
	var reportedStatus, reportedAt, metricsRaw string

	err := r.Scan(&a.ID, &a.DaemonID, &a.Hostname, &a.PID, &a.CWD, &a.Command,
		&status, &capsRaw, &createdAt, &updatedAt, &lastHeartbeat, &stoppedAt,
		&cachedStaleness, &reportedStatus, &reportedAt, &metricsRaw)
	if err != nil {
		return nil, "", err
	}

	a.Status = cluster.AgentStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.LastHeartbeat = parseTime(lastHeartbeat)
	if stoppedAt.Valid {
		t := parseTime(stoppedAt.String)
		a.StoppedAt = &t
	}
	a.DaemonReportedStatus = cluster.AgentStatus(reportedStatus)
	a.DaemonReportedAt = parseTime(reportedAt)
	_ = json.Unmarshal([]byte(capsRaw), &a.Capabilities)
	_ = json.Unmarshal([]byte(metricsRaw), &a.Metrics)

	a.Staleness = s.staleness(a.Status, a.LastHeartbeat)
	return &a, cluster.Staleness(cachedStaleness), nil
}

func statusOrDefault(st cluster.AgentStatus) cluster.AgentStatus {
	if st == "" {
		return cluster.AgentRunning
	}
	return st
}
