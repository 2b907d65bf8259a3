package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zackees/agentfleet/internal/cluster"
)

// UpsertDaemon inserts or updates a daemon record, marking it connected
// and bumping last_seen to now.
func (s *Store) UpsertDaemon(ctx context.Context, d *cluster.Daemon) error {
	now := s.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daemons (id, hostname, platform, version, bind_address, status, agent_count, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			platform = excluded.platform,
			version = excluded.version,
			bind_address = excluded.bind_address,
			status = excluded.status,
			last_seen = excluded.last_seen`,
		d.ID, d.Hostname, d.Platform, d.Version, d.BindAddress,
		string(cluster.DaemonConnected), fmtTime(now), fmtTime(now))
	return wrapErr("upsert daemon", err)
}

// TouchDaemon bumps last_seen without changing anything else. Called on
// every heartbeat.
func (s *Store) TouchDaemon(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE daemons SET last_seen = ? WHERE id = ?`,
		fmtTime(s.Now()), id)
	if err != nil {
		return wrapErr("touch daemon", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch daemon %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDaemonDisconnected flips a daemon to disconnected and updates
// last_seen.
func (s *Store) MarkDaemonDisconnected(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE daemons SET status = ?, last_seen = ? WHERE id = ?`,
		string(cluster.DaemonDisconnected), fmtTime(s.Now()), id)
	if err != nil {
		return wrapErr("mark daemon disconnected", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark daemon disconnected %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetDaemon returns a daemon by id. The agent count is answered by a live
// query rather than a stored back-pointer.
func (s *Store) GetDaemon(ctx context.Context, id string) (*cluster.Daemon, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.hostname, d.platform, d.version, d.bind_address, d.status, d.created_at, d.last_seen,
			(SELECT COUNT(*) FROM agents a WHERE a.daemon_id = d.id AND a.status != ?)
		FROM daemons d WHERE d.id = ?`,
		string(cluster.AgentStopped), id)
	d, err := scanDaemon(row)
	if err != nil {
		return nil, wrapErr("get daemon", err)
	}
	return d, nil
}

// ListDaemons returns all daemons with live agent counts.
func (s *Store) ListDaemons(ctx context.Context) ([]*cluster.Daemon, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.hostname, d.platform, d.version, d.bind_address, d.status, d.created_at, d.last_seen,
			(SELECT COUNT(*) FROM agents a WHERE a.daemon_id = d.id AND a.status != ?)
		FROM daemons d ORDER BY d.created_at`,
		string(cluster.AgentStopped))
	if err != nil {
		return nil, wrapErr("list daemons", err)
	}
	defer rows.Close()

	var out []*cluster.Daemon
	for rows.Next() {
		d, err := scanDaemon(rows)
		if err != nil {
			return nil, wrapErr("list daemons", err)
		}
		out = append(out, d)
	}
	return out, wrapErr("list daemons", rows.Err())
}

func scanDaemon(r rowScanner) (*cluster.Daemon, error) {
	var d cluster.Daemon
	var status, createdAt, lastSeen string
	var bindAddr sql.NullString
	err := r.Scan(&d.ID, &d.Hostname, &d.Platform, &d.Version, &bindAddr,
		&status, &createdAt, &lastSeen, &d.AgentCount)
	if err != nil {
		return nil, err
	}
	d.BindAddress = bindAddr.String
	d.Status = cluster.DaemonStatus(status)
	d.CreatedAt = parseTime(createdAt)
	d.LastSeen = parseTime(lastSeen)
	return &d, nil
}
