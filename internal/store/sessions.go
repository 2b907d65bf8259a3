package store

import (
	"context"
	"encoding/json"

	"github.com/zackees/agentfleet/internal/cluster"
)

// CreateSession persists an authenticated operator context.
func (s *Store) CreateSession(ctx context.Context, sess *cluster.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, operator_id, type, token, expires_at, scopes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OperatorID, string(sess.Type), sess.Token,
		fmtTime(sess.ExpiresAt), marshalJSON(sess.Scopes))
	return wrapErr("create session", err)
}

// GetSessionByToken resolves a token to its session. Expiry is checked by
// the caller against the shared clock.
func (s *Store) GetSessionByToken(ctx context.Context, token string) (*cluster.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operator_id, type, token, expires_at, scopes
		FROM sessions WHERE token = ?`, token)

	var sess cluster.Session
	var typ, expiresAt, scopesRaw string
	if err := row.Scan(&sess.ID, &sess.OperatorID, &typ, &sess.Token, &expiresAt, &scopesRaw); err != nil {
		return nil, wrapErr("get session by token", err)
	}
	sess.Type = cluster.SessionType(typ)
	sess.ExpiresAt = parseTime(expiresAt)
	_ = json.Unmarshal([]byte(scopesRaw), &sess.Scopes)
	return &sess, nil
}

// DeleteSession removes a session by id.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return wrapErr("delete session", err)
}

// DeleteExpiredSessions reaps sessions whose expiry has passed. Run by the
// background sweeper.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, fmtTime(s.Now()))
	if err != nil {
		return 0, wrapErr("delete expired sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListSessions returns all sessions. Tokens are never included.
func (s *Store) ListSessions(ctx context.Context) ([]*cluster.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operator_id, type, expires_at, scopes FROM sessions ORDER BY expires_at`)
	if err != nil {
		return nil, wrapErr("list sessions", err)
	}
	defer rows.Close()

	var out []*cluster.Session
	for rows.Next() {
		var sess cluster.Session
		var typ, expiresAt, scopesRaw string
		if err := rows.Scan(&sess.ID, &sess.OperatorID, &typ, &expiresAt, &scopesRaw); err != nil {
			return nil, wrapErr("list sessions", err)
		}
		sess.Type = cluster.SessionType(typ)
		sess.ExpiresAt = parseTime(expiresAt)
		_ = json.Unmarshal([]byte(scopesRaw), &sess.Scopes)
		out = append(out, &sess)
	}
	return out, wrapErr("list sessions", rows.Err())
}
