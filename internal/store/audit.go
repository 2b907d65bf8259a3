package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/zackees/agentfleet/internal/cluster"
)

// AppendAuditEvent records an operator action. Audit events are append-only
// and never mutated.
func (s *Store) AppendAuditEvent(ctx context.Context, ev *cluster.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, operator_id, event_type, agent_id, payload, result, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.OperatorID, ev.EventType, nullable(ev.AgentID),
		marshalJSON(ev.Payload), ev.Result, fmtTime(ev.Timestamp))
	return wrapErr("append audit event", err)
}

// ListAuditEvents returns the most recent events, newest first.
func (s *Store) ListAuditEvents(ctx context.Context, limit int) ([]*cluster.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operator_id, event_type, agent_id, payload, result, timestamp
		FROM audit_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr("list audit events", err)
	}
	defer rows.Close()

	var out []*cluster.AuditEvent
	for rows.Next() {
		var ev cluster.AuditEvent
		var agentID sql.NullString
		var payloadRaw, ts string
		if err := rows.Scan(&ev.ID, &ev.OperatorID, &ev.EventType, &agentID, &payloadRaw, &ev.Result, &ts); err != nil {
			return nil, wrapErr("list audit events", err)
		}
		ev.AgentID = agentID.String
		_ = json.Unmarshal([]byte(payloadRaw), &ev.Payload)
		ev.Timestamp = parseTime(ts)
		out = append(out, &ev)
	}
	return out, wrapErr("list audit events", rows.Err())
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
