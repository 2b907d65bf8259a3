package store

import (
	"context"

	"github.com/zackees/agentfleet/internal/cluster"
)

// CreateBinding links a chat to an agent. At most one binding exists per
// (chat id, agent id): re-creating an existing pair updates the operator
// and mode in place.
func (s *Store) CreateBinding(ctx context.Context, b *cluster.TelegramBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telegram_bindings (id, chat_id, agent_id, operator_id, mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, agent_id) DO UPDATE SET
			operator_id = excluded.operator_id,
			mode = excluded.mode`,
		b.ID, b.ChatID, b.AgentID, b.OperatorID, string(b.Mode), fmtTime(s.Now()))
	return wrapErr("create binding", err)
}

// DeleteBinding removes the binding for a (chat id, agent id) pair.
func (s *Store) DeleteBinding(ctx context.Context, chatID int64, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM telegram_bindings WHERE chat_id = ? AND agent_id = ?`, chatID, agentID)
	return wrapErr("delete binding", err)
}

// GetBinding returns the binding for a (chat id, agent id) pair.
func (s *Store) GetBinding(ctx context.Context, chatID int64, agentID string) (*cluster.TelegramBinding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, agent_id, operator_id, mode, created_at
		FROM telegram_bindings WHERE chat_id = ? AND agent_id = ?`, chatID, agentID)
	b, err := scanBinding(row)
	if err != nil {
		return nil, wrapErr("get binding", err)
	}
	return b, nil
}

// ListBindings returns all bindings, optionally filtered by chat id
// (chatID == 0 matches all).
func (s *Store) ListBindings(ctx context.Context, chatID int64) ([]*cluster.TelegramBinding, error) {
	q := `SELECT id, chat_id, agent_id, operator_id, mode, created_at FROM telegram_bindings`
	var args []any
	if chatID != 0 {
		q += ` WHERE chat_id = ?`
		args = append(args, chatID)
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("list bindings", err)
	}
	defer rows.Close()

	var out []*cluster.TelegramBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, wrapErr("list bindings", err)
		}
		out = append(out, b)
	}
	return out, wrapErr("list bindings", rows.Err())
}

// ListBindingsByAgent returns every chat bound to an agent. Used by the
// notification relay on agent state changes.
func (s *Store) ListBindingsByAgent(ctx context.Context, agentID string) ([]*cluster.TelegramBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, agent_id, operator_id, mode, created_at
		FROM telegram_bindings WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, wrapErr("list bindings by agent", err)
	}
	defer rows.Close()

	var out []*cluster.TelegramBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, wrapErr("list bindings by agent", err)
		}
		out = append(out, b)
	}
	return out, wrapErr("list bindings by agent", rows.Err())
}

func scanBinding(r rowScanner) (*cluster.TelegramBinding, error) {
	var b cluster.TelegramBinding
	var mode, createdAt string
	if err := r.Scan(&b.ID, &b.ChatID, &b.AgentID, &b.OperatorID, &mode, &createdAt); err != nil {
		return nil, err
	}
	b.Mode = cluster.BindingMode(mode)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}
