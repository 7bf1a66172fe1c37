package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ospray/ospray-server/internal/bus"
	"github.com/ospray/ospray-server/internal/errs"
)

type BusStore struct {
	pool *pgxpool.Pool
}

func NewBusStore(pool *pgxpool.Pool) *BusStore {
	return &BusStore{pool: pool}
}

func (s *BusStore) UpsertAgent(ctx context.Context, a *bus.AgentInfo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_registry (id, role, type, capabilities, handled_types, active,
			last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			type = EXCLUDED.type,
			capabilities = EXCLUDED.capabilities,
			handled_types = EXCLUDED.handled_types,
			active = true,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		a.ID, a.Role, a.Type, a.Capabilities, a.HandledTypes, a.Active,
		a.LastHeartbeat, a.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func (s *BusStore) GetAgent(ctx context.Context, id string) (*bus.AgentInfo, error) {
	var a bus.AgentInfo
	err := s.pool.QueryRow(ctx, `
		SELECT id, role, type, capabilities, handled_types, active, last_heartbeat, registered_at
		FROM agent_registry WHERE id = $1`, id).
		Scan(&a.ID, &a.Role, &a.Type, &a.Capabilities, &a.HandledTypes, &a.Active,
			&a.LastHeartbeat, &a.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: agent not found", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

func (s *BusStore) SetAgentActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agent_registry SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set agent active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent not found", errs.ErrNotFound)
	}
	return nil
}

func (s *BusStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_registry SET last_heartbeat = $2, active = true WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to touch agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent not found", errs.ErrNotFound)
	}
	return nil
}

func (s *BusStore) DeactivateStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE agent_registry SET active = false
		WHERE active AND last_heartbeat < $1
		RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate stale agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const messageColumns = `id, type, sender_id, sender_role, recipient_id, recipient_role,
	broadcast_role, subject, content, summary, priority, expires_at, status,
	created_at, updated_at`

func scanMessage(row pgx.Row) (*bus.Message, error) {
	var m bus.Message
	err := row.Scan(&m.ID, &m.Type, &m.SenderID, &m.SenderRole, &m.RecipientID,
		&m.RecipientRole, &m.BroadcastRole, &m.Subject, &m.Content, &m.Summary,
		&m.Priority, &m.ExpiresAt, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: message not found", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return &m, nil
}

func (s *BusStore) InsertMessage(ctx context.Context, m *bus.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, type, sender_id, sender_role, recipient_id, recipient_role,
			broadcast_role, subject, content, summary, priority, expires_at, status,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		m.ID, m.Type, m.SenderID, m.SenderRole, m.RecipientID, m.RecipientRole,
		m.BroadcastRole, m.Subject, m.Content, m.Summary, m.Priority, m.ExpiresAt,
		m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *BusStore) GetMessage(ctx context.Context, id string) (*bus.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *BusStore) ListForAgent(ctx context.Context, agentID, role string, f bus.InboxFilter) ([]bus.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE (recipient_id = $1 OR ($2 <> '' AND (recipient_role = $2 OR broadcast_role = $2)))
		  AND ($3 = '' OR type = $3)
		  AND ($4 = '' OR status = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`,
		agentID, role, string(f.Type), string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []bus.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *BusStore) AdvanceStatus(ctx context.Context, id string, from []bus.MessageStatus, to bus.MessageStatus) (bool, error) {
	guards := make([]string, len(from))
	for i, st := range from {
		guards[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, guards)
	if err != nil {
		return false, fmt.Errorf("failed to advance message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *BusStore) ExpireQueued(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = 'expired', updated_at = $1
		WHERE status = 'queued' AND expires_at IS NOT NULL AND expires_at < $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *BusStore) InsertSubscription(ctx context.Context, sub *bus.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_subscriptions (id, agent_id, message_type, from_role, context,
			auto_process, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.AgentID, sub.MessageType, sub.FromRole, sub.Context,
		sub.AutoProcess, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (s *BusStore) ListSubscriptions(ctx context.Context, agentID string) ([]bus.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, message_type, from_role, context, auto_process, created_at
		FROM message_subscriptions WHERE agent_id = $1 ORDER BY created_at`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []bus.Subscription
	for rows.Next() {
		var sub bus.Subscription
		if err := rows.Scan(&sub.ID, &sub.AgentID, &sub.MessageType, &sub.FromRole,
			&sub.Context, &sub.AutoProcess, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
