// Package bus implements the internal agent message bus: a registry of
// cooperating software agents plus a store-and-forward queue addressed
// by agent id or role. Delivery to role broadcasts is at-least-once;
// consumers tolerate duplicate reads because the status ladder only
// moves forward.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ospray/ospray-server/internal/errs"
)

// Store is the durable record interface for the bus. Status advances
// are conditional updates so duplicate broadcast consumers converge.
type Store interface {
	UpsertAgent(ctx context.Context, a *AgentInfo) error
	GetAgent(ctx context.Context, id string) (*AgentInfo, error)
	SetAgentActive(ctx context.Context, id string, active bool) error
	TouchAgent(ctx context.Context, id string, at time.Time) error
	// DeactivateStaleAgents marks agents inactive whose heartbeat is
	// older than the cutoff. Returns the ids deactivated.
	DeactivateStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error)
	InsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// ListForAgent returns messages addressed directly to the agent or
	// broadcast to its role, newest first.
	ListForAgent(ctx context.Context, agentID, role string, f InboxFilter) ([]Message, error)
	// AdvanceStatus moves a message along the status ladder only when
	// its current status is in from.
	AdvanceStatus(ctx context.Context, id string, from []MessageStatus, to MessageStatus) (bool, error)
	// ExpireQueued marks queued messages past their expiry as expired
	// and returns the count.
	ExpireQueued(ctx context.Context, now time.Time) (int, error)
	InsertSubscription(ctx context.Context, s *Subscription) error
	ListSubscriptions(ctx context.Context, agentID string) ([]Subscription, error)
}

// Event is a lightweight notification that a message hit the bus.
// Consumers still fetch the message body through the inbox.
type Event struct {
	MessageID     string
	Type          MessageType
	RecipientID   string
	BroadcastRole string
}

const eventBuffer = 256

type Service struct {
	store  Store
	events chan Event
}

func NewService(store Store) *Service {
	return &Service{
		store:  store,
		events: make(chan Event, eventBuffer),
	}
}

// Events exposes the send-notification stream. The channel is bounded;
// when no consumer keeps up, notifications are dropped and the inbox
// remains the source of truth.
func (s *Service) Events() <-chan Event {
	return s.events
}

func (s *Service) emit(e Event) {
	select {
	case s.events <- e:
	default:
		slog.Debug("Bus event dropped, buffer full", "message_id", e.MessageID)
	}
}

// RegisterAgent upserts a registry row and refreshes the heartbeat.
// Re-registration is not an error.
func (s *Service) RegisterAgent(ctx context.Context, id, role, agentType string, capabilities, handledTypes []string) (*AgentInfo, error) {
	if id == "" || role == "" {
		return nil, fmt.Errorf("%w: agent id and role are required", errs.ErrValidation)
	}
	a := &AgentInfo{
		ID:            id,
		Role:          role,
		Type:          agentType,
		Capabilities:  capabilities,
		HandledTypes:  handledTypes,
		Active:        true,
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}
	if err := s.store.UpsertAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}
	slog.Info("Agent registered", "agent_id", id, "role", role, "type", agentType)
	return a, nil
}

// UnregisterAgent marks the agent inactive. Its message history is kept.
func (s *Service) UnregisterAgent(ctx context.Context, id string) error {
	if _, err := s.store.GetAgent(ctx, id); err != nil {
		return err
	}
	if err := s.store.SetAgentActive(ctx, id, false); err != nil {
		return fmt.Errorf("failed to unregister agent: %w", err)
	}
	slog.Info("Agent unregistered", "agent_id", id)
	return nil
}

func (s *Service) Heartbeat(ctx context.Context, id string) error {
	if err := s.store.TouchAgent(ctx, id, time.Now()); err != nil {
		return fmt.Errorf("failed to record agent heartbeat: %w", err)
	}
	return nil
}

func (s *Service) GetAgent(ctx context.Context, id string) (*AgentInfo, error) {
	return s.store.GetAgent(ctx, id)
}

// SendMessage validates addressing, persists the message in queued
// status, and returns its id. Send failures are always synchronous.
func (s *Service) SendMessage(ctx context.Context, m *Message) (string, error) {
	if m.SenderID == "" || m.SenderRole == "" {
		return "", fmt.Errorf("%w: message sender id and role are required", errs.ErrValidation)
	}
	if m.RecipientID == "" && m.RecipientRole == "" && m.BroadcastRole == "" {
		return "", fmt.Errorf("%w: message needs a recipient or a broadcast role", errs.ErrValidation)
	}
	if m.Type == "" {
		return "", fmt.Errorf("%w: message type is required", errs.ErrValidation)
	}
	m.ID = uuid.New().String()
	m.Status = MessageQueued
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	if err := s.store.InsertMessage(ctx, m); err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	slog.Debug("message_sent",
		"message_id", m.ID,
		"type", m.Type,
		"sender", m.SenderID,
		"recipient", m.RecipientID,
		"broadcast_role", m.BroadcastRole)
	s.emit(Event{
		MessageID:     m.ID,
		Type:          m.Type,
		RecipientID:   m.RecipientID,
		BroadcastRole: m.BroadcastRole,
	})
	return m.ID, nil
}

// BroadcastToRole addresses the message to every active holder of role.
func (s *Service) BroadcastToRole(ctx context.Context, role string, m *Message) (string, error) {
	if role == "" {
		return "", fmt.Errorf("%w: broadcast role is required", errs.ErrValidation)
	}
	m.RecipientID = ""
	m.RecipientRole = ""
	m.BroadcastRole = role
	return s.SendMessage(ctx, m)
}

// GetMessagesForAgent returns messages addressed directly to the agent
// or broadcast to its registered role, newest first.
func (s *Service) GetMessagesForAgent(ctx context.Context, agentID string, f InboxFilter) ([]Message, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	msgs, err := s.store.ListForAgent(ctx, agentID, a.Role, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func (s *Service) MarkAsDelivered(ctx context.Context, id string) error {
	return s.advance(ctx, id, []MessageStatus{MessageQueued}, MessageDelivered, "message_delivered")
}

func (s *Service) MarkAsRead(ctx context.Context, id string) error {
	return s.advance(ctx, id, []MessageStatus{MessageQueued, MessageDelivered}, MessageRead, "message_read")
}

// MarkAsProcessed is idempotent: a duplicate broadcast consumer marking
// an already-processed message gets a no-op success.
func (s *Service) MarkAsProcessed(ctx context.Context, id string) error {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == MessageProcessed {
		return nil
	}
	return s.advance(ctx, id, []MessageStatus{MessageQueued, MessageDelivered, MessageRead}, MessageProcessed, "message_processed")
}

func (s *Service) advance(ctx context.Context, id string, from []MessageStatus, to MessageStatus, event string) error {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.store.AdvanceStatus(ctx, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to advance message status: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: message %s is %s, cannot move to %s", errs.ErrStateConflict, id, m.Status, to)
	}
	slog.Debug(event, "message_id", id)
	return nil
}

// Subscribe records a standing interest filter for the agent.
func (s *Service) Subscribe(ctx context.Context, agentID string, sub Subscription) (*Subscription, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	sub.ID = uuid.New().String()
	sub.AgentID = agentID
	sub.CreatedAt = time.Now()
	if err := s.store.InsertSubscription(ctx, &sub); err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}
	return &sub, nil
}

func (s *Service) GetSubscriptions(ctx context.Context, agentID string) ([]Subscription, error) {
	return s.store.ListSubscriptions(ctx, agentID)
}

// ExpireMessages marks queued messages past their expiry. Runs on a
// fixed interval, independent of request traffic.
func (s *Service) ExpireMessages(ctx context.Context) int {
	n, err := s.store.ExpireQueued(ctx, time.Now())
	if err != nil {
		slog.Error("Message expiration sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("Expired queued messages", "count", n)
	}
	return n
}

// SweepAgentLiveness marks agents inactive when their heartbeat is older
// than threshold. In-flight messages addressed to them are untouched;
// broadcasts to their role still reach the remaining role-holders.
func (s *Service) SweepAgentLiveness(ctx context.Context, threshold time.Duration) int {
	ids, err := s.store.DeactivateStaleAgents(ctx, time.Now().Add(-threshold))
	if err != nil {
		slog.Error("Agent liveness sweep failed", "error", err)
		return 0
	}
	for _, id := range ids {
		slog.Warn("Agent heartbeat stale, marked inactive", "agent_id", id)
	}
	return len(ids)
}
