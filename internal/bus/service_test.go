package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ospray/ospray-server/internal/errs"
)

// fakeStore is a mutex-guarded in-memory Store.
type fakeStore struct {
	mu       sync.Mutex
	agents   map[string]*AgentInfo
	messages map[string]*Message
	order    []string
	subs     map[string][]Subscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:   make(map[string]*AgentInfo),
		messages: make(map[string]*Message),
		subs:     make(map[string][]Subscription),
	}
}

func (f *fakeStore) UpsertAgent(_ context.Context, a *AgentInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *a
	f.agents[a.ID] = &copied
	return nil
}

func (f *fakeStore) GetAgent(_ context.Context, id string) (*AgentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeStore) SetAgentActive(_ context.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return errs.ErrNotFound
	}
	a.Active = active
	return nil
}

func (f *fakeStore) TouchAgent(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return errs.ErrNotFound
	}
	a.LastHeartbeat = at
	a.Active = true
	return nil
}

func (f *fakeStore) DeactivateStaleAgents(_ context.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, a := range f.agents {
		if a.Active && a.LastHeartbeat.Before(cutoff) {
			a.Active = false
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, m *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *m
	f.messages[m.ID] = &copied
	f.order = append(f.order, m.ID)
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (f *fakeStore) ListForAgent(_ context.Context, agentID, role string, filter InboxFilter) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	// Newest first.
	for i := len(f.order) - 1; i >= 0; i-- {
		m := f.messages[f.order[i]]
		addressed := m.RecipientID == agentID ||
			(role != "" && (m.RecipientRole == role || m.BroadcastRole == role))
		if !addressed {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		out = append(out, *m)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) AdvanceStatus(_ context.Context, id string, from []MessageStatus, to MessageStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if m.Status == st {
			m.Status = to
			m.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ExpireQueued(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if m.Status == MessageQueued && m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			m.Status = MessageExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) InsertSubscription(_ context.Context, s *Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[s.AgentID] = append(f.subs[s.AgentID], *s)
	return nil
}

func (f *fakeStore) ListSubscriptions(_ context.Context, agentID string) ([]Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[agentID], nil
}

func TestRegisterAgentIsIdempotent(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, "recon-1", "recon", "scanner", []string{"scan"}, nil)
	require.NoError(t, err)

	// Re-registration refreshes rather than failing.
	a, err := svc.RegisterAgent(ctx, "recon-1", "recon", "scanner-v2", []string{"scan"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "scanner-v2", a.Type)
	assert.True(t, a.Active)
}

func TestRegisterAgentRequiresIDAndRole(t *testing.T) {
	svc := NewService(newFakeStore())

	_, err := svc.RegisterAgent(context.Background(), "", "recon", "", nil, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.RegisterAgent(context.Background(), "a-1", "", "", nil, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestSendMessageValidation(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, &Message{Type: TypeReport, RecipientID: "b"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.SendMessage(ctx, &Message{Type: TypeReport, SenderID: "a", SenderRole: "recon"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.SendMessage(ctx, &Message{SenderID: "a", SenderRole: "recon", RecipientID: "b"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, "exploit-1", "exploit", "", nil, nil)
	require.NoError(t, err)

	id, err := svc.SendMessage(ctx, &Message{
		Type:        TypeTask,
		SenderID:    "planner-1",
		SenderRole:  "planner",
		RecipientID: "exploit-1",
		Subject:     "run scan",
		Content:     map[string]any{"target": "10.0.0.5"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := svc.GetMessagesForAgent(ctx, "exploit-1", InboxFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, MessageQueued, msgs[0].Status)
	assert.Equal(t, "10.0.0.5", msgs[0].Content["target"])
}

func TestSendEmitsEvent(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	id, err := svc.SendMessage(ctx, &Message{
		Type:          TypeAlert,
		SenderID:      "monitor-1",
		SenderRole:    "monitor",
		BroadcastRole: "planner",
	})
	require.NoError(t, err)

	select {
	case e := <-svc.Events():
		assert.Equal(t, id, e.MessageID)
		assert.Equal(t, TypeAlert, e.Type)
		assert.Equal(t, "planner", e.BroadcastRole)
	default:
		t.Fatal("expected an event on the bus stream")
	}
}

func TestBroadcastReachesRoleMembers(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, "recon-1", "recon", "", nil, nil)
	require.NoError(t, err)
	_, err = svc.RegisterAgent(ctx, "recon-2", "recon", "", nil, nil)
	require.NoError(t, err)
	_, err = svc.RegisterAgent(ctx, "exploit-1", "exploit", "", nil, nil)
	require.NoError(t, err)

	_, err = svc.BroadcastToRole(ctx, "recon", &Message{
		Type:       TypeAlert,
		SenderID:   "planner-1",
		SenderRole: "planner",
		Subject:    "halt scanning",
	})
	require.NoError(t, err)

	for _, agentID := range []string{"recon-1", "recon-2"} {
		msgs, err := svc.GetMessagesForAgent(ctx, agentID, InboxFilter{})
		require.NoError(t, err)
		require.Len(t, msgs, 1, "agent %s should see the broadcast", agentID)
		assert.Equal(t, "recon", msgs[0].BroadcastRole)
	}

	msgs, err := svc.GetMessagesForAgent(ctx, "exploit-1", InboxFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStatusLadderOnlyMovesForward(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, "a-1", "recon", "", nil, nil)
	require.NoError(t, err)

	id, err := svc.SendMessage(ctx, &Message{
		Type: TypeReport, SenderID: "b-1", SenderRole: "exploit", RecipientID: "a-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkAsDelivered(ctx, id))
	require.NoError(t, svc.MarkAsRead(ctx, id))
	require.NoError(t, svc.MarkAsProcessed(ctx, id))

	// Moving backward is a conflict.
	err = svc.MarkAsDelivered(ctx, id)
	assert.ErrorIs(t, err, errs.ErrStateConflict)
	err = svc.MarkAsRead(ctx, id)
	assert.ErrorIs(t, err, errs.ErrStateConflict)
}

func TestMarkAsProcessedIsIdempotent(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, "a-1", "recon", "", nil, nil)
	require.NoError(t, err)

	id, err := svc.SendMessage(ctx, &Message{
		Type: TypeReport, SenderID: "b-1", SenderRole: "exploit", RecipientID: "a-1",
	})
	require.NoError(t, err)

	// Skipping delivered/read is allowed; duplicate processing is a no-op.
	require.NoError(t, svc.MarkAsProcessed(ctx, id))
	require.NoError(t, svc.MarkAsProcessed(ctx, id))
}

func TestExpireMessages(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	_, err := svc.SendMessage(ctx, &Message{
		Type: TypeData, SenderID: "a", SenderRole: "recon", RecipientID: "b", ExpiresAt: &past,
	})
	require.NoError(t, err)
	keepID, err := svc.SendMessage(ctx, &Message{
		Type: TypeData, SenderID: "a", SenderRole: "recon", RecipientID: "b", ExpiresAt: &future,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, svc.ExpireMessages(ctx))

	kept, err := store.GetMessage(ctx, keepID)
	require.NoError(t, err)
	assert.Equal(t, MessageQueued, kept.Status)
}

func TestUnregisterKeepsHistory(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, "a-1", "recon", "", nil, nil)
	require.NoError(t, err)

	id, err := svc.SendMessage(ctx, &Message{
		Type: TypeReport, SenderID: "b-1", SenderRole: "exploit", RecipientID: "a-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.UnregisterAgent(ctx, "a-1"))

	a, err := svc.GetAgent(ctx, "a-1")
	require.NoError(t, err)
	assert.False(t, a.Active)

	_, err = store.GetMessage(ctx, id)
	assert.NoError(t, err)
}

func TestSweepAgentLiveness(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, "stale-1", "recon", "", nil, nil)
	require.NoError(t, err)
	store.agents["stale-1"].LastHeartbeat = time.Now().Add(-10 * time.Minute)

	_, err = svc.RegisterAgent(ctx, "fresh-1", "recon", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, svc.SweepAgentLiveness(ctx, 5*time.Minute))

	stale, _ := svc.GetAgent(ctx, "stale-1")
	fresh, _ := svc.GetAgent(ctx, "fresh-1")
	assert.False(t, stale.Active)
	assert.True(t, fresh.Active)

	// A heartbeat reactivates the agent.
	require.NoError(t, svc.Heartbeat(ctx, "stale-1"))
	stale, _ = svc.GetAgent(ctx, "stale-1")
	assert.True(t, stale.Active)
}

func TestSubscriptions(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, "a-1", "recon", "", nil, nil)
	require.NoError(t, err)

	sub, err := svc.Subscribe(ctx, "a-1", Subscription{MessageType: TypeAlert, AutoProcess: true})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, "a-1", sub.AgentID)

	subs, err := svc.GetSubscriptions(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, TypeAlert, subs[0].MessageType)

	// Unknown agents cannot subscribe.
	_, err = svc.Subscribe(ctx, "ghost", Subscription{})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
