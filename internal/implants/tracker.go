package implants

import (
	"log/slog"
	"sync"
	"time"
)

// Sender pushes an encoded frame to a live implant connection. The
// gateway's websocket connection satisfies this; tests use fakes.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

// Connection is one live implant channel tracked in-process. The durable
// registry row stays the source of truth for status; the tracker only
// answers "is this implant reachable right now".
type Connection struct {
	ImplantID   string
	Sender      Sender
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Tracker is the lock-protected map of live implant connections. It
// exposes only atomic register/deregister/lookup operations so multiple
// callers can share it without touching the map directly.
type Tracker struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*Connection)}
}

// Register tracks a connection, replacing and closing any existing one
// for the same implant.
func (t *Tracker) Register(implantID string, conn *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.conns[implantID]; ok {
		slog.Warn("Implant already connected, replacing connection", "implant_id", implantID)
		if existing.Sender != nil {
			_ = existing.Sender.Close()
		}
	}

	now := time.Now()
	conn.ImplantID = implantID
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	conn.LastSeen = now
	t.conns[implantID] = conn
}

func (t *Tracker) Deregister(implantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[implantID]; ok {
		if conn.Sender != nil {
			_ = conn.Sender.Close()
		}
		delete(t.conns, implantID)
	}
}

func (t *Tracker) Get(implantID string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conn, ok := t.conns[implantID]
	return conn, ok
}

func (t *Tracker) Touch(implantID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[implantID]; ok {
		conn.LastSeen = at
	}
}

func (t *Tracker) ConnectedIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// Stop closes every tracked connection.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, conn := range t.conns {
		if conn.Sender != nil {
			_ = conn.Sender.Close()
		}
		delete(t.conns, id)
	}
}
