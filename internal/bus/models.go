package bus

import (
	"time"
)

type MessageType string

const (
	TypeReport   MessageType = "report"
	TypeTask     MessageType = "task"
	TypeQuestion MessageType = "question"
	TypeResponse MessageType = "response"
	TypeAlert    MessageType = "alert"
	TypeStatus   MessageType = "status"
	TypeData     MessageType = "data"
)

type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageProcessed MessageStatus = "processed"
	MessageExpired   MessageStatus = "expired"
)

// Message is one store-and-forward record on the internal bus. Only the
// status and timestamp fields ever change after insertion.
type Message struct {
	ID            string
	Type          MessageType
	SenderID      string
	SenderRole    string
	RecipientID   string
	RecipientRole string
	// BroadcastRole addresses every active agent registered under the
	// role. A message carries either a recipient or a broadcast role,
	// never neither.
	BroadcastRole string
	Subject       string
	Content       map[string]any
	Summary       string
	Priority      int
	ExpiresAt     *time.Time
	Status        MessageStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AgentInfo is a registry row for an internal software agent.
type AgentInfo struct {
	ID            string
	Role          string
	Type          string
	Capabilities  []string
	HandledTypes  []string
	Active        bool
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// Subscription is a standing interest filter an agent polls against.
type Subscription struct {
	ID          string
	AgentID     string
	MessageType MessageType
	FromRole    string
	Context     string
	AutoProcess bool
	CreatedAt   time.Time
}

// InboxFilter narrows GetMessagesForAgent.
type InboxFilter struct {
	Type   MessageType
	Status MessageStatus
	Limit  int
	Offset int
}
