package dto

import "time"

type RegisterAgentRequest struct {
	ID           string   `json:"id" binding:"required"`
	Role         string   `json:"role" binding:"required"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	HandledTypes []string `json:"handled_types"`
}

type AgentResponse struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	Type          string    `json:"type"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	HandledTypes  []string  `json:"handled_types,omitempty"`
	Active        bool      `json:"active"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

type SendMessageRequest struct {
	Type          string         `json:"type" binding:"required"`
	SenderID      string         `json:"sender_id" binding:"required"`
	SenderRole    string         `json:"sender_role"`
	RecipientID   string         `json:"recipient_id"`
	RecipientRole string         `json:"recipient_role"`
	BroadcastRole string         `json:"broadcast_role"`
	Subject       string         `json:"subject"`
	Content       map[string]any `json:"content"`
	Summary       string         `json:"summary"`
	Priority      int            `json:"priority"`
	TTLSeconds    int64          `json:"ttl_seconds"`
}

type MessageResponse struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	SenderID      string         `json:"sender_id"`
	SenderRole    string         `json:"sender_role,omitempty"`
	RecipientID   string         `json:"recipient_id,omitempty"`
	RecipientRole string         `json:"recipient_role,omitempty"`
	BroadcastRole string         `json:"broadcast_role,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	Content       map[string]any `json:"content,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Priority      int            `json:"priority"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

type ListMessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
	Total    int               `json:"total"`
}

type SubscribeRequest struct {
	MessageType string `json:"message_type"`
	FromRole    string `json:"from_role"`
	Context     string `json:"context"`
	AutoProcess bool   `json:"auto_process"`
}

type SubscriptionResponse struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	MessageType string    `json:"message_type,omitempty"`
	FromRole    string    `json:"from_role,omitempty"`
	Context     string    `json:"context,omitempty"`
	AutoProcess bool      `json:"auto_process"`
	CreatedAt   time.Time `json:"created_at"`
}
