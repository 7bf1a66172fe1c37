package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ospray/ospray-server/internal/api/http/dto"
	"github.com/ospray/ospray-server/internal/bus"
)

type BusHandler struct {
	service *bus.Service
}

func NewBusHandler(service *bus.Service) *BusHandler {
	return &BusHandler{service: service}
}

func toAgentResponse(a *bus.AgentInfo) dto.AgentResponse {
	return dto.AgentResponse{
		ID:            a.ID,
		Role:          a.Role,
		Type:          a.Type,
		Capabilities:  a.Capabilities,
		HandledTypes:  a.HandledTypes,
		Active:        a.Active,
		LastHeartbeat: a.LastHeartbeat,
		RegisteredAt:  a.RegisteredAt,
	}
}

func toMessageResponse(m *bus.Message) dto.MessageResponse {
	return dto.MessageResponse{
		ID:            m.ID,
		Type:          string(m.Type),
		SenderID:      m.SenderID,
		SenderRole:    m.SenderRole,
		RecipientID:   m.RecipientID,
		RecipientRole: m.RecipientRole,
		BroadcastRole: m.BroadcastRole,
		Subject:       m.Subject,
		Content:       m.Content,
		Summary:       m.Summary,
		Priority:      m.Priority,
		ExpiresAt:     m.ExpiresAt,
		Status:        string(m.Status),
		CreatedAt:     m.CreatedAt,
	}
}

func (h *BusHandler) RegisterAgent(c *gin.Context) {
	var req dto.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := h.service.RegisterAgent(c.Request.Context(), req.ID, req.Role, req.Type, req.Capabilities, req.HandledTypes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAgentResponse(agent))
}

func (h *BusHandler) UnregisterAgent(c *gin.Context) {
	if err := h.service.UnregisterAgent(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
}

func (h *BusHandler) AgentHeartbeat(c *gin.Context) {
	if err := h.service.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *BusHandler) GetAgent(c *gin.Context) {
	agent, err := h.service.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAgentResponse(agent))
}

func (h *BusHandler) Send(c *gin.Context) {
	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m := &bus.Message{
		Type:          bus.MessageType(req.Type),
		SenderID:      req.SenderID,
		SenderRole:    req.SenderRole,
		RecipientID:   req.RecipientID,
		RecipientRole: req.RecipientRole,
		BroadcastRole: req.BroadcastRole,
		Subject:       req.Subject,
		Content:       req.Content,
		Summary:       req.Summary,
		Priority:      req.Priority,
	}
	if req.TTLSeconds > 0 {
		expiry := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		m.ExpiresAt = &expiry
	}

	var (
		id  string
		err error
	)
	if req.BroadcastRole != "" {
		id, err = h.service.BroadcastToRole(c.Request.Context(), req.BroadcastRole, m)
	} else {
		id, err = h.service.SendMessage(c.Request.Context(), m)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *BusHandler) Inbox(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, err := h.service.GetMessagesForAgent(c.Request.Context(), c.Param("id"), bus.InboxFilter{
		Type:   bus.MessageType(c.Query("type")),
		Status: bus.MessageStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.ListMessagesResponse{Messages: make([]dto.MessageResponse, 0, len(list)), Total: len(list)}
	for i := range list {
		resp.Messages = append(resp.Messages, toMessageResponse(&list[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *BusHandler) MarkDelivered(c *gin.Context) {
	if err := h.service.MarkAsDelivered(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

func (h *BusHandler) MarkRead(c *gin.Context) {
	if err := h.service.MarkAsRead(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

func (h *BusHandler) MarkProcessed(c *gin.Context) {
	if err := h.service.MarkAsProcessed(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

func (h *BusHandler) Subscribe(c *gin.Context) {
	var req dto.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.service.Subscribe(c.Request.Context(), c.Param("id"), bus.Subscription{
		MessageType: bus.MessageType(req.MessageType),
		FromRole:    req.FromRole,
		Context:     req.Context,
		AutoProcess: req.AutoProcess,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.SubscriptionResponse{
		ID:          sub.ID,
		AgentID:     sub.AgentID,
		MessageType: string(sub.MessageType),
		FromRole:    sub.FromRole,
		Context:     sub.Context,
		AutoProcess: sub.AutoProcess,
		CreatedAt:   sub.CreatedAt,
	})
}

func (h *BusHandler) Subscriptions(c *gin.Context) {
	list, err := h.service.GetSubscriptions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.SubscriptionResponse, 0, len(list))
	for _, sub := range list {
		resp = append(resp, dto.SubscriptionResponse{
			ID:          sub.ID,
			AgentID:     sub.AgentID,
			MessageType: string(sub.MessageType),
			FromRole:    sub.FromRole,
			Context:     sub.Context,
			AutoProcess: sub.AutoProcess,
			CreatedAt:   sub.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": resp})
}
