package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ospray/ospray-server/internal/api/http/dto"
	"github.com/ospray/ospray-server/internal/implants"
)

type ImplantHandler struct {
	service *implants.Service
}

func NewImplantHandler(service *implants.Service) *ImplantHandler {
	return &ImplantHandler{service: service}
}

func toImplantResponse(imp *implants.Implant) dto.ImplantResponse {
	return dto.ImplantResponse{
		ID:                imp.ID,
		Name:              imp.Name,
		Type:              imp.Type,
		Status:            string(imp.Status),
		Capabilities:      imp.Capabilities,
		AutonomyLevel:     imp.AutonomyLevel,
		MaxConcurrent:     imp.MaxConcurrent,
		ConnectionQuality: imp.ConnectionQuality,
		LastHeartbeat:     imp.LastHeartbeat,
		CreatedAt:         imp.CreatedAt,
	}
}

func (h *ImplantHandler) Register(c *gin.Context) {
	var req dto.RegisterImplantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	imp, err := h.service.RegisterImplant(c.Request.Context(), req.Name, req.Type, req.AutonomyLevel, req.Capabilities, "")
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toImplantResponse(imp))
}

func (h *ImplantHandler) Get(c *gin.Context) {
	imp, err := h.service.GetImplant(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toImplantResponse(imp))
}

func (h *ImplantHandler) List(c *gin.Context) {
	var (
		list []implants.Implant
		err  error
	)
	if c.Query("eligible") == "true" {
		list, err = h.service.EligibleImplants(c.Request.Context())
	} else {
		list, err = h.service.ListImplants(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.ListImplantsResponse{Implants: make([]dto.ImplantResponse, 0, len(list)), Total: len(list)}
	for i := range list {
		resp.Implants = append(resp.Implants, toImplantResponse(&list[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ImplantHandler) Tune(c *gin.Context) {
	var req dto.TuneImplantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	imp, err := h.service.PatchTuning(c.Request.Context(), c.Param("id"), implants.Tuning{
		AutonomyLevel: req.AutonomyLevel,
		MaxConcurrent: req.MaxConcurrent,
		Capabilities:  req.Capabilities,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toImplantResponse(imp))
}

func (h *ImplantHandler) Terminate(c *gin.Context) {
	if err := h.service.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "terminated"})
}

func (h *ImplantHandler) Heartbeat(c *gin.Context) {
	if err := h.service.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ImplantHandler) Telemetry(c *gin.Context) {
	var req dto.TelemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.service.RecordTelemetry(c.Request.Context(), &implants.TelemetrySample{
		ImplantID:        c.Param("id"),
		CPUPercent:       req.CPUPercent,
		MemoryMB:         req.MemoryMB,
		NetworkLatencyMs: req.NetworkLatencyMs,
		TasksCompleted:   req.TasksCompleted,
		TasksFailed:      req.TasksFailed,
		Anomaly:          req.Anomaly,
		RecordedAt:       time.Now(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}
