package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ospray/ospray-server/internal/api/http/dto"
	"github.com/ospray/ospray-server/internal/tasks"
)

type TaskHandler struct {
	distributor *tasks.Distributor
}

func NewTaskHandler(distributor *tasks.Distributor) *TaskHandler {
	return &TaskHandler{distributor: distributor}
}

func toTaskResponse(t *tasks.Task) dto.TaskResponse {
	return dto.TaskResponse{
		ID:                 t.ID,
		Type:               t.Type,
		Name:               t.Name,
		Params:             t.Params,
		Priority:           t.Priority,
		TimeoutSeconds:     int64(t.Timeout / time.Second),
		DependsOn:          t.DependsOn,
		RequiredCapability: t.RequiredCapability,
		Status:             string(t.Status),
		ImplantID:          t.ImplantID,
		WorkflowID:         t.WorkflowID,
		Attempts:           t.Attempts,
		MaxAttempts:        t.MaxAttempts,
		CreatedAt:          t.CreatedAt,
		StartedAt:          t.StartedAt,
		FinishedAt:         t.FinishedAt,
	}
}

func (h *TaskHandler) Create(c *gin.Context) {
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.distributor.CreateTask(c.Request.Context(), tasks.NewTask{
		Type:               req.Type,
		Name:               req.Name,
		Params:             req.Params,
		Priority:           req.Priority,
		Timeout:            time.Duration(req.TimeoutSeconds) * time.Second,
		DependsOn:          req.DependsOn,
		RequiredCapability: req.RequiredCapability,
		WorkflowID:         req.WorkflowID,
		CreatedBy:          c.GetString("user_id"),
		MaxAttempts:        req.MaxAttempts,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toTaskResponse(t))
}

func (h *TaskHandler) Get(c *gin.Context) {
	t, err := h.distributor.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(t))
}

func (h *TaskHandler) Queue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	list, err := h.distributor.GetPrioritizedQueue(c.Request.Context(), tasks.QueueOptions{
		ImplantID:      c.Query("implant_id"),
		Limit:          limit,
		IncludeBlocked: c.Query("include_blocked") == "true",
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.ListTasksResponse{Tasks: make([]dto.TaskResponse, 0, len(list)), Total: len(list)}
	for i := range list {
		resp.Tasks = append(resp.Tasks, toTaskResponse(&list[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TaskHandler) Assign(c *gin.Context) {
	var req dto.AssignTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.distributor.AssignToImplant(c.Request.Context(), c.Param("id"), req.ImplantID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.AssignmentResponse{TaskID: c.Param("id"), ImplantID: req.ImplantID})
}

// AssignPass triggers one greedy assignment pass on demand; the same
// pass also runs on a background timer.
func (h *TaskHandler) AssignPass(c *gin.Context) {
	maxAssignments, _ := strconv.Atoi(c.DefaultQuery("max", "0"))
	assignments, err := h.distributor.AssignTasksToImplants(c.Request.Context(), tasks.AssignOptions{
		MaxAssignments: maxAssignments,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.AssignPassResponse{Count: len(assignments)}
	for _, a := range assignments {
		resp.Assignments = append(resp.Assignments, dto.AssignmentResponse{TaskID: a.Task.ID, ImplantID: a.ImplantID})
	}
	c.JSON(http.StatusOK, resp)
}

// RetryPass requeues eligible failed tasks on demand; the same pass
// also runs on a background timer.
func (h *TaskHandler) RetryPass(c *gin.Context) {
	requeued, err := h.distributor.RetryFailedTasks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": requeued})
}

func (h *TaskHandler) Cancel(c *gin.Context) {
	result, err := h.distributor.CancelTaskCascade(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.CancelCascadeResponse{Cancelled: result.Cancelled, Preserved: result.Preserved})
}

func (h *TaskHandler) Report(c *gin.Context) {
	var req dto.ReportResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.distributor.ReportResult(c.Request.Context(), c.Param("id"), req.ImplantID, req.Payload, req.Success); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

func (h *TaskHandler) Stats(c *gin.Context) {
	stats, err := h.distributor.GetQueueStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	counts := make(map[string]int, len(stats.Counts))
	for status, n := range stats.Counts {
		counts[string(status)] = n
	}
	c.JSON(http.StatusOK, dto.QueueStatsResponse{Counts: counts, Blocked: stats.Blocked, Total: stats.Total})
}

func (h *TaskHandler) Summaries(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	summaries, err := h.distributor.AggregateTaskResults(c.Request.Context(), tasks.AggregateOptions{
		ImplantID: c.Query("implant_id"),
		Since:     since,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.ResultSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		resp = append(resp, dto.ResultSummaryResponse{
			ImplantID:    s.ImplantID,
			Results:      s.Results,
			Succeeded:    s.Succeeded,
			Failed:       s.Failed,
			SuccessRatio: s.SuccessRatio,
		})
	}
	c.JSON(http.StatusOK, gin.H{"summaries": resp})
}
