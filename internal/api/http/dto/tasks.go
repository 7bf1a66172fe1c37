package dto

import "time"

type CreateTaskRequest struct {
	Type               string         `json:"type" binding:"required"`
	Name               string         `json:"name"`
	Params             map[string]any `json:"params"`
	Priority           int            `json:"priority"`
	TimeoutSeconds     int64          `json:"timeout_seconds"`
	DependsOn          []string       `json:"depends_on"`
	RequiredCapability string         `json:"required_capability"`
	WorkflowID         string         `json:"workflow_id"`
	MaxAttempts        int            `json:"max_attempts"`
}

type AssignTaskRequest struct {
	ImplantID string `json:"implant_id" binding:"required"`
}

type ReportResultRequest struct {
	ImplantID string         `json:"implant_id" binding:"required"`
	Success   bool           `json:"success"`
	Payload   map[string]any `json:"payload"`
}

type TaskResponse struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	Name               string         `json:"name"`
	Params             map[string]any `json:"params,omitempty"`
	Priority           int            `json:"priority"`
	TimeoutSeconds     int64          `json:"timeout_seconds"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	RequiredCapability string         `json:"required_capability,omitempty"`
	Status             string         `json:"status"`
	ImplantID          string         `json:"implant_id,omitempty"`
	WorkflowID         string         `json:"workflow_id,omitempty"`
	Attempts           int            `json:"attempts"`
	MaxAttempts        int            `json:"max_attempts"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty"`
}

type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

type AssignmentResponse struct {
	TaskID    string `json:"task_id"`
	ImplantID string `json:"implant_id"`
}

type AssignPassResponse struct {
	Assignments []AssignmentResponse `json:"assignments"`
	Count       int                  `json:"count"`
}

type CancelCascadeResponse struct {
	Cancelled []string `json:"cancelled"`
	Preserved []string `json:"preserved"`
}

type QueueStatsResponse struct {
	Counts  map[string]int `json:"counts"`
	Blocked int            `json:"blocked"`
	Total   int            `json:"total"`
}

type ResultSummaryResponse struct {
	ImplantID    string  `json:"implant_id"`
	Results      int     `json:"results"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	SuccessRatio float64 `json:"success_ratio"`
}
