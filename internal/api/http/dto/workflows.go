package dto

import "time"

type CreateWorkflowRequest struct {
	Name string `json:"name" binding:"required"`
}

type WorkflowResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	KillReason  string     `json:"kill_reason,omitempty"`
	KillDetails string     `json:"kill_details,omitempty"`
	KilledAt    *time.Time `json:"killed_at,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

type TaskDefRequest struct {
	Name                 string         `json:"name" binding:"required"`
	Type                 string         `json:"type" binding:"required"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	PreferredType        string         `json:"preferred_type"`
	Params               map[string]any `json:"params"`
	Priority             int            `json:"priority"`
	TimeoutSeconds       int64          `json:"timeout_seconds"`
	DependsOn            []string       `json:"depends_on"`
	Mandatory            bool           `json:"mandatory"`
}

type ExecuteWorkflowRequest struct {
	Tasks                    []TaskDefRequest `json:"tasks" binding:"required,min=1"`
	AutonomyLevel            string           `json:"autonomy_level"`
	MaxParallelTasks         int              `json:"max_parallel_tasks"`
	SafetyLimits             map[string]any   `json:"safety_limits"`
	ExcludeImplants          []string         `json:"exclude_implants"`
	RequireConnected         bool             `json:"require_connected"`
	MinimumConnectionQuality int              `json:"minimum_connection_quality"`
}

type ExecuteTaskRequest struct {
	ImplantID     string         `json:"implant_id" binding:"required"`
	Task          TaskDefRequest `json:"task" binding:"required"`
	AutonomyLevel string         `json:"autonomy_level"`
}

type TaskOutcomeResponse struct {
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	ImplantID string `json:"implant_id"`
	Outcome   string `json:"outcome"`
}

type ExecutionReportResponse struct {
	WorkflowID string                `json:"workflow_id"`
	Status     string                `json:"status"`
	Tasks      []TaskOutcomeResponse `json:"tasks"`
	Launched   int                   `json:"launched"`
	Succeeded  int                   `json:"succeeded"`
	Failed     int                   `json:"failed"`
	TimedOut   int                   `json:"timed_out"`
}

type KillSwitchRequest struct {
	Reason  string `json:"reason" binding:"required"`
	Details string `json:"details"`
}

type ExfiltrateRequest struct {
	ImplantID          string `json:"implant_id" binding:"required"`
	SourceType         string `json:"source_type" binding:"required"`
	SourcePath         string `json:"source_path"`
	Command            string `json:"command"`
	MaxSizeMB          int    `json:"max_size_mb"`
	CompressionEnabled bool   `json:"compression_enabled"`
	EncryptionEnabled  bool   `json:"encryption_enabled"`
}
