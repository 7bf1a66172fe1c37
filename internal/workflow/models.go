package workflow

import (
	"time"

	"github.com/ospray/ospray-server/internal/implants"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
)

// KillReason is the closed set of audit reasons for a kill switch.
type KillReason string

const (
	KillUserInitiated   KillReason = "user_initiated"
	KillSafetyViolation KillReason = "safety_violation"
	KillTimeout         KillReason = "timeout"
	KillAnomalyDetected KillReason = "anomaly_detected"
	KillConnectionLost  KillReason = "connection_lost"
)

func (r KillReason) Valid() bool {
	switch r {
	case KillUserInitiated, KillSafetyViolation, KillTimeout, KillAnomalyDetected, KillConnectionLost:
		return true
	}
	return false
}

type Workflow struct {
	ID          string
	Name        string
	Status      Status
	KillReason  KillReason
	KillDetails string
	KilledAt    *time.Time
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskDef describes one step of a distributed workflow.
type TaskDef struct {
	Name                 string
	Type                 string
	RequiredCapabilities []string
	PreferredType        string
	Params               map[string]any
	Priority             int
	Timeout              time.Duration
	DependsOn            []string
	// Mandatory steps with no matching implant fail the whole workflow.
	Mandatory bool
}

// MatchOptions filters candidate implants for a task.
type MatchOptions struct {
	ExcludeImplants          []string
	RequireConnected         bool
	MinimumConnectionQuality int
}

// Match is the winning implant for a task plus what it actually matched.
type Match struct {
	Implant             implants.Implant
	Score               int
	MatchedCapabilities []string
}

// Outcome is the definite result of a bounded task wait.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// TaskOutcome pairs one workflow step with its final disposition.
type TaskOutcome struct {
	TaskID    string
	Name      string
	ImplantID string
	Outcome   Outcome
}

// ExecutionReport summarizes a distributed workflow run.
type ExecutionReport struct {
	WorkflowID string
	Status     Status
	Tasks      []TaskOutcome
	Launched   int
	Succeeded  int
	Failed     int
	TimedOut   int
}

// ExecOptions bounds a distributed workflow execution.
type ExecOptions struct {
	AutonomyLevel    string
	MaxParallelTasks int
	SafetyLimits     map[string]any
	MatchOptions     MatchOptions
}

// ExfilOptions parameterizes a data exfiltration task.
type ExfilOptions struct {
	SourceType         string
	SourcePath         string
	Command            string
	MaxSizeMB          int
	CompressionEnabled bool
	EncryptionEnabled  bool
}
