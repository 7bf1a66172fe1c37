package tasks

import (
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further transitions are allowed, except
// that failed tasks with remaining retry budget may be re-queued.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

type Task struct {
	ID                 string
	Type               string
	Name               string
	Params             map[string]any
	Priority           int
	Timeout            time.Duration
	DependsOn          []string
	RequiredCapability string
	Status             Status
	ImplantID          string
	WorkflowID         string
	CreatedBy          string
	Attempts           int
	MaxAttempts        int
	// EligibleAt gates retried tasks: a re-queued task is invisible to
	// assignment until its backoff has elapsed.
	EligibleAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Result is one output record for a task. Tasks may report several
// partial results; rows are never mutated after insertion.
type Result struct {
	ID        string
	TaskID    string
	ImplantID string
	Payload   map[string]any
	Success   bool
	CreatedAt time.Time
}

// NewTask is the creation request for a task.
type NewTask struct {
	Type               string
	Name               string
	Params             map[string]any
	Priority           int
	Timeout            time.Duration
	DependsOn          []string
	RequiredCapability string
	WorkflowID         string
	CreatedBy          string
	MaxAttempts        int
}

// Assignment pairs a claimed task with the implant it was handed to.
type Assignment struct {
	Task      Task
	ImplantID string
}

// CascadeResult reports the outcome of a cascading cancellation.
type CascadeResult struct {
	// Cancelled holds the ids newly moved to cancelled, root included.
	Cancelled []string
	// Preserved holds dependents that were already completed and were
	// therefore left untouched.
	Preserved []string
}

// QueueStats is the aggregate count per status.
type QueueStats struct {
	Counts  map[Status]int
	Blocked int
	Total   int
}

// ResultSummary aggregates task results for one implant over a window.
type ResultSummary struct {
	ImplantID    string
	Results      int
	Succeeded    int
	Failed       int
	SuccessRatio float64
	From         time.Time
	To           time.Time
}
