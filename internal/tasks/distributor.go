package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ospray/ospray-server/internal/errs"
	"github.com/ospray/ospray-server/internal/implants"
)

// Store is the durable task record interface. Claim and transition
// operations are conditional updates executed atomically at the store,
// so concurrent assignment passes cannot double-claim a task.
type Store interface {
	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListQueued returns queued tasks ordered by priority desc, then
	// creation time asc. The ordering is the distributor's contract.
	ListQueued(ctx context.Context) ([]Task, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]Task, error)
	ListByStatus(ctx context.Context, status Status) ([]Task, error)
	// ListDependents returns tasks that declare id as a dependency.
	ListDependents(ctx context.Context, id string) ([]Task, error)
	StatusesOf(ctx context.Context, ids []string) (map[string]Status, error)
	// ClaimForAssignment moves a task queued -> running for the implant.
	// The claim fails (false, nil) if the task is no longer queued, is
	// not yet eligible, or belongs to an aborted workflow. The workflow
	// check runs inside the same conditional update as the claim.
	ClaimForAssignment(ctx context.Context, taskID, implantID string, now time.Time) (bool, error)
	TransitionStatus(ctx context.Context, id string, from []Status, to Status) (bool, error)
	// RequeueFailed moves a task failed -> queued, increments the attempt
	// counter, and sets the eligibility time.
	RequeueFailed(ctx context.Context, id string, eligibleAt time.Time) (bool, error)
	CountRunningByImplant(ctx context.Context) (map[string]int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	ListRunningPastDeadline(ctx context.Context, now time.Time) ([]Task, error)
	InsertResult(ctx context.Context, r *Result) error
	ListResults(ctx context.Context, implantID string, since time.Time) ([]Result, error)
}

// ImplantDirectory is the registry view the distributor matches against.
type ImplantDirectory interface {
	EligibleImplants(ctx context.Context) ([]implants.Implant, error)
	GetImplant(ctx context.Context, id string) (*implants.Implant, error)
}

// Dispatcher pushes a freshly assigned task toward its implant. The
// gateway provides the live-channel implementation; a nil dispatcher
// leaves tasks for the implant's next poll.
type Dispatcher interface {
	DispatchTask(implantID string, task Task)
}

const (
	defaultMaxAttempts = 3
	defaultTaskTimeout = 10 * time.Minute
	retryBackoffBase   = 30 * time.Second
	retryBackoffCap    = 15 * time.Minute
	maxDependencyDepth = 64
)

var runningFrom = []Status{StatusQueued}

type Distributor struct {
	store      Store
	directory  ImplantDirectory
	dispatcher Dispatcher
}

func NewDistributor(store Store, directory ImplantDirectory, dispatcher Dispatcher) *Distributor {
	return &Distributor{store: store, directory: directory, dispatcher: dispatcher}
}

// SetDispatcher binds the push channel after construction. The gateway
// needs the distributor to handle inbound results, so the two are wired
// in two steps at startup.
func (d *Distributor) SetDispatcher(dispatcher Dispatcher) {
	d.dispatcher = dispatcher
}

// CreateTask validates and enqueues a task. Dependency declarations are
// checked for existence and for cycles before anything is persisted.
func (d *Distributor) CreateTask(ctx context.Context, req NewTask) (*Task, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("%w: task type is required", errs.ErrValidation)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: task name is required", errs.ErrValidation)
	}
	id := uuid.New().String()
	if err := d.checkDependencies(ctx, id, req.DependsOn); err != nil {
		return nil, err
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	now := time.Now()
	t := &Task{
		ID:                 id,
		Type:               req.Type,
		Name:               req.Name,
		Params:             req.Params,
		Priority:           req.Priority,
		Timeout:            timeout,
		DependsOn:          req.DependsOn,
		RequiredCapability: req.RequiredCapability,
		Status:             StatusQueued,
		WorkflowID:         req.WorkflowID,
		CreatedBy:          req.CreatedBy,
		MaxAttempts:        maxAttempts,
		EligibleAt:         now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := d.store.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	slog.Info("Task queued",
		"task_id", t.ID,
		"type", t.Type,
		"priority", t.Priority,
		"dependencies", len(t.DependsOn))
	return t, nil
}

func (d *Distributor) checkDependencies(ctx context.Context, newID string, deps []string) error {
	seen := make(map[string]bool, len(deps))
	for _, dep := range deps {
		if dep == newID {
			return fmt.Errorf("%w: task cannot depend on itself", errs.ErrValidation)
		}
		if seen[dep] {
			return fmt.Errorf("%w: duplicate dependency %s", errs.ErrValidation, dep)
		}
		seen[dep] = true
		if err := d.walkDependency(ctx, dep, map[string]bool{newID: true}, 0); err != nil {
			return err
		}
	}
	return nil
}

func (d *Distributor) walkDependency(ctx context.Context, id string, path map[string]bool, depth int) error {
	if path[id] {
		return fmt.Errorf("%w: dependency cycle through task %s", errs.ErrValidation, id)
	}
	if depth > maxDependencyDepth {
		return fmt.Errorf("%w: dependency chain exceeds %d levels", errs.ErrValidation, maxDependencyDepth)
	}
	t, err := d.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: dependency task %s", errs.ErrNotFound, id)
	}
	path[id] = true
	for _, dep := range t.DependsOn {
		if err := d.walkDependency(ctx, dep, path, depth+1); err != nil {
			return err
		}
	}
	delete(path, id)
	return nil
}

func (d *Distributor) GetTask(ctx context.Context, id string) (*Task, error) {
	return d.store.GetTask(ctx, id)
}

func (d *Distributor) ListByWorkflow(ctx context.Context, workflowID string) ([]Task, error) {
	return d.store.ListByWorkflow(ctx, workflowID)
}

// QueueOptions filters the prioritized queue view.
type QueueOptions struct {
	ImplantID      string
	Limit          int
	IncludeBlocked bool
}

// GetPrioritizedQueue returns queued tasks ordered by priority desc and
// creation time asc. Tasks with unmet dependencies are excluded unless
// IncludeBlocked is set; they stay visible via GetQueueStats.
func (d *Distributor) GetPrioritizedQueue(ctx context.Context, opts QueueOptions) ([]Task, error) {
	queued, err := d.store.ListQueued(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	blocked, err := d.blockedSet(ctx, queued)
	if err != nil {
		return nil, err
	}

	var implant *implants.Implant
	if opts.ImplantID != "" {
		implant, err = d.directory.GetImplant(ctx, opts.ImplantID)
		if err != nil {
			return nil, err
		}
	}

	out := make([]Task, 0, len(queued))
	for _, t := range queued {
		if blocked[t.ID] && !opts.IncludeBlocked {
			continue
		}
		if implant != nil && !implant.HasCapability(t.RequiredCapability) {
			continue
		}
		out = append(out, t)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// blockedSet marks queued tasks whose dependency set is not fully completed.
func (d *Distributor) blockedSet(ctx context.Context, queued []Task) (map[string]bool, error) {
	depIDs := make([]string, 0)
	for _, t := range queued {
		depIDs = append(depIDs, t.DependsOn...)
	}
	blocked := make(map[string]bool)
	if len(depIDs) == 0 {
		return blocked, nil
	}
	statuses, err := d.store.StatusesOf(ctx, depIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dependency statuses: %w", err)
	}
	for _, t := range queued {
		for _, dep := range t.DependsOn {
			if statuses[dep] != StatusCompleted {
				blocked[t.ID] = true
				break
			}
		}
	}
	return blocked, nil
}

// AssignOptions bounds one assignment pass. MaxAssignments <= 0 leaves
// the pass uncapped; implant concurrency limits still apply.
type AssignOptions struct {
	MaxAssignments int
}

// AssignTasksToImplants runs one greedy assignment pass: unblocked tasks
// in queue order are claimed for the first eligible implant whose
// capability set matches and whose concurrency cap has room. The claim
// is a conditional update, so a pass racing another instance simply
// loses the task and moves on.
func (d *Distributor) AssignTasksToImplants(ctx context.Context, opts AssignOptions) ([]Assignment, error) {
	eligible, err := d.directory.EligibleImplants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list implants: %w", err)
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	// Deterministic implant order: quality desc, then earliest heartbeat,
	// then id.
	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].ConnectionQuality != eligible[b].ConnectionQuality {
			return eligible[a].ConnectionQuality > eligible[b].ConnectionQuality
		}
		if !eligible[a].LastHeartbeat.Equal(eligible[b].LastHeartbeat) {
			return eligible[a].LastHeartbeat.Before(eligible[b].LastHeartbeat)
		}
		return eligible[a].ID < eligible[b].ID
	})

	running, err := d.store.CountRunningByImplant(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count running tasks: %w", err)
	}
	load := make(map[string]int, len(eligible))
	for _, imp := range eligible {
		load[imp.ID] = running[imp.ID]
	}

	queue, err := d.GetPrioritizedQueue(ctx, QueueOptions{})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	assignments := make([]Assignment, 0)
	for _, t := range queue {
		if opts.MaxAssignments > 0 && len(assignments) >= opts.MaxAssignments {
			break
		}
		if t.EligibleAt.After(now) {
			continue
		}
		for i := range eligible {
			imp := &eligible[i]
			if load[imp.ID] >= imp.MaxConcurrent {
				continue
			}
			if !imp.HasCapability(t.RequiredCapability) {
				continue
			}
			claimed, err := d.store.ClaimForAssignment(ctx, t.ID, imp.ID, now)
			if err != nil {
				slog.Error("Task claim failed", "task_id", t.ID, "implant_id", imp.ID, "error", err)
				break
			}
			if !claimed {
				// Lost the race or the workflow was aborted underneath us.
				break
			}
			load[imp.ID]++
			t.Status = StatusRunning
			t.ImplantID = imp.ID
			assignments = append(assignments, Assignment{Task: t, ImplantID: imp.ID})
			if d.dispatcher != nil {
				d.dispatcher.DispatchTask(imp.ID, t)
			}
			slog.Info("Task assigned", "task_id", t.ID, "implant_id", imp.ID, "capability", t.RequiredCapability)
			break
		}
	}
	return assignments, nil
}

// AssignToImplant claims one specific task for one specific implant,
// bypassing the matcher. Used for operator-directed execution.
func (d *Distributor) AssignToImplant(ctx context.Context, taskID, implantID string) error {
	imp, err := d.directory.GetImplant(ctx, implantID)
	if err != nil {
		return err
	}
	if imp.Status == implants.StatusTerminated {
		return fmt.Errorf("%w: implant %s is terminated", errs.ErrStateConflict, implantID)
	}
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if len(t.DependsOn) > 0 {
		statuses, err := d.store.StatusesOf(ctx, t.DependsOn)
		if err != nil {
			return fmt.Errorf("failed to resolve dependency statuses: %w", err)
		}
		for _, dep := range t.DependsOn {
			if statuses[dep] != StatusCompleted {
				return fmt.Errorf("%w: dependency %s is not completed", errs.ErrStateConflict, dep)
			}
		}
	}
	claimed, err := d.store.ClaimForAssignment(ctx, taskID, implantID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to claim task: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: task %s is not assignable", errs.ErrStateConflict, taskID)
	}
	if d.dispatcher != nil {
		t.Status = StatusRunning
		t.ImplantID = implantID
		d.dispatcher.DispatchTask(implantID, *t)
	}
	return nil
}

// RetryFailedTasks re-queues failed tasks with remaining retry budget,
// applying exponential backoff via the eligibility timestamp. Returns
// the number re-queued.
func (d *Distributor) RetryFailedTasks(ctx context.Context) (int, error) {
	failed, err := d.store.ListByStatus(ctx, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed tasks: %w", err)
	}
	retried := 0
	for _, t := range failed {
		if t.Attempts >= t.MaxAttempts {
			continue
		}
		eligibleAt := time.Now().Add(retryBackoff(t.Attempts))
		ok, err := d.store.RequeueFailed(ctx, t.ID, eligibleAt)
		if err != nil {
			slog.Error("Failed to re-queue task", "task_id", t.ID, "error", err)
			continue
		}
		if ok {
			retried++
			slog.Info("Task re-queued for retry",
				"task_id", t.ID,
				"attempt", t.Attempts+1,
				"eligible_at", eligibleAt)
		}
	}
	return retried, nil
}

func retryBackoff(attempts int) time.Duration {
	backoff := retryBackoffBase << uint(attempts)
	if backoff > retryBackoffCap || backoff <= 0 {
		return retryBackoffCap
	}
	return backoff
}

// CancelTaskCascade cancels the task and, transitively, every task
// depending on it. Completed dependents are preserved: their effects
// already happened. The operation is idempotent; a second run finds the
// closure already cancelled and newly cancels nothing.
func (d *Distributor) CancelTaskCascade(ctx context.Context, taskID string) (*CascadeResult, error) {
	root, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if root.Status == StatusCompleted {
		return nil, fmt.Errorf("%w: task %s already completed", errs.ErrNotFound, taskID)
	}

	result := &CascadeResult{}
	visited := map[string]bool{}
	frontier := []string{taskID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		t, err := d.store.GetTask(ctx, id)
		if err != nil {
			slog.Error("Cascade cancel skipping unreadable task", "task_id", id, "error", err)
			continue
		}
		switch t.Status {
		case StatusCompleted:
			result.Preserved = append(result.Preserved, id)
			// Completed work is final; its own dependents are not touched
			// through this edge.
			continue
		case StatusQueued, StatusRunning, StatusFailed, StatusTimeout:
			ok, err := d.store.TransitionStatus(ctx, id, []Status{StatusQueued, StatusRunning, StatusFailed, StatusTimeout}, StatusCancelled)
			if err != nil {
				slog.Error("Cascade cancel transition failed", "task_id", id, "error", err)
				continue
			}
			if ok {
				result.Cancelled = append(result.Cancelled, id)
			}
		}

		dependents, err := d.store.ListDependents(ctx, id)
		if err != nil {
			slog.Error("Cascade cancel failed to list dependents", "task_id", id, "error", err)
			continue
		}
		for _, dep := range dependents {
			if !visited[dep.ID] {
				frontier = append(frontier, dep.ID)
			}
		}
	}

	slog.Info("Cascade cancellation finished",
		"root_task_id", taskID,
		"cancelled", len(result.Cancelled),
		"preserved", len(result.Preserved))
	return result, nil
}

// GetQueueStats returns aggregate counts by status plus the number of
// queued tasks currently blocked on dependencies.
func (d *Distributor) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	queued, err := d.store.ListQueued(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	blocked, err := d.blockedSet(ctx, queued)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{Counts: counts, Blocked: len(blocked)}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// ReportResult records a result from an implant and finalizes the task.
// Oversized payloads for size-capped tasks are rejected outright, never
// truncated. Results arriving after a task already reached a terminal
// state are still recorded for audit, without a status change.
func (d *Distributor) ReportResult(ctx context.Context, taskID, implantID string, payload map[string]any, success bool) error {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := enforceSizeCap(t, payload); err != nil {
		return err
	}
	r := &Result{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		ImplantID: implantID,
		Payload:   payload,
		Success:   success,
		CreatedAt: time.Now(),
	}
	if err := d.store.InsertResult(ctx, r); err != nil {
		return fmt.Errorf("failed to store task result: %w", err)
	}
	target := StatusCompleted
	if !success {
		target = StatusFailed
	}
	moved, err := d.store.TransitionStatus(ctx, taskID, []Status{StatusRunning}, target)
	if err != nil {
		return fmt.Errorf("failed to finalize task: %w", err)
	}
	if !moved {
		slog.Warn("Result received for task no longer running", "task_id", taskID, "status", t.Status)
	}
	return nil
}

func enforceSizeCap(t *Task, payload map[string]any) error {
	capMB, ok := numericParam(t.Params, "max_size_mb")
	if !ok || capMB <= 0 {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: unencodable result payload", errs.ErrValidation)
	}
	if float64(len(raw)) > capMB*1024*1024 {
		return fmt.Errorf("%w: result payload exceeds %v MB cap", errs.ErrValidation, capMB)
	}
	return nil
}

func numericParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// SweepTimeouts moves running tasks past their deadline to timeout.
// Returns the number moved.
func (d *Distributor) SweepTimeouts(ctx context.Context) int {
	overdue, err := d.store.ListRunningPastDeadline(ctx, time.Now())
	if err != nil {
		slog.Error("Timeout sweep failed to list tasks", "error", err)
		return 0
	}
	moved := 0
	for _, t := range overdue {
		ok, err := d.store.TransitionStatus(ctx, t.ID, []Status{StatusRunning}, StatusTimeout)
		if err != nil {
			slog.Error("Timeout sweep transition failed", "task_id", t.ID, "error", err)
			continue
		}
		if ok {
			moved++
			slog.Warn("Task timed out", "task_id", t.ID, "implant_id", t.ImplantID, "timeout", t.Timeout)
		}
	}
	return moved
}

// AggregateOptions bounds the result aggregation window.
type AggregateOptions struct {
	ImplantID string
	Since     time.Time
}

// AggregateTaskResults groups result rows per implant into summary
// statistics for reporting.
func (d *Distributor) AggregateTaskResults(ctx context.Context, opts AggregateOptions) ([]ResultSummary, error) {
	rows, err := d.store.ListResults(ctx, opts.ImplantID, opts.Since)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	byImplant := make(map[string]*ResultSummary)
	order := make([]string, 0)
	now := time.Now()
	for _, r := range rows {
		s, ok := byImplant[r.ImplantID]
		if !ok {
			s = &ResultSummary{ImplantID: r.ImplantID, From: opts.Since, To: now}
			byImplant[r.ImplantID] = s
			order = append(order, r.ImplantID)
		}
		s.Results++
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	sort.Strings(order)
	out := make([]ResultSummary, 0, len(order))
	for _, id := range order {
		s := byImplant[id]
		if s.Results > 0 {
			s.SuccessRatio = float64(s.Succeeded) / float64(s.Results)
		}
		out = append(out, *s)
	}
	return out, nil
}
