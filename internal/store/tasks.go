package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ospray/ospray-server/internal/errs"
	"github.com/ospray/ospray-server/internal/tasks"
)

type TaskStore struct {
	pool *pgxpool.Pool
}

func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

const taskColumns = `id, type, name, params, priority, timeout_seconds, depends_on,
	required_capability, status, implant_id, workflow_id, created_by, attempts,
	max_attempts, eligible_at, created_at, updated_at, started_at, finished_at`

func scanTask(row pgx.Row) (*tasks.Task, error) {
	var t tasks.Task
	var timeoutSeconds int64
	err := row.Scan(&t.ID, &t.Type, &t.Name, &t.Params, &t.Priority, &timeoutSeconds,
		&t.DependsOn, &t.RequiredCapability, &t.Status, &t.ImplantID, &t.WorkflowID,
		&t.CreatedBy, &t.Attempts, &t.MaxAttempts, &t.EligibleAt, &t.CreatedAt,
		&t.UpdatedAt, &t.StartedAt, &t.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: task not found", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Timeout = time.Duration(timeoutSeconds) * time.Second
	return &t, nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]tasks.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *TaskStore) InsertTask(ctx context.Context, t *tasks.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, type, name, params, priority, timeout_seconds, depends_on,
			required_capability, status, implant_id, workflow_id, created_by, attempts,
			max_attempts, eligible_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.Type, t.Name, t.Params, t.Priority, int64(t.Timeout/time.Second),
		t.DependsOn, t.RequiredCapability, t.Status, t.ImplantID, t.WorkflowID,
		t.CreatedBy, t.Attempts, t.MaxAttempts, t.EligibleAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *TaskStore) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *TaskStore) ListQueued(ctx context.Context) ([]tasks.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'queued'
		ORDER BY priority DESC, created_at ASC`)
}

func (s *TaskStore) ListByWorkflow(ctx context.Context, workflowID string) ([]tasks.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE workflow_id = $1 ORDER BY created_at`,
		workflowID)
}

func (s *TaskStore) ListByStatus(ctx context.Context, status tasks.Status) ([]tasks.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at`,
		status)
}

func (s *TaskStore) ListDependents(ctx context.Context, id string) ([]tasks.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE $1 = ANY(depends_on)`,
		id)
}

func (s *TaskStore) StatusesOf(ctx context.Context, ids []string) (map[string]tasks.Status, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, status FROM tasks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query task statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]tasks.Status, len(ids))
	for rows.Next() {
		var id string
		var status tasks.Status
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan task status: %w", err)
		}
		out[id] = status
	}
	return out, rows.Err()
}

// ClaimForAssignment is the single point where a task becomes running.
// The queued guard, the eligibility gate, and the aborted-workflow check
// all live in one conditional UPDATE so concurrent assignment passes
// cannot double-claim.
func (s *TaskStore) ClaimForAssignment(ctx context.Context, taskID, implantID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'running', implant_id = $2, started_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'queued' AND eligible_at <= $3
		  AND (workflow_id = '' OR NOT EXISTS (
			SELECT 1 FROM workflows w
			WHERE w.id::text = tasks.workflow_id AND w.status = 'aborted'))`,
		taskID, implantID, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *TaskStore) TransitionStatus(ctx context.Context, id string, from []tasks.Status, to tasks.Status) (bool, error) {
	guards := make([]string, len(from))
	for i, st := range from {
		guards[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = now(),
			finished_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled', 'timeout')
				THEN now() ELSE finished_at END
		WHERE id = $1 AND status = ANY($3)`,
		id, to, guards)
	if err != nil {
		return false, fmt.Errorf("failed to transition task status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *TaskStore) RequeueFailed(ctx context.Context, id string, eligibleAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'queued', attempts = attempts + 1, eligible_at = $2,
			implant_id = '', started_at = NULL, finished_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed' AND attempts < max_attempts`,
		id, eligibleAt)
	if err != nil {
		return false, fmt.Errorf("failed to requeue task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *TaskStore) CountRunningByImplant(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT implant_id, count(*) FROM tasks WHERE status = 'running' GROUP BY implant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count running tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan running count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (s *TaskStore) CountByStatus(ctx context.Context) (map[tasks.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[tasks.Status]int)
	for rows.Next() {
		var status tasks.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *TaskStore) ListRunningPastDeadline(ctx context.Context, now time.Time) ([]tasks.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running' AND started_at IS NOT NULL
		  AND started_at + make_interval(secs => timeout_seconds) < $1`,
		now)
}

func (s *TaskStore) InsertResult(ctx context.Context, r *tasks.Result) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_results (id, task_id, implant_id, success, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.TaskID, r.ImplantID, r.Success, r.Payload, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task result: %w", err)
	}
	return nil
}

func (s *TaskStore) ListResults(ctx context.Context, implantID string, since time.Time) ([]tasks.Result, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, implant_id, success, payload, created_at FROM task_results
		WHERE ($1 = '' OR implant_id = $1) AND created_at >= $2
		ORDER BY created_at`,
		implantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	var out []tasks.Result
	for rows.Next() {
		var r tasks.Result
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ImplantID, &r.Success, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
