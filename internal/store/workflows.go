package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ospray/ospray-server/internal/errs"
	"github.com/ospray/ospray-server/internal/workflow"
)

type WorkflowStore struct {
	pool *pgxpool.Pool
}

func NewWorkflowStore(pool *pgxpool.Pool) *WorkflowStore {
	return &WorkflowStore{pool: pool}
}

const workflowColumns = `id, name, status, kill_reason, kill_details, killed_at,
	created_by, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*workflow.Workflow, error) {
	var w workflow.Workflow
	err := row.Scan(&w.ID, &w.Name, &w.Status, &w.KillReason, &w.KillDetails,
		&w.KilledAt, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: workflow not found", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}
	return &w, nil
}

func (s *WorkflowStore) InsertWorkflow(ctx context.Context, w *workflow.Workflow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflows (id, name, status, kill_reason, kill_details, killed_at,
			created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.Name, w.Status, w.KillReason, w.KillDetails, w.KilledAt,
		w.CreatedBy, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

func (s *WorkflowStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

func (s *WorkflowStore) ListWorkflows(ctx context.Context) ([]workflow.Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+` FROM workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []workflow.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *WorkflowStore) TransitionStatus(ctx context.Context, id string, from []workflow.Status, to workflow.Status) (bool, error) {
	guards := make([]string, len(from))
	for i, st := range from {
		guards[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, guards)
	if err != nil {
		return false, fmt.Errorf("failed to transition workflow status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *WorkflowStore) ActivateKill(ctx context.Context, id string, reason workflow.KillReason, details string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET status = 'aborted', kill_reason = $2, kill_details = $3,
			killed_at = $4, updated_at = $4
		WHERE id = $1 AND status IN ('created', 'running')`,
		id, reason, details, at)
	if err != nil {
		return false, fmt.Errorf("failed to activate kill switch: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
