package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ospray/ospray-server/internal/auth"
	"github.com/ospray/ospray-server/internal/errs"
)

type OperatorStore struct {
	pool *pgxpool.Pool
}

func NewOperatorStore(pool *pgxpool.Pool) *OperatorStore {
	return &OperatorStore{pool: pool}
}

func (s *OperatorStore) InsertOperator(ctx context.Context, o *auth.Operator) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operators (id, username, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		o.ID, o.Username, o.PasswordHash, o.Role, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert operator: %w", err)
	}
	return nil
}

func (s *OperatorStore) GetOperatorByUsername(ctx context.Context, username string) (*auth.Operator, error) {
	var o auth.Operator
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM operators WHERE username = $1`, username).
		Scan(&o.ID, &o.Username, &o.PasswordHash, &o.Role, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: operator not found", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get operator: %w", err)
	}
	return &o, nil
}

func (s *OperatorStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM operators WHERE username = $1)`, username).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return exists, nil
}
