package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ospray/ospray-server/internal/errs"
	"github.com/ospray/ospray-server/internal/implants"
)

type ImplantStore struct {
	pool *pgxpool.Pool
}

func NewImplantStore(pool *pgxpool.Pool) *ImplantStore {
	return &ImplantStore{pool: pool}
}

const implantColumns = `id, name, type, status, capabilities, autonomy_level, max_concurrent,
	connection_quality, cert_fingerprint, last_heartbeat, created_at, updated_at`

func scanImplant(row pgx.Row) (*implants.Implant, error) {
	var imp implants.Implant
	err := row.Scan(&imp.ID, &imp.Name, &imp.Type, &imp.Status, &imp.Capabilities,
		&imp.AutonomyLevel, &imp.MaxConcurrent, &imp.ConnectionQuality,
		&imp.CertFingerprint, &imp.LastHeartbeat, &imp.CreatedAt, &imp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: implant not found", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan implant: %w", err)
	}
	return &imp, nil
}

func (s *ImplantStore) InsertImplant(ctx context.Context, imp *implants.Implant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO implants (id, name, type, status, capabilities, autonomy_level,
			max_concurrent, connection_quality, cert_fingerprint, last_heartbeat,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		imp.ID, imp.Name, imp.Type, imp.Status, imp.Capabilities, imp.AutonomyLevel,
		imp.MaxConcurrent, imp.ConnectionQuality, imp.CertFingerprint,
		imp.LastHeartbeat, imp.CreatedAt, imp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert implant: %w", err)
	}
	return nil
}

func (s *ImplantStore) GetImplant(ctx context.Context, id string) (*implants.Implant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+implantColumns+` FROM implants WHERE id = $1`, id)
	return scanImplant(row)
}

func (s *ImplantStore) ListImplants(ctx context.Context) ([]implants.Implant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+implantColumns+` FROM implants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list implants: %w", err)
	}
	defer rows.Close()

	var out []implants.Implant
	for rows.Next() {
		imp, err := scanImplant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *imp)
	}
	return out, rows.Err()
}

func (s *ImplantStore) TransitionStatus(ctx context.Context, id string, from []implants.Status, to implants.Status) (bool, error) {
	guards := make([]string, len(from))
	for i, st := range from {
		guards[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE implants SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, guards)
	if err != nil {
		return false, fmt.Errorf("failed to transition implant status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *ImplantStore) UpdateHeartbeat(ctx context.Context, id string, at time.Time, quality int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE implants SET last_heartbeat = $2, connection_quality = $3, updated_at = now()
		WHERE id = $1`,
		id, at, quality)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: implant not found", errs.ErrNotFound)
	}
	return nil
}

func (s *ImplantStore) UpdateTuning(ctx context.Context, id string, t implants.Tuning) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE implants SET
			autonomy_level = COALESCE($2, autonomy_level),
			max_concurrent = COALESCE($3, max_concurrent),
			capabilities = COALESCE($4, capabilities),
			updated_at = now()
		WHERE id = $1`,
		id, t.AutonomyLevel, t.MaxConcurrent, t.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to update implant tuning: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: implant not found", errs.ErrNotFound)
	}
	return nil
}

func (s *ImplantStore) LinkCertificate(ctx context.Context, id, fingerprint string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE implants SET cert_fingerprint = $2, updated_at = now() WHERE id = $1`,
		id, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to link certificate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: implant not found", errs.ErrNotFound)
	}
	return nil
}

func (s *ImplantStore) ListStaleConnected(ctx context.Context, cutoff time.Time) ([]implants.Implant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+implantColumns+` FROM implants
		WHERE status IN ('connected', 'idle', 'busy') AND last_heartbeat < $1`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale implants: %w", err)
	}
	defer rows.Close()

	var out []implants.Implant
	for rows.Next() {
		imp, err := scanImplant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *imp)
	}
	return out, rows.Err()
}

func (s *ImplantStore) InsertTelemetry(ctx context.Context, sample *implants.TelemetrySample) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO telemetry_samples (id, implant_id, cpu_percent, memory_mb,
			network_latency_ms, tasks_completed, tasks_failed, anomaly, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sample.ID, sample.ImplantID, sample.CPUPercent, sample.MemoryMB,
		sample.NetworkLatencyMs, sample.TasksCompleted, sample.TasksFailed,
		sample.Anomaly, sample.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry: %w", err)
	}
	return nil
}
