package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ospray/ospray-server/internal/errs"
	"github.com/ospray/ospray-server/internal/identity"
)

type CertificateStore struct {
	pool *pgxpool.Pool
}

func NewCertificateStore(pool *pgxpool.Pool) *CertificateStore {
	return &CertificateStore{pool: pool}
}

const certColumns = `id, serial_number, fingerprint, cert_pem, issuer_name, not_before,
	not_after, revoked, revoked_reason, revoked_at, implant_id, created_at`

func scanCertificate(row pgx.Row) (*identity.Certificate, error) {
	var c identity.Certificate
	err := row.Scan(&c.ID, &c.SerialNumber, &c.Fingerprint, &c.CertPEM, &c.IssuerName,
		&c.NotBefore, &c.NotAfter, &c.Revoked, &c.RevokedReason, &c.RevokedAt,
		&c.ImplantID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: certificate not found", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan certificate: %w", err)
	}
	return &c, nil
}

func (s *CertificateStore) InsertCertificate(ctx context.Context, c *identity.Certificate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO certificates (id, serial_number, fingerprint, cert_pem, issuer_name,
			not_before, not_after, revoked, revoked_reason, revoked_at, implant_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.SerialNumber, c.Fingerprint, c.CertPEM, c.IssuerName, c.NotBefore,
		c.NotAfter, c.Revoked, c.RevokedReason, c.RevokedAt, c.ImplantID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert certificate: %w", err)
	}
	return nil
}

func (s *CertificateStore) GetCertificate(ctx context.Context, id string) (*identity.Certificate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+certColumns+` FROM certificates WHERE id = $1`, id)
	return scanCertificate(row)
}

func (s *CertificateStore) GetCertificateBySerial(ctx context.Context, serial string) (*identity.Certificate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+certColumns+` FROM certificates WHERE serial_number = $1`, serial)
	return scanCertificate(row)
}

func (s *CertificateStore) ListCertificates(ctx context.Context) ([]identity.Certificate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+certColumns+` FROM certificates ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	var out []identity.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *CertificateStore) Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE certificates SET revoked = true, revoked_reason = $2, revoked_at = $3
		WHERE id = $1 AND NOT revoked`,
		id, reason, at)
	if err != nil {
		return false, fmt.Errorf("failed to revoke certificate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *CertificateStore) LinkImplant(ctx context.Context, id, implantID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE certificates SET implant_id = $2 WHERE id = $1`,
		id, implantID)
	if err != nil {
		return fmt.Errorf("failed to link certificate to implant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: certificate not found", errs.ErrNotFound)
	}
	return nil
}
