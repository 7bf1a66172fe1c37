package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ospray/ospray-server/internal/bundle"
	"github.com/ospray/ospray-server/internal/errs"
)

type BundleStore struct {
	pool *pgxpool.Pool
}

func NewBundleStore(pool *pgxpool.Pool) *BundleStore {
	return &BundleStore{pool: pool}
}

const bundleColumns = `id, name, implant_id, certificate_id, platform, arch, features,
	controller_url, file_path, status, download_count, created_by, created_at, updated_at`

func scanBundle(row pgx.Row) (*bundle.Bundle, error) {
	var b bundle.Bundle
	err := row.Scan(&b.ID, &b.Name, &b.ImplantID, &b.CertificateID, &b.Platform,
		&b.Arch, &b.Features, &b.ControllerURL, &b.FilePath, &b.Status,
		&b.DownloadCount, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: bundle not found", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan bundle: %w", err)
	}
	return &b, nil
}

func (s *BundleStore) InsertBundle(ctx context.Context, b *bundle.Bundle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bundles (id, name, implant_id, certificate_id, platform, arch, features,
			controller_url, file_path, status, download_count, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		b.ID, b.Name, b.ImplantID, b.CertificateID, b.Platform, b.Arch, b.Features,
		b.ControllerURL, b.FilePath, b.Status, b.DownloadCount, b.CreatedBy,
		b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bundle: %w", err)
	}
	return nil
}

func (s *BundleStore) GetBundle(ctx context.Context, id string) (*bundle.Bundle, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bundleColumns+` FROM bundles WHERE id = $1`, id)
	return scanBundle(row)
}

func (s *BundleStore) ListBundles(ctx context.Context) ([]bundle.Bundle, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bundleColumns+` FROM bundles ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}
	defer rows.Close()

	var out []bundle.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *BundleStore) DeactivateBundle(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bundles SET status = 'inactive', updated_at = now()
		WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate bundle: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *BundleStore) IncrementBundleDownloads(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bundles SET download_count = download_count + 1, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment bundle downloads: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: bundle not found", errs.ErrNotFound)
	}
	return nil
}

func (s *BundleStore) InsertToken(ctx context.Context, t *bundle.Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO download_tokens (id, bundle_id, token_hash, max_downloads, downloads,
			expires_at, allowed_ip_ranges, revoked_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.BundleID, t.TokenHash, t.MaxDownloads, t.Downloads, t.ExpiresAt,
		t.AllowedIPRanges, t.RevokedAt, t.CreatedBy, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert download token: %w", err)
	}
	return nil
}

func (s *BundleStore) GetTokenByHash(ctx context.Context, hash string) (*bundle.Token, error) {
	var t bundle.Token
	err := s.pool.QueryRow(ctx, `
		SELECT id, bundle_id, token_hash, max_downloads, downloads, expires_at,
			allowed_ip_ranges, revoked_at, created_by, created_at
		FROM download_tokens WHERE token_hash = $1`, hash).
		Scan(&t.ID, &t.BundleID, &t.TokenHash, &t.MaxDownloads, &t.Downloads,
			&t.ExpiresAt, &t.AllowedIPRanges, &t.RevokedAt, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: download token not found", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get download token: %w", err)
	}
	return &t, nil
}

func (s *BundleStore) RevokeToken(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_tokens SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to revoke download token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ConsumeToken spends one download in a single conditional increment so
// two concurrent redemptions of a one-download token cannot both pass.
func (s *BundleStore) ConsumeToken(ctx context.Context, hash string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_tokens SET downloads = downloads + 1
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2
		  AND downloads < max_downloads`,
		hash, now)
	if err != nil {
		return false, fmt.Errorf("failed to consume download token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
