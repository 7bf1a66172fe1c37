package bundle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/ospray/ospray-server/internal/errs"
)

const (
	tokenPrefix = "dt_"
	tokenBytes  = 32
)

// Every token validation failure is distinguishable to the caller.
var (
	ErrTokenNotFound     = fmt.Errorf("%w: download token not found", errs.ErrNotFound)
	ErrTokenRevoked      = fmt.Errorf("%w: download token revoked", errs.ErrStateConflict)
	ErrTokenExpired      = fmt.Errorf("%w: download token expired", errs.ErrStateConflict)
	ErrTokenExhausted    = fmt.Errorf("%w: download limit exceeded", errs.ErrStateConflict)
	ErrTokenIPNotAllowed = fmt.Errorf("%w: client address not allowed for this token", errs.ErrStateConflict)
	ErrBundleInactive    = fmt.Errorf("%w: bundle is inactive", errs.ErrStateConflict)
)

func randomToken(prefix string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken computes the SHA-256 hash stored in place of the plaintext.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", hash)
}

// GenerateToken issues a download token for an active bundle. The
// plaintext is returned exactly once; only its hash is stored.
func (s *Service) GenerateToken(ctx context.Context, bundleID, userID string, opts TokenOptions) (*Token, string, error) {
	b, err := s.store.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, "", err
	}
	if b.Status != BundleActive {
		return nil, "", ErrBundleInactive
	}
	for _, cidr := range opts.AllowedIPRanges {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return nil, "", fmt.Errorf("%w: invalid IP range %q", errs.ErrValidation, cidr)
		}
	}

	maxDownloads := opts.MaxDownloads
	if maxDownloads <= 0 {
		maxDownloads = defaultTokenDownloads
	}
	lifetime := opts.ExpiresIn
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}

	plaintext, err := randomToken(tokenPrefix)
	if err != nil {
		return nil, "", err
	}

	t := &Token{
		ID:              uuid.New().String(),
		BundleID:        bundleID,
		TokenHash:       HashToken(plaintext),
		MaxDownloads:    maxDownloads,
		ExpiresAt:       time.Now().Add(lifetime),
		AllowedIPRanges: opts.AllowedIPRanges,
		CreatedBy:       userID,
		CreatedAt:       time.Now(),
	}
	if err := s.store.InsertToken(ctx, t); err != nil {
		return nil, "", fmt.Errorf("failed to store download token: %w", err)
	}

	slog.Info("Download token issued",
		"token_id", t.ID,
		"bundle_id", bundleID,
		"max_downloads", maxDownloads,
		"expires_at", t.ExpiresAt)
	return t, plaintext, nil
}

// ValidateToken checks every gate without consuming budget: existence,
// revocation, expiry, remaining downloads, client IP, and bundle
// liveness. Each failure maps to its own error.
func (s *Service) ValidateToken(ctx context.Context, token, clientIP string) (*Token, *Bundle, error) {
	t, err := s.store.GetTokenByHash(ctx, HashToken(token))
	if err != nil {
		return nil, nil, ErrTokenNotFound
	}
	if t.RevokedAt != nil {
		return nil, nil, ErrTokenRevoked
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, nil, ErrTokenExpired
	}
	if t.Downloads >= t.MaxDownloads {
		return nil, nil, ErrTokenExhausted
	}
	if len(t.AllowedIPRanges) > 0 {
		if !ipAllowed(clientIP, t.AllowedIPRanges) {
			return nil, nil, ErrTokenIPNotAllowed
		}
	}
	b, err := s.store.GetBundle(ctx, t.BundleID)
	if err != nil {
		return nil, nil, ErrBundleInactive
	}
	if b.Status != BundleActive {
		return nil, nil, ErrBundleInactive
	}
	return t, b, nil
}

func ipAllowed(clientIP string, ranges []string) bool {
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	for _, cidr := range ranges {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// RecordDownload consumes one download unit from the token and the
// bundle. The token consumption is a single conditional increment, so
// two concurrent downloads of a one-shot token cannot both succeed.
func (s *Service) RecordDownload(ctx context.Context, token string) error {
	hash := HashToken(token)
	t, err := s.store.GetTokenByHash(ctx, hash)
	if err != nil {
		return ErrTokenNotFound
	}
	consumed, err := s.store.ConsumeToken(ctx, hash, time.Now())
	if err != nil {
		return fmt.Errorf("failed to consume download token: %w", err)
	}
	if !consumed {
		return ErrTokenExhausted
	}
	if err := s.store.IncrementBundleDownloads(ctx, t.BundleID); err != nil {
		slog.Error("Failed to increment bundle download count", "bundle_id", t.BundleID, "error", err)
	}
	return nil
}

// RevokeToken immediately invalidates the token.
func (s *Service) RevokeToken(ctx context.Context, tokenID string) error {
	ok, err := s.store.RevokeToken(ctx, tokenID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: token %s is already revoked", errs.ErrStateConflict, tokenID)
	}
	slog.Info("Download token revoked", "token_id", tokenID)
	return nil
}
