package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ospray/ospray-server/internal/errs"
)

// DefaultValidity is the issued-certificate validity window.
const DefaultValidity = 90 * 24 * time.Hour

// Store is the durable certificate record interface.
type Store interface {
	InsertCertificate(ctx context.Context, c *Certificate) error
	GetCertificate(ctx context.Context, id string) (*Certificate, error)
	GetCertificateBySerial(ctx context.Context, serial string) (*Certificate, error)
	ListCertificates(ctx context.Context) ([]Certificate, error)
	// Revoke marks the certificate revoked; returns false when it
	// already was.
	Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error)
	LinkImplant(ctx context.Context, id, implantID string) error
}

type Service struct {
	store     Store
	authority *Authority
	validity  time.Duration
}

func NewService(store Store, authority *Authority, validity time.Duration) *Service {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Service{store: store, authority: authority, validity: validity}
}

func (s *Service) Authority() *Authority { return s.authority }

// IssueMaterial signs fresh key material without persisting anything.
// Bundle generation calls Record once the rest of its pipeline succeeds.
func (s *Service) IssueMaterial(commonName string) (*IssuedMaterial, error) {
	m, err := s.authority.IssueClientCert(commonName, s.validity)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate signing failed: %v", errs.ErrDependencyFailed, err)
	}
	return m, nil
}

// Record persists issued material as a certificate entity.
func (s *Service) Record(ctx context.Context, m *IssuedMaterial, implantID string) (*Certificate, error) {
	c := &Certificate{
		ID:           uuid.New().String(),
		SerialNumber: m.SerialNumber,
		Fingerprint:  m.Fingerprint,
		CertPEM:      string(m.CertPEM),
		IssuerName:   m.IssuerName,
		NotBefore:    m.NotBefore,
		NotAfter:     m.NotAfter,
		ImplantID:    implantID,
		CreatedAt:    time.Now(),
	}
	if err := s.store.InsertCertificate(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to record certificate: %w", err)
	}
	slog.Info("Certificate recorded",
		"certificate_id", c.ID,
		"serial", c.SerialNumber,
		"not_after", c.NotAfter)
	return c, nil
}

func (s *Service) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	return s.store.GetCertificate(ctx, id)
}

func (s *Service) ListCertificates(ctx context.Context) ([]Certificate, error) {
	return s.store.ListCertificates(ctx)
}

// Revoke flags the certificate. Revocation wins over the validity
// window from this instant on and cannot be undone.
func (s *Service) Revoke(ctx context.Context, id, reason string) error {
	if _, err := s.store.GetCertificate(ctx, id); err != nil {
		return err
	}
	ok, err := s.store.Revoke(ctx, id, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to revoke certificate: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: certificate %s is already revoked", errs.ErrStateConflict, id)
	}
	slog.Warn("Certificate revoked", "certificate_id", id, "reason", reason)
	return nil
}

// Verify reports whether the certificate identified by serial is
// currently valid: known, not revoked, and inside its window.
func (s *Service) Verify(ctx context.Context, serial string) error {
	c, err := s.store.GetCertificateBySerial(ctx, serial)
	if err != nil {
		return err
	}
	if c.Revoked {
		return fmt.Errorf("%w: certificate %s is revoked", errs.ErrStateConflict, serial)
	}
	now := time.Now()
	if now.Before(c.NotBefore) || now.After(c.NotAfter) {
		return fmt.Errorf("%w: certificate %s is outside its validity window", errs.ErrStateConflict, serial)
	}
	return nil
}

// LinkImplant records which implant registered with the certificate.
func (s *Service) LinkImplant(ctx context.Context, certID, implantID string) error {
	if err := s.store.LinkImplant(ctx, certID, implantID); err != nil {
		return fmt.Errorf("failed to link certificate to implant: %w", err)
	}
	return nil
}
