package identity

import (
	"time"
)

// Certificate is an issued client identity as recorded in the store.
// Once Revoked is set the certificate is never treated as valid again,
// regardless of its validity window.
type Certificate struct {
	ID            string
	SerialNumber  string
	Fingerprint   string
	CertPEM       string
	IssuerName    string
	NotBefore     time.Time
	NotAfter      time.Time
	Revoked       bool
	RevokedReason string
	RevokedAt     *time.Time
	ImplantID     string
	CreatedAt     time.Time
}

// IssuedMaterial is freshly signed key material that has not been
// persisted yet. Bundle generation records it only after the whole
// pipeline succeeds.
type IssuedMaterial struct {
	SerialNumber string
	Fingerprint  string
	CertPEM      []byte
	KeyPEM       []byte
	IssuerName   string
	NotBefore    time.Time
	NotAfter     time.Time
}
