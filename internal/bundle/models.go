package bundle

import (
	"time"
)

type BundleStatus string

const (
	BundleActive   BundleStatus = "active"
	BundleInactive BundleStatus = "inactive"
)

// Bundle is a packaged, deployable implant artifact bound to one
// certificate and one platform/architecture pair. Bundles are
// deactivated rather than deleted so the audit trail survives.
type Bundle struct {
	ID            string
	Name          string
	ImplantID     string
	CertificateID string
	Platform      string
	Arch          string
	Features      []string
	ControllerURL string
	FilePath      string
	Status        BundleStatus
	DownloadCount int
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Token is an expiring, count-limited capability to fetch one bundle.
// Only the SHA-256 hash of the token value is stored.
type Token struct {
	ID              string
	BundleID        string
	TokenHash       string
	MaxDownloads    int
	Downloads       int
	ExpiresAt       time.Time
	AllowedIPRanges []string
	RevokedAt       *time.Time
	CreatedBy       string
	CreatedAt       time.Time
}

// GenerateOptions parameterizes one bundle generation.
type GenerateOptions struct {
	Name              string
	Type              string
	Platform          string
	Arch              string
	Features          []string
	Capabilities      []string
	ControllerURL     string
	AutonomyLevel     string
	HeartbeatInterval time.Duration
	CreatedBy         string
	// AutoToken issues a download token alongside the bundle.
	AutoToken         bool
	TokenMaxDownloads int
	TokenExpiresIn    time.Duration
}

// TokenOptions parameterizes download-token issuance.
type TokenOptions struct {
	MaxDownloads    int
	ExpiresIn       time.Duration
	AllowedIPRanges []string
}

// GenerateResult is everything one successful generation produced.
type GenerateResult struct {
	Bundle        *Bundle
	CertificateID string
	ImplantID     string
	// Token is the plaintext auto-issued download token, shown once.
	Token string
}
