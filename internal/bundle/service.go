// Package bundle issues per-implant identities and packages deployable
// implant artifacts, gated by expiring, count-limited download tokens.
package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/ospray/ospray-server/internal/errs"
	"github.com/ospray/ospray-server/internal/identity"
	"github.com/ospray/ospray-server/internal/implants"
)

// Store is the durable bundle and token record interface. Download
// accounting is a single conditional increment at the store so
// concurrent fetches of the same token cannot double-spend.
type Store interface {
	InsertBundle(ctx context.Context, b *Bundle) error
	GetBundle(ctx context.Context, id string) (*Bundle, error)
	ListBundles(ctx context.Context) ([]Bundle, error)
	// DeactivateBundle soft-deletes; returns false when already inactive.
	DeactivateBundle(ctx context.Context, id string) (bool, error)
	IncrementBundleDownloads(ctx context.Context, id string) error
	InsertToken(ctx context.Context, t *Token) error
	GetTokenByHash(ctx context.Context, hash string) (*Token, error)
	// RevokeToken returns false when already revoked.
	RevokeToken(ctx context.Context, id string, at time.Time) (bool, error)
	// ConsumeToken atomically increments the token's download count,
	// guarded by revocation, expiry, and the remaining budget. Returns
	// false when any guard fails.
	ConsumeToken(ctx context.Context, hash string, now time.Time) (bool, error)
}

// Registrar creates the implant registry row for a generated bundle.
type Registrar interface {
	RegisterImplant(ctx context.Context, name, typ, autonomy string, capabilities []string, certFingerprint string) (*implants.Implant, error)
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultTokenDownloads    = 3
	defaultTokenLifetime     = 24 * time.Hour
)

type Service struct {
	store    Store
	builder  Builder
	certs    *identity.Service
	registry Registrar
	// packageDir receives the assembled zip artifacts.
	packageDir    string
	controllerURL string
}

func NewService(store Store, builder Builder, certs *identity.Service, registry Registrar, packageDir, controllerURL string) *Service {
	return &Service{
		store:         store,
		builder:       builder,
		certs:         certs,
		registry:      registry,
		packageDir:    packageDir,
		controllerURL: controllerURL,
	}
}

// implantConfig is the configuration artifact embedded in the bundle.
type implantConfig struct {
	ControllerURL     string `toml:"controller_url"`
	CertSerial        string `toml:"cert_serial"`
	CertFingerprint   string `toml:"cert_fingerprint"`
	AuthToken         string `toml:"auth_token"`
	HeartbeatInterval int    `toml:"heartbeat_interval_seconds"`
	AutonomyLevel     string `toml:"autonomy_level"`
}

// GenerateBundle runs the full issuance pipeline: build the binary,
// sign a fresh identity, render the configuration artifact, assemble
// the package, and only then record the certificate, implant, and
// bundle. A failure at any step aborts without registering partial
// state as valid.
func (s *Service) GenerateBundle(ctx context.Context, opts GenerateOptions) (*GenerateResult, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: bundle name is required", errs.ErrValidation)
	}
	if opts.Platform == "" || opts.Arch == "" {
		return nil, fmt.Errorf("%w: platform and architecture are required", errs.ErrValidation)
	}
	controllerURL := opts.ControllerURL
	if controllerURL == "" {
		controllerURL = s.controllerURL
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	bundleID := uuid.New().String()

	binaryPath, err := s.builder.Build(ctx, BuildSpec{
		Platform: opts.Platform,
		Arch:     opts.Arch,
		Features: opts.Features,
		BundleID: bundleID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: implant build failed: %v", errs.ErrDependencyFailed, err)
	}

	material, err := s.certs.IssueMaterial(opts.Name)
	if err != nil {
		return nil, err
	}

	authToken, err := randomToken("bt_")
	if err != nil {
		return nil, fmt.Errorf("failed to generate bundle auth token: %w", err)
	}

	var confBuf bytes.Buffer
	if err := toml.NewEncoder(&confBuf).Encode(implantConfig{
		ControllerURL:     controllerURL,
		CertSerial:        material.SerialNumber,
		CertFingerprint:   material.Fingerprint,
		AuthToken:         authToken,
		HeartbeatInterval: int(heartbeat.Seconds()),
		AutonomyLevel:     opts.AutonomyLevel,
	}); err != nil {
		return nil, fmt.Errorf("failed to render implant config: %w", err)
	}

	packagePath := filepath.Join(s.packageDir, bundleID+".zip")
	if err := s.assemblePackage(packagePath, binaryPath, material, confBuf.Bytes(), opts); err != nil {
		return nil, fmt.Errorf("%w: bundle packaging failed: %v", errs.ErrDependencyFailed, err)
	}

	// Everything succeeded; persist the durable entities.
	imp, err := s.registry.RegisterImplant(ctx, opts.Name, opts.Type, opts.AutonomyLevel, opts.Capabilities, material.Fingerprint)
	if err != nil {
		return nil, err
	}
	cert, err := s.certs.Record(ctx, material, imp.ID)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		ID:            bundleID,
		Name:          opts.Name,
		ImplantID:     imp.ID,
		CertificateID: cert.ID,
		Platform:      opts.Platform,
		Arch:          opts.Arch,
		Features:      opts.Features,
		ControllerURL: controllerURL,
		FilePath:      packagePath,
		Status:        BundleActive,
		CreatedBy:     opts.CreatedBy,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := s.store.InsertBundle(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to record bundle: %w", err)
	}

	result := &GenerateResult{Bundle: b, CertificateID: cert.ID, ImplantID: imp.ID}
	if opts.AutoToken {
		_, plaintext, err := s.GenerateToken(ctx, b.ID, opts.CreatedBy, TokenOptions{
			MaxDownloads: opts.TokenMaxDownloads,
			ExpiresIn:    opts.TokenExpiresIn,
		})
		if err != nil {
			return nil, err
		}
		result.Token = plaintext
	}

	slog.Info("Bundle generated",
		"bundle_id", b.ID,
		"implant_id", imp.ID,
		"certificate_id", cert.ID,
		"platform", opts.Platform,
		"arch", opts.Arch)
	return result, nil
}

func (s *Service) assemblePackage(packagePath, binaryPath string, material *identity.IssuedMaterial, config []byte, opts GenerateOptions) error {
	if err := os.MkdirAll(filepath.Dir(packagePath), 0755); err != nil {
		return err
	}
	out, err := os.Create(packagePath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	binary, err := os.ReadFile(binaryPath)
	if err != nil {
		return fmt.Errorf("failed to read implant binary: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{"implant", binary},
		{"implant.crt", material.CertPEM},
		{"implant.key", material.KeyPEM},
		{"ca.crt", s.certs.Authority().CAPEM()},
		{"config.toml", config},
		{"INSTRUCTIONS.md", instructions(opts)},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return err
		}
		if _, err := w.Write(f.data); err != nil {
			return err
		}
	}
	return zw.Close()
}

func instructions(opts GenerateOptions) []byte {
	return []byte(fmt.Sprintf(`# Implant deployment

Target: %s/%s

1. Copy all files to the target host.
2. Keep implant.key readable only by the executing user.
3. Run ./implant from the directory containing config.toml.

The implant authenticates with implant.crt against the controller's CA
and begins heartbeating immediately.
`, opts.Platform, opts.Arch))
}

func (s *Service) GetBundle(ctx context.Context, id string) (*Bundle, error) {
	return s.store.GetBundle(ctx, id)
}

func (s *Service) ListBundles(ctx context.Context) ([]Bundle, error) {
	return s.store.ListBundles(ctx)
}

// DeactivateBundle soft-deletes the bundle; download flows treat it as
// nonexistent from this instant on.
func (s *Service) DeactivateBundle(ctx context.Context, id string) error {
	if _, err := s.store.GetBundle(ctx, id); err != nil {
		return err
	}
	ok, err := s.store.DeactivateBundle(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate bundle: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: bundle %s is already inactive", errs.ErrStateConflict, id)
	}
	slog.Info("Bundle deactivated", "bundle_id", id)
	return nil
}
