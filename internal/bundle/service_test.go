package bundle

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ospray/ospray-server/internal/errs"
	"github.com/ospray/ospray-server/internal/identity"
	"github.com/ospray/ospray-server/internal/implants"
)

// One in-memory CA for the package; RSA key generation is too slow to
// repeat per test.
var (
	caOnce sync.Once
	ca     *identity.Authority
	caErr  error
)

func testCA(t *testing.T) *identity.Authority {
	t.Helper()
	caOnce.Do(func() {
		ca, caErr = identity.NewAuthorityInMemory()
	})
	require.NoError(t, caErr)
	return ca
}

type fakeBundleStore struct {
	mu      sync.Mutex
	bundles map[string]*Bundle
	tokens  map[string]*Token
}

func newFakeBundleStore() *fakeBundleStore {
	return &fakeBundleStore{
		bundles: make(map[string]*Bundle),
		tokens:  make(map[string]*Token),
	}
}

func (s *fakeBundleStore) InsertBundle(_ context.Context, b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bundles[b.ID] = &cp
	return nil
}

func (s *fakeBundleStore) GetBundle(_ context.Context, id string) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *fakeBundleStore) ListBundles(_ context.Context) ([]Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		out = append(out, *b)
	}
	return out, nil
}

func (s *fakeBundleStore) DeactivateBundle(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[id]
	if !ok || b.Status != BundleActive {
		return false, nil
	}
	b.Status = BundleInactive
	return true, nil
}

func (s *fakeBundleStore) IncrementBundleDownloads(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[id]
	if !ok {
		return errs.ErrNotFound
	}
	b.DownloadCount++
	return nil
}

func (s *fakeBundleStore) InsertToken(_ context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.TokenHash] = &cp
	return nil
}

func (s *fakeBundleStore) GetTokenByHash(_ context.Context, hash string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeBundleStore) RevokeToken(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.ID == id {
			if t.RevokedAt != nil {
				return false, nil
			}
			t.RevokedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeBundleStore) ConsumeToken(_ context.Context, hash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok || t.RevokedAt != nil || now.After(t.ExpiresAt) || t.Downloads >= t.MaxDownloads {
		return false, nil
	}
	t.Downloads++
	return true, nil
}

type fakeCertStore struct {
	mu    sync.Mutex
	certs map[string]*identity.Certificate
}

func newFakeCertStore() *fakeCertStore {
	return &fakeCertStore{certs: make(map[string]*identity.Certificate)}
}

func (s *fakeCertStore) InsertCertificate(_ context.Context, c *identity.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.certs[c.ID] = &cp
	return nil
}

func (s *fakeCertStore) GetCertificate(_ context.Context, id string) (*identity.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeCertStore) GetCertificateBySerial(_ context.Context, serial string) (*identity.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.certs {
		if c.SerialNumber == serial {
			cp := *c
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *fakeCertStore) ListCertificates(_ context.Context) ([]identity.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]identity.Certificate, 0, len(s.certs))
	for _, c := range s.certs {
		out = append(out, *c)
	}
	return out, nil
}

func (s *fakeCertStore) Revoke(_ context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[id]
	if !ok || c.Revoked {
		return false, nil
	}
	c.Revoked = true
	c.RevokedReason = reason
	c.RevokedAt = &at
	return true, nil
}

func (s *fakeCertStore) LinkImplant(_ context.Context, id, implantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[id]
	if !ok {
		return errs.ErrNotFound
	}
	c.ImplantID = implantID
	return nil
}

type fakeBuilder struct {
	dir    string
	fail   bool
	builds int
}

func (b *fakeBuilder) Build(_ context.Context, spec BuildSpec) (string, error) {
	b.builds++
	if b.fail {
		return "", fmt.Errorf("builder image missing")
	}
	path := filepath.Join(b.dir, "implant-"+spec.BundleID)
	if err := os.WriteFile(path, []byte("fake implant binary"), 0755); err != nil {
		return "", err
	}
	return path, nil
}

type fakeRegistrar struct {
	mu         sync.Mutex
	seq        int
	registered []*implants.Implant
}

func (r *fakeRegistrar) RegisterImplant(_ context.Context, name, typ, autonomy string, capabilities []string, certFingerprint string) (*implants.Implant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	imp := &implants.Implant{
		ID:              fmt.Sprintf("imp-%d", r.seq),
		Name:            name,
		Type:            typ,
		Status:          implants.StatusDisconnected,
		Capabilities:    capabilities,
		AutonomyLevel:   autonomy,
		CertFingerprint: certFingerprint,
	}
	r.registered = append(r.registered, imp)
	return imp, nil
}

type bundleFixture struct {
	svc       *Service
	store     *fakeBundleStore
	certs     *fakeCertStore
	registrar *fakeRegistrar
	builder   *fakeBuilder
}

func newBundleFixture(t *testing.T) *bundleFixture {
	t.Helper()
	dir := t.TempDir()
	store := newFakeBundleStore()
	certs := newFakeCertStore()
	registrar := &fakeRegistrar{}
	builder := &fakeBuilder{dir: dir}
	certSvc := identity.NewService(certs, testCA(t), 0)
	svc := NewService(store, builder, certSvc, registrar, filepath.Join(dir, "packages"), "https://controller.example:8443")
	return &bundleFixture{svc: svc, store: store, certs: certs, registrar: registrar, builder: builder}
}

func TestGenerateBundleValidation(t *testing.T) {
	ctx := context.Background()
	f := newBundleFixture(t)

	_, err := f.svc.GenerateBundle(ctx, GenerateOptions{Platform: "linux", Arch: "amd64"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.svc.GenerateBundle(ctx, GenerateOptions{Name: "alpha"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	assert.Zero(t, f.builder.builds, "validation failures never reach the builder")
}

func TestGenerateBundleBuildFailureLeavesNoState(t *testing.T) {
	ctx := context.Background()
	f := newBundleFixture(t)
	f.builder.fail = true

	_, err := f.svc.GenerateBundle(ctx, GenerateOptions{Name: "alpha", Platform: "linux", Arch: "amd64"})
	assert.ErrorIs(t, err, errs.ErrDependencyFailed)

	assert.Empty(t, f.registrar.registered)
	certs, err := f.certs.ListCertificates(ctx)
	require.NoError(t, err)
	assert.Empty(t, certs)
	bundles, err := f.store.ListBundles(ctx)
	require.NoError(t, err)
	assert.Empty(t, bundles)
}

func TestGenerateBundle(t *testing.T) {
	ctx := context.Background()
	f := newBundleFixture(t)

	result, err := f.svc.GenerateBundle(ctx, GenerateOptions{
		Name:          "alpha",
		Type:          "recon",
		Platform:      "linux",
		Arch:          "amd64",
		Capabilities:  []string{"network_scan"},
		AutonomyLevel: "supervised",
		CreatedBy:     "operator-1",
		AutoToken:     true,
	})
	require.NoError(t, err)

	b := result.Bundle
	assert.Equal(t, BundleActive, b.Status)
	assert.Equal(t, result.ImplantID, b.ImplantID)
	assert.Equal(t, result.CertificateID, b.CertificateID)
	assert.NotEmpty(t, result.Token, "auto-issued token is returned in plaintext")

	require.Len(t, f.registrar.registered, 1)
	imp := f.registrar.registered[0]
	assert.Equal(t, "recon", imp.Type)
	assert.Equal(t, []string{"network_scan"}, imp.Capabilities)

	cert, err := f.certs.GetCertificate(ctx, b.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, imp.ID, cert.ImplantID)
	assert.Equal(t, imp.CertFingerprint, cert.Fingerprint)

	// The package contains the binary, the identity material, and a
	// config whose serial matches the recorded certificate.
	zr, err := zip.OpenReader(b.FilePath)
	require.NoError(t, err)
	defer zr.Close()

	names := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		names[zf.Name] = zf
	}
	for _, want := range []string{"implant", "implant.crt", "implant.key", "ca.crt", "config.toml", "INSTRUCTIONS.md"} {
		assert.Contains(t, names, want)
	}

	confFile, err := names["config.toml"].Open()
	require.NoError(t, err)
	defer confFile.Close()
	var conf implantConfig
	_, err = toml.NewDecoder(confFile).Decode(&conf)
	require.NoError(t, err)
	assert.Equal(t, cert.SerialNumber, conf.CertSerial)
	assert.Equal(t, "https://controller.example:8443", conf.ControllerURL)
	assert.Equal(t, "supervised", conf.AutonomyLevel)
	assert.Equal(t, 30, conf.HeartbeatInterval)

	// The auto-issued token validates against the new bundle.
	tok, gotBundle, err := f.svc.ValidateToken(ctx, result.Token, "203.0.113.10")
	require.NoError(t, err)
	assert.Equal(t, b.ID, tok.BundleID)
	assert.Equal(t, b.ID, gotBundle.ID)
}

func TestGenerateTokenGates(t *testing.T) {
	ctx := context.Background()
	f := newBundleFixture(t)

	_, _, err := f.svc.GenerateToken(ctx, "missing", "operator-1", TokenOptions{})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, f.store.InsertBundle(ctx, &Bundle{ID: "b-1", Status: BundleActive}))
	require.NoError(t, f.store.InsertBundle(ctx, &Bundle{ID: "b-dead", Status: BundleInactive}))

	_, _, err = f.svc.GenerateToken(ctx, "b-dead", "operator-1", TokenOptions{})
	assert.ErrorIs(t, err, ErrBundleInactive)

	_, _, err = f.svc.GenerateToken(ctx, "b-1", "operator-1", TokenOptions{AllowedIPRanges: []string{"not-a-cidr"}})
	assert.ErrorIs(t, err, errs.ErrValidation)

	tok, plaintext, err := f.svc.GenerateToken(ctx, "b-1", "operator-1", TokenOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, tok.MaxDownloads)
	assert.Equal(t, HashToken(plaintext), tok.TokenHash)
	assert.NotContains(t, tok.TokenHash, plaintext, "only the hash is stored")
}

func TestValidateTokenGates(t *testing.T) {
	ctx := context.Background()
	f := newBundleFixture(t)
	require.NoError(t, f.store.InsertBundle(ctx, &Bundle{ID: "b-1", Status: BundleActive}))

	_, _, err := f.svc.ValidateToken(ctx, "dt_unknown", "203.0.113.10")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	tok, plaintext, err := f.svc.GenerateToken(ctx, "b-1", "operator-1", TokenOptions{
		MaxDownloads:    1,
		AllowedIPRanges: []string{"203.0.113.0/24"},
	})
	require.NoError(t, err)

	_, _, err = f.svc.ValidateToken(ctx, plaintext, "198.51.100.7")
	assert.ErrorIs(t, err, ErrTokenIPNotAllowed)

	_, _, err = f.svc.ValidateToken(ctx, plaintext, "203.0.113.10")
	require.NoError(t, err)

	require.NoError(t, f.svc.RecordDownload(ctx, plaintext))
	_, _, err = f.svc.ValidateToken(ctx, plaintext, "203.0.113.10")
	assert.ErrorIs(t, err, ErrTokenExhausted)

	// Expired tokens fail regardless of remaining budget.
	expired := &Token{
		ID:           "tok-expired",
		BundleID:     "b-1",
		TokenHash:    HashToken("dt_expired"),
		MaxDownloads: 5,
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	require.NoError(t, f.store.InsertToken(ctx, expired))
	_, _, err = f.svc.ValidateToken(ctx, "dt_expired", "203.0.113.10")
	assert.ErrorIs(t, err, ErrTokenExpired)

	require.NoError(t, f.svc.RevokeToken(ctx, tok.ID))
	_, _, err = f.svc.ValidateToken(ctx, plaintext, "203.0.113.10")
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// Deactivating the bundle invalidates every token on it.
	_, freshPlain, err := f.svc.GenerateToken(ctx, "b-1", "operator-1", TokenOptions{})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeactivateBundle(ctx, "b-1"))
	_, _, err = f.svc.ValidateToken(ctx, freshPlain, "203.0.113.10")
	assert.ErrorIs(t, err, ErrBundleInactive)
}

func TestRecordDownloadSingleUseToken(t *testing.T) {
	ctx := context.Background()
	f := newBundleFixture(t)
	require.NoError(t, f.store.InsertBundle(ctx, &Bundle{ID: "b-1", Status: BundleActive}))

	_, plaintext, err := f.svc.GenerateToken(ctx, "b-1", "operator-1", TokenOptions{MaxDownloads: 1})
	require.NoError(t, err)

	// Concurrent redemptions of a one-download token: exactly one wins.
	var wg sync.WaitGroup
	outcomes := make([]error, 8)
	for i := 0; i < len(outcomes); i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			outcomes[slot] = f.svc.RecordDownload(ctx, plaintext)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range outcomes {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrTokenExhausted)
		}
	}
	assert.Equal(t, 1, succeeded)

	b, err := f.store.GetBundle(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.DownloadCount)
}

func TestDeactivateBundleIsFinal(t *testing.T) {
	ctx := context.Background()
	f := newBundleFixture(t)
	require.NoError(t, f.store.InsertBundle(ctx, &Bundle{ID: "b-1", Status: BundleActive}))

	require.NoError(t, f.svc.DeactivateBundle(ctx, "b-1"))
	assert.ErrorIs(t, f.svc.DeactivateBundle(ctx, "b-1"), errs.ErrStateConflict)
	assert.ErrorIs(t, f.svc.DeactivateBundle(ctx, "missing"), errs.ErrNotFound)
}

func TestRevokeTokenIsFinal(t *testing.T) {
	ctx := context.Background()
	f := newBundleFixture(t)
	require.NoError(t, f.store.InsertBundle(ctx, &Bundle{ID: "b-1", Status: BundleActive}))

	tok, _, err := f.svc.GenerateToken(ctx, "b-1", "operator-1", TokenOptions{})
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeToken(ctx, tok.ID))
	assert.ErrorIs(t, f.svc.RevokeToken(ctx, tok.ID), errs.ErrStateConflict)
}
