package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const caKeyBits = 4096

// Authority is the private CA that signs implant client certificates.
type Authority struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caPEM  []byte
}

// LoadOrCreateAuthority loads the CA from disk, generating and writing
// a fresh one when either file is missing.
func LoadOrCreateAuthority(certPath, keyPath string) (*Authority, error) {
	if fileExists(certPath) && fileExists(keyPath) {
		slog.Debug("Using existing CA certificate", "cert_path", certPath)
		caCert, caKey, err := loadCA(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing CA certificate: %w", err)
		}
		return &Authority{caCert: caCert, caKey: caKey, caPEM: encodeCertPEM(caCert)}, nil
	}

	slog.Info("CA certificate not found, generating new CA", "cert_path", certPath)
	caCert, caKey, err := generateCA()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA certificate: %w", err)
	}
	if err := ensureDirectory(certPath); err != nil {
		return nil, err
	}
	if err := writeCertToFile(caCert, certPath); err != nil {
		return nil, fmt.Errorf("failed to write CA certificate: %w", err)
	}
	if err := ensureDirectory(keyPath); err != nil {
		return nil, err
	}
	if err := writeKeyToFile(caKey, keyPath); err != nil {
		return nil, fmt.Errorf("failed to write CA key: %w", err)
	}
	slog.Info("Generated CA certificate", "cert_path", certPath, "key_path", keyPath)
	return &Authority{caCert: caCert, caKey: caKey, caPEM: encodeCertPEM(caCert)}, nil
}

// NewAuthorityInMemory generates an ephemeral CA, used by tests.
func NewAuthorityInMemory() (*Authority, error) {
	caCert, caKey, err := generateCA()
	if err != nil {
		return nil, err
	}
	return &Authority{caCert: caCert, caKey: caKey, caPEM: encodeCertPEM(caCert)}, nil
}

// CAPEM returns the CA public certificate, PEM encoded.
func (a *Authority) CAPEM() []byte { return a.caPEM }

// IssuerName returns the CA's common name.
func (a *Authority) IssuerName() string { return a.caCert.Subject.CommonName }

// IssueClientCert signs a fresh key pair for one implant. The serial is
// a random 128-bit integer and the fingerprint is the SHA-256 of the
// DER certificate. Nothing is persisted here.
func (a *Authority) IssueClientCert(commonName string, validity time.Duration) (*IssuedMaterial, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate implant key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(validity)
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Ospray"},
			CommonName:   commonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create implant certificate: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal implant key: %w", err)
	}

	fingerprint := sha256.Sum256(certBytes)
	return &IssuedMaterial{
		SerialNumber: serialNumber.Text(16),
		Fingerprint:  fmt.Sprintf("%x", fingerprint),
		CertPEM:      pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes}),
		KeyPEM:       pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}),
		IssuerName:   a.caCert.Subject.CommonName,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}, nil
}

func generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	caKey, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Ospray CA"},
			CommonName:   "Ospray Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	caCertBytes, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(caCertBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return caCert, caKey, nil
}

func loadCA(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	certBlock, _ := pem.Decode(certBytes)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}

	keyBlock, _ := pem.Decode(keyBytes)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode CA key PEM")
	}

	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}

	caKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("CA key is not an RSA private key")
	}

	return caCert, caKey, nil
}

func encodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func writeCertToFile(cert *x509.Certificate, path string) error {
	certFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create certificate file: %w", err)
	}
	defer certFile.Close()

	if err := pem.Encode(certFile, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}); err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}

	return nil
}

func writeKeyToFile(key *rsa.PrivateKey, path string) error {
	keyFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	if err := pem.Encode(keyFile, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	}); err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}

	return nil
}

func ensureDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
