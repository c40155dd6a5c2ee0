// Package proxy terminates HTTP(S) with the project-local CA, runs the
// interceptor pipeline, forwards upstream, and records every exchange.
package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"time"
)

// CAConfig configures the project-local certificate authority.
type CAConfig struct {
	// CertFile and KeyFile are the on-disk CA material paths.
	CertFile string
	KeyFile  string
	// Organization appears in the CA subject.
	Organization string
	// ValidityYears is the CA lifetime; leaf certs are much shorter.
	ValidityYears int
}

// leafValidity is the lifetime of generated leaf certificates.
const leafValidity = 24 * time.Hour * 7

// CAManager loads or generates the local CA and mints leaf
// certificates for intercepted domains.
type CAManager struct {
	caCert  *x509.Certificate
	caKey   *rsa.PrivateKey
	certPEM []byte
	logger  *slog.Logger
}

// NewCAManager loads the CA keypair from disk, or generates and
// persists a new one when neither file exists. A half-present pair is
// an error: regenerating silently would invalidate trust stores.
func NewCAManager(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	certExists := fileExists(cfg.CertFile)
	keyExists := fileExists(cfg.KeyFile)

	switch {
	case certExists && keyExists:
		return loadCA(cfg, logger)
	case certExists != keyExists:
		return nil, fmt.Errorf("inconsistent CA state: cert exists=%v, key exists=%v", certExists, keyExists)
	default:
		return generateCA(cfg, logger)
	}
}

func loadCA(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load CA keypair: %w", err)
	}
	caCert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	key, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is %T, want RSA", pair.PrivateKey)
	}
	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	logger.Debug("loaded existing CA", "cert", cfg.CertFile)
	return &CAManager{caCert: caCert, caKey: key, certPEM: certPEM, logger: logger}, nil
}

func generateCA(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	years := cfg.ValidityYears
	if years <= 0 {
		years = 10
	}
	org := cfg.Organization
	if org == "" {
		org = "procsi local CA"
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{org},
			CommonName:   org,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(years, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	if err := os.WriteFile(cfg.CertFile, certPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA certificate: %w", err)
	}
	if err := os.WriteFile(cfg.KeyFile, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}

	logger.Info("generated new local CA", "cert", cfg.CertFile, "validity_years", years)
	return &CAManager{caCert: caCert, caKey: key, certPEM: certPEM, logger: logger}, nil
}

// GenerateCert mints a leaf certificate for domain, signed by the CA.
// The returned chain carries the CA as intermediate so clients that
// trust the CA verify cleanly, and Leaf is populated to skip re-parsing
// in the TLS handshake path.
func (cm *CAManager) GenerateCert(domain string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(domain); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{domain}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, cm.caCert, &key.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create leaf certificate for %s: %w", domain, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, cm.caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// CACertPEM returns the CA certificate in PEM form, for trust-store
// installation and the ca.crt endpoint.
func (cm *CAManager) CACertPEM() []byte {
	return append([]byte(nil), cm.certPEM...)
}

// CACertPool returns a pool holding just the local CA, used by the
// replay executor as its TLS trust anchor.
func (cm *CAManager) CACertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(cm.caCert)
	return pool
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
