// Package tls manages the host's self-signed certificate for wss://
// observers. The certificate is generated on first use and its SHA-256
// fingerprint is what observers pin.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/treesync/host/internal/config"
)

const (
	certFileName = "host.crt"
	keyFileName  = "host.key"

	// defaultValidFor is the lifetime of a generated certificate.
	defaultValidFor = 365 * 24 * time.Hour

	// renewBefore regenerates a certificate that expires within this window.
	renewBefore = 30 * 24 * time.Hour
)

// CertConfig holds configuration for certificate generation.
type CertConfig struct {
	// CertPath and KeyPath default to host.crt and host.key in
	// ~/.treesync/certs.
	CertPath string
	KeyPath  string

	// Hosts are the SANs. Defaults to localhost, 127.0.0.1, ::1 and the
	// machine's hostname.
	Hosts []string

	// ValidFor defaults to one year.
	ValidFor time.Duration

	// Now is the clock, for tests.
	Now func() time.Time
}

// CertInfo describes a loaded or generated certificate.
type CertInfo struct {
	CertPath string
	KeyPath  string

	// Fingerprint is colon-separated uppercase SHA-256 hex.
	Fingerprint string

	NotBefore time.Time
	NotAfter  time.Time

	// Generated is true when the files were written by this call.
	Generated bool
}

// DefaultPaths returns the default certificate and key paths.
func DefaultPaths() (certPath, keyPath string, err error) {
	dir, err := config.DefaultDir()
	if err != nil {
		return "", "", err
	}
	dir = filepath.Join(dir, "certs")
	return filepath.Join(dir, certFileName), filepath.Join(dir, keyFileName), nil
}

func (c CertConfig) withDefaults() (CertConfig, error) {
	if c.CertPath == "" || c.KeyPath == "" {
		certPath, keyPath, err := DefaultPaths()
		if err != nil {
			return c, err
		}
		if c.CertPath == "" {
			c.CertPath = certPath
		}
		if c.KeyPath == "" {
			c.KeyPath = keyPath
		}
	}
	if len(c.Hosts) == 0 {
		c.Hosts = []string{"localhost", "127.0.0.1", "::1"}
		if name, err := os.Hostname(); err == nil && name != "" && name != "localhost" {
			c.Hosts = append(c.Hosts, name)
		}
	}
	if c.ValidFor <= 0 {
		c.ValidFor = defaultValidFor
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}

// Ensure loads the certificate at the configured paths, generating a new one
// when either file is missing or the existing one is about to expire.
func Ensure(cfg CertConfig) (*CertInfo, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	if exists(cfg.CertPath) && exists(cfg.KeyPath) {
		info, err := Load(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		if info.NotAfter.After(cfg.Now().Add(renewBefore)) {
			return info, nil
		}
		glog.Infof("tls: certificate %s expires %s, regenerating", cfg.CertPath, info.NotAfter.Format(time.DateOnly))
	}

	info, err := Generate(cfg)
	if err != nil {
		return nil, err
	}
	glog.Infof("tls: generated certificate %s (%s)", info.CertPath, info.Fingerprint)
	return info, nil
}

// Load reads a certificate/key pair and computes the fingerprint.
func Load(certPath, keyPath string) (*CertInfo, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load certificate pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &CertInfo{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(cert),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
	}, nil
}

// Generate writes a new self-signed ECDSA P-256 certificate and key,
// replacing any existing files.
func Generate(cfg CertConfig) (*CertInfo, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	notBefore := cfg.Now().Add(-time.Minute)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"treesync"},
			CommonName:   "treesync host",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(cfg.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range cfg.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(cfg.CertPath, "CERTIFICATE", der, 0644); err != nil {
		return nil, err
	}
	if err := writePEM(cfg.KeyPath, "PRIVATE KEY", keyDER, 0600); err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &CertInfo{
		CertPath:    cfg.CertPath,
		KeyPath:     cfg.KeyPath,
		Fingerprint: Fingerprint(cert),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Generated:   true,
	}, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Fingerprint returns the SHA-256 fingerprint of cert as colon-separated
// uppercase hex, e.g. "AA:BB:...".
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// FingerprintPEM is Fingerprint for PEM-encoded certificate data.
func FingerprintPEM(data []byte) (string, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return "", errors.New("no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse certificate: %w", err)
	}
	return Fingerprint(cert), nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
