package tls

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

var fingerprintPattern = regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`)

func tempConfig(t *testing.T) CertConfig {
	dir := t.TempDir()
	return CertConfig{
		CertPath: filepath.Join(dir, "certs", "host.crt"),
		KeyPath:  filepath.Join(dir, "certs", "host.key"),
		Hosts:    []string{"localhost", "127.0.0.1", "example.test"},
	}
}

func TestGenerate(t *testing.T) {
	cfg := tempConfig(t)
	info, err := Generate(cfg)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !info.Generated {
		t.Error("expected Generated to be true")
	}
	if !fingerprintPattern.MatchString(info.Fingerprint) {
		t.Errorf("bad fingerprint %q", info.Fingerprint)
	}
	if d := info.NotAfter.Sub(info.NotBefore); d != defaultValidFor {
		t.Errorf("validity = %v, want %v", d, defaultValidFor)
	}

	st, err := os.Stat(cfg.KeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("key permissions = %v, want 0600", st.Mode().Perm())
	}

	pemData, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		t.Fatal(err)
	}
	fp, err := FingerprintPEM(pemData)
	if err != nil {
		t.Fatal(err)
	}
	if fp != info.Fingerprint {
		t.Errorf("FingerprintPEM = %s, want %s", fp, info.Fingerprint)
	}
}

func TestEnsureLoadsExisting(t *testing.T) {
	cfg := tempConfig(t)
	first, err := Ensure(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Generated {
		t.Error("first Ensure should generate")
	}

	second, err := Ensure(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if second.Generated {
		t.Error("second Ensure should load")
	}
	if second.Fingerprint != first.Fingerprint {
		t.Error("fingerprint changed between loads")
	}
}

func TestEnsureRegeneratesWhenKeyMissing(t *testing.T) {
	cfg := tempConfig(t)
	first, err := Ensure(cfg)
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(cfg.KeyPath)

	second, err := Ensure(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Generated || second.Fingerprint == first.Fingerprint {
		t.Error("expected a new certificate")
	}
}

func TestEnsureRenewsExpiring(t *testing.T) {
	cfg := tempConfig(t)
	cfg.ValidFor = 10 * 24 * time.Hour
	if _, err := Ensure(cfg); err != nil {
		t.Fatal(err)
	}

	cfg.ValidFor = 0
	info, err := Ensure(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Generated {
		t.Error("certificate inside the renewal window should be regenerated")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/host.crt", "/nonexistent/host.key"); err == nil {
		t.Error("expected error")
	}
}

func TestFingerprintPEMRejectsGarbage(t *testing.T) {
	if _, err := FingerprintPEM([]byte("not pem")); err == nil {
		t.Error("expected error")
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	certPath, keyPath, err := DefaultPaths()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(certPath, filepath.Join(".treesync", "certs")) {
		t.Errorf("cert path %s", certPath)
	}
	if filepath.Base(keyPath) != "host.key" {
		t.Errorf("key path %s", keyPath)
	}
}
