package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetCertificate_AutoGenerate(t *testing.T) {
	tmpDir := t.TempDir()
	cm := NewCertificateManager("", "", tmpDir)

	cert, err := cm.GetCertificate(true)
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	if cert == nil {
		t.Fatal("Expected certificate, got nil")
	}

	certPath, keyPath := cm.GetCertificatePaths()
	if _, err := os.Stat(certPath); err != nil {
		t.Errorf("Certificate file was not created: %v", err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Key file was not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected key mode 0600, got %v", info.Mode().Perm())
	}
}

func TestGetCertificate_LoadExisting(t *testing.T) {
	tmpDir := t.TempDir()

	cert1, err := NewCertificateManager("", "", tmpDir).GetCertificate(true)
	if err != nil {
		t.Fatalf("First GetCertificate failed: %v", err)
	}
	cert2, err := NewCertificateManager("", "", tmpDir).GetCertificate(false)
	if err != nil {
		t.Fatalf("Second GetCertificate failed: %v", err)
	}
	if string(cert1.Certificate[0]) != string(cert2.Certificate[0]) {
		t.Error("Loaded certificate differs from generated")
	}
}

func TestGetCertificate_NoAutoGenerate(t *testing.T) {
	cm := NewCertificateManager("", "", t.TempDir())

	_, err := cm.GetCertificate(false)
	if !errors.Is(err, ErrNoCertificate) {
		t.Errorf("Expected ErrNoCertificate, got %v", err)
	}
}

func TestGetCertificate_ExplicitFiles(t *testing.T) {
	tests := []struct {
		name     string
		certFile string
		keyFile  string
	}{
		{"missing files", "/nonexistent/cert.pem", "/nonexistent/key.pem"},
		{"cert without key", "/etc/ssl/cert.pem", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := NewCertificateManager(tt.certFile, tt.keyFile, t.TempDir())
			if _, err := cm.GetCertificate(true); err == nil {
				t.Error("Expected error for explicit certificate files")
			}
		})
	}

	dir := t.TempDir()
	certPEM, keyPEM, err := GenerateSelfSigned([]string{"localhost"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	certFile, keyFile := filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem")
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCertificateManager(certFile, keyFile, "").GetCertificate(false); err != nil {
		t.Errorf("Expected explicit pair to load, got %v", err)
	}
}

func TestGetCertificatePaths(t *testing.T) {
	tests := []struct {
		name         string
		certFile     string
		keyFile      string
		storePath    string
		expectedCert string
		expectedKey  string
	}{
		{
			name:         "configured paths",
			certFile:     "/etc/ssl/cert.pem",
			keyFile:      "/etc/ssl/key.pem",
			storePath:    "/tmp/certs",
			expectedCert: "/etc/ssl/cert.pem",
			expectedKey:  "/etc/ssl/key.pem",
		},
		{
			name:         "store path",
			storePath:    "/var/lib/translucent",
			expectedCert: "/var/lib/translucent/translucent.crt",
			expectedKey:  "/var/lib/translucent/translucent.key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := NewCertificateManager(tt.certFile, tt.keyFile, tt.storePath)
			certPath, keyPath := cm.GetCertificatePaths()

			if certPath != tt.expectedCert {
				t.Errorf("Expected cert path %q, got %q", tt.expectedCert, certPath)
			}
			if keyPath != tt.expectedKey {
				t.Errorf("Expected key path %q, got %q", tt.expectedKey, keyPath)
			}
		})
	}
}

func TestGenerateSelfSigned_Hosts(t *testing.T) {
	certPEM, _, err := GenerateSelfSigned([]string{"localhost", "sim.test", "127.0.0.1"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned failed: %v", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("Expected PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}

	if err := cert.VerifyHostname("sim.test"); err != nil {
		t.Errorf("Expected sim.test to verify: %v", err)
	}
	if err := cert.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("Expected 127.0.0.1 to verify: %v", err)
	}
	if cert.Subject.Organization[0] != "Translucent" {
		t.Errorf("Unexpected organization %v", cert.Subject.Organization)
	}
	if cert.NotAfter.Sub(cert.NotBefore) > time.Hour+time.Minute {
		t.Errorf("Unexpected validity %v", cert.NotAfter.Sub(cert.NotBefore))
	}
}

func TestServerConfig(t *testing.T) {
	cm := NewCertificateManager("", "", t.TempDir())
	cm.AddHosts("sim.test")

	cfg, err := cm.ServerConfig(true)
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Expected one certificate, got %d", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("Expected TLS 1.2 minimum, got %x", cfg.MinVersion)
	}
	if len(cfg.NextProtos) == 0 || cfg.NextProtos[0] != "h2" {
		t.Errorf("Expected h2 first in NextProtos, got %v", cfg.NextProtos)
	}
}

func TestLoadCertPool(t *testing.T) {
	pool, err := LoadCertPool()
	if err != nil || pool != nil {
		t.Errorf("Expected nil pool without files, got %v, %v", pool, err)
	}

	dir := t.TempDir()
	certPEM, _, err := GenerateSelfSigned([]string{"localhost"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ca := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(ca, certPEM, 0o644); err != nil {
		t.Fatal(err)
	}
	pool, err = LoadCertPool(ca)
	if err != nil {
		t.Fatalf("LoadCertPool failed: %v", err)
	}
	if pool == nil {
		t.Fatal("Expected pool")
	}

	junk := filepath.Join(dir, "junk.pem")
	if err := os.WriteFile(junk, []byte("not a cert"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCertPool(junk); err == nil {
		t.Error("Expected error for file without certificates")
	}
	if _, err := LoadCertPool(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("Expected error for missing file")
	}
}
