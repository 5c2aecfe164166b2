// Package tlsutil provides the simulator's serving certificate and the trust
// pool used for upstream connections.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
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
	"time"
)

const (
	certFileName = "translucent.crt"
	keyFileName  = "translucent.key"

	// DefaultValidity is the lifetime of generated certificates.
	DefaultValidity = 365 * 24 * time.Hour
)

// ErrNoCertificate is returned when no certificate exists and generation is off.
var ErrNoCertificate = errors.New("no TLS certificate found and auto-generation is disabled")

// CertificateManager handles TLS certificate loading and generation
type CertificateManager struct {
	certFile  string
	keyFile   string
	storePath string
	hosts     []string
}

// NewCertificateManager creates a new certificate manager. An explicit
// cert/key pair wins over the store directory.
func NewCertificateManager(certFile, keyFile, storePath string) *CertificateManager {
	return &CertificateManager{
		certFile:  certFile,
		keyFile:   keyFile,
		storePath: storePath,
		hosts:     []string{"localhost", "127.0.0.1", "::1"},
	}
}

// AddHosts adds DNS names or IP addresses to generated certificates.
func (cm *CertificateManager) AddHosts(hosts ...string) {
	cm.hosts = append(cm.hosts, hosts...)
}

// GetCertificate returns a TLS certificate, loading from files or generating if needed
func (cm *CertificateManager) GetCertificate(autoGenerate bool) (*tls.Certificate, error) {
	if cm.certFile != "" || cm.keyFile != "" {
		if cm.certFile == "" || cm.keyFile == "" {
			return nil, fmt.Errorf("both certificate and key files are required")
		}
		cert, err := tls.LoadX509KeyPair(cm.certFile, cm.keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate from %s and %s: %w", cm.certFile, cm.keyFile, err)
		}
		return &cert, nil
	}

	certPath, keyPath := cm.GetCertificatePaths()
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return &cert, nil
	}
	if !autoGenerate {
		return nil, ErrNoCertificate
	}

	certPEM, keyPEM, err := GenerateSelfSigned(cm.hosts, DefaultValidity)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cm.storePath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create certificate store directory: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("failed to save certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save private key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}
	return &cert, nil
}

// ServerConfig returns a server TLS config offering h2 and http/1.1.
func (cm *CertificateManager) ServerConfig(autoGenerate bool) (*tls.Config, error) {
	cert, err := cm.GetCertificate(autoGenerate)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// GetCertificatePaths returns the paths where certificates are stored
func (cm *CertificateManager) GetCertificatePaths() (certPath, keyPath string) {
	if cm.certFile != "" && cm.keyFile != "" {
		return cm.certFile, cm.keyFile
	}
	return filepath.Join(cm.storePath, certFileName), filepath.Join(cm.storePath, keyFileName)
}

// GenerateSelfSigned creates a PEM-encoded ECDSA P-256 certificate and key
// valid for the given hosts.
func GenerateSelfSigned(hosts []string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Translucent"},
			CommonName:   "Translucent API Simulator",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// LoadCertPool returns the system trust store extended with the PEM
// certificates in files. With no files it returns nil, which selects the
// system store.
func LoadCertPool(files ...string) (*x509.CertPool, error) {
	if len(files) == 0 {
		return nil, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", f)
		}
	}
	return pool, nil
}
