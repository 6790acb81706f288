// Package security handles TLS setup for the relay server: self-signed
// certificates for LAN deployments, user-provided certificates, or
// automatic certificates via ACME.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/acme/autocert"
)

// TLSConfig holds the paths to the CA and server certificate files.
type TLSConfig struct {
	CACertPath string
	CertPath   string
	KeyPath    string
}

// TLSMode describes how the server should handle TLS.
type TLSMode int

const (
	// TLSModeOff disables TLS entirely (development only).
	TLSModeOff TLSMode = iota
	// TLSModeSelfSigned uses an auto-generated CA and server certificate.
	TLSModeSelfSigned
	// TLSModeACME uses Let's Encrypt automatic certificate management.
	TLSModeACME
	// TLSModeCustom uses user-provided certificate and key files.
	TLSModeCustom
)

// ParseTLSMode maps a mode name from the command line to a TLSMode.
func ParseTLSMode(s string) (TLSMode, error) {
	switch s {
	case "off":
		return TLSModeOff, nil
	case "self-signed":
		return TLSModeSelfSigned, nil
	case "acme":
		return TLSModeACME, nil
	case "custom":
		return TLSModeCustom, nil
	default:
		return TLSModeOff, fmt.Errorf("unknown TLS mode %q (want off, self-signed, acme, or custom)", s)
	}
}

// TLSResult holds the outcome of TLS setup, including the config and
// any ACME manager that needs to be wired into the HTTP server.
type TLSResult struct {
	Config      *tls.Config
	Paths       *TLSConfig        // nil for ACME and custom modes
	ACMEManager *autocert.Manager // non-nil only for ACME mode
	Mode        TLSMode
}

// SetupOptions carries the inputs for Setup that vary per mode.
type SetupOptions struct {
	DataDir    string // self-signed cert storage and ACME cache
	CertFile   string // custom mode
	KeyFile    string // custom mode
	ACMEDomain string // acme mode
}

// Setup resolves a TLSMode into a ready-to-use TLSResult. For TLSModeOff
// the returned result has a nil Config.
func Setup(mode TLSMode, opts SetupOptions) (*TLSResult, error) {
	switch mode {
	case TLSModeOff:
		return &TLSResult{Mode: mode}, nil

	case TLSModeSelfSigned:
		cfg, paths, err := LoadOrGenerateTLS(opts.DataDir)
		if err != nil {
			return nil, err
		}
		return &TLSResult{Config: cfg, Paths: paths, Mode: mode}, nil

	case TLSModeACME:
		if opts.ACMEDomain == "" {
			return nil, fmt.Errorf("acme mode requires a domain")
		}
		manager, cfg := NewACMEManager(opts.DataDir, opts.ACMEDomain)
		return &TLSResult{Config: cfg, ACMEManager: manager, Mode: mode}, nil

	case TLSModeCustom:
		if opts.CertFile == "" || opts.KeyFile == "" {
			return nil, fmt.Errorf("custom mode requires both a certificate and a key file")
		}
		cfg, err := LoadCustomTLS(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, err
		}
		return &TLSResult{Config: cfg, Mode: mode}, nil

	default:
		return nil, fmt.Errorf("unknown TLS mode %d", mode)
	}
}

// LoadOrGenerateTLS loads existing self-signed TLS certificates from dataDir
// or generates new ones. Returns a *tls.Config configured for TLS 1.3.
func LoadOrGenerateTLS(dataDir string) (*tls.Config, *TLSConfig, error) {
	paths := &TLSConfig{
		CACertPath: filepath.Join(dataDir, "ca.crt"),
		CertPath:   filepath.Join(dataDir, "server.crt"),
		KeyPath:    filepath.Join(dataDir, "server.key"),
	}

	// Generate if any file is missing.
	if !fileExists(paths.CACertPath) || !fileExists(paths.CertPath) || !fileExists(paths.KeyPath) {
		if err := generateCerts(paths); err != nil {
			return nil, nil, fmt.Errorf("generate TLS certs: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(paths.CertPath, paths.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load TLS keypair: %w", err)
	}

	caCertPEM, err := os.ReadFile(paths.CACertPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load CA cert: %w", err)
	}

	caPool := x509.NewCertPool()
	caPool.AppendCertsFromPEM(caCertPEM)

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
	}

	return tlsCfg, paths, nil
}

// LoadCustomTLS loads user-provided certificate and key files.
func LoadCustomTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load custom TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// NewACMEManager creates a Let's Encrypt autocert manager for the given domains.
// Certificates are cached in dataDir/acme-certs.
func NewACMEManager(dataDir string, domains ...string) (*autocert.Manager, *tls.Config) {
	cacheDir := filepath.Join(dataDir, "acme-certs")
	_ = os.MkdirAll(cacheDir, 0700)

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	tlsCfg := manager.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS13

	return manager, tlsCfg
}

// ReadCACert returns the PEM-encoded CA certificate.
func ReadCACert(paths *TLSConfig) ([]byte, error) {
	return os.ReadFile(paths.CACertPath)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
