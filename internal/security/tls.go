package security

import (
	"crypto/tls"
	"fmt"

	"golang.org/x/crypto/acme/autocert"

	"github.com/mailhop/mailhop/internal/config"
)

// TLSManager provides the certificate source for the inbound STARTTLS
// listener: ACME-issued via autocert, or operator-provided files.
type TLSManager struct {
	certManager *autocert.Manager
	tlsConfig   *tls.Config
}

// NewTLSManager creates a TLS manager for the given service hostname.
// With neither auto mode nor certificate files configured the manager is
// valid but HasTLS reports false and STARTTLS is not offered.
func NewTLSManager(hostname string, cfg config.TLSConfig) (*TLSManager, error) {
	manager := &TLSManager{}

	if cfg.Auto {
		manager.certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hostname),
			Cache:      autocert.DirCache(cfg.CacheDir),
			Email:      cfg.ACMEEmail,
		}
		manager.tlsConfig = manager.certManager.TLSConfig()
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		manager.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	}

	if manager.tlsConfig != nil {
		manager.tlsConfig.MinVersion = tls.VersionTLS12
		manager.tlsConfig.PreferServerCipherSuites = true
		manager.tlsConfig.CipherSuites = []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		}
	}

	return manager, nil
}

// TLSConfig returns the TLS configuration, or nil when TLS is not set up.
func (m *TLSManager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// CertManager returns the autocert manager for HTTP-01 challenges.
func (m *TLSManager) CertManager() *autocert.Manager {
	return m.certManager
}

// HasTLS returns true if TLS is configured.
func (m *TLSManager) HasTLS() bool {
	return m.tlsConfig != nil
}
