// Package tls builds crypto/tls configurations for collector connections and
// the local receiver from file-based settings.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerConfig holds TLS settings for the receiver.
type ServerConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	// ClientCAFile, when set, requires and verifies client certificates.
	ClientCAFile string
}

// ClientConfig holds TLS settings for collector connections.
type ClientConfig struct {
	Enabled bool
	// CertFile and KeyFile enable mTLS.
	CertFile string
	KeyFile  string
	// CAFile replaces the system roots.
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Server builds the receiver configuration, nil when disabled.
func (c ServerConfig) Server() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCAFile != "" {
		pool, err := loadPool(c.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Client builds the collector configuration. When disabled it still returns
// a TLS 1.2+ configuration with system roots, for https endpoints.
func (c ClientConfig) Client() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if !c.Enabled {
		return cfg, nil
	}
	cfg.ServerName = c.ServerName
	cfg.InsecureSkipVerify = c.InsecureSkipVerify //nolint:gosec // explicit opt-in
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse CA certificate %s: no PEM certificates", path)
	}
	return pool, nil
}
