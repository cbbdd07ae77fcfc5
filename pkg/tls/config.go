// Package tls builds the crypto/tls configurations used by replication
// sessions. Both ends of a replication server link present a certificate,
// so one Config yields the listener side and the dialing side.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/validation"
)

// Config holds TLS options for the replication port.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile verifies peer certificates in both directions.
	CAFile string `yaml:"ca_file"`

	// AutoGenerate creates an in-memory self-signed certificate when no
	// files are configured.
	AutoGenerate bool          `yaml:"auto_generate"`
	Hosts        []string      `yaml:"hosts"`
	Organization string        `yaml:"organization"`
	ValidFor     time.Duration `yaml:"valid_for"`

	MinVersion         string `yaml:"min_version"`
	RequireClientCert  bool   `yaml:"require_client_cert"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// DefaultConfig returns TLS disabled with secure settings for when it is
// switched on.
func DefaultConfig() Config {
	return Config{
		AutoGenerate: true,
		Hosts:        []string{"localhost", "127.0.0.1"},
		Organization: "cluso-changelog",
		ValidFor:     365 * 24 * time.Hour,
		MinVersion:   "1.2",
	}
}

// Validate checks the options that matter when TLS is enabled.
func (c *Config) Validate() error {
	v := validation.NewConfigValidator("TLS")
	v.When(c.Enabled, func(cv *validation.ConfigValidator) {
		cv.OneOf("MinVersion", c.MinVersion, "", "1.2", "1.3").
			Custom("CertFile", func() error {
				if (c.CertFile == "") != (c.KeyFile == "") {
					return fmt.Errorf("cert_file and key_file must be set together")
				}
				if c.CertFile == "" && !c.AutoGenerate {
					return fmt.Errorf("no certificate configured and auto_generate is off")
				}
				return nil
			}).
			Custom("RequireClientCert", func() error {
				if c.RequireClientCert && c.CAFile == "" {
					return fmt.Errorf("require_client_cert needs ca_file")
				}
				return nil
			})
	})
	return v.Validate()
}

func (c *Config) minVersion() uint16 {
	if c.MinVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func (c *Config) certificate() (tls.Certificate, error) {
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		return cert, nil
	}
	if c.AutoGenerate {
		cert, err := GenerateSelfSignedCert(c)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		return cert, nil
	}
	return tls.Certificate{}, fmt.Errorf("TLS enabled but no certificate provided and auto-generation disabled")
}

// ServerConfig returns the listener configuration, or nil when TLS is off.
func (c *Config) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cert, err := c.certificate()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   c.minVersion(),
		CipherSuites: SecureCipherSuites(),
	}
	if c.CAFile != "" {
		pool, err := LoadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		if c.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return cfg, nil
}

// ClientConfig returns the configuration for dialing a peer, or nil when
// TLS is off. The local certificate is offered to the peer.
func (c *Config) ClientConfig(serverName string) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		ServerName:         serverName,
		MinVersion:         c.minVersion(),
		CipherSuites:       SecureCipherSuites(),
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CertFile != "" || c.AutoGenerate {
		cert, err := c.certificate()
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pool, err := LoadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// SecureCipherSuites returns the TLS 1.2 suites offered. TLS 1.3 suites are
// not configurable in crypto/tls.
func SecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// LoadCAPool loads a CA certificate pool from a file
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
	}
	return pool, nil
}

// VerifyCertificate checks that certFile parses and is currently valid.
func VerifyCertificate(certFile string) error {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return fmt.Errorf("failed to read certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("failed to parse certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate is not yet valid")
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate has expired")
	}
	return nil
}
