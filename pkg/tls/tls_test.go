package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("default config should have TLS disabled")
	}
	if !cfg.AutoGenerate {
		t.Error("default config should auto-generate")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	sc, err := cfg.ServerConfig()
	if err != nil || sc != nil {
		t.Errorf("ServerConfig() = %v, %v; want nil, nil when disabled", sc, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"auto generate", func(c *Config) {}, false},
		{"cert without key", func(c *Config) { c.CertFile = "a.crt" }, true},
		{"nothing configured", func(c *Config) { c.AutoGenerate = false }, true},
		{"bad min version", func(c *Config) { c.MinVersion = "1.0" }, true},
		{"client cert without ca", func(c *Config) { c.RequireClientCert = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Enabled = true
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateSelfSigned(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hosts = []string{"localhost", "10.0.0.1"}
	cfg.ValidFor = time.Hour

	certPEM, _, err := GenerateSelfSigned(&cfg)
	if err != nil {
		t.Fatalf("GenerateSelfSigned() failed: %v", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "localhost" {
		t.Errorf("DNSNames = %v", cert.DNSNames)
	}
	if len(cert.IPAddresses) != 1 || !cert.IPAddresses[0].Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("IPAddresses = %v", cert.IPAddresses)
	}
	if cert.NotAfter.Sub(cert.NotBefore) > time.Hour+2*time.Minute {
		t.Errorf("validity %v too long", cert.NotAfter.Sub(cert.NotBefore))
	}
}

func TestGenerateAndSaveCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "sub", "rs.crt")
	keyFile := filepath.Join(dir, "sub", "rs.key")

	cfg := DefaultConfig()
	if err := GenerateAndSaveCertificate(&cfg, certFile, keyFile); err != nil {
		t.Fatalf("GenerateAndSaveCertificate() failed: %v", err)
	}
	if err := VerifyCertificate(certFile); err != nil {
		t.Errorf("VerifyCertificate() = %v", err)
	}
	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key permissions = %o, want 600", perm)
	}

	cfg.Enabled = true
	cfg.AutoGenerate = false
	cfg.CertFile, cfg.KeyFile = certFile, keyFile
	if _, err := cfg.ServerConfig(); err != nil {
		t.Errorf("ServerConfig() with saved files = %v", err)
	}
}

func TestVerifyCertificateErrors(t *testing.T) {
	dir := t.TempDir()
	if err := VerifyCertificate(filepath.Join(dir, "missing.crt")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.crt")
	if err := os.WriteFile(bad, []byte("not pem"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyCertificate(bad); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestLoadCAPoolInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCAPool(path); err == nil {
		t.Error("expected error for invalid CA file")
	}
}

func TestServerClientHandshake(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.InsecureSkipVerify = true

	serverCfg, err := cfg.ServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	clientCfg, err := cfg.ClientConfig("localhost")
	if err != nil {
		t.Fatal(err)
	}
	if len(clientCfg.Certificates) != 1 {
		t.Errorf("client should present a certificate")
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		_, err = conn.Write([]byte("ok"))
		done <- err
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer conn.Close()
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ok" {
		t.Errorf("read %q", buf)
	}
	if err := <-done; err != nil {
		t.Error(err)
	}
}
