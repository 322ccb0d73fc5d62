// Package tls builds the optional HTTPS configuration of the API listener.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caFile   = "tls_ca.crt"
	certFile = "tls.crt"
	keyFile  = "tls.key"
)

// Config is the [server.tls] section. Explicit cert/key files win over Dir;
// with AutoGenerate a self-signed pair is written to Dir when missing.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3"
	DNSNames     []string `mapstructure:"dns_names"`
	ValidDays    int      `mapstructure:"valid_days"`
}

func parseVersion(ver string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported tls version %q", ver)
	}
}

// Validate checks the section without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := parseVersion(c.MinVersion); err != nil {
		return err
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("server.tls: cert_file and key_file go together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("server.tls: enabled without cert_file/key_file or dir")
	}
	return nil
}

// Setup returns nil when TLS is disabled. Certificates are re-read on every
// handshake so rotated files are picked up without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseVersion(c.MinVersion)

	cert, key := c.CertFile, c.KeyFile
	if cert == "" {
		cert = filepath.Join(c.Dir, certFile)
		key = filepath.Join(c.Dir, keyFile)
		if c.AutoGenerate && !exists(cert, key) {
			if err := generate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if !exists(cert, key) {
		return nil, fmt.Errorf("server.tls: %s or %s not found", cert, key)
	}
	// #nosec G402 -- minimum version is configurable down to 1.2 only
	return &tls.Config{
		GetCertificate: loader(cert, key),
		MinVersion:     minVer,
	}, nil
}

func loader(cert, key string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := tls.LoadX509KeyPair(filepath.Clean(cert), filepath.Clean(key))
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return err
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365
	}
	names := c.DNSNames
	if len(names) == 0 {
		names = []string{"localhost"}
	}
	return GenerateSelfSigned(CertConfig{
		CommonName:   names[0],
		Organization: "devisr",
		DNSNames:     names,
		IPAddresses:  []string{"127.0.0.1"},
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(c.Dir, certFile),
		KeyPath:      filepath.Join(c.Dir, keyFile),
		CACertPath:   filepath.Join(c.Dir, caFile),
	})
}
