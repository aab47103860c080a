// Package tls builds the dashboard's server TLS configuration from
// certificate files or an auto-generated self-signed pair.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"

	defaultValidDays = 365
)

// Options is the [server.tls] section.
type Options struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"`
	MaxVersion   string   `mapstructure:"max_version"`
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over
// a certificate directory; with AutoGenerate a missing pair in Dir is created.
func Setup(o Options) (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	minVer, err := version(o.MinVersion, tls.VersionTLS12)
	if err != nil {
		return nil, fmt.Errorf("min_version: %w", err)
	}
	maxVer, err := version(o.MaxVersion, tls.VersionTLS13)
	if err != nil {
		return nil, fmt.Errorf("max_version: %w", err)
	}
	if minVer > maxVer {
		return nil, errors.New("min_version is above max_version")
	}

	certPath, keyPath := o.CertFile, o.KeyFile
	switch {
	case certPath != "" && keyPath != "":
		if !exists(certPath) || !exists(keyPath) {
			return nil, fmt.Errorf("certificate %s or key %s not found", certPath, keyPath)
		}
	case o.Dir != "":
		certPath, keyPath = filepath.Join(o.Dir, certName), filepath.Join(o.Dir, keyName)
		if !exists(certPath) || !exists(keyPath) {
			if !o.AutoGenerate {
				return nil, fmt.Errorf("no certificate in %s and auto_generate is off", o.Dir)
			}
			if err := generate(o, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}

	return &tls.Config{
		GetCertificate: reloadingPair(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

func version(s string, def uint16) (uint16, error) {
	switch s {
	case "":
		return def, nil
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", s)
	}
}

// reloadingPair reads the pair on every handshake so renewed certificates
// are picked up without a restart.
func reloadingPair(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certPath, keyPath = filepath.Clean(certPath), filepath.Clean(keyPath)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := os.ReadFile(certPath) // #nosec G304
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(keyPath) // #nosec G304
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, err
		}
		return &pair, nil
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func generate(o Options, certPath, keyPath string) error {
	if err := os.MkdirAll(o.Dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", o.Dir, err)
	}
	days := o.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}
	req := CertRequest{
		CommonName:  o.CommonName,
		DNSNames:    o.DNSNames,
		IPAddresses: o.IPAddresses,
		NotAfter:    time.Now().AddDate(0, 0, days),
		CertPath:    certPath,
		KeyPath:     keyPath,
	}
	if req.CommonName == "" {
		req.CommonName = "localhost"
	}
	if len(req.DNSNames) == 0 {
		req.DNSNames = []string{"localhost"}
	}
	if len(req.IPAddresses) == 0 {
		req.IPAddresses = []string{"127.0.0.1"}
	}
	return GenerateSelfSigned(req)
}
