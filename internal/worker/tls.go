package worker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// LoadTLSConfig builds the client TLS configuration. It returns nil when
// neither a CA certificate nor insecure mode is requested, which keeps the
// system defaults.
func LoadTLSConfig(caCertPath string, insecure bool) (*tls.Config, error) {
	if caCertPath == "" && !insecure {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec // opt-in for testing
	}
	if caCertPath != "" {
		pem, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caCertPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
