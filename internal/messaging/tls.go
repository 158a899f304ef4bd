package messaging

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"brokerwatch/internal/core"
)

// newTLSConfig builds the client TLS configuration for a target, or nil
// when the target does not use TLS.
func newTLSConfig(t core.Target) (*tls.Config, error) {
	o := t.TLS
	if !o.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.Host,
		InsecureSkipVerify: o.InsecureSkipVerify,
	}
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", o.CAFile)
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
