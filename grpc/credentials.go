package grpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	flagd "github.com/matt-riley/flagd-client"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// CredentialsBuilder derives channel transport credentials from a Config.
// It is injectable (see [WithCredentialsBuilder]) so tests can substitute it
// without touching the filesystem.
type CredentialsBuilder func(cfg flagd.Config) (credentials.TransportCredentials, error)

// buildCredentials is the default builder:
//   - TLS off: plaintext channel.
//   - TLS on, CertPath set: trust exactly the PEM certificate(s) in the file.
//     A missing or malformed file fails, and the failure propagates as an
//     initialization failure.
//   - TLS on, CertPath empty: trust the platform's default roots.
func buildCredentials(cfg flagd.Config) (credentials.TransportCredentials, error) {
	if !cfg.TLS {
		return insecure.NewCredentials(), nil
	}
	if cfg.CertPath == "" {
		return credentials.NewTLS(&tls.Config{}), nil
	}
	pem, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse certificate %s: no certificates found", cfg.CertPath)
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}
