package netio

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// CertPool wraps an x509.CertPool loaded from a PEM file, used as the
// RootCAs for mutual-TLS connections (the IoT credential provider's
// GetCredentials call).
type CertPool struct {
	pool *x509.CertPool
}

// LoadCertPoolFromFile reads a PEM-encoded CA bundle from path.
func LoadCertPoolFromFile(path string) (*CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("netio: read ca bundle %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("netio: no certificates found in %s: %w", path, kvserrors.ErrInvalidArgument)
	}
	return &CertPool{pool: pool}, nil
}
