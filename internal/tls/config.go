package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// DefaultSessionCacheSize bounds the upstream TLS session cache
const DefaultSessionCacheSize = 256

// CertificateSource supplies server credentials by host
type CertificateSource interface {
	GetTLSCertificate(host string) (*tls.Certificate, error)
}

// InterceptConfig builds the server-side config for the client leg of a tunnel.
// The certificate is chosen by the CONNECT host, not by SNI; no client
// certificate is requested and protocol versions are left at the defaults.
func InterceptConfig(source CertificateSource, host string) *tls.Config {
	return &tls.Config{
		ClientAuth: tls.NoClientCert,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return source.GetTLSCertificate(host)
		},
	}
}

// UpstreamConfig builds the strict client-side config for the origin leg.
// A nil roots pool means the system trust store.
func UpstreamConfig(host string, roots *x509.CertPool, sessions tls.ClientSessionCache) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		RootCAs:            roots,
		InsecureSkipVerify: false,
		ClientSessionCache: sessions,
	}
}

// NewSessionCache creates the upstream session cache
func NewSessionCache(size int) tls.ClientSessionCache {
	if size <= 0 {
		size = DefaultSessionCacheSize
	}
	return tls.NewLRUClientSessionCache(size)
}

// LoadRootCAs returns the system pool extended with the PEM certificates in
// path. An empty path returns nil so the system default applies.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read upstream CA file")
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
