package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamgaru/gosling/internal/failure"
	tlsopt "github.com/iamgaru/gosling/internal/tls"
)

const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Dialer opens origin connections on behalf of tunnel sessions
type Dialer struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RootCAs verifies origin certificates; nil means the system pool
	RootCAs *x509.CertPool

	sessions tls.ClientSessionCache
}

// NewDialer creates a dialer; zero timeouts take the defaults
func NewDialer(dialTimeout, readTimeout, writeTimeout time.Duration, roots *x509.CertPool) *Dialer {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Dialer{
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		RootCAs:      roots,
		sessions:     tlsopt.NewSessionCache(tlsopt.DefaultSessionCacheSize),
	}
}

// Dial connects to host:port. When secure is set the connection completes a
// verified TLS handshake with ServerName = host before it is returned.
func (d *Dialer) Dial(ctx context.Context, host string, port int, secure bool) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	nd := net.Dialer{Timeout: d.DialTimeout}
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, failure.New(kindFor(ctx, failure.DialFailure), "dial "+addr, err)
	}
	conn := NewDeadlineConn(raw, d.ReadTimeout, d.WriteTimeout)

	if !secure {
		log.Debugf("Dialed %s (plain)", addr)
		return conn, nil
	}

	tlsConn := tls.Client(conn, tlsopt.UpstreamConfig(host, d.RootCAs, d.sessions))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, failure.New(kindFor(ctx, failure.HandshakeFailure), "upstream handshake "+addr, err)
	}

	state := tlsConn.ConnectionState()
	log.Debugf("Dialed %s (TLS %s, resumed=%v)", addr, tls.VersionName(state.Version), state.DidResume)
	return tlsConn, nil
}

func kindFor(ctx context.Context, kind failure.Kind) failure.Kind {
	if ctx.Err() != nil {
		return failure.Cancelled
	}
	return kind
}
