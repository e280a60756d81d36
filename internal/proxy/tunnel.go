package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/iamgaru/gosling/internal/failure"
	tlsopt "github.com/iamgaru/gosling/internal/tls"
	"github.com/iamgaru/gosling/pkg/protocol"
)

const (
	portHTTP  = 80
	portHTTPS = 443
)

// ErrRejected marks a request that is closed without any response
var ErrRejected = errors.New("request rejected")

// classifyTarget picks the dial port and whether the origin leg uses TLS
func classifyTarget(port int) (int, bool) {
	switch port {
	case 0:
		// no port given: assume HTTPS
		return portHTTPS, true
	case portHTTP:
		return portHTTP, false
	default:
		return port, true
	}
}

// keepAliveDowngrade returns the headers answering a CONNECT. A request asking
// for keep-alive is told the proxy will close instead.
func keepAliveDowngrade(req *protocol.Request) []protocol.Header {
	for _, name := range []string{"Proxy-Connection", "Connection"} {
		if v, ok := req.Header(name); ok && strings.EqualFold(strings.TrimSpace(v), "keep-alive") {
			return []protocol.Header{
				{Name: "Proxy-Connection", Value: "close"},
				{Name: "Connection", Value: "close"},
			}
		}
	}
	return nil
}

// establishTunnel answers an outer CONNECT, terminates the client's TLS with a
// leaf forged for the CONNECT host, and reads the first decrypted request.
func (s *Server) establishTunnel(ctx context.Context, conn net.Conn, req *protocol.Request, info *ConnectionInfo, entry *logrus.Entry) (*Session, error) {
	if req.Method != protocol.MethodConnect || !req.IsHTTP1() {
		info.State = stateRejected
		entry.Debugf("Ignoring %s %s %s", req.Method, req.Target, req.Proto)
		return nil, ErrRejected
	}

	port, secure := classifyTarget(req.Port)
	info.Host, info.Port, info.Secure = req.Host, port, secure

	response := protocol.EncodeResponseHead("HTTP/1.1", http.StatusOK, keepAliveDowngrade(req))
	if _, err := conn.Write(response); err != nil {
		return nil, failure.New(kindFor(ctx, failure.RelayInterrupted), "write CONNECT response", err)
	}
	info.State = stateRespondedOK

	hello, err := protocol.ReadClientHello(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.New(failure.Cancelled, "read ClientHello", err)
		}
		return nil, err
	}
	if sni := protocol.ExtractSNI(hello); sni != "" && !strings.EqualFold(sni, req.Host) {
		// The leaf still follows the CONNECT host, so the client is likely to reject it
		s.stats.IncrementSNIMismatch()
		entry.WithField("sni", sni).Infof("ClientHello names %s but tunnel is for %s", sni, req.Host)
	}

	info.State = stateTLSHandshaking
	replay := &replayConn{Conn: conn, r: io.MultiReader(bytes.NewReader(hello), conn)}
	tlsConn := tls.Server(replay, tlsopt.InterceptConfig(s.certs, req.Host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, failure.New(kindFor(ctx, failure.HandshakeFailure), "client handshake for "+req.Host, err)
	}
	info.State = stateEstablished
	s.stats.IncrementTunnels()

	state := tlsConn.ConnectionState()
	entry.Debugf("Tunnel established to %s:%d (TLS %s, secure upstream=%v)",
		req.Host, port, tls.VersionName(state.Version), secure)

	inner, err := s.intake(tlsConn, tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	if !inner.IsHTTP1() {
		tlsConn.Close()
		entry.Debugf("Ignoring inner %s request", inner.Proto)
		return nil, ErrRejected
	}

	return &Session{
		ID:      info.ID,
		Client:  tlsConn,
		Host:    req.Host,
		Port:    port,
		Secure:  secure,
		Request: inner.WithPort(port),
	}, nil
}

// replayConn serves bytes already consumed from the socket before reading it again
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func kindFor(ctx context.Context, kind failure.Kind) failure.Kind {
	if ctx.Err() != nil {
		return failure.Cancelled
	}
	return kind
}
