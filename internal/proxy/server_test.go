package proxy

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamgaru/gosling/internal/config"
	"github.com/iamgaru/gosling/internal/logging"
	"github.com/iamgaru/gosling/pkg/protocol"
)

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *Server {
	t.Helper()

	cfg := config.NewLoader().Default()
	cfg.Proxy.ListenAddr = "127.0.0.1:0"
	cfg.TLS.CAKeyBits = 2048
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	logger, err := logging.NewLogger(logging.Config{Level: "debug", Console: io.Discard})
	require.NoError(t, err)

	srv, err := NewServer(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// newOrigin starts a TLS origin and returns it with a PEM file trusting it
func newOrigin(t *testing.T, handler http.Handler) (*httptest.Server, string) {
	t.Helper()

	origin := httptest.NewTLSServer(handler)
	t.Cleanup(origin.Close)

	path := filepath.Join(t.TempDir(), "origin.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: origin.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, data, 0644))
	return origin, path
}

func dialProxy(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect sends a CONNECT and returns the exact response head
func connect(t *testing.T, conn net.Conn, target, extraHeaders string) string {
	t.Helper()
	_, err := conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n" + extraHeaders + "\r\n"))
	require.NoError(t, err)
	head, err := protocol.ReadHead(conn, 0)
	require.NoError(t, err)
	return string(head)
}

func clientHandshake(t *testing.T, srv *Server, conn net.Conn, serverName string) *tls.Conn {
	t.Helper()
	tlsConn := tls.Client(conn, &tls.Config{
		RootCAs:    srv.Authority().CertPool(),
		ServerName: serverName,
	})
	require.NoError(t, tlsConn.Handshake())
	return tlsConn
}

func TestEndToEndIntercept(t *testing.T) {
	origin, caFile := newOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		w.Write([]byte("hello from origin " + r.URL.Path))
	}))
	u, err := url.Parse(origin.URL)
	require.NoError(t, err)

	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.TLS.UpstreamCAFile = caFile
		cfg.Proxy.MaxAcceptRate = 100
	})

	conn := dialProxy(t, srv)
	head := connect(t, conn, u.Host, "Proxy-Connection: keep-alive\r\n")
	assert.Equal(t, "HTTP/1.1 200 OK\r\nProxy-Connection: close\r\nConnection: close\r\n\r\n", head)

	tlsConn := clientHandshake(t, srv, conn, "127.0.0.1")

	leaf := tlsConn.ConnectionState().PeerCertificates[0]
	assert.Equal(t, "127.0.0.1", leaf.Subject.CommonName)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
	assert.Equal(t, srv.Authority().Certificate().Subject.CommonName, leaf.Issuer.CommonName)

	_, err = tlsConn.Write([]byte("GET /hello HTTP/1.1\r\nHost: " + u.Host + "\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Origin"))
	assert.Equal(t, "hello from origin /hello", string(body))

	assert.Eventually(t, func() bool {
		stats := srv.GetStats()
		return stats.Proxy.Tunnels == 1 && stats.Proxy.BytesDown > 0 && stats.Proxy.ActiveConnections == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), srv.GetStats().Certs.IssuedCerts)
}

func TestConnectWithoutPortPresentsLeafForHost(t *testing.T) {
	srv := newTestServer(t, nil)

	for i := 0; i < 2; i++ {
		conn := dialProxy(t, srv)
		head := connect(t, conn, "Example.COM", "")
		assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", head)

		tlsConn := clientHandshake(t, srv, conn, "example.com")
		leaf := tlsConn.ConnectionState().PeerCertificates[0]
		assert.Equal(t, []string{"example.com"}, leaf.DNSNames)

		_, err := leaf.Verify(x509.VerifyOptions{
			Roots:   srv.Authority().CertPool(),
			DNSName: "example.com",
		})
		assert.NoError(t, err)
		tlsConn.Close()
	}

	certs := srv.GetStats().Certs
	assert.Equal(t, int64(1), certs.IssuedCerts)
	assert.Equal(t, int64(1), certs.CacheHits)
}

func TestRejectedRequestsGetNoResponse(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		head string
	}{
		{"Plain GET", "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"},
		{"CONNECT over HTTP/2.0", "CONNECT example.com:443 HTTP/2.0\r\n\r\n"},
		{"Truncated head", "CONNECT example.com:443 HTTP/1.1\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialProxy(t, srv)
			_, err := conn.Write([]byte(tt.head))
			require.NoError(t, err)
			if tcp, ok := conn.(*net.TCPConn); ok {
				tcp.CloseWrite()
			}

			data, _ := io.ReadAll(conn)
			assert.Empty(t, data)
		})
	}

	assert.Eventually(t, func() bool {
		stats := srv.GetStats().Proxy
		return stats.Rejected == 2 && stats.Outcomes["incomplete_request"] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		head string
	}{
		{"Single token", "GARBAGE\r\n\r\n"},
		{"Unparsable version", "CONNECT example.com:443 HTTP/one\r\n\r\n"},
		{"No host", "CONNECT / HTTP/1.1\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialProxy(t, srv)
			_, err := conn.Write([]byte(tt.head))
			require.NoError(t, err)

			data, err := io.ReadAll(conn)
			require.NoError(t, err)
			assert.Equal(t, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", string(data))
		})
	}

	assert.Eventually(t, func() bool {
		outcomes := srv.GetStats().Proxy.Outcomes
		return outcomes["malformed_request"] == 1 &&
			outcomes["unsupported_version"] == 1 &&
			outcomes["unresolved_host"] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMalformedInnerRequest(t *testing.T) {
	srv := newTestServer(t, nil)

	conn := dialProxy(t, srv)
	connect(t, conn, "example.com:443", "")
	tlsConn := clientHandshake(t, srv, conn, "example.com")

	_, err := tlsConn.Write([]byte("BROKEN\r\n\r\n"))
	require.NoError(t, err)

	data, _ := io.ReadAll(tlsConn)
	assert.Equal(t, string(protocol.BadRequest()), string(data))
}

func TestPlaintextAfterConnect(t *testing.T) {
	srv := newTestServer(t, nil)

	conn := dialProxy(t, srv)
	connect(t, conn, "example.com:443", "")

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	data, _ := io.ReadAll(conn)
	assert.Empty(t, data)

	assert.Eventually(t, func() bool {
		return srv.GetStats().Proxy.Outcomes["handshake_failure"] == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), srv.GetStats().Certs.IssuedCerts)
}

func TestIdleClientsAreClosed(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Proxy.ReadTimeout = 1
	})

	tests := []struct {
		name  string
		setup func(t *testing.T, conn net.Conn)
	}{
		{"Partial request head", func(t *testing.T, conn net.Conn) {
			_, err := conn.Write([]byte("CONNECT exa"))
			require.NoError(t, err)
		}},
		{"Idle after CONNECT response", func(t *testing.T, conn net.Conn) {
			assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", connect(t, conn, "example.com:443", ""))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialProxy(t, srv)
			tt.setup(t, conn)

			start := time.Now()
			data, err := io.ReadAll(conn)
			require.NoError(t, err)
			assert.Empty(t, data)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}

	assert.Eventually(t, func() bool {
		return srv.GetStats().Proxy.ActiveConnections == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSNIMismatchIsCounted(t *testing.T) {
	srv := newTestServer(t, nil)

	conn := dialProxy(t, srv)
	connect(t, conn, "example.com:443", "")

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         "other.example",
		InsecureSkipVerify: true,
	})
	require.NoError(t, tlsConn.Handshake())

	leaf := tlsConn.ConnectionState().PeerCertificates[0]
	assert.Equal(t, "example.com", leaf.Subject.CommonName)
	assert.Equal(t, int64(1), srv.GetStats().Proxy.SNIMismatches)
}

func TestDialFailureClosesTunnel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	srv := newTestServer(t, nil)
	target := net.JoinHostPort("127.0.0.1", itoa(port))

	conn := dialProxy(t, srv)
	connect(t, conn, target, "")
	tlsConn := clientHandshake(t, srv, conn, "127.0.0.1")

	_, err = tlsConn.Write([]byte("GET / HTTP/1.1\r\nHost: " + target + "\r\n\r\n"))
	require.NoError(t, err)

	data, _ := io.ReadAll(tlsConn)
	assert.Empty(t, data)

	assert.Eventually(t, func() bool {
		return srv.GetStats().Proxy.Outcomes["dial_failure"] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopDuringRelay(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})
	origin, caFile := newOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		once.Do(func() { close(started) })
		<-r.Context().Done()
	}))
	u, err := url.Parse(origin.URL)
	require.NoError(t, err)

	exportPath := filepath.Join(t.TempDir(), "root.pem")
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.TLS.UpstreamCAFile = caFile
		cfg.TLS.CAExportFile = exportPath
	})

	exported, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Equal(t, srv.Authority().CertificatePEM(), exported)

	conn := dialProxy(t, srv)
	connect(t, conn, u.Host, "")
	tlsConn := clientHandshake(t, srv, conn, "127.0.0.1")

	_, err = tlsConn.Write([]byte("GET /stream HTTP/1.1\r\nHost: " + u.Host + "\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(tlsConn)
	resp, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("origin handler did not start")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- srv.Stop() }()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a relay was active")
	}

	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	assert.Error(t, err)

	_, err = os.Stat(exportPath)
	assert.True(t, os.IsNotExist(err))

	stats := srv.GetStats()
	assert.Equal(t, int64(0), stats.Proxy.ActiveConnections)
	assert.Equal(t, int64(0), stats.Certs.CachedCerts)
	assert.Equal(t, int64(1), stats.Relay.Cancelled)
}

func TestStopIsIdempotent(t *testing.T) {
	srv := newTestServer(t, nil)
	assert.NoError(t, srv.Stop())
	assert.NoError(t, srv.Stop())
}
