package proxy

import (
	"context"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/iamgaru/gosling/internal/cert"
	"github.com/iamgaru/gosling/internal/config"
	"github.com/iamgaru/gosling/internal/failure"
	"github.com/iamgaru/gosling/internal/logging"
	"github.com/iamgaru/gosling/internal/pool"
	"github.com/iamgaru/gosling/internal/relay"
	tlsopt "github.com/iamgaru/gosling/internal/tls"
)

// Server represents the main proxy server
type Server struct {
	config *config.Config
	logger *logging.Logger
	stats  *ProxyStats

	// Core components
	authority  *cert.Authority
	certs      *cert.Cache
	bufferPool *pool.BufferPool
	dialer     *relay.Dialer
	relayer    *relay.Relayer
	limiter    *rate.Limiter

	// Runtime state
	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	conns    sync.WaitGroup
	exported string
	stopOnce sync.Once
}

// NewServer creates a new proxy server. The root authority is generated here,
// so construction takes as long as one RSA key generation of ca_key_bits.
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		var err error
		logger, err = logging.NewLogger(logging.Config{
			LogFile:     cfg.Logging.LogFile,
			Level:       cfg.Logging.Level,
			EnableDebug: cfg.Logging.EnableDebug,
		})
		if err != nil {
			return nil, err
		}
	}

	authority, err := cert.NewAuthority(cert.CertConfig{
		CAName:          cfg.TLS.CAName,
		CAKeyBits:       cfg.TLS.CAKeyBits,
		LeafKeyBits:     cfg.TLS.LeafKeyBits,
		LeafValidDays:   cfg.TLS.LeafValidDays,
		ReuseRootSerial: cfg.TLS.ReuseRootSerial,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create root authority")
	}

	roots, err := tlsopt.LoadRootCAs(cfg.TLS.UpstreamCAFile)
	if err != nil {
		return nil, err
	}

	bufferPool := pool.NewBufferPool(cfg.Proxy.BufferSize)

	var limiter *rate.Limiter
	if cfg.Proxy.MaxAcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Proxy.MaxAcceptRate), cfg.Proxy.AcceptBurst)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:     cfg,
		logger:     logger,
		stats:      NewProxyStats(),
		authority:  authority,
		certs:      cert.NewCache(authority),
		bufferPool: bufferPool,
		dialer: relay.NewDialer(
			cfg.Proxy.DialTimeoutDuration(),
			cfg.Proxy.ReadTimeoutDuration(),
			cfg.Proxy.WriteTimeoutDuration(),
			roots,
		),
		relayer: relay.NewRelayer(bufferPool),
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Authority returns the root CA that signs intercepted hosts
func (s *Server) Authority() *cert.Authority {
	return s.authority
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start starts the proxy server
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Proxy.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.config.Proxy.ListenAddr)
	}
	s.listener = listener

	if path := s.config.TLS.CAExportFile; path != "" {
		if err := s.authority.Export(path); err != nil {
			listener.Close()
			return err
		}
		s.exported = path
		s.logger.Info("Root certificate written to %s", path)
	}

	s.logger.Info("Proxy server listening on %s (root CA %q)", listener.Addr(), s.authority.Certificate().Subject.CommonName)

	// The accept loop counts as a connection so Stop cannot finish waiting
	// while it may still register new ones.
	s.conns.Add(1)
	go s.acceptConnections(listener)

	return nil
}

// Stop cancels every connection, waits for them up to the shutdown timeout,
// and releases the certificate cache and exported root.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}

		done := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(done)
		}()

		timeout := s.config.Proxy.ShutdownTimeoutDuration()
		select {
		case <-done:
		case <-time.After(timeout):
			err = errors.Errorf("connections still open after %v", timeout)
			s.logger.Warn("Shutdown: %v", err)
		}

		s.certs.Shutdown()

		if s.exported != "" {
			if rmErr := os.Remove(s.exported); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Warn("Failed to remove exported root %s: %v", s.exported, rmErr)
			}
		}

		s.logger.Info("Proxy server stopped")
	})
	return err
}

// acceptConnections accepts and handles incoming connections
func (s *Server) acceptConnections(listener net.Listener) {
	defer s.conns.Done()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept error: %v", err)
			continue
		}

		s.conns.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(conn net.Conn) {
	defer s.conns.Done()
	defer conn.Close()

	// Cancellation unblocks any read parked on this connection
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	s.stats.IncrementTotal()
	s.stats.IncrementActive()
	defer s.stats.DecrementActive()

	info := &ConnectionInfo{
		ID:        uuid.NewString(),
		ClientIP:  conn.RemoteAddr().String(),
		StartTime: time.Now(),
	}
	entry := s.logger.WithConn(info.ID).WithField(logging.FieldClient, info.ClientIP)

	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("Connection handler panic: %v\n%s", r, debug.Stack())
			s.stats.RecordOutcome(failure.Unknown)
		}
	}()

	// Every read and write on the client socket, including the head reads,
	// the TLS handshake and the relay, gets the configured timeouts
	client := relay.NewDeadlineConn(conn,
		s.config.Proxy.ReadTimeoutDuration(),
		s.config.Proxy.WriteTimeoutDuration(),
	)

	err := s.serve(s.ctx, client, info, entry)
	s.logConnection(info, err, entry)
}

// serve runs the request pipeline: intake, tunnel, session
func (s *Server) serve(ctx context.Context, conn net.Conn, info *ConnectionInfo, entry *logrus.Entry) error {
	req, err := s.intake(conn, conn)
	if err != nil {
		return err
	}

	sess, err := s.establishTunnel(ctx, conn, req, info, entry)
	if err != nil {
		return err
	}

	return s.runSession(ctx, sess, info, entry)
}

// logConnection logs connection information
func (s *Server) logConnection(info *ConnectionInfo, err error, entry *logrus.Entry) {
	if errors.Is(err, ErrRejected) {
		s.stats.IncrementRejected()
		return
	}

	kind := info.Kind
	if err != nil {
		kind = failure.KindOf(err)
	}
	s.stats.RecordOutcome(kind)

	entry = entry.WithFields(logrus.Fields{
		logging.FieldHost: info.Host,
		logging.FieldKind: kind.String(),
	})
	duration := time.Since(info.StartTime)

	switch {
	case err == nil:
		entry.Infof("%s -> %s:%d | %v | %d/%d bytes | secure=%v",
			info.ClientIP, info.Host, info.Port, duration, info.BytesUp, info.BytesDown, info.Secure)
	case kind.Expected():
		entry.Debugf("Connection closed in state %s: %v", info.State, err)
	default:
		entry.Warnf("Connection failed in state %s: %v", info.State, err)
	}
}

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	return Stats{
		Proxy:   s.stats.GetStats(),
		Relay:   s.relayer.GetStats(),
		Certs:   s.certs.GetStats(),
		Buffers: s.bufferPool.GetStats(),
	}
}

// LogStats writes a statistics summary
func (s *Server) LogStats() {
	stats := s.GetStats()

	s.logger.Stats("Proxy: %d total, %d active, %d tunnels, %d rejected, %d SNI mismatches | %d bytes up, %d bytes down",
		stats.Proxy.TotalConnections,
		stats.Proxy.ActiveConnections,
		stats.Proxy.Tunnels,
		stats.Proxy.Rejected,
		stats.Proxy.SNIMismatches,
		stats.Proxy.BytesUp,
		stats.Proxy.BytesDown,
	)
	if len(stats.Proxy.Outcomes) > 0 {
		s.logger.Stats("Outcomes: %v", stats.Proxy.Outcomes)
	}
	s.logger.Stats("Certs: %d issued, %d cached, %d hits, %d misses, %d failed | avg issue %dms",
		stats.Certs.IssuedCerts,
		stats.Certs.CachedCerts,
		stats.Certs.CacheHits,
		stats.Certs.CacheMisses,
		stats.Certs.FailedIssue,
		stats.Certs.AvgIssueMs,
	)
	s.logger.Stats("Relay: %d total, %d active, avg %dms | Buffer Pool: %.1f%% reuse",
		stats.Relay.TotalRelays,
		stats.Relay.ActiveRelays,
		stats.Relay.AverageDuration,
		s.bufferPool.GetEfficiency()*100,
	)
}
