package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/iamgaru/gosling/internal/cert"
	"github.com/iamgaru/gosling/internal/failure"
	"github.com/iamgaru/gosling/internal/pool"
	"github.com/iamgaru/gosling/internal/relay"
	"github.com/iamgaru/gosling/pkg/protocol"
)

// ConnectionInfo contains metadata about a proxy connection
type ConnectionInfo struct {
	ID        string
	ClientIP  string
	Host      string
	Port      int
	Secure    bool
	StartTime time.Time
	BytesUp   int64
	BytesDown int64
	State     tunnelState
	Kind      failure.Kind
}

// Session is an established tunnel ready to be joined to its origin. It owns
// Client until the relay completes.
type Session struct {
	ID      string
	Client  net.Conn // decrypted client stream
	Host    string
	Port    int
	Secure  bool
	Request *protocol.Request // inner request; Raw is forwarded verbatim
}

// tunnelState tracks CONNECT handling for logging
type tunnelState int

const (
	stateAwaitingRequest tunnelState = iota
	stateRespondedOK
	stateTLSHandshaking
	stateEstablished
	stateRejected
)

// String returns the string representation of the state
func (ts tunnelState) String() string {
	switch ts {
	case stateAwaitingRequest:
		return "awaiting_request"
	case stateRespondedOK:
		return "responded_ok"
	case stateTLSHandshaking:
		return "tls_handshaking"
	case stateEstablished:
		return "established"
	case stateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ProxyStats tracks proxy server statistics
type ProxyStats struct {
	TotalConnections  int64                  `json:"total_connections"`
	ActiveConnections int64                  `json:"active_connections"`
	Tunnels           int64                  `json:"tunnels"`
	Rejected          int64                  `json:"rejected"`
	SNIMismatches     int64                  `json:"sni_mismatches"`
	BytesUp           int64                  `json:"bytes_up"`
	BytesDown         int64                  `json:"bytes_down"`
	Outcomes          map[failure.Kind]int64 `json:"-"`
	mutex             sync.RWMutex
}

// NewProxyStats creates a new ProxyStats instance
func NewProxyStats() *ProxyStats {
	return &ProxyStats{Outcomes: make(map[failure.Kind]int64)}
}

// IncrementTotal safely increments total connections
func (ps *ProxyStats) IncrementTotal() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.TotalConnections++
}

// IncrementActive safely increments active connections
func (ps *ProxyStats) IncrementActive() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.ActiveConnections++
}

// DecrementActive safely decrements active connections
func (ps *ProxyStats) DecrementActive() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.ActiveConnections--
}

// IncrementTunnels safely increments established tunnels
func (ps *ProxyStats) IncrementTunnels() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.Tunnels++
}

// IncrementRejected safely increments requests closed without a response
func (ps *ProxyStats) IncrementRejected() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.Rejected++
}

// IncrementSNIMismatch counts a ClientHello naming a host other than the CONNECT target
func (ps *ProxyStats) IncrementSNIMismatch() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.SNIMismatches++
}

// AddBytes safely adds relayed byte counts
func (ps *ProxyStats) AddBytes(up, down int64) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.BytesUp += up
	ps.BytesDown += down
}

// RecordOutcome counts how a connection ended
func (ps *ProxyStats) RecordOutcome(kind failure.Kind) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.Outcomes[kind]++
}

// ProxyStatsSnapshot represents a snapshot of proxy statistics without mutex
type ProxyStatsSnapshot struct {
	TotalConnections  int64            `json:"total_connections"`
	ActiveConnections int64            `json:"active_connections"`
	Tunnels           int64            `json:"tunnels"`
	Rejected          int64            `json:"rejected"`
	SNIMismatches     int64            `json:"sni_mismatches"`
	BytesUp           int64            `json:"bytes_up"`
	BytesDown         int64            `json:"bytes_down"`
	Outcomes          map[string]int64 `json:"outcomes"`
}

// GetStats returns a copy of current statistics
func (ps *ProxyStats) GetStats() ProxyStatsSnapshot {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	outcomes := make(map[string]int64, len(ps.Outcomes))
	for kind, n := range ps.Outcomes {
		outcomes[kind.String()] = n
	}

	return ProxyStatsSnapshot{
		TotalConnections:  ps.TotalConnections,
		ActiveConnections: ps.ActiveConnections,
		Tunnels:           ps.Tunnels,
		Rejected:          ps.Rejected,
		SNIMismatches:     ps.SNIMismatches,
		BytesUp:           ps.BytesUp,
		BytesDown:         ps.BytesDown,
		Outcomes:          outcomes,
	}
}

// Stats aggregates the statistics of every server component
type Stats struct {
	Proxy   ProxyStatsSnapshot       `json:"proxy"`
	Relay   relay.RelayStatsSnapshot `json:"relay"`
	Certs   cert.CertStatsSnapshot   `json:"certs"`
	Buffers pool.BufferPoolStats     `json:"buffers"`
}
