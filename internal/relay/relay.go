package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamgaru/gosling/internal/failure"
	"github.com/iamgaru/gosling/internal/pool"
)

// Result describes a finished relay
type Result struct {
	BytesUp   int64 // client to upstream
	BytesDown int64 // upstream to client
	Duration  time.Duration
	Kind      failure.Kind

	// Err is the first copy error other than EOF or a closed connection
	Err error
}

// Relayer copies bytes between two established streams
type Relayer struct {
	bufferPool *pool.BufferPool
	stats      *RelayStats
}

// RelayStats tracks relay performance statistics
type RelayStats struct {
	TotalRelays     int64
	ActiveRelays    int64
	Interrupted     int64
	Cancelled       int64
	BytesUp         int64
	BytesDown       int64
	AverageDuration int64 // milliseconds
	totalDuration   time.Duration
	mutex           sync.RWMutex
}

// NewRelayer creates a relayer drawing copy buffers from bufferPool
func NewRelayer(bufferPool *pool.BufferPool) *Relayer {
	if bufferPool == nil {
		bufferPool = pool.NewBufferPool(pool.DefaultBufferSize)
	}
	return &Relayer{
		bufferPool: bufferPool,
		stats:      NewRelayStats(),
	}
}

// Relay copies in both directions until either side ends or ctx is cancelled.
// Both connections are closed when it returns.
func (r *Relayer) Relay(ctx context.Context, client, upstream net.Conn) Result {
	r.stats.IncrementTotal()
	defer r.stats.DecrementActive()

	start := time.Now()
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Whichever side finishes first tears down both
	context.AfterFunc(relayCtx, func() {
		client.Close()
		upstream.Close()
	})

	var (
		wg             sync.WaitGroup
		result         Result
		errUp, errDown error
	)
	wg.Add(2)

	// Client to upstream
	go func() {
		defer wg.Done()
		defer cancel()
		result.BytesUp, errUp = r.copyWithBuffer(upstream, client)
	}()

	// Upstream to client
	go func() {
		defer wg.Done()
		defer cancel()
		result.BytesDown, errDown = r.copyWithBuffer(client, upstream)
	}()

	wg.Wait()

	result.Duration = time.Since(start)
	result.Kind = failure.RelayInterrupted
	if ctx.Err() != nil {
		result.Kind = failure.Cancelled
	}
	for _, err := range []error{errUp, errDown} {
		if err != nil && !isClosed(err) {
			result.Err = err
			break
		}
	}

	r.stats.Record(result)
	log.Debugf("Relay finished: up=%d down=%d duration=%v kind=%s",
		result.BytesUp, result.BytesDown, result.Duration, result.Kind)

	return result
}

// GetStats returns relay statistics
func (r *Relayer) GetStats() RelayStatsSnapshot {
	return r.stats.GetStats()
}

// copyWithBuffer performs buffered copy between connections
func (r *Relayer) copyWithBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := r.bufferPool.Get()
	defer r.bufferPool.Put(buf)

	var written int64
	for {
		nr, er := src.Read(*buf)
		if nr > 0 {
			nw, ew := dst.Write((*buf)[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if ew != nil {
				return written, ew
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if er != io.EOF {
				return written, er
			}
			break
		}
	}
	return written, nil
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF)
}

// NewRelayStats creates new relay statistics
func NewRelayStats() *RelayStats {
	return &RelayStats{}
}

// IncrementTotal increments total and active relays
func (rs *RelayStats) IncrementTotal() {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.TotalRelays++
	rs.ActiveRelays++
}

// DecrementActive decrements active relays
func (rs *RelayStats) DecrementActive() {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	if rs.ActiveRelays > 0 {
		rs.ActiveRelays--
	}
}

// Record adds a finished relay to the totals
func (rs *RelayStats) Record(result Result) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.BytesUp += result.BytesUp
	rs.BytesDown += result.BytesDown
	if result.Kind == failure.Cancelled {
		rs.Cancelled++
	} else {
		rs.Interrupted++
	}
	rs.totalDuration += result.Duration
	finished := time.Duration(rs.Interrupted + rs.Cancelled)
	rs.AverageDuration = (rs.totalDuration / finished).Milliseconds()
}

// RelayStatsSnapshot represents a snapshot of relay statistics without mutex
type RelayStatsSnapshot struct {
	TotalRelays     int64
	ActiveRelays    int64
	Interrupted     int64
	Cancelled       int64
	BytesUp         int64
	BytesDown       int64
	AverageDuration int64
}

// GetStats returns a copy of current statistics
func (rs *RelayStats) GetStats() RelayStatsSnapshot {
	rs.mutex.RLock()
	defer rs.mutex.RUnlock()
	return RelayStatsSnapshot{
		TotalRelays:     rs.TotalRelays,
		ActiveRelays:    rs.ActiveRelays,
		Interrupted:     rs.Interrupted,
		Cancelled:       rs.Cancelled,
		BytesUp:         rs.BytesUp,
		BytesDown:       rs.BytesDown,
		AverageDuration: rs.AverageDuration,
	}
}
