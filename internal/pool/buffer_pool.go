package pool

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the relay copy buffer size
const DefaultBufferSize = 32 * 1024

// BufferPool hands out fixed-size copy buffers shared by every relay
type BufferPool struct {
	pool sync.Pool
	size int

	// Statistics
	stats BufferPoolStats
}

// BufferPoolStats tracks buffer pool performance
type BufferPoolStats struct {
	Gets             int64
	Puts             int64
	Discards         int64
	TotalAllocations int64
}

// NewBufferPool creates a pool of buffers of the given size
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}

	bp := &BufferPool{size: size}
	bp.pool.New = func() interface{} {
		atomic.AddInt64(&bp.stats.TotalAllocations, 1)
		buf := make([]byte, size)
		return &buf
	}
	return bp
}

// Size returns the length of buffers handed out by the pool
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get retrieves a buffer
func (bp *BufferPool) Get() *[]byte {
	atomic.AddInt64(&bp.stats.Gets, 1)
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of a foreign size are dropped.
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	if len(*buf) != bp.size {
		atomic.AddInt64(&bp.stats.Discards, 1)
		return
	}

	// Clear the buffer so decrypted traffic does not outlive the connection
	clear(*buf)

	atomic.AddInt64(&bp.stats.Puts, 1)
	bp.pool.Put(buf)
}

// GetStats returns current buffer pool statistics
func (bp *BufferPool) GetStats() BufferPoolStats {
	return BufferPoolStats{
		Gets:             atomic.LoadInt64(&bp.stats.Gets),
		Puts:             atomic.LoadInt64(&bp.stats.Puts),
		Discards:         atomic.LoadInt64(&bp.stats.Discards),
		TotalAllocations: atomic.LoadInt64(&bp.stats.TotalAllocations),
	}
}

// GetEfficiency returns the share of gets served without allocating
func (bp *BufferPool) GetEfficiency() float64 {
	stats := bp.GetStats()
	if stats.Gets == 0 {
		return 0
	}
	return 1.0 - float64(stats.TotalAllocations)/float64(stats.Gets)
}
