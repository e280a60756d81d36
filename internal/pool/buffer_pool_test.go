package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPoolGetPut(t *testing.T) {
	bp := NewBufferPool(1024)
	assert.Equal(t, 1024, bp.Size())

	buf := bp.Get()
	assert.Len(t, *buf, 1024)
	(*buf)[0] = 0xff
	bp.Put(buf)

	stats := bp.GetStats()
	assert.Equal(t, int64(1), stats.Gets)
	assert.Equal(t, int64(1), stats.Puts)
	assert.Equal(t, int64(0), stats.Discards)
	assert.Equal(t, byte(0), (*buf)[0])
}

func TestBufferPoolDiscardsForeignSize(t *testing.T) {
	bp := NewBufferPool(1024)

	foreign := make([]byte, 10)
	bp.Put(&foreign)
	bp.Put(nil)

	stats := bp.GetStats()
	assert.Equal(t, int64(0), stats.Puts)
	assert.Equal(t, int64(1), stats.Discards)
}

func TestBufferPoolDefaults(t *testing.T) {
	bp := NewBufferPool(0)
	assert.Equal(t, DefaultBufferSize, bp.Size())
	assert.Equal(t, float64(0), bp.GetEfficiency())

	buf := bp.Get()
	assert.Len(t, *buf, DefaultBufferSize)
	assert.LessOrEqual(t, bp.GetEfficiency(), 1.0)
}
