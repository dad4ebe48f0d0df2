package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered byte slice pool. Receive buffers are sized to
// header + declared payload, so the tiers follow the frame limits: most
// requests fit the small tiers, the top tier covers a maximum-size
// application payload, and anything larger (forwarded frames with big
// recipient lists) is allocated directly.
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

var defaultSizes = []int{
	512,       // control frames, small requests
	2048,      // common requests
	8192,      // larger requests
	32768,     // near the default per-version limit
	131072,    // oversized version limits
	1 << 20,   // top application payloads
	1<<20 + 9, // a maximum payload with its header
}

// NewBytePool creates a byte pool with the standard size tiers.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom ascending size tiers.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of the requested length, drawn from the smallest
// tier that fits. Sizes above the top tier are allocated directly.
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			return (*bufPtr)[:size]
		}
	}
	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns a slice to its tier. Only slices whose capacity matches a
// tier exactly are retained; everything else is left to the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			bp.puts.Add(1)
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// Stats returns the pool counters.
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:   bp.gets.Load(),
		Puts:   bp.puts.Load(),
		Misses: bp.misses.Load(),
	}
}

// BytePoolStats contains byte pool counters. Misses are Gets above the top
// tier, served by plain allocation.
type BytePoolStats struct {
	Gets   uint64
	Puts   uint64
	Misses uint64
}
