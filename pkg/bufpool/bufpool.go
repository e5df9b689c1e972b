// Package bufpool pools the byte slices that carry RPC messages.
//
// Three size classes cover the traffic of an RPC endpoint:
//   - Small (4KiB): portmapper calls and most replies
//   - Datagram (64KiB): anything a single UDP read can return
//   - Record (1MiB): reassembled TCP records up to the default record limit
//
// Requests above the record class are allocated directly and never pooled.
//
//	buf := bufpool.Get(n)
//	defer bufpool.Put(buf)
package bufpool

import "sync"

const (
	SmallSize    = 4 << 10
	DatagramSize = 64 << 10
	RecordSize   = 1 << 20
)

// Pool is a set of size-classed slice pools. Safe for concurrent use.
type Pool struct {
	classes []class
}

type class struct {
	size int
	pool *sync.Pool
}

// NewPool creates a pool with the given class sizes in ascending order.
// No sizes means SmallSize, DatagramSize and RecordSize.
func NewPool(sizes ...int) *Pool {
	if len(sizes) == 0 {
		sizes = []int{SmallSize, DatagramSize, RecordSize}
	}
	p := &Pool{classes: make([]class, 0, len(sizes))}
	for _, size := range sizes {
		size := size
		p.classes = append(p.classes, class{
			size: size,
			pool: &sync.Pool{New: func() any {
				buf := make([]byte, size)
				return &buf
			}},
		})
	}
	return p
}

// Get returns a slice of length size. Its capacity is that of the smallest
// class that fits; oversized requests get a fresh allocation.
func (p *Pool) Get(size int) []byte {
	for _, c := range p.classes {
		if size <= c.size {
			buf := *c.pool.Get().(*[]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to the class matching its capacity. Slices that did not
// come from Get, nil included, are left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	for _, c := range p.classes {
		if cap(buf) == c.size {
			full := buf[:c.size]
			c.pool.Put(&full)
			return
		}
	}
}

// ClassSizes returns the configured class sizes.
func (p *Pool) ClassSizes() []int {
	sizes := make([]int, len(p.classes))
	for i, c := range p.classes {
		sizes[i] = c.size
	}
	return sizes
}

// =============================================================================
// Global Pool
// =============================================================================

var globalPool = NewPool()

// Get returns a slice of length size from the shared pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns buf to the shared pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}
