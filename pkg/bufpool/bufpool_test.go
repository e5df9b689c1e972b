package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Size Classes
// ============================================================================

func TestGetPicksSmallestClass(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"Empty", 0, SmallSize},
		{"PortmapCall", 56, SmallSize},
		{"SmallBoundary", SmallSize, SmallSize},
		{"MaxDatagram", 65535, DatagramSize},
		{"Record", 100 << 10, RecordSize},
		{"RecordBoundary", RecordSize, RecordSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Get(tt.size)
			defer Put(buf)

			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.wantCap, cap(buf))
		})
	}
}

func TestOversizedIsNotPooled(t *testing.T) {
	buf := Get(RecordSize + 1)
	assert.Len(t, buf, RecordSize+1)
	assert.Equal(t, RecordSize+1, cap(buf))
	Put(buf)
}

func TestPutIgnoresForeignSlices(t *testing.T) {
	p := NewPool(16, 32)
	p.Put(nil)
	p.Put(make([]byte, 20))

	buf := p.Get(20)
	assert.Equal(t, 32, cap(buf))
}

func TestCustomClasses(t *testing.T) {
	p := NewPool(16, 32)
	assert.Equal(t, []int{16, 32}, p.ClassSizes())

	buf := p.Get(10)
	require.Len(t, buf, 10)
	assert.Equal(t, 16, cap(buf))
	p.Put(buf)

	again := p.Get(16)
	assert.Len(t, again, 16, "a reused slice is resliced to the requested length")
}

func TestDefaultClasses(t *testing.T) {
	assert.Equal(t, []int{SmallSize, DatagramSize, RecordSize}, NewPool().ClassSizes())
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := Get((i*j)%70000 + 1)
				buf[0] = byte(i)
				Put(buf)
			}
		}(i)
	}
	wg.Wait()
}
