package rpc

import (
	"math/rand"
	"sync/atomic"
)

// XIDSource hands out transaction identifiers. The sequence starts at a
// random value and is incremented before every call, so concurrent callers
// sharing one source never observe the same id.
type XIDSource struct {
	last atomic.Uint32
}

// NewXIDSource returns a source seeded with a pseudo-random value.
func NewXIDSource() *XIDSource {
	s := &XIDSource{}
	s.last.Store(rand.Uint32())
	return s
}

// Next returns the next transaction id.
func (s *XIDSource) Next() uint32 {
	return s.last.Add(1)
}
