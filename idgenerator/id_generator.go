// Package idgenerator hands out monotonically increasing 32-bit identifiers.
package idgenerator

import "sync/atomic"

// IdGenerator generates increasing IDs of any uint32-based type in a
// concurrency-safe manner. Zero is reserved as the invalid ID and is never
// returned, including after the counter wraps around.
type IdGenerator[T ~uint32] struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id is startValue+1
// (or 1 when that would be zero).
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator[T ~uint32](startValue T) *IdGenerator[T] {
	gen := &IdGenerator[T]{}
	gen.id.Store(uint32(startValue))
	return gen
}

// Id returns the next ID. It is safe for concurrent use.
func (g *IdGenerator[T]) Id() T {
	for {
		if v := g.id.Add(1); v != 0 {
			return T(v)
		}
	}
}

// Last returns the most recently issued ID, or the start value if none was issued.
func (g *IdGenerator[T]) Last() T {
	return T(g.id.Load())
}
