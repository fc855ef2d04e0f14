// Package ring implements modular arithmetic on a Chord identifier space of
// size 2^m. Every helper normalizes its inputs to the space before comparing.
package ring

import (
	"fmt"
	"math/bits"
)

const (
	// MaxBits is the widest identifier space a Space can describe with uint64 ids
	MaxBits = 63
)

// Space is the identifier ring [0, 2^Bits).
type Space struct {
	bits uint
	size uint64
}

// NewSpace creates a ring of 2^bits identifiers.
func NewSpace(bits int) (Space, error) {
	if bits < 1 || bits > MaxBits {
		return Space{}, fmt.Errorf("ring bits must be between 1 and %d, got %d", MaxBits, bits)
	}
	return Space{bits: uint(bits), size: uint64(1) << uint(bits)}, nil
}

// MustSpace is NewSpace for compile-time constants; it panics on invalid bits.
func MustSpace(bits int) Space {
	s, err := NewSpace(bits)
	if err != nil {
		panic(err)
	}
	return s
}

// Bits returns m.
func (s Space) Bits() int {
	return int(s.bits)
}

// Size returns 2^m, the number of identifiers on the ring.
func (s Space) Size() uint64 {
	return s.size
}

// MaxID returns the largest valid identifier (2^m - 1).
func (s Space) MaxID() uint64 {
	return s.size - 1
}

// IsValidID checks if an ID is within [0, 2^m).
func (s Space) IsValidID(id uint64) bool {
	return id < s.size
}

// Mod returns x mod 2^m.
func (s Space) Mod(x uint64) uint64 {
	return x & (s.size - 1)
}

// AddPowerOfTwo computes (n + 2^exponent) mod 2^m.
// Finger k (1-based) starts at AddPowerOfTwo(n, k-1) and ends at AddPowerOfTwo(n, k).
func (s Space) AddPowerOfTwo(n uint64, exponent int) uint64 {
	if exponent < 0 {
		return s.Mod(n)
	}
	if exponent >= int(s.bits) {
		// 2^exponent is a multiple of the ring size
		return s.Mod(n)
	}
	return s.Mod(s.Mod(n) + uint64(1)<<uint(exponent))
}

// Distance computes the clockwise distance from start to end: (end - start) mod 2^m.
func (s Space) Distance(start, end uint64) uint64 {
	return s.Mod(s.Mod(end) - s.Mod(start))
}

// InRange checks if id is in the range (start, end] on the ring.
// The range wraps around if end < start; start == end covers the whole ring.
//
// Examples on a 2^4 ring:
//   - InRange(5, 3, 7) = true    // 5 is in (3, 7]
//   - InRange(3, 3, 7) = false   // exclusive start
//   - InRange(7, 3, 7) = true    // inclusive end
//   - InRange(1, 8, 3) = true    // wraparound
//   - InRange(4, 4, 4) = true    // full circle
func (s Space) InRange(id, start, end uint64) bool {
	id, start, end = s.Mod(id), s.Mod(start), s.Mod(end)

	switch {
	case start < end:
		return id > start && id <= end
	case start > end:
		return id > start || id <= end
	default:
		return true
	}
}

// Between checks if id is in the open range (start, end) on the ring.
// start == end denotes the entire ring except start.
func (s Space) Between(id, start, end uint64) bool {
	id, start, end = s.Mod(id), s.Mod(start), s.Mod(end)

	switch {
	case start < end:
		return id > start && id < end
	case start > end:
		return id > start || id < end
	default:
		return id != start
	}
}

// BetweenLeftIncl checks if id is in the range [start, end) on the ring.
// When start > end the interval spans the ring's zero point.
// start == end denotes the entire ring.
func (s Space) BetweenLeftIncl(id, start, end uint64) bool {
	id, start, end = s.Mod(id), s.Mod(start), s.Mod(end)

	switch {
	case start < end:
		return id >= start && id < end
	case start > end:
		return id >= start || id < end
	default:
		return true
	}
}

// BitsFor returns the smallest m >= 1 such that 2^m >= count and 2^m > maxID,
// i.e. the ring that fits count participants with the given largest id.
func BitsFor(count int, maxID uint64) int {
	m := 1
	if count > 1 {
		m = bits.Len64(uint64(count - 1))
	}
	if need := bits.Len64(maxID); need > m {
		m = need
	}
	if m < 1 {
		m = 1
	}
	return m
}

// DefaultHopBudget is the number of forwards a lookup may take on a ring of
// the given size before it is dropped.
func DefaultHopBudget(bits int) int {
	return 2*bits + 2
}
