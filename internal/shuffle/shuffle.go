// Package shuffle derives identical content orderings on independent peers from a shared seed.
package shuffle

import (
	"hash/fnv"
	"slices"
)

// emptySeedHash is used in place of the FNV hash when the seed is the empty string,
// so that a blank seed still produces a stable, non-trivial ordering.
const emptySeedHash uint32 = 0x9E3779B9

// HashSeed maps a seed string to a 32-bit value using FNV-1a over its UTF-8 bytes.
func HashSeed(seed string) uint32 {
	if seed == "" {
		return emptySeedHash
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return h.Sum32()
}

// Rand is a mulberry32 generator. It is small enough to port to any client
// runtime bit-for-bit, which is the point: every peer must draw the same sequence.
type Rand struct {
	state uint32
}

// NewRand seeds a generator.
func NewRand(seed uint32) *Rand {
	return &Rand{state: seed}
}

// Uint32 returns the next value in the sequence.
func (r *Rand) Uint32() uint32 {
	r.state += 0x6D2B79F5
	z := r.state
	z = (z ^ (z >> 15)) * (z | 1)
	z ^= z + (z^(z>>7))*(z|61)
	return z ^ (z >> 14)
}

// Intn returns a value in [0, n). n must be > 0.
func (r *Rand) Intn(n int) int {
	return int(uint64(r.Uint32()) * uint64(n) >> 32)
}

// Permute returns a new slice holding items in a seed-determined order (Fisher-Yates).
// The input is not modified. Same seed and same input always give the same output.
func Permute[T any](seed string, items []T) []T {
	out := slices.Clone(items)
	if len(out) < 2 {
		if out == nil {
			return []T{}
		}
		return out
	}
	r := NewRand(HashSeed(seed))
	for i := len(out) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
