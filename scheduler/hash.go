package scheduler

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/blake2s"
)

// keyedHash implements the stable keyed hash used for deterministic
// jitter and tie-breaking: BLAKE2s (128-bit output truncated to an
// integer) over the concatenation of its string parts. A null-byte
// separator between parts avoids "ab"+"c" colliding with "a"+"bc".
func keyedHash(parts ...string) uint64 {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(fmt.Sprintf("scheduler: blake2s.New256: %v", err))
	}
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil) // 32 bytes
	// Take the 128-bit output (first 16 bytes) and truncate it to a
	// 64-bit integer.
	half := sum[:16]
	return binary.BigEndian.Uint64(half[8:16])
}

// mapToRange deterministically maps a hash value into [lo, hi].
func mapToRange(h uint64, lo, hi float64) float64 {
	frac := float64(h) / float64(math.MaxUint64)
	return lo + frac*(hi-lo)
}

// snapToGrid rounds seconds to the nearest 0.5s grid cell.
func snapToGrid(seconds float64) float64 {
	const grid = 0.5
	return math.Round(seconds/grid) * grid
}
