package workload

import (
	"errors"
	"fmt"

	"github.com/weiihann/kadbench/dht"
)

// ErrInvalidIterationIndex is returned for an iteration outside the key
// space of a Deriver.
var ErrInvalidIterationIndex = errors.New("workload: invalid iteration index")

// Deriver maps iteration indices to keys at increasing XOR distance from a
// base key, within a key space of Bits bits.
type Deriver struct {
	bits int
}

// NewDeriver returns a Deriver over the low bits of a dht.Key. bits must be
// in [1, dht.KeySizeBits].
func NewDeriver(bits int) (*Deriver, error) {
	if bits < 1 || bits > dht.KeySizeBits {
		return nil, fmt.Errorf(
			"key space of %d bits outside [1, %d]", bits, dht.KeySizeBits,
		)
	}

	return &Deriver{bits: bits}, nil
}

// Bits is the width of the key space.
func (d *Deriver) Bits() int {
	return d.bits
}

// Derive returns base XOR m, where m is the (iteration+1)-th smallest
// non-zero identifier of the key space. Iterations 0, 1, 2, 3 therefore
// map to distances 0001, 0010, 0011, 0100: the mapping is injective over
// [0, 2^bits-1) and distance from base grows with the iteration.
//
// This is a plain counter walk, not a single-bit-first walk (0001, 0010,
// 0100, 1000, 1001, ...). Keys derived here therefore differ from a
// bit-flip walk over the same base from iteration 2 on, and a store/find
// run does not address the same keys as a bench that uses one.
func (d *Deriver) Derive(base dht.Key, iteration int) (dht.Key, error) {
	if iteration < 0 || (d.bits < 64 && uint64(iteration) >= uint64(1)<<d.bits-1) {
		return dht.Key{}, fmt.Errorf(
			"%w: %d not in [0, 2^%d-1)", ErrInvalidIterationIndex, iteration, d.bits,
		)
	}

	var mod dht.Key

	n := uint64(iteration) + 1
	for pos := 0; n != 0; pos++ {
		if n&1 == 1 {
			mod = mod.FlipBit(pos)
		}

		n >>= 1
	}

	return base.Xor(mod), nil
}

var fullDeriver = &Deriver{bits: dht.KeySizeBits}

// DeriveKey derives over the full key space.
func DeriveKey(base dht.Key, iteration int) (dht.Key, error) {
	return fullDeriver.Derive(base, iteration)
}

// IterationIndex flattens (size class, target, iteration) into one index
// that is unique across a whole store/find run.
func IterationIndex(sizeClass, target, iteration, targets, iterations int) int {
	return sizeClass*iterations*targets + target*iterations + iteration
}
