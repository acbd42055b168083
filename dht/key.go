// Package dht defines the node contract that the benchmark driver consumes:
// fixed-width keys with XOR distance, contacts, and the callback-based
// operation set exposed by a DHT node.
package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
)

// KeySizeBytes is the width of a node identifier or value key.
const KeySizeBytes = 64

// KeySizeBits is the width of the key space in bits.
const KeySizeBits = KeySizeBytes * 8

// Key is a 512-bit identifier, big-endian: bit 0 is the least significant
// bit of the last byte.
type Key [KeySizeBytes]byte

// ParseKey decodes a hex-encoded key.
func ParseKey(s string) (Key, error) {
	var k Key

	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decode key: %w", err)
	}

	if len(b) != KeySizeBytes {
		return k, fmt.Errorf(
			"invalid key length: got %d bytes, want %d", len(b), KeySizeBytes,
		)
	}

	copy(k[:], b)

	return k, nil
}

// RandomKey returns a key from crypto/rand.
func RandomKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("read random key: %w", err)
	}

	return k, nil
}

// SeededKey returns a key drawn from rng, for reproducible target sets.
func SeededKey(rng *mrand.Rand) Key {
	var k Key
	rng.Read(k[:])

	return k
}

// Xor returns the XOR distance between k and other.
func (k Key) Xor(other Key) Key {
	var out Key
	for i := range k {
		out[i] = k[i] ^ other[i]
	}

	return out
}

// FlipBit toggles bit pos, counted from the least significant bit.
func (k Key) FlipBit(pos int) Key {
	k[KeySizeBytes-1-pos/8] ^= 1 << (pos % 8)

	return k
}

// Less compares keys as big-endian unsigned integers.
func (k Key) Less(other Key) bool {
	for i := range k {
		if k[i] != other[i] {
			return k[i] < other[i]
		}
	}

	return false
}

// IsZero reports whether every bit of k is zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

// String hex-encodes the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first eight hex characters, for log lines.
func (k Key) Short() string {
	return hex.EncodeToString(k[:4])
}
