package dht

import (
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyRoundTrip(t *testing.T) {
	k := SeededKey(mrand.New(mrand.NewSource(7)))

	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseKeyRejectsBadInput(t *testing.T) {
	_, err := ParseKey("zz")
	assert.Error(t, err)

	_, err = ParseKey("abcd")
	assert.Error(t, err, "short keys must be rejected")
}

func TestFlipBit(t *testing.T) {
	var zero Key

	k := zero.FlipBit(0)
	assert.Equal(t, byte(0x01), k[KeySizeBytes-1])

	k = zero.FlipBit(9)
	assert.Equal(t, byte(0x02), k[KeySizeBytes-2])

	k = zero.FlipBit(KeySizeBits - 1)
	assert.Equal(t, byte(0x80), k[0])
	assert.True(t, k.FlipBit(KeySizeBits-1).IsZero())
}

func TestXorIsDistance(t *testing.T) {
	rng := mrand.New(mrand.NewSource(1))
	a, b := SeededKey(rng), SeededKey(rng)

	assert.True(t, a.Xor(a).IsZero())
	assert.Equal(t, a.Xor(b), b.Xor(a))
	assert.Equal(t, b, a.Xor(a.Xor(b)))
}

func TestLess(t *testing.T) {
	var zero Key
	one := zero.FlipBit(0)
	high := zero.FlipBit(100)

	assert.True(t, zero.Less(one))
	assert.True(t, one.Less(high))
	assert.False(t, high.Less(one))
	assert.False(t, one.Less(one))
}

func TestContactPayloadRoundTrip(t *testing.T) {
	c := Contact{
		ID:      SeededKey(mrand.New(mrand.NewSource(3))),
		Address: "127.0.0.1:4000",
	}

	got, err := DecodeContact(EncodeContact(c))
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = DecodeContact([]byte(`{"id":"00","address":"x"}`))
	assert.Error(t, err)
}
