package simnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiihann/kadbench/dht"
	"github.com/weiihann/kadbench/signer"
)

// call runs one operation and waits for its callback.
func call(t *testing.T, op func(dht.Callback)) (dht.Response, bool) {
	t.Helper()

	ch := make(chan dht.Response, 1)
	op(func(r dht.Response) { ch <- r })

	select {
	case r := <-ch:
		return r, true
	case <-time.After(200 * time.Millisecond):
		return dht.Response{}, false
	}
}

func newNode(t *testing.T, cfg Config) *Node {
	t.Helper()

	n := New(cfg)
	t.Cleanup(func() { _ = n.Close() })

	return n
}

func TestLookupContact(t *testing.T) {
	n := newNode(t, Config{Seed: 1, Peers: 4})
	ctx := context.Background()

	peer := n.Peers()[2]

	resp, ok := call(t, func(cb dht.Callback) { n.LookupContact(ctx, peer.ID, false, cb) })
	require.True(t, ok)
	require.True(t, resp.Succeeded)

	got, err := dht.DecodeContact(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, peer, got)

	resp, ok = call(t, func(cb dht.Callback) { n.LookupContact(ctx, peer.ID.FlipBit(0), false, cb) })
	require.True(t, ok)
	assert.False(t, resp.Succeeded)
}

func TestPeersAreDeterministic(t *testing.T) {
	a := newNode(t, Config{Seed: 7, Peers: 3})
	b := newNode(t, Config{Seed: 7, Peers: 3})

	assert.Equal(t, a.ID(), b.ID())
	assert.Equal(t, a.PeerIDs(), b.PeerIDs())
}

func TestPing(t *testing.T) {
	n := newNode(t, Config{Seed: 2, Peers: 1})
	ctx := context.Background()

	resp, ok := call(t, func(cb dht.Callback) { n.Ping(ctx, n.Peers()[0], cb) })
	require.True(t, ok)
	assert.True(t, resp.Succeeded)

	resp, ok = call(t, func(cb dht.Callback) { n.Ping(ctx, dht.Contact{}, cb) })
	require.True(t, ok)
	assert.False(t, resp.Succeeded)
}

func TestStoreThenFind(t *testing.T) {
	n := newNode(t, Config{Seed: 3})
	ctx := context.Background()
	key := n.ID().FlipBit(5)

	resp, ok := call(t, func(cb dht.Callback) { n.FindValue(ctx, key, false, cb) })
	require.True(t, ok)
	assert.False(t, resp.Succeeded)

	resp, ok = call(t, func(cb dht.Callback) { n.StoreValue(ctx, key, []byte("v"), time.Hour, cb) })
	require.True(t, ok)
	assert.True(t, resp.Succeeded)

	resp, ok = call(t, func(cb dht.Callback) { n.FindValue(ctx, key, false, cb) })
	require.True(t, ok)
	assert.True(t, resp.Succeeded)
	assert.Equal(t, []byte("v"), resp.Payload)
}

func TestExpiredValueIsNotFound(t *testing.T) {
	n := newNode(t, Config{Seed: 3})
	ctx := context.Background()
	key := n.ID()

	_, ok := call(t, func(cb dht.Callback) { n.StoreValue(ctx, key, []byte("v"), time.Nanosecond, cb) })
	require.True(t, ok)

	time.Sleep(time.Millisecond)

	resp, ok := call(t, func(cb dht.Callback) { n.FindValue(ctx, key, false, cb) })
	require.True(t, ok)
	assert.False(t, resp.Succeeded)
}

func TestStoreSignedValueVerifies(t *testing.T) {
	s, err := signer.New(2048)
	require.NoError(t, err)

	n := newNode(t, Config{Seed: 4})
	ctx := context.Background()
	key := n.ID().FlipBit(1)

	value, sig, err := s.Envelope(n.ID(), key, []byte("signed"))
	require.NoError(t, err)

	resp, ok := call(t, func(cb dht.Callback) { n.StoreSignedValue(ctx, key, value, sig, time.Hour, cb) })
	require.True(t, ok)
	assert.True(t, resp.Succeeded)

	resp, ok = call(t, func(cb dht.Callback) { n.StoreSignedValue(ctx, key.FlipBit(0), value, sig, time.Hour, cb) })
	require.True(t, ok)
	assert.False(t, resp.Succeeded, "request signature is bound to the stored key")
}

func TestFailureInjection(t *testing.T) {
	n := newNode(t, Config{Seed: 5, FailureRate: 1})

	resp, ok := call(t, func(cb dht.Callback) {
		n.StoreValue(context.Background(), n.ID(), []byte("v"), 0, cb)
	})
	require.True(t, ok)
	assert.False(t, resp.Succeeded)
}

func TestDropNeverCallsBack(t *testing.T) {
	n := newNode(t, Config{Seed: 6, DropRate: 1})

	_, ok := call(t, func(cb dht.Callback) {
		n.Ping(context.Background(), dht.Contact{}, cb)
	})
	assert.False(t, ok)
}

func TestCancelledContextFailsCallback(t *testing.T) {
	n := newNode(t, Config{Seed: 7, Latency: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, ok := call(t, func(cb dht.Callback) { n.Ping(ctx, dht.Contact{}, cb) })
	require.True(t, ok)
	assert.False(t, resp.Succeeded)
}

func TestClosedNodeFailsImmediately(t *testing.T) {
	n := New(Config{Seed: 8, Peers: 1})
	require.NoError(t, n.Close())

	var got *dht.Response
	n.Ping(context.Background(), n.Peers()[0], func(r dht.Response) { got = &r })

	require.NotNil(t, got, "callback must run synchronously after Close")
	assert.False(t, got.Succeeded)
}

func TestRPCTimings(t *testing.T) {
	n := newNode(t, Config{Seed: 9, Peers: 1, Latency: time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, ok := call(t, func(cb dht.Callback) { n.Ping(ctx, n.Peers()[0], cb) })
		require.True(t, ok)
	}

	timings := n.RPCTimings()
	require.Contains(t, timings, dht.OpPing)
	assert.Equal(t, 3, timings[dht.OpPing].Count)
	assert.GreaterOrEqual(t, timings[dht.OpPing].Min, time.Millisecond)
	assert.NotContains(t, timings, dht.OpStore)
}
