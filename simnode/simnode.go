// Package simnode is an in-process dht.Node with injected latency, failures,
// and lost responses. Callbacks run on a bounded pool of goroutines, so they
// race with the caller exactly as a networked node's would.
package simnode

import (
	"context"
	"io"
	"log/slog"
	mrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiihann/kadbench/dht"
	"github.com/weiihann/kadbench/signer"
	"github.com/weiihann/kadbench/stats"
	"golang.org/x/sync/errgroup"
)

// Config controls the simulation.
type Config struct {
	Seed        int64
	Peers       int
	Latency     time.Duration
	Jitter      time.Duration
	FailureRate float64
	// DropRate is the probability that an operation never calls back. It
	// deliberately breaks the dht.Node contract to exercise caller timeouts.
	DropRate float64
	Workers  int
	Logger   *slog.Logger
}

type entry struct {
	value   []byte
	expires time.Time
}

// Node is a simulated DHT node.
type Node struct {
	cfg    Config
	id     dht.Key
	peers  []dht.Contact
	known  map[dht.Key]dht.Contact
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *mrand.Rand

	storeMu sync.RWMutex
	values  map[dht.Key]entry

	timingsMu sync.Mutex
	timings   map[string]*stats.Accumulator

	pool   errgroup.Group
	closed atomic.Bool
}

// New creates a Node and its peer table from cfg.Seed.
func New(cfg Config) *Node {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rng := mrand.New(mrand.NewSource(cfg.Seed))

	n := &Node{
		cfg:     cfg,
		id:      dht.SeededKey(rng),
		known:   make(map[dht.Key]dht.Contact, cfg.Peers),
		logger:  logger.With(slog.String("component", "simnode")),
		rng:     rng,
		values:  make(map[dht.Key]entry),
		timings: make(map[string]*stats.Accumulator),
	}

	for i := 0; i < cfg.Peers; i++ {
		c := dht.Contact{
			ID:      dht.SeededKey(rng),
			Address: "sim:" + dht.SeededKey(rng).Short(),
		}
		n.peers = append(n.peers, c)
		n.known[c.ID] = c
	}

	n.pool.SetLimit(cfg.Workers)

	return n
}

// ID returns the node's own identifier.
func (n *Node) ID() dht.Key {
	return n.id
}

// Peers returns the simulated network's contacts.
func (n *Node) Peers() []dht.Contact {
	out := make([]dht.Contact, len(n.peers))
	copy(out, n.peers)

	return out
}

// PeerIDs returns the IDs of Peers, the natural lookup targets.
func (n *Node) PeerIDs() []dht.Key {
	ids := make([]dht.Key, len(n.peers))
	for i, c := range n.peers {
		ids[i] = c.ID
	}

	return ids
}

// LookupContact succeeds when target is a known peer.
func (n *Node) LookupContact(ctx context.Context, target dht.Key, _ bool, cb dht.Callback) {
	n.dispatch(ctx, dht.OpLookupContact, cb, func() dht.Response {
		c, ok := n.known[target]
		if !ok {
			return dht.Response{}
		}

		return dht.Response{Succeeded: true, Payload: dht.EncodeContact(c)}
	})
}

// Ping succeeds when contact is a known peer.
func (n *Node) Ping(ctx context.Context, contact dht.Contact, cb dht.Callback) {
	n.dispatch(ctx, dht.OpPing, cb, func() dht.Response {
		_, ok := n.known[contact.ID]

		return dht.Response{Succeeded: ok}
	})
}

// StoreValue stores value under key for ttl.
func (n *Node) StoreValue(ctx context.Context, key dht.Key, value []byte, ttl time.Duration, cb dht.Callback) {
	n.dispatch(ctx, dht.OpStore, cb, func() dht.Response {
		n.put(key, value, ttl)

		return dht.Response{Succeeded: true}
	})
}

// StoreSignedValue verifies the envelope before storing.
func (n *Node) StoreSignedValue(ctx context.Context, key dht.Key, value dht.SignedValue, sig dht.Signature, ttl time.Duration, cb dht.Callback) {
	n.dispatch(ctx, dht.OpStoreSigned, cb, func() dht.Response {
		if err := signer.VerifyEnvelope(key, value, sig); err != nil {
			n.logger.Debug("rejecting signed store",
				slog.String("key", key.Short()),
				slog.String("error", err.Error()),
			)

			return dht.Response{}
		}

		n.put(key, value.Value, ttl)

		return dht.Response{Succeeded: true}
	})
}

// FindValue succeeds when key holds an unexpired value.
func (n *Node) FindValue(ctx context.Context, key dht.Key, _ bool, cb dht.Callback) {
	n.dispatch(ctx, dht.OpFindValue, cb, func() dht.Response {
		n.storeMu.RLock()
		e, ok := n.values[key]
		n.storeMu.RUnlock()

		if !ok || (!e.expires.IsZero() && time.Now().After(e.expires)) {
			return dht.Response{}
		}

		return dht.Response{Succeeded: true, Payload: e.value}
	})
}

// RPCTimings reports simulated service time per operation name.
func (n *Node) RPCTimings() map[string]stats.Summary {
	n.timingsMu.Lock()
	defer n.timingsMu.Unlock()

	out := make(map[string]stats.Summary, len(n.timings))
	for op, acc := range n.timings {
		if s, err := acc.Summary(); err == nil {
			out[op] = s
		}
	}

	return out
}

// Close stops accepting operations and waits for in-flight callbacks.
func (n *Node) Close() error {
	n.closed.Store(true)

	return n.pool.Wait()
}

func (n *Node) put(key dht.Key, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}

	n.storeMu.Lock()
	n.values[key] = e
	n.storeMu.Unlock()
}

func (n *Node) dispatch(ctx context.Context, op string, cb dht.Callback, exec func() dht.Response) {
	if n.closed.Load() {
		cb(dht.Response{})

		return
	}

	delay, fail, drop := n.roll()

	n.pool.Go(func() error {
		start := time.Now()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			cb(dht.Response{})

			return nil
		}

		if drop {
			n.logger.Debug("dropping response", slog.String("op", op))

			return nil
		}

		resp := dht.Response{}
		if !fail {
			resp = exec()
		}

		n.record(op, time.Since(start))
		cb(resp)

		return nil
	})
}

func (n *Node) roll() (time.Duration, bool, bool) {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()

	delay := n.cfg.Latency
	if n.cfg.Jitter > 0 {
		delay += time.Duration(n.rng.Int63n(int64(n.cfg.Jitter)))
	}

	fail := n.rng.Float64() < n.cfg.FailureRate
	drop := n.rng.Float64() < n.cfg.DropRate

	return delay, fail, drop
}

func (n *Node) record(op string, d time.Duration) {
	n.timingsMu.Lock()
	defer n.timingsMu.Unlock()

	acc, ok := n.timings[op]
	if !ok {
		acc = stats.New()
		n.timings[op] = acc
	}

	acc.Add(d)
}
