package harness

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiihann/kadbench/dht"
	"github.com/weiihann/kadbench/metrics"
	"github.com/weiihann/kadbench/signer"
	"github.com/weiihann/kadbench/simnode"
	"github.com/weiihann/kadbench/workload"
	"golang.org/x/time/rate"
)

var (
	signerOnce sync.Once
	testKeys   *signer.Signer
	signerErr  error
)

func testSigner(t *testing.T) *signer.Signer {
	t.Helper()

	signerOnce.Do(func() { testKeys, signerErr = signer.New(2048) })
	require.NoError(t, signerErr)

	return testKeys
}

func smallSizes() []workload.SizeClass {
	return []workload.SizeClass{workload.NewSizeClass(16), workload.NewSizeClass(1 << 10)}
}

func newSim(t *testing.T, cfg simnode.Config) *simnode.Node {
	t.Helper()

	n := simnode.New(cfg)
	t.Cleanup(func() { _ = n.Close() })

	return n
}

func newDriver(t *testing.T, node dht.Node, cfg Config, out *bytes.Buffer, opts ...Option) *Driver {
	t.Helper()

	if cfg.SizeClasses == nil {
		cfg.SizeClasses = smallSizes()
	}

	opts = append(opts, WithOutput(out), WithSigner(testSigner(t)))

	d, err := NewDriver(node, cfg, opts...)
	require.NoError(t, err)

	return d
}

func TestNewDriverRejectsZeroIterations(t *testing.T) {
	_, err := NewDriver(newSim(t, simnode.Config{}), Config{}, WithSigner(testSigner(t)))
	assert.Error(t, err)
}

func TestFindAndPing(t *testing.T) {
	node := newSim(t, simnode.Config{Seed: 1, Peers: 3})
	targets := append(node.PeerIDs(), node.ID().FlipBit(0))

	var out bytes.Buffer
	d := newDriver(t, node, Config{Iterations: 2, Timeout: time.Second}, &out)

	rep, err := d.FindAndPing(context.Background(), targets)
	require.NoError(t, err)
	require.Len(t, rep.Phases, 2)

	lookups := rep.Phases[0]
	assert.Equal(t, dht.OpLookupContact, lookups.Op)
	assert.Equal(t, 4, lookups.Attempts())
	assert.Equal(t, 3, lookups.Succeeded())
	require.NotNil(t, lookups.Aggregate)
	assert.Equal(t, 4, lookups.Aggregate.Count, "failed lookups still count toward latency")

	pings := rep.Phases[1]
	assert.Equal(t, dht.OpPing, pings.Op)
	require.Len(t, pings.Results, 3)

	for i, r := range pings.Results {
		assert.Equal(t, node.PeerIDs()[i].String(), r.Target)
		assert.Equal(t, 2, r.Succeeded)
		assert.Equal(t, 2, r.Attempts)
	}

	text := out.String()
	assert.Contains(t, text, "Finding 4 nodes...")
	assert.Contains(t, text, "Pinging 3 contacts, 2 iterations...")
	assert.Contains(t, text, " Pinged contact 3, 02/02 times (total ")
	assert.Equal(t, 2, strings.Count(text, "Done: "))
}

func TestFindAndPingWithoutContacts(t *testing.T) {
	node := newSim(t, simnode.Config{Seed: 2})

	var out bytes.Buffer
	d := newDriver(t, node, Config{Iterations: 1}, &out)

	rep, err := d.FindAndPing(context.Background(), []dht.Key{node.ID()})
	require.NoError(t, err)

	assert.Len(t, rep.Phases, 1)
	assert.Contains(t, out.String(), "No contacts for nodes found.")
}

func TestStoreAndFind(t *testing.T) {
	for _, sign := range []bool{false, true} {
		t.Run(map[bool]string{false: "unsigned", true: "signed"}[sign], func(t *testing.T) {
			node := newSim(t, simnode.Config{Seed: 3})
			targets := workload.NewGenerator(workload.Config{Seed: 3}).Targets(2)

			var out bytes.Buffer
			d := newDriver(t, node, Config{Iterations: 3, Sign: sign, Timeout: time.Second}, &out)

			rep, err := d.StoreAndFind(context.Background(), targets)
			require.NoError(t, err)
			assert.Equal(t, sign, rep.Signed)
			require.Len(t, rep.Phases, 4)

			storeOp := dht.OpStore
			if sign {
				storeOp = dht.OpStoreSigned
			}

			wantOps := []string{storeOp, dht.OpFindValue, storeOp, dht.OpFindValue}
			wantSizes := []string{"16 B", "16 B", "1.0 KiB", "1.0 KiB"}

			for i, p := range rep.Phases {
				assert.Equal(t, wantOps[i], p.Op)
				assert.Equal(t, wantSizes[i], p.SizeClass)
				assert.Equal(t, 6, p.Attempts())
				assert.Equal(t, 6, p.Succeeded(), "phase %d", i)
				require.NotNil(t, p.Aggregate)
				assert.Equal(t, 2, p.Aggregate.Count, "aggregate is over per-target means")
			}

			text := out.String()
			assert.Contains(t, text, "Storing 16 B value on 2 * k closest nodes, 3 iterations...")
			assert.Contains(t, text, "Loading 1.0 KiB value from 2 closest nodes, 3 iterations...")
			assert.Contains(t, text, " Stored close to 2, 03/03 times")
			assert.Contains(t, text, " Loaded from 1, 03/03 times")
		})
	}
}

func TestAllFailingRunCompletes(t *testing.T) {
	node := newSim(t, simnode.Config{Seed: 4, FailureRate: 1})
	targets := workload.NewGenerator(workload.Config{Seed: 4}).Targets(2)

	var out bytes.Buffer
	d := newDriver(t, node, Config{Iterations: 2, Timeout: time.Second}, &out)

	rep, err := d.StoreAndFind(context.Background(), targets)
	require.NoError(t, err)
	require.Len(t, rep.Phases, 4)

	for _, p := range rep.Phases {
		assert.Equal(t, 4, p.Attempts())
		assert.Zero(t, p.Succeeded())
		assert.Zero(t, p.TimedOut())
	}

	assert.Contains(t, out.String(), "00/02 times (total ")
}

func TestTimeoutsAreCountedNotTimed(t *testing.T) {
	node := newSim(t, simnode.Config{Seed: 5, DropRate: 1})
	targets := workload.NewGenerator(workload.Config{Seed: 5}).Targets(1)

	var out bytes.Buffer
	d := newDriver(t, node, Config{
		Iterations:  2,
		Timeout:     20 * time.Millisecond,
		SizeClasses: smallSizes()[:1],
	}, &out)

	rep, err := d.StoreAndFind(context.Background(), targets)
	require.NoError(t, err)

	for _, p := range rep.Phases {
		assert.Equal(t, 2, p.TimedOut())
		assert.Nil(t, p.Aggregate)
		assert.Nil(t, p.Results[0].Latency)
	}

	text := out.String()
	assert.Contains(t, text, " Stored close to 1, 00/02 times (no completed operations)")
	assert.Contains(t, text, "Done: no completed operations")
}

// doubleNode answers every operation twice.
type doubleNode struct {
	id dht.Key
}

func (n doubleNode) ID() dht.Key { return n.id }

func (n doubleNode) twice(cb dht.Callback) {
	cb(dht.Response{Succeeded: true})
	cb(dht.Response{Succeeded: true})
}

func (n doubleNode) LookupContact(_ context.Context, target dht.Key, _ bool, cb dht.Callback) {
	payload := dht.EncodeContact(dht.Contact{ID: target, Address: "double"})
	cb(dht.Response{Succeeded: true, Payload: payload})
	cb(dht.Response{Succeeded: true, Payload: payload})
}

func (n doubleNode) Ping(_ context.Context, _ dht.Contact, cb dht.Callback) { n.twice(cb) }

func (n doubleNode) StoreValue(_ context.Context, _ dht.Key, _ []byte, _ time.Duration, cb dht.Callback) {
	n.twice(cb)
}

func (n doubleNode) StoreSignedValue(_ context.Context, _ dht.Key, _ dht.SignedValue, _ dht.Signature, _ time.Duration, cb dht.Callback) {
	n.twice(cb)
}

func (n doubleNode) FindValue(_ context.Context, _ dht.Key, _ bool, cb dht.Callback) { n.twice(cb) }

func TestDuplicateCallbacksAreStale(t *testing.T) {
	targets := workload.NewGenerator(workload.Config{Seed: 6}).Targets(2)

	var out bytes.Buffer
	d := newDriver(t, doubleNode{}, Config{Iterations: 3}, &out)

	rep, err := d.FindAndPing(context.Background(), targets)
	require.NoError(t, err)

	// Two lookups plus three pings for each of two contacts.
	assert.Equal(t, 8, rep.Stale)

	for _, p := range rep.Phases {
		for _, r := range p.Results {
			assert.Equal(t, r.Attempts, r.Succeeded, "a duplicate must not count twice")
		}
	}
}

func TestCancelledRunReturnsError(t *testing.T) {
	node := newSim(t, simnode.Config{Seed: 7, Peers: 1, Latency: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	d := newDriver(t, node, Config{Iterations: 1}, &out)

	_, err := d.FindAndPing(ctx, node.PeerIDs())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecorderAndLimiter(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	require.NoError(t, err)

	node := newSim(t, simnode.Config{Seed: 8, Peers: 2})

	var out bytes.Buffer
	d := newDriver(t, node, Config{Iterations: 2}, &out,
		WithRecorder(rec),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
	)

	_, err = d.FindAndPing(context.Background(), node.PeerIDs())
	require.NoError(t, err)

	// One succeeded series each for lookup_contact and ping.
	n, err := testutil.GatherAndCount(reg, "kadbench_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpenBackend(t *testing.T) {
	b, err := OpenBackend(BackendConfig{Name: BackendSim, Sim: simnode.Config{Seed: 9, Peers: 2}})
	require.NoError(t, err)
	assert.Len(t, b.Targets, 2)

	timings, ok := b.Timings()
	assert.True(t, ok)
	assert.Empty(t, timings)
	require.NoError(t, b.Close())

	_, err = OpenBackend(BackendConfig{Name: BackendUDP})
	assert.Error(t, err)

	_, err = OpenBackend(BackendConfig{Name: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown backend")
}
