package harness

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/weiihann/kadbench/dht"
	"github.com/weiihann/kadbench/simnode"
	"github.com/weiihann/kadbench/stats"
	"github.com/weiihann/kadbench/udpnode"
)

// Backend names.
const (
	BackendSim = "sim"
	BackendUDP = "udp"
)

// KnownBackends returns the list of supported node backends.
func KnownBackends() []string {
	return []string{BackendSim, BackendUDP}
}

// BackendConfig describes how to reach the node under test.
type BackendConfig struct {
	Name string
	// Addr is the remote node for the udp backend.
	Addr string
	// Timeout is the udp client's own per-RPC timeout.
	Timeout time.Duration
	Sim     simnode.Config
	Logger  *slog.Logger
}

// Backend is an opened node plus what the driver needs to know about it.
type Backend struct {
	Name string
	Node dht.Node
	// Targets are default lookup targets; empty when the backend cannot
	// enumerate its peers.
	Targets []dht.Key
	closer  io.Closer
}

// Timings returns the node's own per-RPC stats, if it keeps any.
func (b *Backend) Timings() (map[string]stats.Summary, bool) {
	ts, ok := b.Node.(TimingSource)
	if !ok {
		return nil, false
	}

	return ts.RPCTimings(), true
}

// Close releases the node.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}

	return b.closer.Close()
}

// OpenBackend connects to the node named by cfg.Name.
func OpenBackend(cfg BackendConfig) (*Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	switch cfg.Name {
	case BackendSim:
		simCfg := cfg.Sim
		simCfg.Logger = logger

		n := simnode.New(simCfg)

		logger.Info("opened backend",
			slog.String("backend", cfg.Name),
			slog.String("node_id", n.ID().Short()),
			slog.Int("peers", simCfg.Peers),
		)

		return &Backend{Name: cfg.Name, Node: n, Targets: n.PeerIDs(), closer: n}, nil

	case BackendUDP:
		if cfg.Addr == "" {
			return nil, fmt.Errorf("backend %s needs an address", cfg.Name)
		}

		c, err := udpnode.Dial(udpnode.ClientConfig{
			Addr:    cfg.Addr,
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
		}

		logger.Info("opened backend",
			slog.String("backend", cfg.Name),
			slog.String("addr", cfg.Addr),
		)

		return &Backend{Name: cfg.Name, Node: c, closer: c}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q (known: %v)", cfg.Name, KnownBackends())
	}
}
