// Package workload generates the deterministic inputs of a benchmark run:
// target keys, payloads for each size class, and the schedule of derived
// keys the store/find scenario will touch.
package workload

import (
	"encoding/json"
	"fmt"
	"io"
	mrand "math/rand"

	"github.com/dustin/go-humanize"
	"github.com/weiihann/kadbench/dht"
)

// SizeClass is one payload size of the store/find scenario.
type SizeClass struct {
	Name  string `json:"name"`
	Bytes int    `json:"bytes"`
}

// NewSizeClass labels a payload size in IEC units.
func NewSizeClass(bytes int) SizeClass {
	return SizeClass{Name: humanize.IBytes(uint64(bytes)), Bytes: bytes}
}

// SizeClasses returns the four benchmarked payload sizes.
func SizeClasses() []SizeClass {
	return []SizeClass{
		NewSizeClass(1 << 4),
		NewSizeClass(1 << 10),
		NewSizeClass(1 << 17),
		NewSizeClass(1 << 20),
	}
}

// Operation is one planned store or find in the derived-key schedule.
type Operation struct {
	Op        string `json:"op"`
	SizeClass string `json:"size_class"`
	Target    int    `json:"target"`
	Iteration int    `json:"iteration"`
	Index     int    `json:"index"`
	Key       string `json:"key"`
}

// Summary contains statistics about a generated schedule.
type Summary struct {
	TotalOperations int
	Targets         int
	SizeClasses     int
}

// Config controls generation.
type Config struct {
	Seed        int64
	Iterations  int
	SizeClasses []SizeClass
}

// Generator produces deterministic inputs from a Config.
type Generator struct {
	cfg Config
	rng *mrand.Rand
}

// NewGenerator creates a Generator from the given Config.
func NewGenerator(cfg Config) *Generator {
	if cfg.SizeClasses == nil {
		cfg.SizeClasses = SizeClasses()
	}

	return &Generator{
		cfg: cfg,
		rng: mrand.New(mrand.NewSource(cfg.Seed)),
	}
}

// Targets draws n target keys.
func (g *Generator) Targets(n int) []dht.Key {
	targets := make([]dht.Key, n)
	for i := range targets {
		targets[i] = dht.SeededKey(g.rng)
	}

	return targets
}

// Payload returns size random alphanumeric bytes.
func (g *Generator) Payload(size int) []byte {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = alphabet[g.rng.Intn(len(alphabet))]
	}

	return buf
}

// Generate writes the store/find key schedule for targets as JSONL and
// returns a Summary. Every store is followed, per target, by a find over the
// same derived keys, mirroring the order the driver issues them.
func (g *Generator) Generate(w io.Writer, targets []dht.Key) (Summary, error) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	summary := Summary{
		Targets:     len(targets),
		SizeClasses: len(g.cfg.SizeClasses),
	}

	for sc, class := range g.cfg.SizeClasses {
		for _, op := range []string{dht.OpStore, dht.OpFindValue} {
			for i, target := range targets {
				for j := 0; j < g.cfg.Iterations; j++ {
					idx := IterationIndex(sc, i, j, len(targets), g.cfg.Iterations)

					key, err := DeriveKey(target, idx)
					if err != nil {
						return summary, fmt.Errorf("derive key %d: %w", idx, err)
					}

					if err := enc.Encode(Operation{
						Op:        op,
						SizeClass: class.Name,
						Target:    i,
						Iteration: j,
						Index:     idx,
						Key:       key.String(),
					}); err != nil {
						return summary, fmt.Errorf("encode %s: %w", op, err)
					}

					summary.TotalOperations++
				}
			}
		}
	}

	return summary, nil
}
