// Package harness drives benchmark scenarios against a dht.Node and collects
// their latency statistics.
package harness

import (
	"time"

	"github.com/weiihann/kadbench/stats"
)

// Scenario names.
const (
	ScenarioFindPing  = "find-ping"
	ScenarioStoreFind = "store-find"
)

// Result is one target's iteration loop.
type Result struct {
	Target    string         `json:"target"`
	Attempts  int            `json:"attempts"`
	Succeeded int            `json:"succeeded"`
	TimedOut  int            `json:"timed_out"`
	Latency   *stats.Summary `json:"latency,omitempty"`
}

// Phase is one printed block of a scenario, such as every ping or every
// 1 KiB store.
type Phase struct {
	Op        string   `json:"op"`
	SizeClass string   `json:"size_class,omitempty"`
	Results   []Result `json:"results"`
	// Aggregate is taken over per-target mean latencies, except for
	// lookups where every sample counts.
	Aggregate *stats.Summary `json:"aggregate,omitempty"`
}

// Attempts sums attempts across targets.
func (p Phase) Attempts() int {
	n := 0
	for _, r := range p.Results {
		n += r.Attempts
	}

	return n
}

// Succeeded sums successes across targets.
func (p Phase) Succeeded() int {
	n := 0
	for _, r := range p.Results {
		n += r.Succeeded
	}

	return n
}

// TimedOut sums timeouts across targets.
func (p Phase) TimedOut() int {
	n := 0
	for _, r := range p.Results {
		n += r.TimedOut
	}

	return n
}

// Report holds the structured output of a scenario run.
type Report struct {
	Scenario   string        `json:"scenario"`
	Targets    int           `json:"targets"`
	Iterations int           `json:"iterations"`
	Signed     bool          `json:"signed,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Stale      int           `json:"stale_completions"`
	Phases     []Phase       `json:"phases"`
}

func summaryOf(acc *stats.Accumulator) *stats.Summary {
	s, err := acc.Summary()
	if err != nil {
		return nil
	}

	return &s
}
