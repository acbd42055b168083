// Package stats accumulates latency samples and reports count, min, max,
// mean, sum, and percentiles over them.
package stats

import (
	"errors"
	"math"
	"sort"
	"time"
)

// ErrEmptySampleSet is returned by every reader except Count when no sample
// has been added yet.
var ErrEmptySampleSet = errors.New("stats: empty sample set")

// Summary is a snapshot of an Accumulator.
type Summary struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min_ns"`
	Mean  time.Duration `json:"mean_ns"`
	Max   time.Duration `json:"max_ns"`
	Sum   time.Duration `json:"sum_ns"`
	P50   time.Duration `json:"p50_ns"`
	P95   time.Duration `json:"p95_ns"`
	P99   time.Duration `json:"p99_ns"`
}

// Accumulator ingests duration samples. Running min, max, and sum are kept
// up to date on every Add; the samples themselves are retained for
// percentiles. It is not safe for concurrent use.
type Accumulator struct {
	samples []time.Duration
	min     time.Duration
	max     time.Duration
	sum     time.Duration
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Add records one sample. Negative samples are clamped to zero.
func (a *Accumulator) Add(d time.Duration) {
	if d < 0 {
		d = 0
	}

	if len(a.samples) == 0 || d < a.min {
		a.min = d
	}

	if len(a.samples) == 0 || d > a.max {
		a.max = d
	}

	a.sum += d
	a.samples = append(a.samples, d)
}

// Count returns the number of samples added.
func (a *Accumulator) Count() int {
	return len(a.samples)
}

// Min returns the smallest sample.
func (a *Accumulator) Min() (time.Duration, error) {
	if len(a.samples) == 0 {
		return 0, ErrEmptySampleSet
	}

	return a.min, nil
}

// Max returns the largest sample.
func (a *Accumulator) Max() (time.Duration, error) {
	if len(a.samples) == 0 {
		return 0, ErrEmptySampleSet
	}

	return a.max, nil
}

// Sum returns the total of all samples.
func (a *Accumulator) Sum() (time.Duration, error) {
	if len(a.samples) == 0 {
		return 0, ErrEmptySampleSet
	}

	return a.sum, nil
}

// Mean returns Sum/Count, divided as real numbers and rounded to the
// nearest nanosecond.
func (a *Accumulator) Mean() (time.Duration, error) {
	if len(a.samples) == 0 {
		return 0, ErrEmptySampleSet
	}

	mean := float64(a.sum) / float64(len(a.samples))

	return time.Duration(math.Round(mean)), nil
}

// Percentile returns the nearest-rank sample for p in [0, 100]: the
// smallest sample that at least p percent of all samples do not exceed.
func (a *Accumulator) Percentile(p float64) (time.Duration, error) {
	if len(a.samples) == 0 {
		return 0, ErrEmptySampleSet
	}

	return nearestRank(a.sorted(), p), nil
}

func (a *Accumulator) sorted() []time.Duration {
	sorted := make([]time.Duration, len(a.samples))
	copy(sorted, a.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted
}

func nearestRank(sorted []time.Duration, p float64) time.Duration {
	if p <= 0 {
		return sorted[0]
	}

	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}

	return sorted[rank-1]
}

// Summary returns all statistics at once.
func (a *Accumulator) Summary() (Summary, error) {
	mean, err := a.Mean()
	if err != nil {
		return Summary{}, err
	}

	sorted := a.sorted()

	return Summary{
		Count: len(a.samples),
		Min:   a.min,
		Mean:  mean,
		Max:   a.max,
		Sum:   a.sum,
		P50:   nearestRank(sorted, 50),
		P95:   nearestRank(sorted, 95),
		P99:   nearestRank(sorted, 99),
	}, nil
}
