// Package report formats benchmark results into tables.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/weiihann/kadbench/harness"
	"github.com/weiihann/kadbench/stats"
)

// Generate writes a markdown table per scenario report.
func Generate(w io.Writer, reports []harness.Report) error {
	if len(reports) == 0 {
		return fmt.Errorf("no results to report")
	}

	fmt.Fprintln(w, "## Benchmark Results")

	for _, rep := range reports {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "### %s\n", rep.Scenario)
		fmt.Fprintln(w)

		signed := ""
		if rep.Signed {
			signed = ", signed"
		}

		fmt.Fprintf(w, "%d targets, %d iterations%s, took %s",
			rep.Targets, rep.Iterations, signed, formatDuration(rep.Elapsed))

		if rep.Stale > 0 {
			fmt.Fprintf(w, ", %s stale completions", humanize.Comma(int64(rep.Stale)))
		}

		fmt.Fprintln(w)
		fmt.Fprintln(w)

		fastest := findFastest(rep.Phases)

		fmt.Fprintln(w, "| Operation | Size | Succeeded | Timed Out "+
			"| Min | Mean | P50 | P95 | P99 | Max | Relative |")
		fmt.Fprintln(w, "|-----------|------|-----------|-----------"+
			"|-----|------|-----|-----|-----|-----|----------|")

		for _, p := range rep.Phases {
			size := p.SizeClass
			if size == "" {
				size = "-"
			}

			minS, meanS, maxS, relative := "-", "-", "-", "-"
			p50, p95, p99 := "-", "-", "-"
			if p.Aggregate != nil {
				minS = formatDuration(p.Aggregate.Min)
				meanS = formatDuration(p.Aggregate.Mean)
				maxS = formatDuration(p.Aggregate.Max)
				p50 = formatDuration(p.Aggregate.P50)
				p95 = formatDuration(p.Aggregate.P95)
				p99 = formatDuration(p.Aggregate.P99)

				if fastest > 0 {
					relative = fmt.Sprintf("%.2fx", float64(p.Aggregate.Mean)/float64(fastest))
				}
			}

			fmt.Fprintf(w, "| %s | %s | %s/%s | %s | %s | %s | %s | %s | %s | %s | %s |\n",
				p.Op,
				size,
				humanize.Comma(int64(p.Succeeded())),
				humanize.Comma(int64(p.Attempts())),
				humanize.Comma(int64(p.TimedOut())),
				minS, meanS, p50, p95, p99, maxS,
				relative,
			)
		}
	}

	return nil
}

// GenerateJSON writes reports as JSON to w.
func GenerateJSON(w io.Writer, reports []harness.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(reports)
}

// Timings prints per-RPC statistics kept by the node, one line per RPC name
// in sorted order, and logs each one as a structured record.
func Timings(ctx context.Context, w io.Writer, logger *slog.Logger, timings map[string]stats.Summary) {
	names := make([]string, 0, len(timings))
	for name := range timings {
		names = append(names, name)
	}

	sort.Strings(names)

	fmt.Fprintf(w, "%-6s %-32s %s\n", "Calls", "RPC Name", "min/avg/p99/max")

	for _, name := range names {
		s := timings[name]

		fmt.Fprintf(w, "%6d : %-32s %s / %s / %s / %s\n",
			s.Count, name,
			formatDuration(s.Min), formatDuration(s.Mean), formatDuration(s.P99), formatDuration(s.Max))

		if logger != nil {
			logger.InfoContext(ctx, "rpc timing",
				slog.String("rpc", name),
				slog.Int("count", s.Count),
				slog.Duration("min", s.Min),
				slog.Duration("mean", s.Mean),
				slog.Duration("p50", s.P50),
				slog.Duration("p95", s.P95),
				slog.Duration("p99", s.P99),
				slog.Duration("max", s.Max),
			)
		}
	}
}

func findFastest(phases []harness.Phase) time.Duration {
	fastest := time.Duration(math.MaxInt64)
	for _, p := range phases {
		if p.Aggregate != nil && p.Aggregate.Mean > 0 && p.Aggregate.Mean < fastest {
			fastest = p.Aggregate.Mean
		}
	}

	if fastest == math.MaxInt64 {
		return 0
	}

	return fastest
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
