// Package metrics exports benchmark latencies and outcomes as Prometheus
// collectors. A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
)

// Recorder holds the benchmark collectors.
type Recorder struct {
	latency    *prometheus.HistogramVec
	operations *prometheus.CounterVec
	stale      prometheus.Counter
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kadbench",
			Name:      "operation_duration_seconds",
			Help:      "Wall-clock time from issuing a DHT operation to its completion callback",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"op", "size_class"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kadbench",
			Name:      "operations_total",
			Help:      "DHT operations issued, by outcome",
		}, []string{"op", "size_class", "outcome"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kadbench",
			Name:      "stale_completions_total",
			Help:      "Completion callbacks that arrived for an abandoned or already completed request",
		}),
	}

	for _, c := range []prometheus.Collector{r.latency, r.operations, r.stale} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return r, nil
}

// Observe records one operation. Latency is only recorded for operations
// that completed, successfully or not.
func (r *Recorder) Observe(op, sizeClass, outcome string, d time.Duration) {
	if r == nil {
		return
	}

	r.operations.WithLabelValues(op, sizeClass, outcome).Inc()

	if outcome != OutcomeTimeout {
		r.latency.WithLabelValues(op, sizeClass).Observe(d.Seconds())
	}
}

// AddStale counts late completions.
func (r *Recorder) AddStale(n int) {
	if r == nil || n <= 0 {
		return
	}

	r.stale.Add(float64(n))
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, logger *slog.Logger, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.InfoContext(ctx, "serving metrics", slog.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}

	return nil
}

// WriteFile dumps g in the text exposition format.
func WriteFile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics file %s: %w", path, err)
	}

	return nil
}
