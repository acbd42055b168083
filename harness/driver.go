package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/weiihann/kadbench/dht"
	"github.com/weiihann/kadbench/gate"
	"github.com/weiihann/kadbench/metrics"
	"github.com/weiihann/kadbench/signer"
	"github.com/weiihann/kadbench/stats"
	"github.com/weiihann/kadbench/workload"
	"golang.org/x/time/rate"
)

// DefaultTTL is the lifetime requested for stored values.
const DefaultTTL = 24 * time.Hour

// Config holds the parameters of a driver.
type Config struct {
	Iterations int
	Sign       bool
	// Timeout bounds each operation's wait. Zero waits forever.
	Timeout     time.Duration
	TTL         time.Duration
	KeyBits     int
	Seed        int64
	SizeClasses []workload.SizeClass
}

// TimingSource is implemented by nodes that keep their own per-RPC stats.
type TimingSource interface {
	RPCTimings() map[string]stats.Summary
}

// Option customizes a Driver.
type Option func(*Driver)

// WithOutput sets where progress lines are printed.
func WithOutput(w io.Writer) Option {
	return func(d *Driver) { d.out = w }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithRecorder exports every operation to Prometheus collectors.
func WithRecorder(r *metrics.Recorder) Option {
	return func(d *Driver) { d.rec = r }
}

// WithLimiter paces operation issue.
func WithLimiter(l *rate.Limiter) Option {
	return func(d *Driver) { d.limiter = l }
}

// WithSigner supplies a key pair instead of generating one.
func WithSigner(s *signer.Signer) Option {
	return func(d *Driver) { d.signer = s }
}

// Driver issues one operation at a time against a node and times each one
// from issue to completion callback.
type Driver struct {
	node    dht.Node
	cfg     Config
	out     io.Writer
	logger  *slog.Logger
	rec     *metrics.Recorder
	limiter *rate.Limiter
	signer  *signer.Signer
	gen     *workload.Generator
}

// NewDriver prepares a driver for node. Unless WithSigner is given, a fresh
// key pair of cfg.KeyBits is generated and self-signed.
func NewDriver(node dht.Node, cfg Config, opts ...Option) (*Driver, error) {
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", cfg.Iterations)
	}

	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	if cfg.SizeClasses == nil {
		cfg.SizeClasses = workload.SizeClasses()
	}

	d := &Driver{
		node: node,
		cfg:  cfg,
		out:  io.Discard,
		gen: workload.NewGenerator(workload.Config{
			Seed:        cfg.Seed,
			Iterations:  cfg.Iterations,
			SizeClasses: cfg.SizeClasses,
		}),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if d.signer == nil {
		s, err := signer.New(cfg.KeyBits)
		if err != nil {
			return nil, fmt.Errorf("generate key pair: %w", err)
		}

		d.signer = s
	}

	return d, nil
}

type outcome struct {
	label      string
	elapsed    time.Duration
	completion gate.Completion
}

func (o outcome) completed() bool {
	return o.label != metrics.OutcomeTimeout
}

// measure issues one operation through issue and blocks until its callback
// resolves the token or the per-operation timeout passes. Only cancellation
// of ctx is returned as an error.
func (d *Driver) measure(
	ctx context.Context,
	g *gate.Gate,
	op, sizeClass string,
	issue func(dht.Callback),
) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return outcome{}, fmt.Errorf("rate limit: %w", err)
		}
	}

	waitCtx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	token := g.Issue()
	start := time.Now()

	issue(func(r dht.Response) {
		g.Resolve(token, r.Succeeded, r.Payload)
	})

	c, err := g.AwaitToken(waitCtx, token)
	elapsed := time.Since(start)

	var o outcome

	switch {
	case err == nil && c.Succeeded:
		o = outcome{label: metrics.OutcomeSucceeded, elapsed: elapsed, completion: c}
	case err == nil:
		o = outcome{label: metrics.OutcomeFailed, elapsed: elapsed, completion: c}
	case errors.Is(err, gate.ErrTimeout) && ctx.Err() == nil:
		d.logger.WarnContext(ctx, "operation timed out",
			slog.String("op", op),
			slog.Duration("timeout", d.cfg.Timeout),
		)

		o = outcome{label: metrics.OutcomeTimeout, elapsed: elapsed}
	default:
		return outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	d.rec.Observe(op, sizeClass, o.label, o.elapsed)

	return o, nil
}

// loop runs n operations against one target, sharing one gate across the
// inner loop.
func (d *Driver) loop(
	ctx context.Context,
	target dht.Key,
	n int,
	op, sizeClass string,
	issue func(j int, cb dht.Callback) error,
) (Result, *stats.Accumulator, int, error) {
	g := gate.New()
	acc := stats.New()
	res := Result{Target: target.String(), Attempts: n}

	for j := 0; j < n; j++ {
		var issueErr error

		o, err := d.measure(ctx, g, op, sizeClass, func(cb dht.Callback) {
			if issueErr = issue(j, cb); issueErr != nil {
				cb(dht.Response{})
			}
		})
		if issueErr != nil {
			return res, acc, g.Stale(), issueErr
		}

		if err != nil {
			return res, acc, g.Stale(), err
		}

		switch {
		case !o.completed():
			res.TimedOut++
		case o.completion.Succeeded:
			res.Succeeded++
			acc.Add(o.elapsed)
		default:
			acc.Add(o.elapsed)
		}
	}

	res.Latency = summaryOf(acc)

	return res, acc, g.Stale(), nil
}

// printLoop writes one per-target line.
func (d *Driver) printLoop(verb string, i int, res Result) {
	fmt.Fprintf(d.out, " %s %d, %02d/%02d times ", verb, i+1, res.Succeeded, res.Attempts)

	if res.Latency == nil {
		fmt.Fprintln(d.out, "(no completed operations)")

		return
	}

	fmt.Fprintf(d.out, "(total %s, min/avg/max %s)\n",
		seconds(res.Latency.Sum), triple(*res.Latency))
}

// printDone writes the closing line of a phase.
func (d *Driver) printDone(agg *stats.Summary, withTotal bool) {
	if agg == nil {
		fmt.Fprintln(d.out, "Done: no completed operations")

		return
	}

	if withTotal {
		fmt.Fprintf(d.out, "Done: total %s, min/avg/max %s\n", seconds(agg.Sum), triple(*agg))

		return
	}

	fmt.Fprintf(d.out, "Done: min/avg/max %s\n", triple(*agg))
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f s", d.Seconds())
}

func triple(s stats.Summary) string {
	return fmt.Sprintf("%.3f/%.3f/%.3f s", s.Min.Seconds(), s.Mean.Seconds(), s.Max.Seconds())
}

// meanOf adds the mean of acc to agg when acc has samples.
func meanOf(agg, acc *stats.Accumulator) {
	if m, err := acc.Mean(); err == nil {
		agg.Add(m)
	}
}
