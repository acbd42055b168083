// Package main provides the CLI entry point for kadbench, a latency
// benchmark for DHT nodes.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/weiihann/kadbench/dht"
	"github.com/weiihann/kadbench/harness"
	"github.com/weiihann/kadbench/metrics"
	"github.com/weiihann/kadbench/report"
	"github.com/weiihann/kadbench/signer"
	"github.com/weiihann/kadbench/udpnode"
	"github.com/weiihann/kadbench/workload"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// app carries what every command needs once flags are parsed.
type app struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "kadbench",
		Short: "Latency benchmark for DHT nodes",
		Long: `Kadbench drives contact lookups, pings, stores and value lookups
against a DHT node one operation at a time and reports per-target,
per-size-class and overall latency statistics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	pflags := root.PersistentFlags()
	pflags.String("config", "", "Path to a YAML/TOML/JSON config file")
	pflags.String("log-level", "info", "Log level: debug, info, warn, error")
	pflags.String("log-format", "text", "Log format: text, json")

	root.AddCommand(newRunCmd(a), newServeCmd(a), newPlanCmd(a))

	return root
}

func (a *app) init(cmd *cobra.Command) error {
	if err := bindFlags(a.v, cmd.Flags()); err != nil {
		return err
	}

	path, err := loadConfigFile(a.v)
	if err != nil {
		return err
	}

	a.logger, err = newLogger(a.errOut, a.v.GetString("log-level"), a.v.GetString("log-format"))
	if err != nil {
		return err
	}

	if path != "" {
		a.logger.Debug("loaded config file", slog.String("path", path))
	}

	return nil
}

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a benchmark scenario against a DHT node",
	}

	flags := cmd.PersistentFlags()
	flags.String("backend", harness.BackendSim,
		"Node backend: sim, udp")
	flags.String("addr", "127.0.0.1:4000",
		"Remote node address for the udp backend")
	flags.Duration("rpc-timeout", udpnode.DefaultTimeout,
		"Per-RPC timeout of the udp client")
	flags.StringSlice("targets", nil,
		"Target node IDs as hex (default: backend peers or generated keys)")
	flags.Int("target-count", 8,
		"Number of targets when none are given")
	flags.Int("iterations", 10,
		"Operations per target")
	flags.Duration("timeout", 5*time.Second,
		"Wait bound per operation (0 = wait forever)")
	flags.Float64("rate", 0,
		"Maximum operations per second (0 = unpaced)")
	flags.Int64("seed", 0,
		"Random seed (0 = use current time)")
	flags.Int("key-bits", signer.DefaultKeyBits,
		"RSA key size of the driver key pair")
	flags.Duration("ttl", harness.DefaultTTL,
		"Lifetime requested for stored values")
	flags.Int("sim-peers", 16,
		"Simulated peers")
	flags.Duration("sim-latency", time.Millisecond,
		"Simulated base latency")
	flags.Duration("sim-jitter", time.Millisecond,
		"Simulated latency jitter")
	flags.Float64("sim-failure-rate", 0,
		"Probability that a simulated operation fails")
	flags.Float64("sim-drop-rate", 0,
		"Probability that a simulated operation never answers")
	flags.String("metrics-listen", "",
		"Serve Prometheus metrics on this address during the run")
	flags.String("metrics-file", "",
		"Write Prometheus metrics to this file after the run")
	flags.Bool("json", false,
		"Output results as JSON instead of table")

	findPing := &cobra.Command{
		Use:   "find-ping",
		Short: "Look up every target, then ping each contact found",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runScenario(cmd.Context(), harness.ScenarioFindPing)
		},
	}

	storeFind := &cobra.Command{
		Use:   "store-find",
		Short: "Store and read back values of four sizes under derived keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runScenario(cmd.Context(), harness.ScenarioStoreFind)
		},
	}
	storeFind.Flags().Bool("sign", false,
		"Store signed values")

	cmd.AddCommand(findPing, storeFind)

	return cmd
}

func (a *app) runScenario(ctx context.Context, scenario string) error {
	cfg, err := readRunConfig(a.v)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()

	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()

	if cfg.metricsListen != "" {
		g.Go(func() error {
			return metrics.Serve(metricsCtx, a.logger, cfg.metricsListen, reg)
		})
	}

	g.Go(func() error {
		defer stopMetrics()

		return a.bench(gctx, cfg, scenario, rec)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if cfg.metricsFile != "" {
		if err := metrics.WriteFile(cfg.metricsFile, reg); err != nil {
			return err
		}

		a.logger.InfoContext(ctx, "metrics written", slog.String("path", cfg.metricsFile))
	}

	return nil
}

func (a *app) bench(ctx context.Context, cfg runConfig, scenario string, rec *metrics.Recorder) error {
	a.logger.InfoContext(ctx, "starting benchmark",
		slog.String("scenario", scenario),
		slog.String("backend", cfg.backend),
		slog.Int("iterations", cfg.iterations),
		slog.Int64("seed", cfg.seed),
	)

	backend, err := harness.OpenBackend(harness.BackendConfig{
		Name:    cfg.backend,
		Addr:    cfg.addr,
		Timeout: cfg.rpcTimeout,
		Sim:     cfg.sim,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer backend.Close()

	targets, err := chooseTargets(cfg, scenario, backend.Targets)
	if err != nil {
		return err
	}

	opts := []harness.Option{
		harness.WithOutput(a.out),
		harness.WithLogger(a.logger),
		harness.WithRecorder(rec),
	}

	if cfg.rate > 0 {
		opts = append(opts, harness.WithLimiter(rate.NewLimiter(rate.Limit(cfg.rate), 1)))
	}

	a.logger.InfoContext(ctx, "generating key pair", slog.Int("bits", cfg.keyBits))

	driver, err := harness.NewDriver(backend.Node, harness.Config{
		Iterations: cfg.iterations,
		Sign:       cfg.sign,
		Timeout:    cfg.timeout,
		TTL:        cfg.ttl,
		KeyBits:    cfg.keyBits,
		Seed:       cfg.seed,
	}, opts...)
	if err != nil {
		return err
	}

	var rep *harness.Report

	switch scenario {
	case harness.ScenarioFindPing:
		rep, err = driver.FindAndPing(ctx, targets)
	case harness.ScenarioStoreFind:
		rep, err = driver.StoreAndFind(ctx, targets)
	default:
		err = fmt.Errorf("unknown scenario %q", scenario)
	}

	if err != nil {
		return fmt.Errorf("%s: %w", scenario, err)
	}

	if timings, ok := backend.Timings(); ok && len(timings) > 0 {
		fmt.Fprintln(a.out)
		report.Timings(ctx, a.out, a.logger, timings)
	}

	fmt.Fprintln(a.out)

	if cfg.outputJSON {
		if err := report.GenerateJSON(a.out, []harness.Report{*rep}); err != nil {
			return fmt.Errorf("generate JSON report: %w", err)
		}
	} else {
		if err := report.Generate(a.out, []harness.Report{*rep}); err != nil {
			return fmt.Errorf("generate report: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "benchmark complete")

	return nil
}

// chooseTargets prefers explicit targets, then the backend's peers, then
// generated keys. Generated keys only make sense for stores.
func chooseTargets(cfg runConfig, scenario string, peers []dht.Key) ([]dht.Key, error) {
	if len(cfg.targets) > 0 {
		return cfg.targets, nil
	}

	if len(peers) > 0 {
		if cfg.targetCount > 0 && cfg.targetCount < len(peers) {
			peers = peers[:cfg.targetCount]
		}

		return peers, nil
	}

	if scenario == harness.ScenarioFindPing {
		return nil, fmt.Errorf("backend %s cannot list peers; pass --targets", cfg.backend)
	}

	gen := workload.NewGenerator(workload.Config{Seed: cfg.seed})

	return gen.Targets(cfg.targetCount), nil
}

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a UDP responder node to benchmark against",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "127.0.0.1:4000",
		"UDP address to listen on")
	flags.Int("peers", 16,
		"Virtual peers answered by this node")
	flags.Int64("seed", 1,
		"Seed for node and peer IDs")
	flags.Int("max-value-bytes", udpnode.DefaultMaxValueBytes,
		"Largest value accepted by STORE")

	return cmd
}

func (a *app) serve(ctx context.Context) error {
	srv, err := udpnode.Listen(udpnode.ServerConfig{
		Addr:          a.v.GetString("listen"),
		Seed:          a.v.GetInt64("seed"),
		Peers:         a.v.GetInt("peers"),
		MaxValueBytes: a.v.GetInt("max-value-bytes"),
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}

	// Peer IDs go to stdout so they can be fed back through --targets.
	for _, c := range srv.Contacts() {
		fmt.Fprintln(a.out, c.ID.String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })

	return g.Wait()
}

func newPlanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the derived-key schedule of store-find as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.plan(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("targets", nil,
		"Target node IDs as hex (default: generated)")
	flags.Int("target-count", 8,
		"Number of generated targets")
	flags.Int("iterations", 10,
		"Operations per target")
	flags.Int64("seed", 1,
		"Random seed for generated targets")
	flags.String("output", "",
		"Write the schedule to this file instead of stdout")

	return cmd
}

func (a *app) plan(ctx context.Context) error {
	targets, err := parseTargets(a.v.GetStringSlice("targets"))
	if err != nil {
		return err
	}

	iterations := a.v.GetInt("iterations")
	if iterations <= 0 {
		return fmt.Errorf("--iterations must be positive, got %d", iterations)
	}

	targetCount := a.v.GetInt("target-count")
	if targetCount < 0 {
		return fmt.Errorf("--target-count must not be negative, got %d", targetCount)
	}

	gen := workload.NewGenerator(workload.Config{
		Seed:       a.v.GetInt64("seed"),
		Iterations: iterations,
	})

	if len(targets) == 0 {
		targets = gen.Targets(targetCount)
	}

	w := a.out

	if path := a.v.GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create schedule file: %w", err)
		}
		defer f.Close()

		w = f
	}

	summary, err := gen.Generate(w, targets)
	if err != nil {
		return fmt.Errorf("generate schedule: %w", err)
	}

	a.logger.InfoContext(ctx, "schedule generated",
		slog.Int("operations", summary.TotalOperations),
		slog.Int("targets", summary.Targets),
		slog.Int("size_classes", summary.SizeClasses),
	)

	return nil
}
