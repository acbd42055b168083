package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weiihann/kadbench/dht"
	"github.com/weiihann/kadbench/harness"
	"github.com/weiihann/kadbench/simnode"
)

const envPrefix = "KADBENCH"

type runConfig struct {
	backend     string
	addr        string
	rpcTimeout  time.Duration
	targets     []dht.Key
	targetCount int
	iterations  int
	timeout     time.Duration
	rate        float64
	seed        int64
	keyBits     int
	ttl         time.Duration
	sign        bool
	sim         simnode.Config

	metricsListen string
	metricsFile   string
	outputJSON    bool
}

// bindFlags makes every flag of the executing command readable through v,
// with KADBENCH_* environment variables and the config file as fallbacks.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	return nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return "", nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", path, err)
	}

	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", path)
	}

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", path, err)
	}

	return path, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (text, json)", format)
	}
}

func parseTargets(raw []string) ([]dht.Key, error) {
	keys := make([]dht.Key, 0, len(raw))

	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		k, err := dht.ParseKey(s)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", s, err)
		}

		keys = append(keys, k)
	}

	return keys, nil
}

func readRunConfig(v *viper.Viper) (runConfig, error) {
	targets, err := parseTargets(v.GetStringSlice("targets"))
	if err != nil {
		return runConfig{}, err
	}

	cfg := runConfig{
		backend:     v.GetString("backend"),
		addr:        v.GetString("addr"),
		rpcTimeout:  v.GetDuration("rpc-timeout"),
		targets:     targets,
		targetCount: v.GetInt("target-count"),
		iterations:  v.GetInt("iterations"),
		timeout:     v.GetDuration("timeout"),
		rate:        v.GetFloat64("rate"),
		seed:        v.GetInt64("seed"),
		keyBits:     v.GetInt("key-bits"),
		ttl:         v.GetDuration("ttl"),
		sign:        v.GetBool("sign"),
		sim: simnode.Config{
			Seed:        v.GetInt64("seed"),
			Peers:       v.GetInt("sim-peers"),
			Latency:     v.GetDuration("sim-latency"),
			Jitter:      v.GetDuration("sim-jitter"),
			FailureRate: v.GetFloat64("sim-failure-rate"),
			DropRate:    v.GetFloat64("sim-drop-rate"),
		},
		metricsListen: v.GetString("metrics-listen"),
		metricsFile:   v.GetString("metrics-file"),
		outputJSON:    v.GetBool("json"),
	}

	if cfg.seed == 0 {
		cfg.seed = time.Now().UnixNano()
		cfg.sim.Seed = cfg.seed
	}

	if cfg.iterations <= 0 {
		return runConfig{}, fmt.Errorf("--iterations must be positive, got %d", cfg.iterations)
	}

	if cfg.targetCount < 0 {
		return runConfig{}, fmt.Errorf("--target-count must not be negative, got %d", cfg.targetCount)
	}

	for _, r := range []struct {
		name string
		val  float64
	}{
		{"sim-failure-rate", cfg.sim.FailureRate},
		{"sim-drop-rate", cfg.sim.DropRate},
	} {
		if r.val < 0 || r.val > 1 {
			return runConfig{}, fmt.Errorf("--%s must be within [0, 1], got %g", r.name, r.val)
		}
	}

	known := false
	for _, b := range harness.KnownBackends() {
		known = known || b == cfg.backend
	}

	if !known {
		return runConfig{}, fmt.Errorf("--backend %q is not one of %v", cfg.backend, harness.KnownBackends())
	}

	return cfg, nil
}
