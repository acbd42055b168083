package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weiihann/kadbench/dht"
	"github.com/weiihann/kadbench/gate"
	"github.com/weiihann/kadbench/stats"
	"github.com/weiihann/kadbench/workload"
)

// FindAndPing looks up every target, then pings each contact found
// Iterations times.
func (d *Driver) FindAndPing(ctx context.Context, targets []dht.Key) (*Report, error) {
	started := time.Now()
	rep := &Report{
		Scenario:   ScenarioFindPing,
		Targets:    len(targets),
		Iterations: d.cfg.Iterations,
	}

	d.logger.InfoContext(ctx, "starting scenario",
		slog.String("scenario", rep.Scenario),
		slog.Int("targets", len(targets)),
		slog.Int("iterations", d.cfg.Iterations),
	)

	fmt.Fprintf(d.out, "Finding %d nodes...\n", len(targets))

	lookups := Phase{Op: dht.OpLookupContact}
	lookupStats := stats.New()
	contacts := make([]dht.Contact, 0, len(targets))

	g := gate.New()

	for _, target := range targets {
		o, err := d.measure(ctx, g, dht.OpLookupContact, "", func(cb dht.Callback) {
			d.node.LookupContact(ctx, target, false, cb)
		})
		if err != nil {
			return nil, err
		}

		res := Result{Target: target.String(), Attempts: 1}

		switch {
		case !o.completed():
			res.TimedOut = 1
		case o.completion.Succeeded:
			res.Succeeded = 1
			lookupStats.Add(o.elapsed)

			c, err := dht.DecodeContact(o.completion.Payload)
			if err != nil {
				d.logger.WarnContext(ctx, "undecodable lookup payload",
					slog.String("target", target.Short()),
					slog.String("error", err.Error()),
				)

				break
			}

			contacts = append(contacts, c)
		default:
			lookupStats.Add(o.elapsed)
		}

		if o.completed() {
			one := stats.New()
			one.Add(o.elapsed)
			res.Latency = summaryOf(one)
		}

		lookups.Results = append(lookups.Results, res)
	}

	lookups.Aggregate = summaryOf(lookupStats)
	rep.Stale += g.Stale()
	rep.Phases = append(rep.Phases, lookups)

	d.printDone(lookups.Aggregate, true)

	if len(contacts) == 0 {
		fmt.Fprintln(d.out, "No contacts for nodes found.")
		rep.Elapsed = time.Since(started)
		d.finish(ctx, rep)

		return rep, nil
	}

	fmt.Fprintf(d.out, "Pinging %d contacts, %d iterations...\n", len(contacts), d.cfg.Iterations)

	pings := Phase{Op: dht.OpPing}
	pingStats := stats.New()

	for i, contact := range contacts {
		res, acc, stale, err := d.loop(ctx, contact.ID, d.cfg.Iterations, dht.OpPing, "",
			func(_ int, cb dht.Callback) error {
				d.node.Ping(ctx, contact, cb)

				return nil
			})
		rep.Stale += stale

		if err != nil {
			return nil, err
		}

		meanOf(pingStats, acc)
		pings.Results = append(pings.Results, res)
		d.printLoop("Pinged contact", i, res)
	}

	pings.Aggregate = summaryOf(pingStats)
	rep.Phases = append(rep.Phases, pings)

	d.printDone(pings.Aggregate, false)

	rep.Elapsed = time.Since(started)
	d.finish(ctx, rep)

	return rep, nil
}

// StoreAndFind stores Iterations values per target and size class under
// derived keys, then reads every one of them back.
func (d *Driver) StoreAndFind(ctx context.Context, targets []dht.Key) (*Report, error) {
	started := time.Now()
	rep := &Report{
		Scenario:   ScenarioStoreFind,
		Targets:    len(targets),
		Iterations: d.cfg.Iterations,
		Signed:     d.cfg.Sign,
	}

	d.logger.InfoContext(ctx, "starting scenario",
		slog.String("scenario", rep.Scenario),
		slog.Int("targets", len(targets)),
		slog.Int("iterations", d.cfg.Iterations),
		slog.Bool("signed", d.cfg.Sign),
	)

	storeOp := dht.OpStore
	if d.cfg.Sign {
		storeOp = dht.OpStoreSigned
	}

	iterations := d.cfg.Iterations

	keyFor := func(v, i, j int) (dht.Key, error) {
		idx := workload.IterationIndex(v, i, j, len(targets), iterations)

		return workload.DeriveKey(targets[i], idx)
	}

	for v, sc := range d.cfg.SizeClasses {
		value := d.gen.Payload(sc.Bytes)

		fmt.Fprintf(d.out, "Storing %s value on %d * k closest nodes, %d iterations...\n",
			sc.Name, len(targets), iterations)

		stores := Phase{Op: storeOp, SizeClass: sc.Name}
		storeStats := stats.New()

		for i, target := range targets {
			res, acc, stale, err := d.loop(ctx, target, iterations, storeOp, sc.Name,
				func(j int, cb dht.Callback) error {
					key, err := keyFor(v, i, j)
					if err != nil {
						return err
					}

					return d.store(ctx, key, value, cb)
				})
			rep.Stale += stale

			if err != nil {
				return nil, err
			}

			meanOf(storeStats, acc)
			stores.Results = append(stores.Results, res)
			d.printLoop("Stored close to", i, res)
		}

		stores.Aggregate = summaryOf(storeStats)
		rep.Phases = append(rep.Phases, stores)
		d.printDone(stores.Aggregate, false)

		fmt.Fprintf(d.out, "Loading %s value from %d closest nodes, %d iterations...\n",
			sc.Name, len(targets), iterations)

		loads := Phase{Op: dht.OpFindValue, SizeClass: sc.Name}
		loadStats := stats.New()

		for i, target := range targets {
			res, acc, stale, err := d.loop(ctx, target, iterations, dht.OpFindValue, sc.Name,
				func(j int, cb dht.Callback) error {
					key, err := keyFor(v, i, j)
					if err != nil {
						return err
					}

					d.node.FindValue(ctx, key, false, cb)

					return nil
				})
			rep.Stale += stale

			if err != nil {
				return nil, err
			}

			meanOf(loadStats, acc)
			loads.Results = append(loads.Results, res)
			d.printLoop("Loaded from", i, res)
		}

		loads.Aggregate = summaryOf(loadStats)
		rep.Phases = append(rep.Phases, loads)
		d.printDone(loads.Aggregate, false)
	}

	rep.Elapsed = time.Since(started)
	d.finish(ctx, rep)

	return rep, nil
}

func (d *Driver) store(ctx context.Context, key dht.Key, value []byte, cb dht.Callback) error {
	if !d.cfg.Sign {
		d.node.StoreValue(ctx, key, value, d.cfg.TTL, cb)

		return nil
	}

	sv, sig, err := d.signer.Envelope(d.node.ID(), key, value)
	if err != nil {
		return fmt.Errorf("sign store for %s: %w", key.Short(), err)
	}

	d.node.StoreSignedValue(ctx, key, sv, sig, d.cfg.TTL, cb)

	return nil
}

func (d *Driver) finish(ctx context.Context, rep *Report) {
	d.rec.AddStale(rep.Stale)

	d.logger.InfoContext(ctx, "scenario finished",
		slog.String("scenario", rep.Scenario),
		slog.Duration("elapsed", rep.Elapsed),
		slog.Int("stale_completions", rep.Stale),
	)
}
