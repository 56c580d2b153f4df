// Package workload drives a MultiKeyMap with a concurrent read/write mix
// and reports throughput and map statistics.
package workload

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/llxisdsh/multikey"
)

var (
	// ErrInvalidConfig is returned for scenario values out of range.
	ErrInvalidConfig = errors.New("workload: invalid config")
)

// Config describes one bench scenario.
type Config struct {
	// Workers is the number of concurrent goroutines.
	Workers int `koanf:"workers"`
	// Ops is the total number of operations, split across workers.
	Ops int `koanf:"ops"`
	// Keys is the number of distinct keys, all stored before the run.
	Keys int `koanf:"keys"`
	// Arity is the number of components per key.
	Arity int `koanf:"arity"`
	// ReadRatio is the fraction of operations that are lookups.
	ReadRatio float64 `koanf:"read_ratio"`
	// Rate caps operations per second across all workers, 0 for no cap.
	Rate float64 `koanf:"rate"`
	// MetricsAddr serves /metrics during the run when not empty.
	MetricsAddr string `koanf:"metrics_addr"`
	// LogLevel is the hclog level name.
	LogLevel string `koanf:"log_level"`

	Map multikey.MapConfig `koanf:"map"`
}

// DefaultConfig returns the scenario used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		Ops:       1_000_000,
		Keys:      10_000,
		Arity:     3,
		ReadRatio: 0.9,
		LogLevel:  "info",
		Map:       multikey.DefaultMapConfig(),
	}
}

// Validate reports scenario errors.
func (c *Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	case c.Ops < 0:
		return fmt.Errorf("%w: ops must be non-negative, got %d", ErrInvalidConfig, c.Ops)
	case c.Keys <= 0:
		return fmt.Errorf("%w: keys must be positive, got %d", ErrInvalidConfig, c.Keys)
	case c.Arity <= 0:
		return fmt.Errorf("%w: arity must be positive, got %d", ErrInvalidConfig, c.Arity)
	case c.ReadRatio < 0 || c.ReadRatio > 1:
		return fmt.Errorf("%w: read ratio must be within [0, 1], got %v", ErrInvalidConfig, c.ReadRatio)
	case c.Rate < 0:
		return fmt.Errorf("%w: rate must be non-negative, got %v", ErrInvalidConfig, c.Rate)
	}
	return c.Map.Validate()
}

// Runner owns the map and the key set of one scenario.
type Runner struct {
	cfg    Config
	runID  ulid.ULID
	m      *multikey.MultiKeyMap[int64]
	keys   [][]any
	logger hclog.Logger
}

// NewRunner builds the map and generates the key set.
func NewRunner(cfg Config, logger hclog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	m, err := multikey.NewMultiKeyMap[int64](
		multikey.WithConfig(&cfg.Map),
		multikey.WithLogger(logger.Named("map")),
	)
	if err != nil {
		return nil, fmt.Errorf("create map: %w", err)
	}

	entropy := ulid.Monotonic(rand.Reader, 0)
	now := ulid.Timestamp(time.Now())
	r := &Runner{
		cfg:    cfg,
		runID:  ulid.MustNew(now, entropy),
		m:      m,
		keys:   make([][]any, cfg.Keys),
		logger: logger,
	}
	for i := range r.keys {
		r.keys[i] = makeKey(i, cfg.Arity, ulid.MustNew(now, entropy))
	}
	return r, nil
}

// makeKey cycles through an integer, a ULID string and a float component.
func makeKey(i, arity int, id ulid.ULID) []any {
	key := make([]any, arity)
	for c := range key {
		switch c % 3 {
		case 0:
			key[c] = i + c
		case 1:
			key[c] = id.String()
		default:
			key[c] = float64(i) + 0.5
		}
	}
	return key
}

// RunID identifies the run.
func (r *Runner) RunID() ulid.ULID {
	return r.runID
}

// Map returns the map under test.
func (r *Runner) Map() *multikey.MultiKeyMap[int64] {
	return r.m
}

// Fill stores every key of the scenario.
func (r *Runner) Fill() {
	for i, k := range r.keys {
		r.m.Store(k, int64(i))
	}
	r.logger.Debug("filled map", "keys", len(r.keys), "size", r.m.Size())
}

// Report is the outcome of a run.
type Report struct {
	RunID      ulid.ULID
	Workers    int
	Ops        int64
	Reads      int64
	Hits       int64
	Writes     int64
	Elapsed    time.Duration
	Throughput float64
	Stats      *multikey.MapStats
	Contention *multikey.ContentionStats
}

// Run fills the map and runs the workers until every operation is done or
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	r.Fill()

	var limiter *rate.Limiter
	if r.cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.Rate), max(1, r.cfg.Workers))
	}

	var reads, hits, writes atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	per, extra := r.cfg.Ops/r.cfg.Workers, r.cfg.Ops%r.cfg.Workers

	r.logger.Info("starting run", "run_id", r.runID, "workers", r.cfg.Workers, "ops", r.cfg.Ops)
	start := time.Now()
	for w := 0; w < r.cfg.Workers; w++ {
		ops := per
		if w < extra {
			ops++
		}
		rng := mrand.New(mrand.NewPCG(uint64(start.UnixNano()), uint64(w)))
		g.Go(func() error {
			var nr, nh, nw int64
			defer func() {
				reads.Add(nr)
				hits.Add(nh)
				writes.Add(nw)
			}()
			for i := 0; i < ops; i++ {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
				} else if i&1023 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				key := r.keys[rng.IntN(len(r.keys))]
				if rng.Float64() < r.cfg.ReadRatio {
					if _, ok := r.m.Load(key); ok {
						nh++
					}
					nr++
					continue
				}
				r.m.Compute(key, func(old int64, _ bool) (int64, multikey.ComputeOp) {
					return old + 1, multikey.UpdateOp
				})
				nw++
			}
			return nil
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)

	rep := &Report{
		RunID:      r.runID,
		Workers:    r.cfg.Workers,
		Reads:      reads.Load(),
		Hits:       hits.Load(),
		Writes:     writes.Load(),
		Elapsed:    elapsed,
		Stats:      r.m.Stats(),
		Contention: r.m.ContentionStats(),
	}
	rep.Ops = rep.Reads + rep.Writes
	if elapsed > 0 {
		rep.Throughput = float64(rep.Ops) / elapsed.Seconds()
	}
	r.m.LogContentionStatistics()
	if err != nil {
		return rep, fmt.Errorf("run %s: %w", r.runID, err)
	}
	return rep, nil
}

// WriteTo prints the report in a human readable form.
func (rep *Report) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	c := rep.Contention
	fmt.Fprintf(&sb, "Run:         %s\n", rep.RunID)
	fmt.Fprintf(&sb, "Workers:     %d\n", rep.Workers)
	fmt.Fprintf(&sb, "Ops:         %d (reads %d, hits %d, writes %d)\n", rep.Ops, rep.Reads, rep.Hits, rep.Writes)
	fmt.Fprintf(&sb, "Elapsed:     %s\n", rep.Elapsed)
	fmt.Fprintf(&sb, "Throughput:  %.0f ops/s\n", rep.Throughput)
	sb.WriteString(rep.Stats.ToString())
	fmt.Fprintf(&sb, "Contention:  %d/%d (%.2f%%), global %d/%d, unused stripes %d\n",
		c.TotalContentions, c.TotalAcquisitions, c.ContentionRate*100,
		c.GlobalLockContentions, c.GlobalLockAcquisitions, c.UnusedStripes)
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}
