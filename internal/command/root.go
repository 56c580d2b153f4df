// Package command provides the multikey-bench command-line application.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/urfave/cli/v2"

	"github.com/llxisdsh/multikey/internal/confloader"
	"github.com/llxisdsh/multikey/internal/workload"
	"github.com/llxisdsh/multikey/metrics"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 5 * time.Second

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "multikey-bench",
		Usage:   "Drive a concurrent multi-key map with a configurable workload",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		Commands: []*cli.Command{
			RunCommand(),
			StatsCommand(),
		},
	}
}

// scenarioFlags maps command-line flags to scenario keys.
var scenarioFlags = map[string]string{
	"workers":      "workers",
	"ops":          "ops",
	"keys":         "keys",
	"arity":        "arity",
	"read-ratio":   "read_ratio",
	"rate":         "rate",
	"metrics-addr": "metrics_addr",
	"log-level":    "log_level",
	"capacity":     "map.capacity",
	"load-factor":  "map.load_factor",
}

func scenarioFlagList() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Scenario file (YAML)",
		},
		&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "Concurrent workers"},
		&cli.IntFlag{Name: "ops", Aliases: []string{"n"}, Usage: "Total operations"},
		&cli.IntFlag{Name: "keys", Aliases: []string{"k"}, Usage: "Distinct keys"},
		&cli.IntFlag{Name: "arity", Usage: "Components per key"},
		&cli.Float64Flag{Name: "read-ratio", Usage: "Fraction of operations that are lookups"},
		&cli.Float64Flag{Name: "rate", Usage: "Operations per second across workers, 0 for no cap"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "Serve /metrics on this address during the run"},
		&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Usage: "trace, debug, info, warn or error"},
		&cli.IntFlag{Name: "capacity", Usage: "Initial bucket count"},
		&cli.Float64Flag{Name: "load-factor", Usage: "Size/capacity ratio that triggers growth"},
	}
}

// loadScenario layers defaults, the scenario file, the environment and the
// flags set on the command line.
func loadScenario(c *cli.Context) (workload.Config, error) {
	cfg := workload.DefaultConfig()
	l := confloader.NewLoader()
	if err := l.LoadFile(c.String("config")); err != nil {
		return cfg, err
	}
	if err := l.LoadEnv(); err != nil {
		return cfg, err
	}

	set := make(map[string]any)
	for flag, key := range scenarioFlags {
		if c.IsSet(flag) {
			set[key] = c.Value(flag)
		}
	}
	if err := l.LoadMap(set); err != nil {
		return cfg, err
	}
	if err := l.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal scenario: %w", err)
	}
	return cfg, cfg.Validate()
}

func newLogger(level string, w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "multikey-bench",
		Level:  hclog.LevelFromString(level),
		Output: w,
	})
}

// RunCommand runs a scenario and prints its report.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a workload and print throughput and map statistics",
		Flags: scenarioFlagList(),
		Action: func(c *cli.Context) error {
			cfg, err := loadScenario(c)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel, c.App.ErrWriter)

			r, err := workload.NewRunner(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()

			if cfg.MetricsAddr != "" {
				shutdown, err := serveMetrics(cfg.MetricsAddr, r, logger)
				if err != nil {
					return err
				}
				defer shutdown()
			}

			rep, err := r.Run(ctx)
			if rep != nil {
				if _, werr := rep.WriteTo(c.App.Writer); werr != nil {
					return errors.Join(err, werr)
				}
			}
			return err
		},
	}
}

// StatsCommand fills a map from a scenario and prints its statistics.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Fill a map from a scenario and print its statistics",
		Flags: scenarioFlagList(),
		Action: func(c *cli.Context) error {
			cfg, err := loadScenario(c)
			if err != nil {
				return err
			}
			r, err := workload.NewRunner(cfg, newLogger(cfg.LogLevel, c.App.ErrWriter))
			if err != nil {
				return err
			}
			r.Fill()
			_, err = io.WriteString(c.App.Writer, r.Map().Stats().ToString())
			return err
		},
	}
}

func serveMetrics(addr string, r *workload.Runner, logger hclog.Logger) (func(), error) {
	reg, err := metrics.NewRegistry(map[string]metrics.Source{"bench": r.Map()})
	if err != nil {
		return nil, fmt.Errorf("metrics registry: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr, "run_id", r.RunID())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}, nil
}
