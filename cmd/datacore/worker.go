package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxorio/datacore/pkg/cache"
	"github.com/fluxorio/datacore/pkg/config"
	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/db"
	"github.com/fluxorio/datacore/pkg/observability/otel"
	"github.com/fluxorio/datacore/pkg/source"
	"github.com/fluxorio/datacore/pkg/worker"
	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker process (frames on stdin/stdout, logs on stderr)",
		Long: `The worker owns storage, the result cache and the poller. It is normally
started by "datacore host" and speaks newline-delimited JSON on its standard
streams. Standard output carries protocol frames only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			os.Exit(runWorker(cmd.Context(), cfg))
			return nil
		},
	}
}

func runWorker(ctx context.Context, cfg config.App) int {
	logger := core.NewJSONLogger(os.Stderr, "worker")

	// The host owns the worker's lifetime; an interrupt aimed at the process
	// group must not bypass the shutdown frame.
	signal.Ignore(os.Interrupt, syscall.SIGTERM)

	if cfg.Observability.Tracing {
		if err := otel.Initialize(ctx, otel.Config{
			ServiceName:    "datacore-worker",
			ServiceVersion: version,
			Exporter:       cfg.Observability.TraceExporter,
			Endpoint:       cfg.Observability.ZipkinEndpoint,
			Writer:         os.Stderr,
		}); err != nil {
			logger.Warnf("tracing disabled: %v", err)
		}
		defer otel.Shutdown(context.Background())
	}

	pool := db.DefaultPoolConfig(cfg.Database.DSN, cfg.Database.Driver)
	pool.MaxOpenConns = cfg.Database.MaxOpenConns
	pool.MaxIdleConns = cfg.Database.MaxIdleConns
	pool.OnQuery = slowQueryLogger(logger, cfg.Query.SlowQuery.Duration)

	rt := worker.New(worker.Config{
		Pool: pool,
		Seed: cfg.Database.Seed,
		Cache: cache.Config{
			TTL:           cfg.Cache.TTL.Duration,
			SweepInterval: cfg.Cache.SweepInterval.Duration,
		},
		StrictFilters: cfg.Query.StrictFilters,
		DefaultTake:   cfg.Query.DefaultTake,
		NewSource: func() (source.Source, error) {
			return buildSource(cfg.Source, logger)
		},
		PollInterval: cfg.Poller.Interval.Duration,
		Autostart:    cfg.Poller.Autostart,
		Logger:       logger,
	})
	return rt.Run(ctx, os.Stdin, os.Stdout)
}

// buildSource picks the record source named by cfg.Kind
func buildSource(cfg config.SourceConfig, logger core.Logger) (source.Source, error) {
	switch cfg.Kind {
	case "", "simulated":
		return source.NewSimulated(source.SimulatedConfig{EmptyRatio: cfg.EmptyRatio})
	case "nats":
		return source.NewNATS(source.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.Subject,
			Name:    "datacore-worker",
			Buffer:  cfg.Buffer,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

func slowQueryLogger(logger core.Logger, threshold time.Duration) func(string, time.Duration) {
	if threshold <= 0 {
		return nil
	}
	return func(operation string, d time.Duration) {
		if d >= threshold {
			logger.Warnf("slow %s: %v", operation, d)
		}
	}
}
