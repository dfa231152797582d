package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxorio/datacore/pkg/config"
	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/hostapi"
	"github.com/fluxorio/datacore/pkg/observability/otel"
	"github.com/fluxorio/datacore/pkg/observability/prometheus"
	"github.com/fluxorio/datacore/pkg/protocol"
	"github.com/fluxorio/datacore/pkg/supervisor"
	"github.com/spf13/cobra"
)

func hostCmd() *cobra.Command {
	var workerBinary string
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Supervise the worker process and serve the host API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runHost(cmd.Context(), cfg, workerBinary)
		},
	}
	cmd.Flags().StringVar(&workerBinary, "worker-binary", "", "Worker executable (default: this binary)")
	return cmd
}

func runHost(ctx context.Context, cfg config.App, workerBinary string) error {
	logger := newLogger(cfg.Observability.LogFormat, os.Stdout, "host")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.Tracing {
		if err := otel.Initialize(ctx, otel.Config{
			ServiceName:    "datacore-host",
			ServiceVersion: version,
			Exporter:       cfg.Observability.TraceExporter,
			Endpoint:       cfg.Observability.ZipkinEndpoint,
		}); err != nil {
			logger.Warnf("tracing disabled: %v", err)
		}
		defer otel.Shutdown(context.Background())
	}

	var metrics *prometheus.Metrics
	if cfg.Observability.Metrics {
		metrics = prometheus.GetMetrics()
	}

	args := []string{"worker"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	sup := supervisor.New(supervisor.Config{
		Spawner: supervisor.ExecSpawner{
			Path:   workerBinary,
			Args:   args,
			Logger: logger,
		},
		HealthInterval: cfg.Supervisor.HealthInterval.Duration,
		HealthTimeout:  cfg.Supervisor.HealthTimeout.Duration,
		RestartBackoff: cfg.Supervisor.RestartBackoff.Duration,
		CallTimeout:    cfg.Supervisor.CallTimeout.Duration,
		ShutdownGrace:  cfg.Supervisor.ShutdownGrace.Duration,
		Logger:         logger,
		Metrics:        metrics,
	})
	defer sup.Subscribe(countNotifications(metrics))()
	defer sup.Subscribe(logNotifications(logger))()

	if err := sup.Start(ctx); err != nil {
		// a failed first spawn is retried by the supervisor
		logger.Errorf("worker start: %v", err)
	}

	api := hostapi.New(hostapi.Config{
		Addr:          cfg.API.Addr,
		Backend:       sup,
		JWTSecret:     cfg.API.JWTSecret,
		MaxInFlight:   cfg.API.MaxInFlight,
		Metrics:       metrics,
		ExposeMetrics: cfg.Observability.Metrics,
		Logger:        logger,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- api.ListenAndServe() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = err
		logger.Errorf("host API stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Supervisor.ShutdownGrace.Duration+5*time.Second)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("host API shutdown: %v", err)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warnf("supervisor shutdown: %v", err)
	}
	logger.Info("stopped")
	return runErr
}

// countNotifications counts unsolicited worker frames by kind
func countNotifications(m *prometheus.Metrics) func(protocol.Message) {
	if m == nil {
		return func(protocol.Message) {}
	}
	counter := m.Counter("datacore_worker_notifications_total", "Unsolicited frames received from the worker", "kind")
	return func(msg protocol.Message) {
		counter.WithLabelValues(string(msg.Kind())).Inc()
	}
}

func logNotifications(logger core.Logger) func(protocol.Message) {
	return func(msg protocol.Message) {
		switch m := msg.(type) {
		case protocol.NewDataAvailable:
			logger.Infof("new data available: %d records", m.Count)
		case protocol.PollingError:
			logger.Warnf("polling error: %s", m.Error)
		}
	}
}
