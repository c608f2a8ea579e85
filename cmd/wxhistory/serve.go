package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/1broseidon/wxhistory/internal/api"
	"github.com/1broseidon/wxhistory/internal/config"
	"github.com/1broseidon/wxhistory/internal/engine"
	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/internal/metrics"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", true, "Apply configuration file changes without restarting")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, watch bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if opts.verbose {
		level = "debug"
	}
	logger, err := logging.InitLogger(logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Fields: cfg.Logging.Fields,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	if cfg.Metrics.IncludeGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
	}
	if cfg.Metrics.IncludeProcessMetrics {
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, engine.Options{Metrics: m}, logger)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		eng.Close(context.Background())
		return err
	}

	if watch && opts.configPath != "" {
		watcher, err := config.NewWatcher(opts.configPath, logger, func(next *config.Config) {
			if err := eng.Reconfigure(next); err != nil {
				logger.WithComponent(logging.ComponentConfig).
					WithError(err).
					Warn("Failed to apply configuration change")
			}
		})
		if err != nil {
			logger.WithError(err).Warn("Configuration watching disabled")
		} else {
			watcher.Start(ctx)
			defer watcher.Close()
		}
	}

	server := api.NewServer(cfg, opts.configPath, eng, logger, registry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.WithFields(map[string]interface{}{
		"backend":  cfg.History.Backend,
		"capacity": cfg.History.Capacity(),
	}).Info("wxhistory started")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if serveErr != nil {
			serveErr = fmt.Errorf("http server failed: %w", serveErr)
		}
	}

	logger.Info("Shutting down wxhistory...")

	if err := server.Stop(); err != nil {
		logger.WithError(err).Error("Failed to shutdown server gracefully")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Close(closeCtx); err != nil {
		logger.WithError(err).Error("Failed to write pending history")
		if serveErr == nil {
			serveErr = err
		}
	}

	logger.Info("wxhistory stopped")
	return serveErr
}
