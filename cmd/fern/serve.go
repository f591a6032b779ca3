package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fernlabs/fern/internal/config"
	"github.com/fernlabs/fern/internal/host"
	"github.com/fernlabs/fern/internal/watchdog"
)

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent host",
		Long: `Run the agent host: webhook ingestion, the reasoning loop, archival,
scheduler, sub-agents and the dashboard APIs. Shuts down cleanly on
SIGINT/SIGTERM.`,
		Example: `  # Environment-only configuration
  fern serve

  # With a config file and verbose logs
  fern serve --config /etc/fern/fern.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	slog.Info("starting fern", "version", version, "commit", commit, "config", flagConfig)

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	h, err := host.New(ctx, cfg, host.Options{})
	if err != nil {
		// A start-up failure feeds the persisted counter so a crash loop
		// still trips the watchdog threshold across restarts.
		if bumpErr := watchdog.BumpStartupFailure(cfg.WatchdogStatePath()); bumpErr != nil {
			slog.Warn("failure counter bump failed", "error", bumpErr)
		}
		return fmt.Errorf("build host: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Start(sigCtx); err != nil {
		if bumpErr := watchdog.BumpStartupFailure(cfg.WatchdogStatePath()); bumpErr != nil {
			slog.Warn("failure counter bump failed", "error", bumpErr)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), host.DefaultShutdownTimeout)
		defer cancel()
		h.Shutdown(shutdownCtx)
		return fmt.Errorf("start host: %w", err)
	}

	select {
	case <-sigCtx.Done():
		slog.Info("shutdown signal received")
	case reason := <-h.Fatal():
		slog.Error("watchdog requested shutdown", "reason", reason)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), host.DefaultShutdownTimeout)
	defer cancel()
	for _, res := range h.Shutdown(shutdownCtx) {
		if res.Err != nil {
			slog.Warn("component shutdown failed", "component", res.Name, "error", res.Err)
		}
	}
	return nil
}
