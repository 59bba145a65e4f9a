package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/pixflow/internal/charge"
	"github.com/frahmantamala/pixflow/internal/core/events"
	"github.com/frahmantamala/pixflow/internal/reconcile"
	"github.com/frahmantamala/pixflow/pkg/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers that run outside the HTTP server`,
}

// Reconcile worker command
var reconcileWorkerCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Start the settlement reconciler",
	Long:  `Poll the payment gateway for every collecting charge and commit settlements. Use it when the API runs with the in-process reconciler disabled.`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconcileWorker()
	},
}

var (
	maxConcurrentPolls int
	pollInterval       time.Duration
)

func startReconcileWorker() {
	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	lg := logger.LoggerWrapper()

	store, err := openStorage(config.Database, lg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer store.close()

	gateway, err := newGateway(config.Gateway, lg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize gateway: %v\n", err)
		os.Exit(1)
	}

	bus := events.NewEventBus(lg)
	charge.NewEventHandler(nil, lg).RegisterEventHandlers(bus)

	cfg := reconcile.Config{
		PollInterval:       getDurationFlag(pollInterval, config.Reconciler.PollInterval),
		MaxPollDuration:    config.Reconciler.MaxPollDuration,
		MaxConcurrentPolls: getIntFlag(maxConcurrentPolls, config.Reconciler.MaxConcurrentPolls),
		PollTimeout:        config.Gateway.RequestTimeout,
	}
	engine := reconcile.NewEngine(cfg, store.charges, gateway, bus, nil, lg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := engine.Resync(ctx); err != nil {
		lg.Error("initial resync failed", "error", err)
	}
	engine.Start(ctx)
	go resyncLoop(ctx, engine, config.Reconciler.ResyncInterval, lg)

	lg.Info("reconcile worker is running. Press Ctrl+C to stop.",
		"provider", config.Gateway.Provider,
		"max_concurrent_polls", cfg.MaxConcurrentPolls)

	<-ctx.Done()
	lg.Info("received signal, shutting down reconcile worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()

	if err := engine.Stop(shutdownCtx); err != nil {
		lg.Warn("shutdown timeout reached, forcing exit", "error", err)
	}
	if err := bus.Drain(shutdownCtx); err != nil {
		lg.Warn("event handlers still running at exit", "error", err)
	}
	lg.Info("reconcile worker shutdown complete")
}

// resyncLoop periodically re-registers collecting charges, picking up those
// issued by other processes or whose registration failed.
func resyncLoop(ctx context.Context, engine *reconcile.Engine, interval time.Duration, lg *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.Resync(ctx); err != nil && ctx.Err() == nil {
				lg.Error("periodic resync failed", "error", err)
			}
		}
	}
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func getDurationFlag(flagValue, configValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	reconcileWorkerCmd.Flags().IntVar(&maxConcurrentPolls, "max-concurrent-polls", 0, "Maximum concurrent gateway polls (overrides config)")
	reconcileWorkerCmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "Interval between polling ticks (overrides config)")

	workerCmd.AddCommand(reconcileWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
