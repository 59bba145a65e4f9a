package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/auth"
	"github.com/frahmantamala/pixflow/internal/charge"
	"github.com/frahmantamala/pixflow/internal/core/events"
	"github.com/frahmantamala/pixflow/internal/idempotency"
	"github.com/frahmantamala/pixflow/internal/metrics"
	"github.com/frahmantamala/pixflow/internal/reconcile"
	"github.com/frahmantamala/pixflow/internal/transport"
	"github.com/frahmantamala/pixflow/internal/transport/rest"
	"github.com/frahmantamala/pixflow/internal/transport/swagger"
	"github.com/frahmantamala/pixflow/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP API together with the in-process settlement reconciler`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config   *internal.Config
	Storage  *storage
	EventBus *events.EventBus
	Engine   *reconcile.Engine
	Metrics  *metrics.Metrics
	Router   *chi.Mux
	Logger   *slog.Logger

	closeIdempotency func() error
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	lg := deps.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if deps.Config.Reconciler.Enabled {
		if _, err := deps.Engine.Resync(ctx); err != nil {
			lg.Error("initial resync failed", "error", err)
		}
		deps.Engine.Start(ctx)
		go resyncLoop(ctx, deps.Engine, deps.Config.Reconciler.ResyncInterval, lg)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		lg.Info("Starting HTTP server", "address", addr)
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		lg.Info("Received signal, shutting down...")
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			lg.Error("Server failed to start", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), deps.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error("Server shutdown error", "error", err)
	}
	if err := deps.Engine.Stop(shutdownCtx); err != nil {
		lg.Error("Reconciler shutdown error", "error", err)
	}
	if err := deps.EventBus.Drain(shutdownCtx); err != nil {
		lg.Error("Event bus drain error", "error", err)
	}
	if err := deps.closeIdempotency(); err != nil {
		lg.Error("Idempotency store close error", "error", err)
	}
	if err := deps.Storage.close(); err != nil {
		lg.Error("Database close error", "error", err)
	}

	lg.Info("Server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	lg := logger.LoggerWrapper()

	if _, err := swagger.Load(context.Background()); err != nil {
		return nil, err
	}

	store, err := openStorage(config.Database, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gateway, err := newGateway(config.Gateway, lg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	bus := events.NewEventBus(lg)
	charge.NewEventHandler(m, lg).RegisterEventHandlers(bus)

	engine := reconcile.NewEngine(reconcile.Config{
		PollInterval:       config.Reconciler.PollInterval,
		MaxPollDuration:    config.Reconciler.MaxPollDuration,
		MaxConcurrentPolls: config.Reconciler.MaxConcurrentPolls,
		PollTimeout:        config.Gateway.RequestTimeout,
	}, store.charges, gateway, bus, m, lg)

	var reconciler charge.Reconciler
	if config.Reconciler.Enabled {
		reconciler = engine
	}
	service := charge.NewService(store.charges, gateway, reconciler, bus, lg).
		WithReports(store.charges).
		WithPollWindow(config.Reconciler.MaxPollDuration)

	idemStore, pingIdem, closeIdem := newIdempotencyStore(config.Redis, lg)
	keeper := idempotency.NewKeeper(idemStore, config.Redis.IdempotencyTTL)

	publicKey, err := config.Security.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load JWT public key: %w", err)
	}
	validator := auth.NewTokenValidator(publicKey, config.Security.JWTIssuer)
	base := transport.NewBaseHandler(lg)

	checks := map[string]rest.CheckFunc{
		"database": func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"driver": config.Database.Driver}, store.ping(ctx)
		},
		"reconciler": func(ctx context.Context) (map[string]any, error) {
			return map[string]any{
				"enabled":    config.Reconciler.Enabled,
				"registered": engine.Registered(),
			}, nil
		},
	}
	if pingIdem != nil {
		checks["redis"] = func(ctx context.Context) (map[string]any, error) {
			return nil, pingIdem(ctx)
		}
	}

	var routeMetrics *metrics.Metrics
	if config.Observability.Metrics.Enabled {
		routeMetrics = m
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, rest.RouterDeps{
		Origins:        config.Server.Origins(),
		Authenticate:   auth.Authenticate(validator, base),
		ChargeHandler:  charge.NewHandler(service, keeper),
		WebhookHandler: reconcile.NewWebhookHandler(base, engine, config.Security.WebhookSecret, lg),
		Health:         rest.NewHealthHandler(checks),
		Metrics:        routeMetrics,
		MetricsPath:    config.Observability.Metrics.Path,
		RateLimit:      config.Server.RateLimit,
		Logger:         lg,
	})

	return &Dependencies{
		Config:           config,
		Storage:          store,
		EventBus:         bus,
		Engine:           engine,
		Metrics:          m,
		Router:           router,
		Logger:           lg,
		closeIdempotency: closeIdem,
	}, nil
}
