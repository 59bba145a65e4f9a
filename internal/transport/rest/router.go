package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/cors"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/charge"
	"github.com/frahmantamala/pixflow/internal/metrics"
	"github.com/frahmantamala/pixflow/internal/reconcile"
	"github.com/frahmantamala/pixflow/internal/transport/middleware"
	"github.com/frahmantamala/pixflow/internal/transport/swagger"
)

type RouterDeps struct {
	Origins        []string
	Authenticate   func(http.Handler) http.Handler
	ChargeHandler  *charge.Handler
	WebhookHandler *reconcile.WebhookHandler
	Health         *HealthHandler
	Metrics        *metrics.Metrics
	MetricsPath    string
	RateLimit      internal.RateLimitConfig
	Logger         *slog.Logger
}

func RegisterAllRoutes(router *chi.Mux, deps RouterDeps) {
	health := deps.Health
	if health == nil {
		health = NewHealthHandler(nil)
	}

	origins := deps.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", middleware.TraceIDHeader},
		ExposedHeaders: []string{middleware.TraceIDHeader},
		MaxAge:         300,
	}))
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware(deps.Logger, deps.Metrics))
	router.Use(middleware.RecoveryMiddleware(deps.Logger))

	router.Get(swagger.SpecPath, swagger.SpecHandler())
	router.Handle("/swagger/*", swagger.Handler())

	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, deps.Metrics.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", health.healthCheckHandler)
		r.Get("/ping", health.pingHandler)

		if deps.WebhookHandler != nil {
			r.Post("/webhooks/gateway", deps.WebhookHandler.HandleNotification)
		}

		if deps.ChargeHandler == nil || deps.Authenticate == nil {
			return
		}

		r.Group(func(pr chi.Router) {
			pr.Use(deps.Authenticate)
			pr.Use(middleware.RateLimitByMerchant(deps.RateLimit.Requests, deps.RateLimit.Window, deps.Logger))

			h := deps.ChargeHandler
			pr.Route("/charges", func(cr chi.Router) {
				cr.Post("/", h.CreateCharge)
				cr.Get("/", h.ListCharges)
				cr.Get("/{id}", h.GetCharge)
				cr.Patch("/{id}", h.UpdateStatus)
				cr.Post("/{id}/collection", h.BeginCollection)
				cr.Delete("/{id}/collection", h.ReleaseCollection)
				cr.Get("/{id}/transitions", h.GetTransitions)
			})
			pr.Get("/reports/daily", h.DailySummary)
		})
	})
}
