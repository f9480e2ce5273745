// Package api provides the HTTP API for the push service.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tarotjournal/tarotjournal/internal/api/handler"
	"github.com/tarotjournal/tarotjournal/internal/api/middleware"
	"github.com/tarotjournal/tarotjournal/internal/cronlock"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	RequireTLS  bool

	// Tokens validates optional bearer tokens on subscribe. Nil disables owner tagging.
	Tokens middleware.TokenValidator

	Subscriptions  handler.Subscriptions
	Dispatcher     handler.Dispatcher
	Reporter       handler.HealthReporter
	VAPIDPublicKey string

	// Store backs the readiness probe. Nil when running without a durable store.
	Store handler.Pinger

	CronSecret string
	CronLocker cronlock.Locker
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "tarotjournal-push"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger, "/v1/ops/health", "/v1/ops/ready"))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.ContentTypeJSON)

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.Store)
	pushHandler := handler.NewPushHandler(handler.PushHandlerConfig{
		Subscriptions:  cfg.Subscriptions,
		Dispatcher:     cfg.Dispatcher,
		Reporter:       cfg.Reporter,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
		Logger:         cfg.Logger,
	})

	locker := cfg.CronLocker
	if locker == nil {
		locker = cronlock.NewMemoryLocker(cronlock.DefaultTTL)
	}
	cronHandler := handler.NewCronHandler(cfg.Dispatcher, locker, cfg.Logger)

	subscribeRateLimit := middleware.RateLimitByIP(middleware.SubscribeRateLimit) // 30 req/min
	actionRateLimit := middleware.RateLimitByUser(middleware.ActionRateLimit)     // 10 req/min

	r.Route("/push", func(r chi.Router) {
		r.Use(middleware.OptionalAuth(cfg.Tokens))
		r.Use(middleware.RequireJSON)

		r.Group(func(r chi.Router) {
			r.Use(subscribeRateLimit)
			r.Post("/subscribe", pushHandler.Subscribe)
			r.Post("/unsubscribe", pushHandler.Unsubscribe)
		})

		r.With(actionRateLimit).Post("/send", pushHandler.Send)
		r.Get("/health", pushHandler.Health)
		r.With(actionRateLimit).Post("/health", pushHandler.HealthAction)
		r.Get("/vapid-public-key", pushHandler.VAPIDPublicKey)
	})

	// Cron endpoints are called by the platform scheduler
	r.Route("/cron", func(r chi.Router) {
		r.Use(middleware.CronSecret(cfg.CronSecret))
		r.Get("/daily-reading", cronHandler.DailyReading)
		r.Post("/daily-reading", cronHandler.DailyReading)
		r.Get("/weekly-insights", cronHandler.WeeklyInsights)
		r.Post("/weekly-insights", cronHandler.WeeklyInsights)
	})

	r.Route("/v1/ops", func(r chi.Router) {
		r.Get("/health", opsHandler.HealthCheck)
		r.Get("/ready", opsHandler.ReadinessCheck)
	})

	return r
}
