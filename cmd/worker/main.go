// Package main provides the entrypoint for the Tarot Journal push worker.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tarotjournal/tarotjournal/internal/api/middleware"
	"github.com/tarotjournal/tarotjournal/internal/api/models"
	"github.com/tarotjournal/tarotjournal/internal/api/response"
	"github.com/tarotjournal/tarotjournal/internal/app"
	"github.com/tarotjournal/tarotjournal/internal/config"
	"github.com/tarotjournal/tarotjournal/internal/telemetry"
	"github.com/tarotjournal/tarotjournal/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "tarotjournal-worker"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting Tarot Journal push worker")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	schedules := worker.ScheduleConfig{
		Cleanup:        cfg.Worker.CleanupSchedule,
		DailyReading:   cfg.Worker.DailySchedule,
		WeeklyInsights: cfg.Worker.WeeklySchedule,
		Location:       time.UTC,
	}
	if err := schedules.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid worker schedule")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.App.Env,
		OTLPEndpoint:   cfg.OTel.OTLPEndpoint,
		Enabled:        cfg.OTel.Enabled,
		SampleRatio:    cfg.OTel.SampleRatio,
		Logger:         log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	services, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize services")
		return
	}
	defer services.Close(context.Background())

	runner := worker.NewJobRunner(worker.JobRunnerConfig{
		Dispatcher:  services.Dispatcher,
		Maintenance: services.Reporter,
		Locker:      services.Locker,
		Logger:      log,
	})

	scheduler, err := worker.NewScheduler(schedules, runner, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to create scheduler")
		return
	}
	scheduler.Start()

	var pubsubHandler *worker.PubSubHandler
	if cfg.PubSub.ProjectID != "" {
		pubsubHandler, err = worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.PubSub.ProjectID,
			SubscriptionName: cfg.PubSub.Subscription,
			Runner:           runner,
			Logger:           log,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to create pubsub handler")
			return
		}

		go func() {
			if err := pubsubHandler.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("pubsub receive stopped")
			}
		}()
	} else {
		log.Info().Msg("PUBSUB_PROJECT_ID not set - only scheduled jobs will run")
	}

	// Worker also exposes a health endpoint for Cloud Run
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.ContentTypeJSON)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		next := make(map[string]time.Time, len(scheduler.Jobs()))
		for _, job := range scheduler.Jobs() {
			next[job] = scheduler.Next(job)
		}
		response.JSON(w, r, http.StatusOK, models.Health{
			Status: models.HealthStatusOK,
			Time:   models.Timestamp(time.Now()),
			Details: map[string]any{
				"version":  Version,
				"schedule": next,
				"jobs":     runner.MetricsSnapshot(),
			},
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health check server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	scheduler.Stop(shutdownCtx)

	if pubsubHandler != nil {
		if err := pubsubHandler.Close(); err != nil {
			log.Warn().Err(err).Msg("pubsub client close failed")
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}
