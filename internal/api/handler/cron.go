package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarotjournal/tarotjournal/internal/api/middleware"
	"github.com/tarotjournal/tarotjournal/internal/api/models"
	"github.com/tarotjournal/tarotjournal/internal/api/response"
	"github.com/tarotjournal/tarotjournal/internal/cronlock"
	"github.com/tarotjournal/tarotjournal/internal/notification"
)

// CronHandler handles the scheduler-triggered broadcasts.
type CronHandler struct {
	dispatcher Dispatcher
	locker     cronlock.Locker
	logger     zerolog.Logger
	now        func() time.Time
}

// NewCronHandler creates a new CronHandler.
func NewCronHandler(dispatcher Dispatcher, locker cronlock.Locker, logger zerolog.Logger) *CronHandler {
	return &CronHandler{
		dispatcher: dispatcher,
		locker:     locker,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the clock used to pick the lock day.
func (h *CronHandler) WithClock(now func() time.Time) *CronHandler {
	h.now = now
	return h
}

// DailyReading handles /cron/daily-reading.
func (h *CronHandler) DailyReading(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, notification.TypeDailyReading, notification.DailyReading())
}

// WeeklyInsights handles /cron/weekly-insights.
func (h *CronHandler) WeeklyInsights(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, notification.TypeWeeklyInsights, notification.WeeklyInsights())
}

func (h *CronHandler) run(w http.ResponseWriter, r *http.Request, job string, payload notification.Payload) {
	ctx := r.Context()
	day := h.now()
	log := h.logger.With().
		Str("job", job).
		Str("request_id", middleware.GetRequestID(ctx)).
		Logger()

	acquired, err := h.locker.Acquire(ctx, job, day)
	if err != nil {
		log.Error().Err(err).Msg("cron lock unavailable")
		response.ServiceUnavailable(w, r, "cron lock unavailable")
		return
	}
	if !acquired {
		log.Info().Msg("job already ran today, skipping")
		response.JSON(w, r, http.StatusOK, models.CronResponse{Success: true, Job: job, Skipped: true})
		return
	}

	report, err := h.dispatcher.Dispatch(ctx, payload)
	if err != nil {
		// Give the day back so the scheduler's retry can run the job.
		if relErr := h.locker.Release(context.WithoutCancel(ctx), job, day); relErr != nil {
			log.Warn().Err(relErr).Msg("failed to release cron lock")
		}
		writeDispatchError(w, r, log, err)
		return
	}

	log.Info().
		Int("attempted", report.Attempted).
		Int("succeeded", report.Succeeded).
		Int("deactivated", report.Deactivated).
		Msg("scheduled broadcast complete")

	response.JSON(w, r, http.StatusOK, models.CronResponse{Success: true, Job: job, Report: report})
}
