package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarotjournal/tarotjournal/internal/api/middleware"
	"github.com/tarotjournal/tarotjournal/internal/api/models"
	"github.com/tarotjournal/tarotjournal/internal/api/response"
	"github.com/tarotjournal/tarotjournal/internal/common"
	"github.com/tarotjournal/tarotjournal/internal/maintenance"
	"github.com/tarotjournal/tarotjournal/internal/notification"
	"github.com/tarotjournal/tarotjournal/internal/subscription"
)

// maxBodyBytes caps request bodies on the push routes.
const maxBodyBytes = 64 << 10

// Subscriptions stores and removes browser subscriptions.
type Subscriptions interface {
	Add(ctx context.Context, sub subscription.Subscription, ownerID string) (bool, error)
	Remove(ctx context.Context, sub subscription.Subscription) (bool, error)
}

// Dispatcher broadcasts a payload to every active subscription.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload notification.Payload) (*notification.Report, error)
}

// HealthReporter reports subsystem health and purges stale subscriptions.
type HealthReporter interface {
	Health(ctx context.Context) *maintenance.HealthReport
	Cleanup(ctx context.Context, retention time.Duration) (*maintenance.CleanupResult, error)
}

// PushHandlerConfig holds configuration for creating a PushHandler.
type PushHandlerConfig struct {
	Subscriptions  Subscriptions
	Dispatcher     Dispatcher
	Reporter       HealthReporter
	VAPIDPublicKey string
	Logger         zerolog.Logger
}

// PushHandler handles the /push endpoints.
type PushHandler struct {
	subscriptions Subscriptions
	dispatcher    Dispatcher
	reporter      HealthReporter
	publicKey     string
	logger        zerolog.Logger
}

// NewPushHandler creates a new PushHandler.
func NewPushHandler(cfg PushHandlerConfig) *PushHandler {
	return &PushHandler{
		subscriptions: cfg.Subscriptions,
		dispatcher:    cfg.Dispatcher,
		reporter:      cfg.Reporter,
		publicKey:     cfg.VAPIDPublicKey,
		logger:        cfg.Logger,
	}
}

// Subscribe handles POST /push/subscribe.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var input models.SubscribeRequest
	if err := decodeJSON(w, r, &input); err != nil {
		response.BadRequest(w, r, "invalid subscription", nil)
		return
	}

	sub := toSubscription(input)
	if _, err := h.subscriptions.Add(r.Context(), sub, middleware.GetUserID(r.Context())); err != nil {
		var verr *common.ValidationError
		if errors.As(err, &verr) {
			response.BadRequest(w, r, "invalid subscription", fieldErrors(verr))
			return
		}
		h.logger.Error().Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("endpoint", subscription.ShortEndpoint(sub.Endpoint)).
			Msg("failed to store subscription")
		response.InternalError(w, r, "failed to store subscription")
		return
	}

	response.Created(w, r, models.SubscribeResponse{
		Success: true,
		Message: "subscription stored",
	})
}

// Unsubscribe handles POST /push/unsubscribe.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var input models.SubscribeRequest
	if err := decodeJSON(w, r, &input); err != nil {
		response.BadRequest(w, r, "invalid subscription", nil)
		return
	}

	removed, err := h.subscriptions.Remove(r.Context(), toSubscription(input))
	if err != nil {
		var verr *common.ValidationError
		if errors.As(err, &verr) {
			response.BadRequest(w, r, "invalid subscription", fieldErrors(verr))
			return
		}
		h.logger.Error().Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Msg("failed to remove subscription")
		response.InternalError(w, r, "failed to remove subscription")
		return
	}

	response.JSON(w, r, http.StatusOK, models.UnsubscribeResponse{
		Success: true,
		Removed: removed,
	})
}

// Send handles POST /push/send.
func (h *PushHandler) Send(w http.ResponseWriter, r *http.Request) {
	var input models.SendRequest
	if err := decodeJSON(w, r, &input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	payload, err := notification.FromRequest(input.Type, input.Data)
	if err != nil {
		var verr *common.ValidationError
		if errors.As(err, &verr) {
			response.BadRequest(w, r, verr.Message, fieldErrors(verr))
			return
		}
		response.BadRequest(w, r, err.Error(), nil)
		return
	}

	h.dispatch(w, r, payload)
}

// Health handles GET /push/health.
func (h *PushHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.reporter.Health(r.Context())

	status := http.StatusOK
	if report.Status == maintenance.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, report)
}

// HealthAction handles POST /push/health.
func (h *PushHandler) HealthAction(w http.ResponseWriter, r *http.Request) {
	var input models.HealthActionRequest
	if err := decodeJSON(w, r, &input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	switch input.Action {
	case models.HealthActionCleanup:
		if input.RetentionDays < 0 {
			response.BadRequest(w, r, "retentionDays must not be negative", []models.FieldError{
				{Field: "retentionDays", Message: "must not be negative", Code: "MIN"},
			})
			return
		}
		retention := time.Duration(input.RetentionDays) * 24 * time.Hour

		result, err := h.reporter.Cleanup(r.Context(), retention)
		if err != nil {
			h.logger.Error().Err(err).
				Str("request_id", middleware.GetRequestID(r.Context())).
				Msg("cleanup failed")
			response.InternalError(w, r, "cleanup failed")
			return
		}
		response.JSON(w, r, http.StatusOK, models.CleanupResponse{Success: true, Cleanup: result})

	case models.HealthActionTest:
		h.dispatch(w, r, notification.TestNotification())

	default:
		response.BadRequest(w, r, "unknown action", []models.FieldError{
			{Field: "action", Message: "must be cleanup-inactive or test-notification", Code: "ONE_OF"},
		})
	}
}

// VAPIDPublicKey handles GET /push/vapid-public-key.
func (h *PushHandler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.publicKey == "" {
		response.NotFound(w, r, "VAPID public key is not configured")
		return
	}
	response.JSON(w, r, http.StatusOK, models.VAPIDKeyResponse{PublicKey: h.publicKey})
}

func (h *PushHandler) dispatch(w http.ResponseWriter, r *http.Request, payload notification.Payload) {
	report, err := h.dispatcher.Dispatch(r.Context(), payload)
	if err != nil {
		writeDispatchError(w, r, h.logger, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.DispatchResponse{Success: true, Report: report})
}

// writeDispatchError maps a dispatch failure to a problem response.
func writeDispatchError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	logger.Error().Err(err).
		Str("request_id", middleware.GetRequestID(r.Context())).
		Msg("dispatch failed")

	if common.IsConfiguration(err) {
		response.ServiceUnavailable(w, r, "push notifications are not configured")
		return
	}
	response.InternalError(w, r, "failed to send notifications")
}

func toSubscription(in models.SubscribeRequest) subscription.Subscription {
	return subscription.Subscription{
		Endpoint: in.Endpoint,
		Keys: subscription.Keys{
			P256dh: in.Keys["p256dh"],
			Auth:   in.Keys["auth"],
		},
	}
}

func fieldErrors(verr *common.ValidationError) []models.FieldError {
	if verr.Field == "" {
		return nil
	}
	return []models.FieldError{{Field: verr.Field, Message: verr.Message}}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
