// Package handler provides HTTP handlers for the push API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/tarotjournal/tarotjournal/internal/api/models"
	"github.com/tarotjournal/tarotjournal/internal/api/response"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	store     Pinger
}

// NewOpsHandler creates a new OpsHandler. store may be nil.
func NewOpsHandler(version, buildTime string, store Pinger) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		store:     store,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]any{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready. A registry running on its
// volatile tier still serves traffic, so store failures report DEGRADED.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.store.Ping(ctx); err != nil {
			health.Status = models.HealthStatusDegraded
			health.Details = map[string]any{"store": err.Error()}
		}
	}

	response.JSON(w, r, http.StatusOK, health)
}
