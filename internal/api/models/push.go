package models

import (
	"github.com/tarotjournal/tarotjournal/internal/maintenance"
	"github.com/tarotjournal/tarotjournal/internal/notification"
)

// SubscribeRequest is the browser PushSubscription as serialized by PushSubscription.toJSON().
type SubscribeRequest struct {
	Endpoint       string            `json:"endpoint"`
	ExpirationTime *int64            `json:"expirationTime,omitempty"`
	Keys           map[string]string `json:"keys"`
}

// SubscribeResponse is returned by POST /push/subscribe.
type SubscribeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// UnsubscribeResponse is returned by POST /push/unsubscribe.
type UnsubscribeResponse struct {
	Success bool `json:"success"`
	Removed bool `json:"removed"`
}

// SendRequest is the body of POST /push/send.
type SendRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// DispatchResponse wraps a dispatch report.
type DispatchResponse struct {
	Success bool                 `json:"success"`
	Report  *notification.Report `json:"report"`
}

// HealthActionRequest is the body of POST /push/health.
type HealthActionRequest struct {
	Action string `json:"action"`
	// RetentionDays overrides the purge window for cleanup-inactive.
	RetentionDays int `json:"retentionDays,omitempty"`
}

// Health actions.
const (
	HealthActionCleanup = "cleanup-inactive"
	HealthActionTest    = "test-notification"
)

// VAPIDKeyResponse is returned by GET /push/vapid-public-key.
type VAPIDKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

// CronResponse is returned by the cron triggers.
type CronResponse struct {
	Success bool                 `json:"success"`
	Job     string               `json:"job"`
	Skipped bool                 `json:"skipped,omitempty"`
	Report  *notification.Report `json:"report,omitempty"`
}

// CleanupResponse is returned by the cleanup-inactive health action.
type CleanupResponse struct {
	Success bool                       `json:"success"`
	Cleanup *maintenance.CleanupResult `json:"cleanup"`
}
