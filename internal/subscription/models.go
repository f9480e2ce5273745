// Package subscription manages the set of browser push endpoints that receive notifications.
package subscription

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"
)

// ErrSubscriptionNotFound is returned when no record matches an endpoint.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Status is the lifecycle state of a stored subscription.
type Status string

// Subscription statuses.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Keys holds the push-protocol encryption material. Values are opaque.
type Keys struct {
	P256dh string `json:"p256dh" bson:"p256dh" validate:"required"`
	Auth   string `json:"auth" bson:"auth" validate:"required"`
}

// Subscription is the browser-issued push subscription object.
type Subscription struct {
	Endpoint string `json:"endpoint" bson:"endpoint" validate:"required"`
	Keys     Keys   `json:"keys" bson:"keys"`
}

// Record is a stored subscription with its lifecycle metadata.
// DeactivatedAt is non-nil exactly when Status is StatusInactive.
type Record struct {
	ID            string
	Subscription  Subscription
	OwnerID       string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeactivatedAt *time.Time
}

// Endpoint returns the record's push endpoint.
func (r *Record) Endpoint() string {
	return r.Subscription.Endpoint
}

// Stats summarizes the records held by a tier.
type Stats struct {
	Active   int    `json:"active"`
	Inactive int    `json:"inactive"`
	Recent   int    `json:"recent"`
	Total    int    `json:"total"`
	Tier     string `json:"tier"`
	// Volatile is the number of active records held only in process memory.
	Volatile int `json:"volatile"`
}

// RecentWindow is how far back a subscription counts as recent in Stats.
const RecentWindow = 7 * 24 * time.Hour

// ID returns the deterministic record identifier for an endpoint:
// the unpadded base64url encoding of its SHA-256 digest (43 characters).
func ID(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ShortEndpoint trims an endpoint for logging. Full endpoints act as bearer capabilities.
func ShortEndpoint(endpoint string) string {
	const keep = 48
	if len(endpoint) <= keep {
		return endpoint
	}
	return endpoint[:keep] + "..."
}

func copyRecord(r *Record) *Record {
	if r == nil {
		return nil
	}

	recordCopy := *r
	if r.DeactivatedAt != nil {
		val := *r.DeactivatedAt
		recordCopy.DeactivatedAt = &val
	}

	return &recordCopy
}
