package subscription

import (
	"context"
	"time"
)

// Tier is one storage layer of the registry. The durable and volatile tiers
// implement the same interface and are selected by the Registry.
type Tier interface {
	// Name identifies the tier in logs, errors and stats.
	Name() string

	// Upsert stores rec under rec.ID as active, replacing any existing record
	// but keeping the existing CreatedAt.
	Upsert(ctx context.Context, rec *Record) error

	// Delete removes the record with id. Returns false if none existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Deactivate marks an active record inactive as of at.
	// Returns false if no active record with id exists.
	Deactivate(ctx context.Context, id string, at time.Time) (bool, error)

	// ListActive returns the subscription objects of all active records.
	ListActive(ctx context.Context) ([]Subscription, error)

	// Stats counts records. Recent counts records created at or after recentSince.
	Stats(ctx context.Context, recentSince time.Time) (Stats, error)

	// PurgeInactive deletes inactive records deactivated strictly before cutoff.
	PurgeInactive(ctx context.Context, cutoff time.Time) (int, error)

	// Ping checks the tier is reachable.
	Ping(ctx context.Context) error
}
