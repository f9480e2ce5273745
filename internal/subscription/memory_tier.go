package subscription

import (
	"context"
	"sync"
	"time"
)

// MemoryTier is an in-process Tier. It backs the registry when the durable store
// is missing or failing, and its contents are lost on restart.
type MemoryTier struct {
	mu      sync.RWMutex
	records map[string]*Record // keyed by subscription ID
}

// NewMemoryTier creates an empty in-memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{
		records: make(map[string]*Record),
	}
}

// Name returns "volatile".
func (t *MemoryTier) Name() string {
	return "volatile"
}

// Upsert stores rec as active, keeping CreatedAt of an existing record.
func (t *MemoryTier) Upsert(_ context.Context, rec *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored := copyRecord(rec)
	stored.Status = StatusActive
	stored.DeactivatedAt = nil
	if existing, ok := t.records[rec.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}

	t.records[rec.ID] = stored
	return nil
}

// Delete removes the record with id.
func (t *MemoryTier) Delete(_ context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[id]; !ok {
		return false, nil
	}
	delete(t.records, id)
	return true, nil
}

// Deactivate marks an active record inactive.
func (t *MemoryTier) Deactivate(_ context.Context, id string, at time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok || rec.Status != StatusActive {
		return false, nil
	}

	rec.Status = StatusInactive
	rec.UpdatedAt = at
	rec.DeactivatedAt = &at
	return true, nil
}

// ListActive returns all active subscriptions.
func (t *MemoryTier) ListActive(_ context.Context) ([]Subscription, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := make([]Subscription, 0, len(t.records))
	for _, rec := range t.records {
		if rec.Status == StatusActive {
			subs = append(subs, rec.Subscription)
		}
	}
	return subs, nil
}

// Stats counts records.
func (t *MemoryTier) Stats(_ context.Context, recentSince time.Time) (Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{Tier: t.Name()}
	for _, rec := range t.records {
		if rec.Status == StatusActive {
			stats.Active++
		} else {
			stats.Inactive++
		}
		if !rec.CreatedAt.Before(recentSince) {
			stats.Recent++
		}
	}
	stats.Total = stats.Active + stats.Inactive
	return stats, nil
}

// PurgeInactive deletes inactive records deactivated before cutoff.
func (t *MemoryTier) PurgeInactive(_ context.Context, cutoff time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, rec := range t.records {
		if rec.Status == StatusInactive && rec.DeactivatedAt != nil && rec.DeactivatedAt.Before(cutoff) {
			delete(t.records, id)
			removed++
		}
	}
	return removed, nil
}

// Ping always succeeds.
func (t *MemoryTier) Ping(context.Context) error {
	return nil
}

// Get returns a copy of the record with id.
func (t *MemoryTier) Get(_ context.Context, id string) (*Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copyRecord(rec), nil
}
