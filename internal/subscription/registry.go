package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/tarotjournal/tarotjournal/internal/common"
)

// Registry is the source of truth for which endpoints receive notifications.
//
// Every operation runs against the durable tier first. When the durable tier is
// absent or returns an error, the operation runs against the volatile tier instead.
// The tiers are never reconciled: records written to the volatile tier during an
// outage live only as long as the process. GetAll reads both tiers so those
// records are still delivered to once the durable tier is back.
type Registry struct {
	durable  Tier
	volatile Tier
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	lastFailure time.Time
	lastErr     error
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithVolatileTier replaces the in-memory fallback tier.
func WithVolatileTier(t Tier) Option {
	return func(r *Registry) {
		r.volatile = t
	}
}

// NewRegistry creates a registry. A nil durable tier runs the registry on the
// volatile tier for the life of the process.
func NewRegistry(durable Tier, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		durable:  durable,
		volatile: NewMemoryTier(),
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add validates sub and stores it as active, replacing any record for the same endpoint.
// It returns true once either tier has accepted the write.
func (r *Registry) Add(ctx context.Context, sub Subscription, ownerID string) (bool, error) {
	if err := r.Validate(sub); err != nil {
		return false, err
	}

	now := r.now()
	rec := &Record{
		ID:           ID(sub.Endpoint),
		Subscription: sub,
		OwnerID:      ownerID,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := r.withFallback(ctx, "add", func(t Tier) error {
		return t.Upsert(ctx, rec)
	})
	if err != nil {
		return false, err
	}

	r.logger.Debug().
		Str("subscription_id", rec.ID).
		Str("endpoint", ShortEndpoint(sub.Endpoint)).
		Bool("owned", ownerID != "").
		Msg("subscription stored")

	return true, nil
}

// Remove hard-deletes the record for sub.Endpoint from whichever tier holds it.
// Returns false when neither tier had it.
func (r *Registry) Remove(ctx context.Context, sub Subscription) (bool, error) {
	if sub.Endpoint == "" {
		return false, common.NewValidationError("endpoint", "is required")
	}
	id := ID(sub.Endpoint)

	found, err := r.eachTier(ctx, "remove", func(t Tier) (bool, error) {
		return t.Delete(ctx, id)
	})
	if err != nil {
		return false, err
	}

	r.logger.Debug().
		Str("subscription_id", id).
		Bool("removed", found).
		Msg("subscription removed")

	return found, nil
}

// MarkInactive deactivates the record for sub.Endpoint. Absent records are ignored.
// It never fails: storage errors are logged.
func (r *Registry) MarkInactive(ctx context.Context, sub Subscription) {
	id := ID(sub.Endpoint)
	at := r.now()

	found, err := r.eachTier(ctx, "mark_inactive", func(t Tier) (bool, error) {
		return t.Deactivate(ctx, id, at)
	})
	if err != nil {
		r.logger.Error().Err(err).
			Str("subscription_id", id).
			Msg("failed to mark subscription inactive")
		return
	}

	if found {
		r.logger.Info().
			Str("subscription_id", id).
			Str("endpoint", ShortEndpoint(sub.Endpoint)).
			Msg("subscription marked inactive")
	}
}

// GetAll returns the subscription objects of every active record, in no particular order.
// When the durable tier answers, active records held only by the volatile tier
// are appended so subscriptions written during an outage keep receiving
// notifications after the durable tier recovers.
func (r *Registry) GetAll(ctx context.Context) ([]Subscription, error) {
	if r.durable == nil {
		return r.listVolatile(ctx, nil)
	}

	subs, err := r.durable.ListActive(ctx)
	if err != nil {
		r.fallback(ctx, "get_all", err)
		return r.listVolatile(ctx, err)
	}
	r.recordSuccess()

	held, err := r.volatile.ListActive(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("operation", "get_all").Msg("volatile tier operation failed")
		return subs, nil
	}
	if len(held) == 0 {
		return subs, nil
	}

	seen := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		seen[sub.Endpoint] = struct{}{}
	}
	for _, sub := range held {
		if _, ok := seen[sub.Endpoint]; ok {
			continue
		}
		seen[sub.Endpoint] = struct{}{}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (r *Registry) listVolatile(ctx context.Context, durableErr error) ([]Subscription, error) {
	subs, err := r.volatile.ListActive(ctx)
	if err != nil {
		return nil, common.NewStoreUnavailableError(r.volatile.Name(), "get_all", errors.Join(durableErr, err))
	}
	return subs, nil
}

// GetCount returns the number of distinct active endpoints GetAll would return.
func (r *Registry) GetCount(ctx context.Context) (int, error) {
	subs, err := r.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

// PurgeInactiveOlderThan hard-deletes inactive records deactivated more than d ago
// from both tiers and returns how many were removed.
func (r *Registry) PurgeInactiveOlderThan(ctx context.Context, d time.Duration) (int, error) {
	cutoff := r.now().Add(-d)
	total := 0

	_, err := r.eachTier(ctx, "purge_inactive", func(t Tier) (bool, error) {
		n, err := t.PurgeInactive(ctx, cutoff)
		total += n
		return n > 0, err
	})
	if err != nil {
		return total, err
	}

	r.logger.Info().
		Int("removed", total).
		Dur("retention", d).
		Msg("purged inactive subscriptions")

	return total, nil
}

// Stats returns record counts from the durable tier, or from the volatile tier
// when the durable tier is absent or failing. Volatile is always the volatile
// tier's active count.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	recentSince := r.now().Add(-RecentWindow)

	var stats Stats
	err := r.withFallback(ctx, "stats", func(t Tier) error {
		var err error
		stats, err = t.Stats(ctx, recentSince)
		return err
	})
	if err != nil {
		return Stats{}, err
	}

	if r.durable == nil {
		stats.Volatile = stats.Active
		return stats, nil
	}

	if volatile, err := r.volatile.Stats(ctx, recentSince); err == nil {
		stats.Volatile = volatile.Active
	}
	return stats, nil
}

// Ping checks the durable tier. It returns a configuration error when no durable
// tier is configured. A successful ping leaves Degraded unchanged: only a
// successful data operation clears the last failure.
func (r *Registry) Ping(ctx context.Context) error {
	if r.durable == nil {
		return common.NewConfigurationError("STORE_URI", "")
	}
	if err := r.durable.Ping(ctx); err != nil {
		r.recordFailure(err)
		return common.NewStoreUnavailableError(r.durable.Name(), "ping", err)
	}
	return nil
}

// HasDurable reports whether a durable tier is configured.
func (r *Registry) HasDurable() bool {
	return r.durable != nil
}

// Degraded reports whether the most recent durable operation failed and the
// registry is serving from the volatile tier.
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr != nil
}

// LastDurableFailure returns when the most recent durable failure happened and its error.
// The error is nil once a later durable operation succeeds.
func (r *Registry) LastDurableFailure() (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastFailure, r.lastErr
}

// Validate checks sub has an endpoint and both keys.
func (r *Registry) Validate(sub Subscription) error {
	if err := r.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return common.NewValidationError(fieldName(verrs[0]), validationMessage(verrs[0]))
		}
		return common.NewValidationError("", "invalid subscription")
	}
	return nil
}

// withFallback runs fn against the durable tier, then against the volatile tier
// when the durable tier is absent or fails.
func (r *Registry) withFallback(ctx context.Context, op string, fn func(Tier) error) error {
	var durableErr error
	if r.durable != nil {
		durableErr = fn(r.durable)
		if durableErr == nil {
			r.recordSuccess()
			return nil
		}
		r.fallback(ctx, op, durableErr)
	}

	if err := fn(r.volatile); err != nil {
		return common.NewStoreUnavailableError(r.volatile.Name(), op, errors.Join(durableErr, err))
	}
	return nil
}

// eachTier runs fn against the durable tier and then always against the volatile
// tier, for operations that must reach a record in whichever tier holds it.
// found is true when fn reported a hit in either tier.
func (r *Registry) eachTier(ctx context.Context, op string, fn func(Tier) (bool, error)) (bool, error) {
	var (
		found      bool
		durableErr error
	)
	if r.durable != nil {
		found, durableErr = fn(r.durable)
		if durableErr == nil {
			r.recordSuccess()
		} else {
			r.fallback(ctx, op, durableErr)
		}
	}

	volatileFound, err := fn(r.volatile)
	if err != nil {
		if durableErr != nil {
			return false, common.NewStoreUnavailableError(r.volatile.Name(), op, errors.Join(durableErr, err))
		}
		r.logger.Warn().Err(err).Str("operation", op).Msg("volatile tier operation failed")
	}

	return found || volatileFound, nil
}

func (r *Registry) fallback(ctx context.Context, op string, err error) {
	r.recordFailure(err)

	storeErr := common.NewStoreUnavailableError(r.durable.Name(), op, err)
	r.logger.Warn().
		Err(storeErr).
		Str("operation", op).
		Bool("context_done", ctx.Err() != nil).
		Msg("durable store unavailable, using volatile tier")
}

func (r *Registry) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = nil
}

func (r *Registry) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFailure = r.now()
	r.lastErr = err
}

func fieldName(fe validator.FieldError) string {
	switch fe.StructField() {
	case "Endpoint":
		return "endpoint"
	case "P256dh":
		return "keys.p256dh"
	case "Auth":
		return "keys.auth"
	default:
		return fe.Field()
	}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	default:
		return "is invalid"
	}
}
