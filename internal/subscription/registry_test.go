package subscription_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarotjournal/tarotjournal/internal/common"
	"github.com/tarotjournal/tarotjournal/internal/subscription"
)

var errStoreDown = errors.New("connection refused")

// failingTier fails every operation.
type failingTier struct{}

func (failingTier) Name() string { return "mongo" }
func (failingTier) Upsert(context.Context, *subscription.Record) error {
	return errStoreDown
}
func (failingTier) Delete(context.Context, string) (bool, error) { return false, errStoreDown }
func (failingTier) Deactivate(context.Context, string, time.Time) (bool, error) {
	return false, errStoreDown
}
func (failingTier) ListActive(context.Context) ([]subscription.Subscription, error) {
	return nil, errStoreDown
}
func (failingTier) Stats(context.Context, time.Time) (subscription.Stats, error) {
	return subscription.Stats{}, errStoreDown
}
func (failingTier) PurgeInactive(context.Context, time.Time) (int, error) { return 0, errStoreDown }
func (failingTier) Ping(context.Context) error                          { return errStoreDown }

// durableMemory is a MemoryTier posing as the durable tier.
type durableMemory struct {
	*subscription.MemoryTier
}

func (durableMemory) Name() string { return "mongo" }

// writeFailTier is a durable MemoryTier whose writes fail while down is set.
// Reads and pings keep working.
type writeFailTier struct {
	*subscription.MemoryTier
	down atomic.Bool
}

func (t *writeFailTier) Name() string { return "mongo" }

func (t *writeFailTier) Upsert(ctx context.Context, rec *subscription.Record) error {
	if t.down.Load() {
		return errStoreDown
	}
	return t.MemoryTier.Upsert(ctx, rec)
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sub(endpoint, p256dh string) subscription.Subscription {
	return subscription.Subscription{
		Endpoint: endpoint,
		Keys:     subscription.Keys{P256dh: p256dh, Auth: "auth-secret"},
	}
}

func TestRegistry_AddDeduplicatesByEndpoint(t *testing.T) {
	ctx := context.Background()
	durable := durableMemory{subscription.NewMemoryTier()}
	clock := newTestClock()
	reg := subscription.NewRegistry(durable, zerolog.Nop(), subscription.WithClock(clock.Now))

	ok, err := reg.Add(ctx, sub("https://push.example/abc", "key-1"), "")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Hour)
	ok, err = reg.Add(ctx, sub("https://push.example/abc", "key-2"), "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "key-2", all[0].Keys.P256dh)

	rec, err := durable.Get(ctx, subscription.ID("https://push.example/abc"))
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Equal(t, "user-1", rec.OwnerID)
	assert.Equal(t, clock.Now().Add(-time.Hour), rec.CreatedAt)
	assert.Equal(t, clock.Now(), rec.UpdatedAt)
	assert.False(t, reg.Degraded())
}

func TestRegistry_AddRevivesInactive(t *testing.T) {
	ctx := context.Background()
	durable := durableMemory{subscription.NewMemoryTier()}
	reg := subscription.NewRegistry(durable, zerolog.Nop())
	s := sub("https://push.example/revive", "key")

	_, err := reg.Add(ctx, s, "")
	require.NoError(t, err)
	reg.MarkInactive(ctx, s)

	count, err := reg.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = reg.Add(ctx, s, "")
	require.NoError(t, err)

	rec, err := durable.Get(ctx, subscription.ID(s.Endpoint))
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Nil(t, rec.DeactivatedAt)
}

func TestRegistry_AddValidation(t *testing.T) {
	reg := subscription.NewRegistry(nil, zerolog.Nop())

	tests := []struct {
		name  string
		sub   subscription.Subscription
		field string
	}{
		{"missing endpoint", subscription.Subscription{Keys: subscription.Keys{P256dh: "p", Auth: "a"}}, "endpoint"},
		{"missing p256dh", sub("https://push.example/x", ""), "keys.p256dh"},
		{"missing auth", subscription.Subscription{Endpoint: "https://push.example/x", Keys: subscription.Keys{P256dh: "p"}}, "keys.auth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := reg.Add(context.Background(), tt.sub, "")
			require.Error(t, err)
			assert.False(t, ok)

			var verr *common.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	count, err := reg.GetCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRegistry_RemoveIsHardDelete(t *testing.T) {
	ctx := context.Background()
	reg := subscription.NewRegistry(durableMemory{subscription.NewMemoryTier()}, zerolog.Nop())
	s := sub("https://push.example/gone", "key")

	_, err := reg.Add(ctx, s, "")
	require.NoError(t, err)

	removed, err := reg.Remove(ctx, s)
	require.NoError(t, err)
	assert.True(t, removed)

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	removed, err = reg.Remove(ctx, s)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRegistry_FallbackWhenDurableFails(t *testing.T) {
	ctx := context.Background()
	reg := subscription.NewRegistry(failingTier{}, zerolog.Nop())

	ok, err := reg.Add(ctx, sub("https://push.example/abc", "key"), "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, reg.Degraded())

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "https://push.example/abc", all[0].Endpoint)

	count, err := reg.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "volatile", stats.Tier)
	assert.Equal(t, 1, stats.Volatile)

	_, lastErr := reg.LastDurableFailure()
	assert.ErrorIs(t, lastErr, errStoreDown)

	removed, err := reg.Remove(ctx, sub("https://push.example/abc", "key"))
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestRegistry_NoDurableTier(t *testing.T) {
	ctx := context.Background()
	reg := subscription.NewRegistry(nil, zerolog.Nop())

	_, err := reg.Add(ctx, sub("https://push.example/a", "key"), "")
	require.NoError(t, err)

	assert.False(t, reg.HasDurable())
	assert.False(t, reg.Degraded())
	assert.True(t, common.IsConfiguration(reg.Ping(ctx)))

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Volatile)
	assert.Equal(t, "volatile", stats.Tier)
}

func TestRegistry_BothTiersFail(t *testing.T) {
	ctx := context.Background()
	reg := subscription.NewRegistry(failingTier{}, zerolog.Nop(), subscription.WithVolatileTier(failingTier{}))

	ok, err := reg.Add(ctx, sub("https://push.example/a", "key"), "")
	assert.False(t, ok)

	var storeErr *common.StoreUnavailableError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "add", storeErr.Operation)

	_, err = reg.GetAll(ctx)
	require.ErrorAs(t, err, &storeErr)

	_, err = reg.Remove(ctx, sub("https://push.example/a", "key"))
	require.Error(t, err)

	assert.NotPanics(t, func() {
		reg.MarkInactive(ctx, sub("https://push.example/a", "key"))
	})
}

func TestRegistry_MarkInactive(t *testing.T) {
	ctx := context.Background()
	durable := durableMemory{subscription.NewMemoryTier()}
	clock := newTestClock()
	reg := subscription.NewRegistry(durable, zerolog.Nop(), subscription.WithClock(clock.Now))
	s := sub("https://push.example/inactive", "key")

	_, err := reg.Add(ctx, s, "")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	reg.MarkInactive(ctx, s)

	rec, err := durable.Get(ctx, subscription.ID(s.Endpoint))
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusInactive, rec.Status)
	require.NotNil(t, rec.DeactivatedAt)
	assert.Equal(t, clock.Now(), *rec.DeactivatedAt)

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Inactive)

	// Unknown endpoints are ignored.
	assert.NotPanics(t, func() {
		reg.MarkInactive(ctx, sub("https://push.example/unknown", "key"))
	})
}

func TestRegistry_MarkInactiveConcurrent(t *testing.T) {
	ctx := context.Background()
	reg := subscription.NewRegistry(durableMemory{subscription.NewMemoryTier()}, zerolog.Nop())
	s := sub("https://push.example/race", "key")

	_, err := reg.Add(ctx, s, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.MarkInactive(ctx, s)
		}()
	}
	wg.Wait()

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inactive)
	assert.Equal(t, 0, stats.Active)
}

func TestRegistry_PurgeInactiveOlderThan(t *testing.T) {
	const retention = 30 * 24 * time.Hour

	tests := []struct {
		name    string
		elapsed time.Duration
		removed int
	}{
		{"before retention", retention - time.Second, 0},
		{"after retention", retention + time.Second, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newTestClock()
			reg := subscription.NewRegistry(durableMemory{subscription.NewMemoryTier()}, zerolog.Nop(),
				subscription.WithClock(clock.Now))

			inactive := sub("https://push.example/old", "key")
			active := sub("https://push.example/live", "key")
			_, err := reg.Add(ctx, inactive, "")
			require.NoError(t, err)
			_, err = reg.Add(ctx, active, "")
			require.NoError(t, err)

			markedAt := clock.Now()
			reg.MarkInactive(ctx, inactive)

			clock.Set(markedAt.Add(tt.elapsed))
			removed, err := reg.PurgeInactiveOlderThan(ctx, retention)
			require.NoError(t, err)
			assert.Equal(t, tt.removed, removed)

			stats, err := reg.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Active)
			assert.Equal(t, 1-tt.removed, stats.Inactive)
		})
	}
}

func TestRegistry_PurgeReachesVolatileTier(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	reg := subscription.NewRegistry(failingTier{}, zerolog.Nop(), subscription.WithClock(clock.Now))
	s := sub("https://push.example/volatile", "key")

	_, err := reg.Add(ctx, s, "")
	require.NoError(t, err)
	reg.MarkInactive(ctx, s)

	clock.Advance(48 * time.Hour)
	removed, err := reg.PurgeInactiveOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestRegistry_StatsRecent(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	reg := subscription.NewRegistry(nil, zerolog.Nop(), subscription.WithClock(clock.Now))

	_, err := reg.Add(ctx, sub("https://push.example/old", "key"), "")
	require.NoError(t, err)

	clock.Advance(10 * 24 * time.Hour)
	_, err = reg.Add(ctx, sub("https://push.example/new", "key"), "")
	require.NoError(t, err)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Recent)
	assert.Equal(t, 2, stats.Total)
}

func TestRegistry_OpaqueEndpointAccepted(t *testing.T) {
	ctx := context.Background()
	reg := subscription.NewRegistry(nil, zerolog.Nop())

	ok, err := reg.Add(ctx, sub("urn:push:device-7f3a", "key"), "")
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "urn:push:device-7f3a", all[0].Endpoint)
}

func TestRegistry_PingKeepsDegraded(t *testing.T) {
	ctx := context.Background()
	durable := &writeFailTier{MemoryTier: subscription.NewMemoryTier()}
	reg := subscription.NewRegistry(durable, zerolog.Nop())

	durable.down.Store(true)
	_, err := reg.Add(ctx, sub("https://push.example/outage", "key"), "")
	require.NoError(t, err)
	require.True(t, reg.Degraded())

	require.NoError(t, reg.Ping(ctx))
	assert.True(t, reg.Degraded())

	_, lastErr := reg.LastDurableFailure()
	assert.ErrorIs(t, lastErr, errStoreDown)
}

func TestRegistry_GetAllAfterRecoveryIncludesVolatile(t *testing.T) {
	ctx := context.Background()
	durable := &writeFailTier{MemoryTier: subscription.NewMemoryTier()}
	reg := subscription.NewRegistry(durable, zerolog.Nop())

	durable.down.Store(true)
	_, err := reg.Add(ctx, sub("https://push.example/outage", "key"), "")
	require.NoError(t, err)

	durable.down.Store(false)
	_, err = reg.Add(ctx, sub("https://push.example/steady", "key"), "")
	require.NoError(t, err)
	assert.False(t, reg.Degraded())

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	endpoints := make([]string, 0, len(all))
	for _, s := range all {
		endpoints = append(endpoints, s.Endpoint)
	}
	assert.ElementsMatch(t, []string{"https://push.example/outage", "https://push.example/steady"}, endpoints)

	count, err := reg.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Volatile)
}

func TestRegistry_GetAllDeduplicatesAcrossTiers(t *testing.T) {
	ctx := context.Background()
	durable := &writeFailTier{MemoryTier: subscription.NewMemoryTier()}
	reg := subscription.NewRegistry(durable, zerolog.Nop())
	s := sub("https://push.example/both", "key")

	durable.down.Store(true)
	_, err := reg.Add(ctx, s, "")
	require.NoError(t, err)

	durable.down.Store(false)
	_, err = reg.Add(ctx, s, "")
	require.NoError(t, err)

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
