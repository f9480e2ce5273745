package subscription_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarotjournal/tarotjournal/internal/database"
	"github.com/tarotjournal/tarotjournal/internal/subscription"
)

const postgresDSNEnv = "TAROTJOURNAL_TEST_POSTGRES_DSN"

func newPostgresTier(t *testing.T) (*subscription.PostgresTier, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, database.ConfigFromURI(dsn))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.EnsurePostgresSchema(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE push_subscriptions`)
	require.NoError(t, err)

	return subscription.NewPostgresTier(pool), pool
}

func TestPostgresTier_UpsertKeepsCreatedAt(t *testing.T) {
	tier, pool := newPostgresTier(t)
	ctx := context.Background()

	first := record("https://push.example/a", "user-1")
	require.NoError(t, tier.Upsert(ctx, first))

	again := record("https://push.example/a", "")
	again.CreatedAt = first.CreatedAt.Add(time.Hour)
	again.UpdatedAt = again.CreatedAt
	again.Subscription.Keys.P256dh = "rotated"
	require.NoError(t, tier.Upsert(ctx, again))

	var (
		createdAt time.Time
		userID    *string
		p256dh    string
		active    bool
	)
	err := pool.QueryRow(ctx,
		`SELECT created_at, user_id, p256dh, is_active FROM push_subscriptions WHERE subscription_id = $1`,
		first.ID,
	).Scan(&createdAt, &userID, &p256dh, &active)
	require.NoError(t, err)

	assert.True(t, createdAt.Equal(first.CreatedAt))
	assert.Nil(t, userID)
	assert.Equal(t, "rotated", p256dh)
	assert.True(t, active)

	subs, err := tier.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "rotated", subs[0].Keys.P256dh)
}

func TestPostgresTier_DeactivateAndPurge(t *testing.T) {
	tier, _ := newPostgresTier(t)
	ctx := context.Background()

	old := record("https://push.example/old", "")
	live := record("https://push.example/live", "")
	require.NoError(t, tier.Upsert(ctx, old))
	require.NoError(t, tier.Upsert(ctx, live))

	at := old.CreatedAt.Add(time.Hour)
	found, err := tier.Deactivate(ctx, old.ID, at)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = tier.Deactivate(ctx, old.ID, at)
	require.NoError(t, err)
	assert.False(t, found)

	stats, err := tier.Stats(ctx, old.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Inactive)
	assert.Equal(t, 2, stats.Recent)
	assert.Equal(t, "postgres", stats.Tier)

	removed, err := tier.PurgeInactive(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = tier.PurgeInactive(ctx, at.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	deleted, err := tier.Delete(ctx, live.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	subs, err := tier.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestPostgresTier_WithSchemaRetries(t *testing.T) {
	_, pool := newPostgresTier(t)
	ctx := context.Background()

	calls := 0
	tier := subscription.NewPostgresTier(pool).WithSchema(func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return assert.AnError
		}
		return database.EnsurePostgresSchema(ctx, pool)
	})

	_, err := tier.ListActive(ctx)
	require.ErrorIs(t, err, assert.AnError)

	_, err = tier.ListActive(ctx)
	require.NoError(t, err)
	_, err = tier.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
