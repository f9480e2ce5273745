package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/tarotjournal/tarotjournal/internal/subscription"
)

const mongoNamespace = "tarotjournal.push_subscriptions"

var badValue = mtest.CommandError{Code: 2, Name: "BadValue", Message: "rejected"}

func newMockTier(mt *mtest.T) *subscription.MongoTier {
	return subscription.NewMongoTier(subscription.StaticDatabase(mt.DB), "")
}

func record(endpoint, owner string) *subscription.Record {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &subscription.Record{
		ID:           subscription.ID(endpoint),
		Subscription: sub(endpoint, "p256dh-key"),
		OwnerID:      owner,
		Status:       subscription.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestMongoTier_Upsert(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("upserted", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "x"}}}},
		))

		err := newMockTier(mt).Upsert(context.Background(), record("https://push.example/a", "user-1"))
		require.NoError(mt, err)
	})

	mt.Run("server error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(badValue))

		err := newMockTier(mt).Upsert(context.Background(), record("https://push.example/a", ""))
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "upsert subscription")
	})
}

func TestMongoTier_Delete(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	tests := []struct {
		name    string
		n       int
		removed bool
	}{
		{"found", 1, true},
		{"not found", 0, false},
	}

	for _, tt := range tests {
		mt.Run(tt.name, func(mt *mtest.T) {
			mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: tt.n}))

			removed, err := newMockTier(mt).Delete(context.Background(), subscription.ID("https://push.example/a"))
			require.NoError(mt, err)
			assert.Equal(mt, tt.removed, removed)
		})
	}
}

func TestMongoTier_Deactivate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		n     int
		found bool
	}{
		{"active record", 1, true},
		{"already inactive or absent", 0, false},
	}

	for _, tt := range tests {
		mt.Run(tt.name, func(mt *mtest.T) {
			mt.AddMockResponses(mtest.CreateSuccessResponse(
				bson.E{Key: "n", Value: tt.n},
				bson.E{Key: "nModified", Value: tt.n},
			))

			found, err := newMockTier(mt).Deactivate(context.Background(), subscription.ID("https://push.example/a"), at)
			require.NoError(mt, err)
			assert.Equal(mt, tt.found, found)
		})
	}

	mt.Run("server error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(badValue))

		_, err := newMockTier(mt).Deactivate(context.Background(), "id", at)
		require.Error(mt, err)
	})
}

func TestMongoTier_ListActive(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("stored subscription object", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mongoNamespace, mtest.FirstBatch,
			bson.D{
				{Key: "endpoint", Value: "https://push.example/a"},
				{Key: "keys", Value: bson.D{{Key: "p256dh", Value: "top-level"}, {Key: "auth", Value: "top-level"}}},
				{Key: "subscription", Value: bson.D{
					{Key: "endpoint", Value: "https://push.example/a"},
					{Key: "keys", Value: bson.D{{Key: "p256dh", Value: "p256dh-key"}, {Key: "auth", Value: "auth-secret"}}},
				}},
			},
			bson.D{
				{Key: "subscription", Value: bson.D{
					{Key: "endpoint", Value: "https://push.example/b"},
					{Key: "keys", Value: bson.D{{Key: "p256dh", Value: "p256dh-key"}, {Key: "auth", Value: "auth-secret"}}},
				}},
			},
		))

		subs, err := newMockTier(mt).ListActive(context.Background())
		require.NoError(mt, err)
		assert.Equal(mt, []subscription.Subscription{
			sub("https://push.example/a", "p256dh-key"),
			sub("https://push.example/b", "p256dh-key"),
		}, subs)
	})

	mt.Run("legacy document without subscription object", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mongoNamespace, mtest.FirstBatch,
			bson.D{
				{Key: "endpoint", Value: "https://push.example/legacy"},
				{Key: "keys", Value: bson.D{{Key: "p256dh", Value: "p256dh-key"}, {Key: "auth", Value: "auth-secret"}}},
			},
		))

		subs, err := newMockTier(mt).ListActive(context.Background())
		require.NoError(mt, err)
		require.Len(mt, subs, 1)
		assert.Equal(mt, sub("https://push.example/legacy", "p256dh-key"), subs[0])
	})

	mt.Run("empty", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mongoNamespace, mtest.FirstBatch))

		subs, err := newMockTier(mt).ListActive(context.Background())
		require.NoError(mt, err)
		assert.Empty(mt, subs)
	})
}

func TestMongoTier_Stats(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("counts", func(mt *mtest.T) {
		count := func(n int32) bson.D {
			return mtest.CreateCursorResponse(0, mongoNamespace, mtest.FirstBatch, bson.D{{Key: "n", Value: n}})
		}
		mt.AddMockResponses(count(3), count(2), count(1))

		stats, err := newMockTier(mt).Stats(context.Background(), time.Now().Add(-subscription.RecentWindow))
		require.NoError(mt, err)
		assert.Equal(mt, subscription.Stats{
			Active:   3,
			Inactive: 2,
			Recent:   1,
			Total:    5,
			Tier:     "mongo",
		}, stats)
	})

	mt.Run("server error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(badValue))

		_, err := newMockTier(mt).Stats(context.Background(), time.Now())
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "count active subscriptions")
	})
}

func TestMongoTier_PurgeInactive(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("removes matched records", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 4}))

		removed, err := newMockTier(mt).PurgeInactive(context.Background(), time.Now().Add(-30*24*time.Hour))
		require.NoError(mt, err)
		assert.Equal(mt, 4, removed)
	})
}

func TestMongoTier_Ping(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("reachable", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		require.NoError(mt, newMockTier(mt).Ping(context.Background()))
	})
}

func TestMongoTier_WithIndexes(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("created once before the first write", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		tier := newMockTier(mt).WithIndexes()
		require.NoError(mt, tier.Upsert(context.Background(), record("https://push.example/a", "")))

		removed, err := tier.Delete(context.Background(), subscription.ID("https://push.example/a"))
		require.NoError(mt, err)
		assert.True(mt, removed)
	})

	mt.Run("failure blocks the operation", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(badValue))

		err := newMockTier(mt).WithIndexes().Upsert(context.Background(), record("https://push.example/a", ""))
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "create subscription indexes")
	})
}

func TestMongoTier_UnavailableDatabase(t *testing.T) {
	dialErr := errors.New("server selection timeout")
	tier := subscription.NewMongoTier(func(context.Context) (*mongo.Database, error) {
		return nil, dialErr
	}, "")
	ctx := context.Background()

	require.ErrorIs(t, tier.Upsert(ctx, record("https://push.example/a", "")), dialErr)
	require.ErrorIs(t, tier.Ping(ctx), dialErr)
	require.ErrorIs(t, tier.EnsureIndexes(ctx), dialErr)

	_, err := tier.ListActive(ctx)
	require.ErrorIs(t, err, dialErr)
	_, err = tier.Stats(ctx, time.Now())
	require.ErrorIs(t, err, dialErr)
	_, err = tier.PurgeInactive(ctx, time.Now())
	require.ErrorIs(t, err, dialErr)
}

func TestMongoTier_RegistryFallsBackUntilReachable(t *testing.T) {
	var reachable *mongo.Database
	dialErr := errors.New("server selection timeout")
	tier := subscription.NewMongoTier(func(context.Context) (*mongo.Database, error) {
		if reachable == nil {
			return nil, dialErr
		}
		return reachable, nil
	}, "")

	reg := subscription.NewRegistry(tier, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, reg.HasDurable())
	ok, err := reg.Add(ctx, sub("https://push.example/outage", "key"), "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, reg.Degraded())

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "volatile", stats.Tier)
	assert.Equal(t, 1, stats.Volatile)

	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	mt.Run("after recovery", func(mt *mtest.T) {
		reachable = mt.DB
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mongoNamespace, mtest.FirstBatch,
			bson.D{{Key: "subscription", Value: bson.D{
				{Key: "endpoint", Value: "https://push.example/steady"},
				{Key: "keys", Value: bson.D{{Key: "p256dh", Value: "key"}, {Key: "auth", Value: "auth-secret"}}},
			}}},
		))

		all, err := reg.GetAll(ctx)
		require.NoError(mt, err)
		assert.False(mt, reg.Degraded())
		assert.Len(mt, all, 2)
	})
}
