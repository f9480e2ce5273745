package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DefaultCollection is the collection and table that hold subscription records.
const DefaultCollection = "push_subscriptions"

// mongoDocument is the persisted layout of a Record.
type mongoDocument struct {
	SubscriptionID string       `bson:"subscriptionId"`
	Endpoint       string       `bson:"endpoint"`
	Keys           Keys         `bson:"keys"`
	Subscription   Subscription `bson:"subscription"`
	UserID         string       `bson:"userId,omitempty"`
	CreatedAt      time.Time    `bson:"createdAt"`
	UpdatedAt      time.Time    `bson:"updatedAt"`
	IsActive       bool         `bson:"isActive"`
	DeactivatedAt  *time.Time   `bson:"deactivatedAt,omitempty"`
}

// DatabaseFunc resolves the database handle for an operation. It may dial.
type DatabaseFunc func(ctx context.Context) (*mongo.Database, error)

// StaticDatabase returns a DatabaseFunc for an already open handle.
func StaticDatabase(db *mongo.Database) DatabaseFunc {
	return func(context.Context) (*mongo.Database, error) {
		return db, nil
	}
}

// MongoTier is a MongoDB implementation of Tier.
// The handle is resolved per operation, so connection failures surface as
// operation errors and the registry falls back like for any other store error.
type MongoTier struct {
	database   DatabaseFunc
	collection string

	mu          sync.Mutex
	autoIndex   bool
	indexesDone bool
}

// NewMongoTier creates a tier over the named collection. An empty name uses DefaultCollection.
func NewMongoTier(database DatabaseFunc, collection string) *MongoTier {
	if collection == "" {
		collection = DefaultCollection
	}
	return &MongoTier{
		database:   database,
		collection: collection,
	}
}

// WithIndexes makes the first operation that reaches the server create the
// indexes. Until that succeeds every operation retries it.
func (t *MongoTier) WithIndexes() *MongoTier {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoIndex = true
	return t
}

func (t *MongoTier) coll(ctx context.Context) (*mongo.Collection, error) {
	db, err := t.database(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect subscription store: %w", err)
	}
	coll := db.Collection(t.collection)

	t.mu.Lock()
	pending := t.autoIndex && !t.indexesDone
	t.mu.Unlock()
	if pending {
		if err := t.createIndexes(ctx, coll); err != nil {
			return nil, err
		}
	}
	return coll, nil
}

var _ Tier = (*MongoTier)(nil)

// Name returns "mongo".
func (t *MongoTier) Name() string {
	return "mongo"
}

// EnsureIndexes creates the unique id index and the status index.
func (t *MongoTier) EnsureIndexes(ctx context.Context) error {
	db, err := t.database(ctx)
	if err != nil {
		return fmt.Errorf("connect subscription store: %w", err)
	}
	return t.createIndexes(ctx, db.Collection(t.collection))
}

func (t *MongoTier) createIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "subscriptionId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "isActive", Value: 1}, {Key: "deactivatedAt", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create subscription indexes: %w", err)
	}

	t.mu.Lock()
	t.indexesDone = true
	t.mu.Unlock()
	return nil
}

// Upsert atomically replaces the record by id. createdAt is only written on insert.
func (t *MongoTier) Upsert(ctx context.Context, rec *Record) error {
	coll, err := t.coll(ctx)
	if err != nil {
		return err
	}

	_, err = coll.UpdateOne(ctx,
		bson.M{"subscriptionId": rec.ID},
		upsertUpdate(rec),
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// upsertUpdate builds the update document for Upsert. A revived record loses
// deactivatedAt, and an anonymous resubscribe drops the previous owner.
func upsertUpdate(rec *Record) bson.M {
	set := bson.M{
		"subscriptionId": rec.ID,
		"endpoint":       rec.Subscription.Endpoint,
		"keys":           rec.Subscription.Keys,
		"subscription":   rec.Subscription,
		"updatedAt":      rec.UpdatedAt,
		"isActive":       true,
	}
	unset := bson.M{"deactivatedAt": ""}
	if rec.OwnerID != "" {
		set["userId"] = rec.OwnerID
	} else {
		unset["userId"] = ""
	}

	return bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"createdAt": rec.CreatedAt},
		"$unset":       unset,
	}
}

// Delete removes the record with id.
func (t *MongoTier) Delete(ctx context.Context, id string) (bool, error) {
	coll, err := t.coll(ctx)
	if err != nil {
		return false, err
	}

	res, err := coll.DeleteOne(ctx, bson.M{"subscriptionId": id})
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// Deactivate marks an active record inactive.
func (t *MongoTier) Deactivate(ctx context.Context, id string, at time.Time) (bool, error) {
	coll, err := t.coll(ctx)
	if err != nil {
		return false, err
	}

	res, err := coll.UpdateOne(ctx,
		bson.M{"subscriptionId": id, "isActive": true},
		bson.M{"$set": bson.M{
			"isActive":      false,
			"deactivatedAt": at,
			"updatedAt":     at,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// ListActive returns the stored subscription objects of all active records.
func (t *MongoTier) ListActive(ctx context.Context) ([]Subscription, error) {
	coll, err := t.coll(ctx)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx,
		bson.M{"isActive": true},
		options.Find().SetProjection(bson.M{"subscription": 1, "endpoint": 1, "keys": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("find active subscriptions: %w", err)
	}

	var docs []mongoDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode active subscriptions: %w", err)
	}

	subs := make([]Subscription, 0, len(docs))
	for i := range docs {
		subs = append(subs, docs[i].toSubscription())
	}
	return subs, nil
}

// Stats counts records.
func (t *MongoTier) Stats(ctx context.Context, recentSince time.Time) (Stats, error) {
	coll, err := t.coll(ctx)
	if err != nil {
		return Stats{}, err
	}

	active, err := coll.CountDocuments(ctx, bson.M{"isActive": true})
	if err != nil {
		return Stats{}, fmt.Errorf("count active subscriptions: %w", err)
	}

	inactive, err := coll.CountDocuments(ctx, bson.M{"isActive": false})
	if err != nil {
		return Stats{}, fmt.Errorf("count inactive subscriptions: %w", err)
	}

	recent, err := coll.CountDocuments(ctx, bson.M{"createdAt": bson.M{"$gte": recentSince}})
	if err != nil {
		return Stats{}, fmt.Errorf("count recent subscriptions: %w", err)
	}

	return Stats{
		Active:   int(active),
		Inactive: int(inactive),
		Recent:   int(recent),
		Total:    int(active + inactive),
		Tier:     t.Name(),
	}, nil
}

// PurgeInactive deletes inactive records deactivated before cutoff.
func (t *MongoTier) PurgeInactive(ctx context.Context, cutoff time.Time) (int, error) {
	coll, err := t.coll(ctx)
	if err != nil {
		return 0, err
	}

	res, err := coll.DeleteMany(ctx, purgeFilter(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge inactive subscriptions: %w", err)
	}
	return int(res.DeletedCount), nil
}

func purgeFilter(cutoff time.Time) bson.M {
	return bson.M{
		"isActive":      false,
		"deactivatedAt": bson.M{"$lt": cutoff},
	}
}

// Ping checks the primary is reachable.
func (t *MongoTier) Ping(ctx context.Context) error {
	db, err := t.database(ctx)
	if err != nil {
		return err
	}
	return db.Client().Ping(ctx, readpref.Primary())
}

// toSubscription prefers the verbatim subscription object and falls back to the
// top-level fields for documents written before it was stored.
func (d *mongoDocument) toSubscription() Subscription {
	if d.Subscription.Endpoint != "" {
		return d.Subscription
	}
	return Subscription{Endpoint: d.Endpoint, Keys: d.Keys}
}
