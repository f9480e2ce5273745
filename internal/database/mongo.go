package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tarotjournal/tarotjournal/internal/common"
)

// DefaultConnectTimeout bounds the initial connect and ping.
const DefaultConnectTimeout = 5 * time.Second

// MongoDialer opens a client for uri and verifies it is usable.
type MongoDialer func(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error)

// MongoOption configures a MongoConnector.
type MongoOption func(*MongoConnector)

// WithMongoDialer replaces the connect-and-ping dialer.
func WithMongoDialer(dial MongoDialer) MongoOption {
	return func(c *MongoConnector) {
		c.dial = dial
	}
}

// MongoConnector hands out a process-wide MongoDB handle.
// The first Connect for a given uri/database opens and pings a client; later calls
// return the cached handle without touching the network. After a failed dial,
// calls inside the backoff window fail fast with the last dial error.
type MongoConnector struct {
	mu             sync.Mutex
	client         *mongo.Client
	db             *mongo.Database
	uri            string
	dbName         string
	connectTimeout time.Duration
	dial           MongoDialer
	logger         zerolog.Logger

	retry    *backoff.ExponentialBackOff
	retryAt  time.Time
	dialErr  error
	attempts int
}

// NewMongoConnector creates a connector. A zero timeout uses DefaultConnectTimeout.
func NewMongoConnector(connectTimeout time.Duration, logger zerolog.Logger, opts ...MongoOption) *MongoConnector {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0

	c := &MongoConnector{
		connectTimeout: connectTimeout,
		dial:           dialMongo,
		logger:         logger,
		retry:          retry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func dialMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// Connect returns the database handle for uri and dbName.
// An empty uri is a configuration error. Connecting to a different uri or database
// replaces the cached client.
func (c *MongoConnector) Connect(ctx context.Context, uri, dbName string) (*mongo.Database, error) {
	if uri == "" {
		return nil, common.NewConfigurationError("STORE_URI", "")
	}
	if dbName == "" {
		return nil, common.NewConfigurationError("STORE_DATABASE", "")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil && c.uri == uri && c.dbName == dbName {
		return c.db, nil
	}

	if c.client != nil {
		c.disconnectLocked(ctx)
	}

	if c.dialErr != nil && time.Now().Before(c.retryAt) {
		return nil, fmt.Errorf("mongodb unavailable, next attempt at %s: %w",
			c.retryAt.UTC().Format(time.RFC3339), c.dialErr)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	c.attempts++
	client, err := c.dial(connectCtx, uri, c.connectTimeout)
	if err != nil {
		c.dialErr = err
		c.retryAt = time.Now().Add(c.retry.NextBackOff())
		c.logger.Warn().Err(err).Time("next_attempt", c.retryAt).Msg("mongodb connect failed")
		return nil, err
	}
	c.dialErr = nil
	c.retry.Reset()

	c.client = client
	c.db = client.Database(dbName)
	c.uri = uri
	c.dbName = dbName

	c.logger.Info().Str("database", dbName).Msg("connected to mongodb")

	return c.db, nil
}

// Lazy returns a function that resolves the handle through Connect on every call,
// so a server that is down at startup is retried on later operations.
func (c *MongoConnector) Lazy(uri, dbName string) func(context.Context) (*mongo.Database, error) {
	return func(ctx context.Context) (*mongo.Database, error) {
		return c.Connect(ctx, uri, dbName)
	}
}

// Connected reports whether a handle is cached.
func (c *MongoConnector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db != nil
}

// Attempts returns how many times the connector has dialed.
func (c *MongoConnector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Reset disconnects and drops the cached client so the next Connect opens a fresh one.
// It also clears any pending backoff.
func (c *MongoConnector) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked(ctx)
	c.dialErr = nil
	c.retryAt = time.Time{}
	c.retry.Reset()
}

func (c *MongoConnector) disconnectLocked(ctx context.Context) {
	if c.client == nil {
		return
	}
	if err := c.client.Disconnect(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("mongodb disconnect failed")
	}
	c.client = nil
	c.db = nil
	c.uri = ""
	c.dbName = ""
}
