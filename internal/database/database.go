// Package database provides connection management for the durable subscription store.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tarotjournal/tarotjournal/internal/common"
)

// Config holds PostgreSQL pool configuration.
type Config struct {
	URI             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// ConfigFromURI creates a pool Config for a postgres:// URI with service defaults.
func ConfigFromURI(uri string) Config {
	return Config{
		URI:             uri,
		MaxConns:        10,
		MinConns:        1,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Connect creates a new PostgreSQL connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pool, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Open creates a PostgreSQL connection pool without contacting the server.
// Connections are established on first use, so a server that is down at
// startup is picked up once it comes back.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.URI == "" {
		return nil, common.NewConfigurationError("STORE_URI", "")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	return pool, nil
}

// PostgresSchema creates the push_subscriptions table when it does not exist.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS push_subscriptions (
	subscription_id TEXT PRIMARY KEY,
	endpoint        TEXT NOT NULL,
	p256dh          TEXT NOT NULL,
	auth            TEXT NOT NULL,
	subscription    JSONB NOT NULL,
	user_id         TEXT,
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	deactivated_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS push_subscriptions_active_idx ON push_subscriptions (is_active);
CREATE INDEX IF NOT EXISTS push_subscriptions_deactivated_idx ON push_subscriptions (deactivated_at) WHERE NOT is_active;
`

// EnsurePostgresSchema applies PostgresSchema.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("create push_subscriptions table: %w", err)
	}
	return nil
}
