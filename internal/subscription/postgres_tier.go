package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTier is a PostgreSQL implementation of Tier.
// It expects the push_subscriptions table from database.PostgresSchema.
type PostgresTier struct {
	pool *pgxpool.Pool

	mu          sync.Mutex
	ensure      func(context.Context) error
	schemaReady bool
}

// NewPostgresTier creates a new PostgreSQL subscription tier.
func NewPostgresTier(pool *pgxpool.Pool) *PostgresTier {
	return &PostgresTier{pool: pool, schemaReady: true}
}

// WithSchema runs ensure before the first operation and retries it on every
// operation until it succeeds. The pool may be opened before the server is up.
func (t *PostgresTier) WithSchema(ensure func(context.Context) error) *PostgresTier {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure = ensure
	t.schemaReady = ensure == nil
	return t
}

func (t *PostgresTier) ready(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.schemaReady {
		return nil
	}
	if err := t.ensure(ctx); err != nil {
		return err
	}
	t.schemaReady = true
	return nil
}

var _ Tier = (*PostgresTier)(nil)

// Name returns "postgres".
func (t *PostgresTier) Name() string {
	return "postgres"
}

// Upsert replaces the record by id in one statement. created_at is kept on conflict.
func (t *PostgresTier) Upsert(ctx context.Context, rec *Record) error {
	if err := t.ready(ctx); err != nil {
		return err
	}

	query := `
		INSERT INTO push_subscriptions (
			subscription_id, endpoint, p256dh, auth, subscription, user_id,
			is_active, created_at, updated_at, deactivated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, NULL)
		ON CONFLICT (subscription_id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			subscription = EXCLUDED.subscription,
			user_id = EXCLUDED.user_id,
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at,
			deactivated_at = NULL
	`

	var ownerID *string
	if rec.OwnerID != "" {
		ownerID = &rec.OwnerID
	}

	_, err := t.pool.Exec(ctx, query,
		rec.ID,
		rec.Subscription.Endpoint,
		rec.Subscription.Keys.P256dh,
		rec.Subscription.Keys.Auth,
		rec.Subscription,
		ownerID,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// Delete removes the record with id.
func (t *PostgresTier) Delete(ctx context.Context, id string) (bool, error) {
	if err := t.ready(ctx); err != nil {
		return false, err
	}

	tag, err := t.pool.Exec(ctx, `DELETE FROM push_subscriptions WHERE subscription_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Deactivate marks an active record inactive.
func (t *PostgresTier) Deactivate(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := t.ready(ctx); err != nil {
		return false, err
	}

	query := `
		UPDATE push_subscriptions
		SET is_active = FALSE, deactivated_at = $2, updated_at = $2
		WHERE subscription_id = $1 AND is_active
	`

	tag, err := t.pool.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListActive returns the stored subscription objects of all active records.
func (t *PostgresTier) ListActive(ctx context.Context) ([]Subscription, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := t.pool.Query(ctx, `SELECT subscription FROM push_subscriptions WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("query active subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	return subs, nil
}

// Stats counts records.
func (t *PostgresTier) Stats(ctx context.Context, recentSince time.Time) (Stats, error) {
	if err := t.ready(ctx); err != nil {
		return Stats{}, err
	}

	query := `
		SELECT
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE NOT is_active),
			COUNT(*) FILTER (WHERE created_at >= $1)
		FROM push_subscriptions
	`

	var active, inactive, recent int
	if err := t.pool.QueryRow(ctx, query, recentSince).Scan(&active, &inactive, &recent); err != nil {
		return Stats{}, fmt.Errorf("count subscriptions: %w", err)
	}

	return Stats{
		Active:   active,
		Inactive: inactive,
		Recent:   recent,
		Total:    active + inactive,
		Tier:     t.Name(),
	}, nil
}

// PurgeInactive deletes inactive records deactivated before cutoff.
func (t *PostgresTier) PurgeInactive(ctx context.Context, cutoff time.Time) (int, error) {
	if err := t.ready(ctx); err != nil {
		return 0, err
	}

	tag, err := t.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE NOT is_active AND deactivated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge inactive subscriptions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks the pool can reach the server.
func (t *PostgresTier) Ping(ctx context.Context) error {
	return t.pool.Ping(ctx)
}
