// Package cronlock keeps a scheduled broadcast from running twice on the same day.
package cronlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL covers one daily run with room for clock skew.
const DefaultTTL = 23 * time.Hour

// Locker claims a job for a calendar day.
type Locker interface {
	// Acquire returns true if the caller now holds the lock for job on day.
	Acquire(ctx context.Context, job string, day time.Time) (bool, error)
	// Release gives the lock back so a later trigger can retry.
	Release(ctx context.Context, job string, day time.Time) error
}

// Key returns the lock key for job on the UTC day of at.
func Key(job string, at time.Time) string {
	return fmt.Sprintf("cron:%s:%s", job, at.UTC().Format("2006-01-02"))
}

var _ Locker = (*RedisLocker)(nil)

// RedisLocker stores locks in Redis so every instance shares them.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
}

// NewRedisClient creates a Redis client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisLocker creates a Redis-backed locker. owner is stored as the lock value.
func NewRedisLocker(client *redis.Client, ttl time.Duration, owner string) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, ttl: ttl, owner: owner}
}

// Acquire sets the key only if it does not exist.
func (l *RedisLocker) Acquire(ctx context.Context, job string, day time.Time) (bool, error) {
	ok, err := l.client.SetNX(ctx, Key(job, day), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring cron lock: %w", err)
	}
	return ok, nil
}

// Release deletes the key.
func (l *RedisLocker) Release(ctx context.Context, job string, day time.Time) error {
	if err := l.client.Del(ctx, Key(job, day)).Err(); err != nil {
		return fmt.Errorf("releasing cron lock: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

var _ Locker = (*MemoryLocker)(nil)

// MemoryLocker holds locks in process memory. It only deduplicates triggers
// that reach the same instance.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLocker{
		locks: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// WithClock overrides the time source used for expiry.
func (l *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	l.now = now
	return l
}

// Acquire claims the key unless an unexpired claim exists.
func (l *MemoryLocker) Acquire(_ context.Context, job string, day time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, exp := range l.locks {
		if !now.Before(exp) {
			delete(l.locks, k)
		}
	}

	key := Key(job, day)
	if _, held := l.locks[key]; held {
		return false, nil
	}
	l.locks[key] = now.Add(l.ttl)
	return true, nil
}

// Release drops the claim.
func (l *MemoryLocker) Release(_ context.Context, job string, day time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, Key(job, day))
	return nil
}
