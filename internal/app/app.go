// Package app builds the push subsystem's components from configuration.
// Both the API server and the worker start from the same Services.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/tarotjournal/tarotjournal/internal/auth"
	"github.com/tarotjournal/tarotjournal/internal/config"
	"github.com/tarotjournal/tarotjournal/internal/cronlock"
	"github.com/tarotjournal/tarotjournal/internal/database"
	"github.com/tarotjournal/tarotjournal/internal/maintenance"
	"github.com/tarotjournal/tarotjournal/internal/notification"
	"github.com/tarotjournal/tarotjournal/internal/provider/resilience"
	"github.com/tarotjournal/tarotjournal/internal/subscription"
)

// Services holds the wired components.
type Services struct {
	Registry    *subscription.Registry
	Providers   *resilience.Registry
	Credentials notification.Credentials
	Dispatcher  *notification.Dispatcher
	Reporter    *maintenance.Reporter
	Locker      cronlock.Locker
	Tokens      *auth.JWTService

	closers []func(context.Context)
}

// New wires the registry, dispatcher, reporter, cron lock and token validator.
// The durable store connects on first use, so an unreachable server at
// startup only routes writes to the volatile tier until it comes back.
// Telemetry must be initialized first so the dispatcher's instruments bind
// to the real meter provider.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Services, error) {
	s := &Services{}

	durable, err := s.openDurable(ctx, cfg.Store, logger)
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	s.Registry = subscription.NewRegistry(durable, logger)

	s.Providers = resilience.NewRegistry()
	clientCfg := resilience.DefaultClientConfig("web-push")
	if cfg.Provider.Timeout > 0 {
		clientCfg.Timeout = cfg.Provider.Timeout
	}
	clientCfg.MaxRetries = cfg.Provider.MaxRetries
	clientCfg.Registry = s.Providers
	clientCfg.Logger = logger

	s.Credentials = notification.Credentials{
		PublicKey:  cfg.VAPID.PublicKey,
		PrivateKey: cfg.VAPID.PrivateKey,
		Subject:    cfg.VAPID.Subject,
	}
	sender := notification.NewWebPushSender(notification.WebPushSenderConfig{
		Credentials: s.Credentials,
		HTTPClient:  resilience.NewHostPool("web-push", clientCfg),
		TTL:         cfg.Dispatch.TTL,
		Urgency:     cfg.Dispatch.Urgency,
	})

	metrics, err := notification.NewMetrics()
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("creating dispatch metrics: %w", err)
	}

	s.Dispatcher = notification.NewDispatcher(notification.Config{
		Credentials:   s.Credentials,
		Registry:      s.Registry,
		Sender:        sender,
		Logger:        logger,
		Metrics:       metrics,
		Concurrency:   cfg.Dispatch.Concurrency,
		SendTimeout:   cfg.Dispatch.SendTimeout,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
	})

	s.Reporter = maintenance.NewReporter(maintenance.Config{
		Registry:    s.Registry,
		Credentials: s.Credentials,
		Sender:      sender,
		Providers:   s.Providers,
		StoreDriver: cfg.Store.Driver,
		Retention:   cfg.Maintenance.Retention,
		Logger:      logger,
	})

	s.Locker = s.openLocker(ctx, cfg, logger)

	if cfg.Auth.JWTSigningKey != "" {
		s.Tokens = auth.NewJWTService(auth.JWTConfig{
			SigningKey: cfg.Auth.JWTSigningKey,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		})
	}

	return s, nil
}

// Close releases store and lock connections.
func (s *Services) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i](ctx)
	}
	s.closers = nil
}

// openDurable returns nil without error when no store URI is configured.
// Neither driver dials here. Only a malformed URI or driver is an error.
func (s *Services) openDurable(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (subscription.Tier, error) {
	if cfg.URI == "" {
		logger.Warn().Msg("no durable store configured, subscriptions are kept in memory")
		return nil, nil
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := database.Open(ctx, database.ConfigFromURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) { pool.Close() })
		logger.Info().Str("driver", cfg.Driver).Msg("durable store configured")
		return subscription.NewPostgresTier(pool).WithSchema(func(ctx context.Context) error {
			return database.EnsurePostgresSchema(ctx, pool)
		}), nil

	case config.DriverMongo, "":
		connector := database.NewMongoConnector(cfg.ConnectTimeout, logger)
		s.closers = append(s.closers, connector.Reset)
		logger.Info().Str("driver", config.DriverMongo).Msg("durable store configured")
		return subscription.NewMongoTier(connector.Lazy(cfg.URI, cfg.Database), cfg.Collection).WithIndexes(), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (s *Services) openLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) cronlock.Locker {
	if cfg.Redis.Address == "" {
		return cronlock.NewMemoryLocker(cfg.Cron.LockTTL)
	}

	owner, err := os.Hostname()
	if err != nil || owner == "" {
		owner = "tarotjournal"
	}

	client := cronlock.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	locker := cronlock.NewRedisLocker(client, cfg.Cron.LockTTL, owner)
	if err := locker.Ping(ctx); err != nil {
		logger.Warn().Err(err).Str("address", cfg.Redis.Address).Msg("redis unreachable, cron triggers will fail until it recovers")
	}
	s.closers = append(s.closers, func(context.Context) {
		if err := locker.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis close failed")
		}
	})
	return locker
}
