// Package config loads Tarot Journal service configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	VAPID       VAPIDConfig       `mapstructure:"vapid"`
	Store       StoreConfig       `mapstructure:"store"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Cron        CronConfig        `mapstructure:"cron"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Redis       RedisConfig       `mapstructure:"redis"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	OTel        OTelConfig        `mapstructure:"otel"`
}

// AppConfig holds HTTP server settings.
type AppConfig struct {
	Port       string `mapstructure:"port"`
	Env        string `mapstructure:"env"`
	RequireTLS bool   `mapstructure:"require_tls"`
}

// VAPIDConfig holds the push provider signing credentials.
type VAPIDConfig struct {
	PublicKey  string `mapstructure:"public_key"`
	PrivateKey string `mapstructure:"private_key"`
	Subject    string `mapstructure:"subject"`
}

// StoreConfig holds the durable subscription store settings.
// An empty URI means the registry runs on its volatile tier only.
type StoreConfig struct {
	Driver         string        `mapstructure:"driver"`
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DispatchConfig holds fan-out settings.
type DispatchConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	TTL           time.Duration `mapstructure:"ttl"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Urgency       string        `mapstructure:"urgency"`
}

// ProviderConfig holds the resilient push provider client settings.
type ProviderConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries uint64        `mapstructure:"max_retries"`
}

// MaintenanceConfig holds subscription retention settings.
type MaintenanceConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// CronConfig holds the shared secret guarding cron triggers.
type CronConfig struct {
	Secret  string        `mapstructure:"secret"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// AuthConfig holds access token validation settings.
type AuthConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
	Issuer        string `mapstructure:"issuer"`
	Audience      string `mapstructure:"audience"`
}

// RedisConfig holds Redis connection settings for the cron lock.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds the worker's Pub/Sub subscription settings.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Subscription string `mapstructure:"subscription"`
}

// WorkerConfig holds cron schedules for background jobs. Empty disables a job.
type WorkerConfig struct {
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
	DailySchedule   string `mapstructure:"daily_schedule"`
	WeeklySchedule  string `mapstructure:"weekly_schedule"`
}

// OTelConfig holds OpenTelemetry exporter settings.
type OTelConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load reads configuration from config.yaml, a .env file and environment variables.
// Keys map to upper-case environment variables with underscores, so vapid.public_key
// is read from VAPID_PUBLIC_KEY.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	_ = godotenv.Load()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Aliases for the names the hosting platform already uses.
	_ = v.BindEnv("store.uri", "STORE_URI", "MONGODB_URI")
	_ = v.BindEnv("store.database", "STORE_DATABASE", "MONGODB_DB")
	_ = v.BindEnv("app.require_tls", "APP_REQUIRE_TLS", "REQUIRE_TLS")
	_ = v.BindEnv("otel.otlp_endpoint", "OTEL_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.require_tls", false)

	v.SetDefault("vapid.public_key", "")
	v.SetDefault("vapid.private_key", "")
	v.SetDefault("vapid.subject", "mailto:support@tarotjournal.app")

	v.SetDefault("store.driver", DriverMongo)
	v.SetDefault("store.uri", "")
	v.SetDefault("store.database", "tarot-journal")
	v.SetDefault("store.collection", "push_subscriptions")
	v.SetDefault("store.connect_timeout", "5s")

	v.SetDefault("dispatch.concurrency", 16)
	v.SetDefault("dispatch.send_timeout", "10s")
	v.SetDefault("dispatch.ttl", "24h")
	v.SetDefault("dispatch.rate_per_second", 0)
	v.SetDefault("dispatch.urgency", "normal")

	v.SetDefault("provider.timeout", "8s")
	v.SetDefault("provider.max_retries", 2)

	v.SetDefault("maintenance.retention", "720h") // 30 days

	v.SetDefault("cron.secret", "")
	v.SetDefault("cron.lock_ttl", "23h")

	v.SetDefault("auth.jwt_signing_key", "")
	v.SetDefault("auth.issuer", "https://tarotjournal.app")
	v.SetDefault("auth.audience", "tarotjournal-web")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.subscription", "push-jobs")

	v.SetDefault("worker.cleanup_schedule", "0 3 * * *")
	v.SetDefault("worker.daily_schedule", "")
	v.SetDefault("worker.weekly_schedule", "")

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.otlp_endpoint", "localhost:4317")
	v.SetDefault("otel.sample_ratio", 1.0)
}

// Validate checks settings that would otherwise fail late and obscurely.
// Missing VAPID keys are not an error here: dispatch reports them on use.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMongo, DriverPostgres:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverMongo, DriverPostgres, c.Store.Driver)
	}
	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be at least 1, got %d", c.Dispatch.Concurrency)
	}
	if c.Dispatch.SendTimeout <= 0 {
		return errors.New("dispatch.send_timeout must be positive")
	}
	if c.Maintenance.Retention <= 0 {
		return errors.New("maintenance.retention must be positive")
	}
	return nil
}

// VAPIDConfigured reports whether both signing keys are present.
func (c *Config) VAPIDConfigured() bool {
	return c.VAPID.PublicKey != "" && c.VAPID.PrivateKey != ""
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
