// Package maintenance reports push subsystem health and purges long-inactive subscriptions.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarotjournal/tarotjournal/internal/notification"
	"github.com/tarotjournal/tarotjournal/internal/provider/resilience"
	"github.com/tarotjournal/tarotjournal/internal/subscription"
)

// DefaultRetention is how long an inactive subscription is kept before purge.
const DefaultRetention = 30 * 24 * time.Hour

// VolatileNotice is included in every report while the volatile tier is serving.
const VolatileNotice = "subscriptions written while the durable store is unavailable are held in process memory and are lost on restart"

// Status is the overall health of the push subsystem.
type Status string

// Status values.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Registry is the subset of the subscription registry the reporter needs.
type Registry interface {
	Stats(ctx context.Context) (subscription.Stats, error)
	Ping(ctx context.Context) error
	HasDurable() bool
	Degraded() bool
	PurgeInactiveOlderThan(ctx context.Context, d time.Duration) (int, error)
}

// Configuration describes which settings are present. Secret values are never reported.
type Configuration struct {
	VAPIDPublicKey  bool   `json:"vapidPublicKey"`
	VAPIDPrivateKey bool   `json:"vapidPrivateKey"`
	VAPIDSubject    bool   `json:"vapidSubject"`
	StoreDriver     string `json:"storeDriver"`
	DurableStore    bool   `json:"durableStore"`
	DurableOnline   bool   `json:"durableOnline"`
	FallbackEngaged bool   `json:"fallbackEngaged"`
	ProviderClient  bool   `json:"providerClient"`
	Retention       string `json:"retention"`
}

// ProviderStatus is the circuit state of one push service host.
type ProviderStatus struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	Successes     uint64     `json:"successes"`
	Failures      uint64     `json:"failures"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// HealthReport is the result of Reporter.Health.
type HealthReport struct {
	Status        Status              `json:"status"`
	Issues        []string            `json:"issues"`
	Notes         []string            `json:"notes,omitempty"`
	Statistics    *subscription.Stats `json:"statistics,omitempty"`
	Configuration Configuration       `json:"configuration"`
	Providers     []ProviderStatus    `json:"providers,omitempty"`
	CheckedAt     time.Time           `json:"checkedAt"`
}

// CleanupResult is the result of Reporter.Cleanup.
type CleanupResult struct {
	Removed     int       `json:"removed"`
	Retention   string    `json:"retention"`
	Cutoff      time.Time `json:"cutoff"`
	CompletedAt time.Time `json:"completedAt"`
}

// Config holds configuration for creating a Reporter.
type Config struct {
	Registry    Registry
	Credentials notification.Credentials
	// Sender is nil when the push client could not be constructed.
	Sender notification.Sender
	// Providers tracks per-host circuit breakers. Optional.
	Providers   *resilience.Registry
	StoreDriver string
	// Retention is used when Cleanup is called with zero. Default: 30 days
	Retention time.Duration
	// PingTimeout bounds the durable store check. Default: 2s
	PingTimeout time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Reporter aggregates registry statistics and configuration completeness.
type Reporter struct {
	registry    Registry
	creds       notification.Credentials
	sender      notification.Sender
	providers   *resilience.Registry
	storeDriver string
	retention   time.Duration
	pingTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewReporter creates a reporter.
func NewReporter(cfg Config) *Reporter {
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Reporter{
		registry:    cfg.Registry,
		creds:       cfg.Credentials,
		sender:      cfg.Sender,
		providers:   cfg.Providers,
		storeDriver: cfg.StoreDriver,
		retention:   retention,
		pingTimeout: pingTimeout,
		logger:      cfg.Logger,
		now:         now,
	}
}

// Retention returns the default retention used by Cleanup.
func (r *Reporter) Retention() time.Duration {
	return r.retention
}

// Health checks configuration, the durable store and push service circuits.
// It never returns an error; problems are reported as issues.
func (r *Reporter) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Issues:    []string{},
		CheckedAt: r.now().UTC(),
	}
	status := StatusHealthy
	raise := func(s Status, issue string) {
		report.Issues = append(report.Issues, issue)
		if severity(s) > severity(status) {
			status = s
		}
	}

	cfg := Configuration{
		VAPIDPublicKey:  r.creds.PublicKey != "",
		VAPIDPrivateKey: r.creds.PrivateKey != "",
		VAPIDSubject:    r.creds.Subject != "",
		StoreDriver:     r.storeDriver,
		DurableStore:    r.registry.HasDurable(),
		ProviderClient:  r.sender != nil,
		Retention:       r.retention.String(),
	}
	if !cfg.DurableStore {
		cfg.StoreDriver = "none"
	}

	if !cfg.VAPIDPublicKey {
		raise(StatusUnhealthy, "VAPID_PUBLIC_KEY is not configured")
	}
	if !cfg.VAPIDPrivateKey {
		raise(StatusUnhealthy, "VAPID_PRIVATE_KEY is not configured")
	}
	if !cfg.VAPIDSubject {
		raise(StatusUnhealthy, "VAPID_SUBJECT is not configured")
	}
	if !cfg.ProviderClient {
		raise(StatusUnhealthy, "push client is not available")
	}

	if cfg.DurableStore {
		// Read before pinging so the check reflects the last data operation.
		degraded := r.registry.Degraded()

		pingCtx, cancel := context.WithTimeout(ctx, r.pingTimeout)
		err := r.registry.Ping(pingCtx)
		cancel()

		switch {
		case err != nil:
			cfg.FallbackEngaged = true
			raise(StatusDegraded, fmt.Sprintf("durable store unreachable, volatile fallback engaged: %v", err))
		case degraded:
			cfg.FallbackEngaged = true
			raise(StatusDegraded, "recent durable store operation failed, volatile fallback engaged")
		default:
			cfg.DurableOnline = true
		}
	} else {
		cfg.FallbackEngaged = true
		raise(StatusDegraded, "durable store is not configured, running on volatile storage")
	}

	stats, err := r.registry.Stats(ctx)
	if err != nil {
		raise(StatusDegraded, fmt.Sprintf("subscription statistics unavailable: %v", err))
	} else {
		report.Statistics = &stats
		if cfg.DurableStore && !cfg.FallbackEngaged && stats.Volatile > 0 {
			cfg.FallbackEngaged = true
			raise(StatusDegraded, fmt.Sprintf("%d subscriptions written during a durable store outage are held only in process memory", stats.Volatile))
		}
	}

	if cfg.FallbackEngaged || (report.Statistics != nil && report.Statistics.Volatile > 0) {
		report.Notes = append(report.Notes, VolatileNotice)
	}

	if r.providers != nil {
		summary := r.providers.Summarize()
		switch {
		case summary.Total > 0 && summary.Open == summary.Total:
			raise(StatusUnhealthy, "every push service circuit is open")
		case summary.Open > 0:
			raise(StatusDegraded, fmt.Sprintf("%d of %d push service circuits open", summary.Open, summary.Total))
		case summary.HalfOpen > 0:
			raise(StatusDegraded, fmt.Sprintf("%d of %d push service circuits recovering", summary.HalfOpen, summary.Total))
		}
		report.Providers = providerStatuses(r.providers)
	}

	report.Status = status
	report.Configuration = cfg

	evt := r.logger.Debug()
	if status != StatusHealthy {
		evt = r.logger.Warn()
	}
	evt.Str("status", string(status)).Strs("issues", report.Issues).Msg("push health checked")

	return report
}

// Cleanup purges subscriptions inactive for longer than retention.
// A zero retention uses the configured default.
func (r *Reporter) Cleanup(ctx context.Context, retention time.Duration) (*CleanupResult, error) {
	if retention <= 0 {
		retention = r.retention
	}

	start := r.now()
	removed, err := r.registry.PurgeInactiveOlderThan(ctx, retention)
	if err != nil {
		return nil, fmt.Errorf("purge inactive subscriptions: %w", err)
	}

	result := &CleanupResult{
		Removed:     removed,
		Retention:   retention.String(),
		Cutoff:      start.Add(-retention).UTC(),
		CompletedAt: r.now().UTC(),
	}

	r.logger.Info().
		Int("removed", removed).
		Dur("retention", retention).
		Msg("inactive subscriptions purged")

	return result, nil
}

func providerStatuses(reg *resilience.Registry) []ProviderStatus {
	all := reg.GetAllHealth()
	out := make([]ProviderStatus, 0, len(all))
	for _, h := range all {
		out = append(out, ProviderStatus{
			Name:          h.Name,
			State:         h.CircuitState.String(),
			Successes:     h.Successes,
			Failures:      h.Failures,
			LastSuccessAt: h.LastSuccessAt,
			LastFailureAt: h.LastFailureAt,
			LastError:     h.LastError,
		})
	}
	return out
}

func severity(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}
