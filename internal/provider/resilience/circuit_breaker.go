// Package resilience provides the HTTP transport used to reach push services:
// per-host circuit breakers, timeouts and retries, plus a health registry.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Breaker thresholds for one push service host. A broadcast sends many
// requests to the same host in a short burst, so the ratio rule only applies
// once a burst has produced tripMinRequests outcomes.
const (
	tripConsecutiveFailures = 5
	tripMinRequests         = 10
	tripFailureRatio        = 0.5

	halfOpenDeliveries = 3
	openPeriod         = 30 * time.Second
	countWindow        = 2 * time.Minute
)

// CircuitBreakerConfig configures the breaker guarding one push service host.
type CircuitBreakerConfig struct {
	// Name is the host label shown in health reports and logs.
	Name string

	// MaxRequests is how many trial deliveries a half-open breaker lets through.
	// Default: 3
	MaxRequests uint32

	// Interval clears the counts of a closed breaker, so failures from an
	// earlier broadcast do not count against the next one.
	// Default: 2 minutes
	Interval time.Duration

	// Timeout is how long the breaker stays open before trial deliveries.
	// Default: 30 seconds
	Timeout time.Duration

	// ReadyToTrip decides when the host is considered down.
	// If nil, uses DefaultReadyToTrip.
	ReadyToTrip func(counts gobreaker.Counts) bool

	// IsSuccessful decides whether an error counts against the host.
	// If nil, uses CountsAgainstHost.
	IsSuccessful func(err error) bool

	// OnStateChange is called when the breaker changes state.
	OnStateChange func(name string, from gobreaker.State, to gobreaker.State)
}

// DefaultCircuitBreakerConfig returns the breaker settings for a push service host.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  halfOpenDeliveries,
		Interval:     countWindow,
		Timeout:      openPeriod,
		ReadyToTrip:  DefaultReadyToTrip,
		IsSuccessful: CountsAgainstHost,
	}
}

// DefaultReadyToTrip opens the breaker after 5 consecutive failed deliveries,
// or once 10 deliveries in the current window have failed at 50% or more.
func DefaultReadyToTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures >= tripConsecutiveFailures {
		return true
	}
	if counts.Requests < tripMinRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= tripFailureRatio
}

// CountsAgainstHost reports err as a success when the dispatch was cancelled
// by the caller. Timeouts and server errors still count against the host.
func CountsAgainstHost(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// NewCircuitBreaker creates a breaker from cfg.
func NewCircuitBreaker[T any](cfg CircuitBreakerConfig) *gobreaker.CircuitBreaker[T] {
	settings := gobreaker.Settings{
		Name:         cfg.Name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		ReadyToTrip:  cfg.ReadyToTrip,
		IsSuccessful: cfg.IsSuccessful,
	}

	if cfg.OnStateChange != nil {
		settings.OnStateChange = cfg.OnStateChange
	}

	return gobreaker.NewCircuitBreaker[T](settings)
}
