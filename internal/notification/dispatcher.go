package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tarotjournal/tarotjournal/internal/common"
	"github.com/tarotjournal/tarotjournal/internal/subscription"
)

// Dispatch defaults.
const (
	DefaultConcurrency = 16
	DefaultSendTimeout = 10 * time.Second
)

// Registry is the subscription store the dispatcher reads from and reports back to.
type Registry interface {
	GetAll(ctx context.Context) ([]subscription.Subscription, error)
	MarkInactive(ctx context.Context, sub subscription.Subscription)
}

// Failure is one failed send in a Report.
type Failure struct {
	Endpoint  string `json:"endpoint"`
	Error     string `json:"error"`
	Permanent bool   `json:"permanent"`
}

// Report is the outcome of one dispatch.
type Report struct {
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Deactivated int           `json:"deactivated"`
	Failures    []Failure     `json:"failures,omitempty"`
	Duration    time.Duration `json:"-"`
}

// Config holds configuration for creating a Dispatcher.
type Config struct {
	Credentials Credentials
	Registry    Registry
	Sender      Sender
	Logger      zerolog.Logger
	Metrics     *Metrics

	// Concurrency caps in-flight sends. Default: 16
	Concurrency int
	// SendTimeout bounds each send. Default: 10s
	SendTimeout time.Duration
	// RatePerSecond paces sends across the whole dispatch. Zero disables pacing.
	RatePerSecond float64

	// Now overrides the clock used for payload timestamps.
	Now func() time.Time
}

// Dispatcher fans a payload out to every active subscription.
type Dispatcher struct {
	creds       Credentials
	registry    Registry
	sender      Sender
	logger      zerolog.Logger
	metrics     *Metrics
	concurrency int
	sendTimeout time.Duration
	limiter     *rate.Limiter
	now         func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Dispatcher{
		creds:       cfg.Credentials,
		registry:    cfg.Registry,
		sender:      cfg.Sender,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		concurrency: concurrency,
		sendTimeout: sendTimeout,
		limiter:     limiter,
		now:         now,
	}
}

// Ready returns a ConfigurationError if dispatch cannot run.
func (d *Dispatcher) Ready() error {
	if err := d.creds.Validate(); err != nil {
		return err
	}
	if d.sender == nil {
		return common.NewConfigurationError("push sender", "not initialized")
	}
	return nil
}

// Dispatch sends payload to every active subscription and waits for all sends
// to settle. Subscriptions the push service reports as gone are marked inactive.
// Only missing configuration or an unreadable registry fails the whole call.
func (d *Dispatcher) Dispatch(ctx context.Context, payload Payload) (*Report, error) {
	if err := d.Ready(); err != nil {
		return nil, err
	}

	start := d.now()
	normalized := payload.Normalize(start)
	body, err := normalized.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	subs, err := d.registry.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	report := &Report{Attempted: len(subs)}
	if len(subs) == 0 {
		d.logger.Info().Str("tag", normalized.Tag).Msg("no active subscriptions, nothing to dispatch")
		return report, nil
	}

	d.logger.Info().
		Str("tag", normalized.Tag).
		Int("subscriptions", len(subs)).
		Int("concurrency", d.concurrency).
		Msg("dispatching notification")

	workers := min(d.concurrency, len(subs))
	subsChan := make(chan subscription.Subscription, len(subs))
	resultsChan := make(chan sendResult, len(subs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sendWorker(ctx, body, subsChan, resultsChan)
		}()
	}

	for _, s := range subs {
		subsChan <- s
	}
	close(subsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for res := range resultsChan {
		switch {
		case res.err == nil:
			report.Succeeded++
		default:
			report.Failed++
			if res.permanent {
				report.Deactivated++
			}
			report.Failures = append(report.Failures, Failure{
				Endpoint:  res.sub.Endpoint,
				Error:     res.err.Error(),
				Permanent: res.permanent,
			})
		}
	}

	report.Duration = d.now().Sub(start)
	d.metrics.recordDispatch(ctx, normalized.Tag, report.Attempted, report.Duration)

	d.logger.Info().
		Str("tag", normalized.Tag).
		Int("attempted", report.Attempted).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("deactivated", report.Deactivated).
		Dur("duration", report.Duration).
		Msg("notification dispatch completed")

	return report, nil
}

type sendResult struct {
	sub       subscription.Subscription
	err       error
	permanent bool
}

// sendWorker drains subs until the channel closes. Every subscription yields a
// result, including those skipped because ctx is done.
func (d *Dispatcher) sendWorker(ctx context.Context, body []byte, subs <-chan subscription.Subscription, results chan<- sendResult) {
	for sub := range subs {
		results <- d.sendOne(ctx, sub, body)
	}
}

func (d *Dispatcher) sendOne(ctx context.Context, sub subscription.Subscription, body []byte) sendResult {
	if err := ctx.Err(); err != nil {
		d.metrics.recordSend(ctx, outcomeTransient)
		return sendResult{sub: sub, err: common.NewTransientDeliveryError(0, "", err)}
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.metrics.recordSend(ctx, outcomeTransient)
			return sendResult{sub: sub, err: common.NewTransientDeliveryError(0, "", err)}
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	err := d.sender.Send(sendCtx, sub, body)
	if err == nil {
		d.metrics.recordSend(ctx, outcomeSuccess)
		return sendResult{sub: sub}
	}

	var de *common.DeliveryError
	if !errors.As(err, &de) {
		err = common.NewTransientDeliveryError(0, "", err)
	}

	if common.IsPermanentDelivery(err) {
		// The send context may be spent; deactivation must still land.
		d.registry.MarkInactive(context.WithoutCancel(ctx), sub)
		d.metrics.recordSend(ctx, outcomePermanent)
		d.logger.Info().
			Str("endpoint", subscription.ShortEndpoint(sub.Endpoint)).
			Err(err).
			Msg("push subscription gone, deactivated")
		return sendResult{sub: sub, err: err, permanent: true}
	}

	d.metrics.recordSend(ctx, outcomeTransient)
	d.logger.Warn().
		Str("endpoint", subscription.ShortEndpoint(sub.Endpoint)).
		Err(err).
		Msg("push send failed")
	return sendResult{sub: sub, err: err}
}
