package notification

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/tarotjournal/tarotjournal/internal/notification"

// Outcomes recorded per send.
const (
	outcomeSuccess   = "success"
	outcomePermanent = "permanent"
	outcomeTransient = "transient"
)

// Metrics holds the dispatch instruments.
type Metrics struct {
	sends            metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	fanout           metric.Int64Histogram
}

// NewMetrics creates dispatch instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	sends, err := meter.Int64Counter(
		"push.sends",
		metric.WithDescription("Push sends by outcome"),
		metric.WithUnit("{send}"),
	)
	if err != nil {
		return nil, err
	}

	dispatchDuration, err := meter.Float64Histogram(
		"push.dispatch.duration",
		metric.WithDescription("Duration of a full dispatch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	fanout, err := meter.Int64Histogram(
		"push.dispatch.fanout",
		metric.WithDescription("Subscriptions targeted per dispatch"),
		metric.WithUnit("{subscription}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sends:            sends,
		dispatchDuration: dispatchDuration,
		fanout:           fanout,
	}, nil
}

func (m *Metrics) recordSend(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sends.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) recordDispatch(ctx context.Context, tag string, attempted int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tag", tag))
	m.dispatchDuration.Record(ctx, d.Seconds(), attrs)
	m.fanout.Record(ctx, int64(attempted), attrs)
}
