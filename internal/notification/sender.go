package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/tarotjournal/tarotjournal/internal/common"
	"github.com/tarotjournal/tarotjournal/internal/provider/resilience"
	"github.com/tarotjournal/tarotjournal/internal/subscription"
)

// Credentials are the VAPID signing credentials.
type Credentials struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Validate returns a ConfigurationError naming the first missing setting.
func (c Credentials) Validate() error {
	switch {
	case c.PublicKey == "":
		return common.NewConfigurationError("VAPID_PUBLIC_KEY", "")
	case c.PrivateKey == "":
		return common.NewConfigurationError("VAPID_PRIVATE_KEY", "")
	case c.Subject == "":
		return common.NewConfigurationError("VAPID_SUBJECT", "")
	}
	return nil
}

// Sender delivers one encoded payload to one subscription.
// Errors are *common.DeliveryError; Permanent means the endpoint is gone.
type Sender interface {
	Send(ctx context.Context, sub subscription.Subscription, body []byte) error
}

// WebPushSenderConfig holds configuration for a WebPushSender.
type WebPushSenderConfig struct {
	Credentials Credentials
	// HTTPClient carries the signed request. Usually a *resilience.HostPool.
	HTTPClient webpush.HTTPClient
	// TTL is how long the push service keeps an undelivered message. Default: 24h
	TTL time.Duration
	// Urgency is one of very-low, low, normal, high. Default: normal
	Urgency string
}

// WebPushSender sends notifications over the Web Push protocol with VAPID.
type WebPushSender struct {
	creds   Credentials
	client  webpush.HTTPClient
	ttl     int
	urgency webpush.Urgency
}

// NewWebPushSender creates a sender. A nil HTTPClient uses a resilience.HostPool.
func NewWebPushSender(cfg WebPushSenderConfig) *WebPushSender {
	client := cfg.HTTPClient
	if client == nil {
		client = resilience.NewHostPool("web-push", resilience.DefaultClientConfig("web-push"))
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	urgency := webpush.UrgencyNormal
	switch webpush.Urgency(cfg.Urgency) {
	case webpush.UrgencyVeryLow, webpush.UrgencyLow, webpush.UrgencyHigh:
		urgency = webpush.Urgency(cfg.Urgency)
	}

	return &WebPushSender{
		creds:   cfg.Credentials,
		client:  client,
		ttl:     int(ttl.Seconds()),
		urgency: urgency,
	}
}

// Send encrypts body for sub and posts it to the subscription endpoint.
func (s *WebPushSender) Send(ctx context.Context, sub subscription.Subscription, body []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Keys.Auth,
			P256dh: sub.Keys.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      strings.TrimPrefix(s.creds.Subject, "mailto:"),
		TTL:             s.ttl,
		Urgency:         s.urgency,
		VAPIDPublicKey:  s.creds.PublicKey,
		VAPIDPrivateKey: s.creds.PrivateKey,
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return common.NewTransientDeliveryError(0, "push service circuit open", err)
		}
		return common.NewTransientDeliveryError(0, "", err)
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

// classifyResponse maps a push service response to a delivery outcome.
// 404 and 410 mean the subscription no longer exists.
func classifyResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := readReason(resp.Body)

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		if msg == "" {
			msg = "push subscription has unsubscribed or expired"
		}
		return common.NewPermanentDeliveryError(resp.StatusCode, msg)
	default:
		return common.NewTransientDeliveryError(resp.StatusCode, msg, nil)
	}
}

func readReason(body io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// GenerateKeys returns a new VAPID key pair, base64url encoded.
func GenerateKeys() (Credentials, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return Credentials{}, fmt.Errorf("generate vapid keys: %w", err)
	}
	return Credentials{PublicKey: pub, PrivateKey: priv}, nil
}
