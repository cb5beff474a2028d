package push

import (
	"context"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/db"
)

// WebPushConfig holds the VAPID credentials and delivery options.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string // mailto: or https: contact for the push service
	TTL        int    // seconds
	HTTPClient *http.Client
}

// WebPushSender delivers to browser push services using VAPID.
type WebPushSender struct {
	cfg    WebPushConfig
	logger *zap.Logger
}

// NewWebPushSender creates a Web Push sender. Missing keys are reported by
// Ready rather than here so the service can still boot.
func NewWebPushSender(cfg WebPushConfig, logger *zap.Logger) *WebPushSender {
	if cfg.TTL <= 0 {
		cfg.TTL = 86400
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &WebPushSender{cfg: cfg, logger: logger}
}

// Ready fails when the VAPID key pair is incomplete.
func (s *WebPushSender) Ready() error {
	if s.cfg.PublicKey == "" || s.cfg.PrivateKey == "" {
		return fmt.Errorf("%w: VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are required", ErrNotConfigured)
	}
	return nil
}

// Send encrypts and posts the message to the subscription endpoint.
// 404 and 410 from the push service map to ErrGone.
func (s *WebPushSender) Send(ctx context.Context, sub *db.Subscription, msg *Message) error {
	if sub.Endpoint == "" || sub.P256dh == "" || sub.Auth == "" {
		return ErrNoKeys
	}
	if err := s.Ready(); err != nil {
		return err
	}

	payload, err := msg.Payload()
	if err != nil {
		return err
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.cfg.HTTPClient,
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             s.cfg.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return fmt.Errorf("web push send failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", ErrGone, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("web push rejected: status %d: %s", resp.StatusCode, body)
	}

	s.logger.Debug("web push delivered",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

func (s *WebPushSender) SupportsProvider(provider string) bool {
	return provider == db.ProviderWebPush
}
