// Package push delivers rendered notifications to registered devices.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/db"
)

var (
	// ErrGone means the endpoint is permanently unreachable and the
	// subscription should be deactivated.
	ErrGone = errors.New("push endpoint gone")

	// ErrNoKeys means the subscription lacks the material needed to encrypt
	// a payload. Nothing was attempted.
	ErrNoKeys = errors.New("subscription has no deliverable keys")

	// ErrNotConfigured is returned by Ready when provider credentials are missing.
	ErrNotConfigured = errors.New("push provider not configured")
)

// Message is the rendered notification sent to every device of a user.
type Message struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	URL         string `json:"url"`
	Tag         string `json:"tag"`
	TemplateKey string `json:"template"`
}

// Payload encodes the message as the JSON the service worker expects.
func (m *Message) Payload() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push payload: %w", err)
	}
	return data, nil
}

// Pusher is the unified interface for all delivery providers.
// Implementations: Web Push (VAPID), SNS platform endpoints.
type Pusher interface {
	Send(ctx context.Context, sub *db.Subscription, msg *Message) error
	SupportsProvider(provider string) bool
}

// Readier is implemented by pushers that need credentials before the first send.
type Readier interface {
	Ready() error
}

// MultiPusher routes each subscription to the pusher for its provider.
type MultiPusher struct {
	pushers []Pusher
	logger  *zap.Logger
}

// NewMultiPusher creates a router over the given pushers.
func NewMultiPusher(logger *zap.Logger, pushers ...Pusher) *MultiPusher {
	return &MultiPusher{
		pushers: pushers,
		logger:  logger,
	}
}

// Send delivers msg through the first pusher that supports sub.Provider.
func (m *MultiPusher) Send(ctx context.Context, sub *db.Subscription, msg *Message) error {
	for _, p := range m.pushers {
		if p.SupportsProvider(sub.Provider) {
			m.logger.Debug("routing push to provider",
				zap.String("provider", sub.Provider),
				zap.String("subscription_id", sub.ID.String()),
			)
			return p.Send(ctx, sub, msg)
		}
	}

	return fmt.Errorf("no pusher found for provider: %s", sub.Provider)
}

// SupportsProvider reports whether any underlying pusher handles provider.
func (m *MultiPusher) SupportsProvider(provider string) bool {
	for _, p := range m.pushers {
		if p.SupportsProvider(provider) {
			return true
		}
	}
	return false
}

// Ready joins the readiness errors of every pusher that reports one.
func (m *MultiPusher) Ready() error {
	var errs []error
	for _, p := range m.pushers {
		if r, ok := p.(Readier); ok {
			if err := r.Ready(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogPusher logs instead of delivering. Used for dry runs and local development.
type LogPusher struct {
	logger *zap.Logger
}

func NewLogPusher(logger *zap.Logger) *LogPusher {
	return &LogPusher{logger: logger}
}

func (p *LogPusher) Send(ctx context.Context, sub *db.Subscription, msg *Message) error {
	p.logger.Info("push delivery (dry run)",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID.String()),
		zap.String("provider", sub.Provider),
		zap.String("template", msg.TemplateKey),
		zap.String("title", msg.Title),
	)
	return nil
}

func (p *LogPusher) SupportsProvider(provider string) bool {
	return provider == db.ProviderWebPush || provider == db.ProviderSNS
}
