package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/db"
	"github.com/m1ssion/smartpush/internal/push"
)

// ProtectedPusher wraps a push.Pusher with a CircuitBreaker.
// Only provider-side failures trip the breaker: a gone endpoint or a
// subscription without keys says nothing about the provider's health.
type ProtectedPusher struct {
	pusher  push.Pusher
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedPusher wraps pusher with breaker.
func NewProtectedPusher(pusher push.Pusher, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedPusher {
	return &ProtectedPusher{
		pusher:  pusher,
		breaker: breaker,
		logger:  logger,
	}
}

// Send delivers through the breaker, failing fast with ErrCircuitOpen while open.
func (p *ProtectedPusher) Send(ctx context.Context, sub *db.Subscription, msg *push.Message) error {
	if !p.breaker.Allow() {
		p.logger.Debug("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("subscription_id", sub.ID.String()),
		)
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.pusher.Send(ctx, sub, msg)
	switch {
	case err == nil, errors.Is(err, push.ErrGone):
		// a gone endpoint is still an answer from the provider
		p.breaker.RecordSuccess()
	case errors.Is(err, push.ErrNoKeys),
		errors.Is(err, push.ErrNotConfigured),
		errors.Is(err, context.Canceled):
		p.breaker.Release()
	default:
		p.breaker.RecordFailure()
	}
	return err
}

// SupportsProvider delegates to the wrapped pusher.
func (p *ProtectedPusher) SupportsProvider(provider string) bool {
	return p.pusher.SupportsProvider(provider)
}

// Ready delegates to the wrapped pusher when it reports readiness.
func (p *ProtectedPusher) Ready() error {
	if r, ok := p.pusher.(push.Readier); ok {
		return r.Ready()
	}
	return nil
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedPusher) Breaker() *CircuitBreaker {
	return p.breaker
}
