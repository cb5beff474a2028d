package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/m1ssion/smartpush/internal/circuitbreaker"
	"github.com/m1ssion/smartpush/internal/config"
	"github.com/m1ssion/smartpush/internal/db"
	"github.com/m1ssion/smartpush/internal/metrics"
	"github.com/m1ssion/smartpush/internal/push"
)

// delivery is the outcome of sending one message to all of a user's devices.
type delivery struct {
	sent        int
	attempted   int
	failed      int
	deactivated int
}

type dispatcher struct {
	pusher  push.Pusher
	store   Store
	limiter *rate.Limiter
	timeout time.Duration
	policy  string
	logger  *zap.Logger
}

// deliver sends msg to every subscription of u. Failures are isolated per
// subscription. persistCtx outlives ctx so a deactivation is recorded even
// when the run is cancelled mid-send.
func (d *dispatcher) deliver(ctx, persistCtx context.Context, u *UserContext, t *db.Template, msg *push.Message) delivery {
	var out delivery

	for _, sub := range u.Subscriptions {
		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Debug("delivery stopped", zap.Error(err))
			break
		}

		err := d.send(ctx, sub, msg)
		switch {
		case err == nil:
			out.sent++
			out.attempted++
			metrics.RecordNotificationSent(t.Category, sub.Provider)

		case errors.Is(err, push.ErrNoKeys):
			continue

		case errors.Is(err, push.ErrGone):
			out.attempted++
			if d.deactivate(persistCtx, sub) {
				out.deactivated++
			}

		case errors.Is(err, circuitbreaker.ErrCircuitOpen):
			d.fail(&out, sub, t, "circuit_open", err)

		case errors.Is(err, context.DeadlineExceeded):
			out.attempted++
			d.fail(&out, sub, t, "timeout", err)

		default:
			out.attempted++
			d.fail(&out, sub, t, "rejected", err)
		}
	}

	return out
}

func (d *dispatcher) send(ctx context.Context, sub *db.Subscription, msg *push.Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.pusher.Send(ctx, sub, msg)
}

func (d *dispatcher) deactivate(ctx context.Context, sub *db.Subscription) bool {
	if err := d.store.DeactivateSubscription(ctx, sub.ID); err != nil {
		d.logger.Error("failed to deactivate gone subscription",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
		return false
	}
	sub.IsActive = false
	metrics.RecordSubscriptionDeactivated(sub.Provider)
	d.logger.Info("subscription deactivated",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID.String()),
		zap.String("provider", sub.Provider),
	)
	return true
}

func (d *dispatcher) fail(out *delivery, sub *db.Subscription, t *db.Template, reason string, err error) {
	if d.policy == config.DeliveryErrorsSilent {
		d.logger.Debug("push delivery failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
		return
	}

	out.failed++
	metrics.RecordDeliveryFailure(sub.Provider, reason)
	d.logger.Warn("push delivery failed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID.String()),
		zap.String("provider", sub.Provider),
		zap.String("template", t.Key),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
