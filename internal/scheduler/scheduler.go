// Package scheduler fires the hourly cron invocation in-process.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/db"
	"github.com/m1ssion/smartpush/internal/engine"
)

// Runner executes an invocation. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, inv *engine.Invocation) (*engine.Report, error)
}

type Config struct {
	Interval time.Duration
}

type Scheduler struct {
	runner Runner
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(runner Runner, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		runner: runner,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start runs a cron invocation at every interval boundary (the top of the
// hour by default) until ctx is cancelled. Runs never overlap.
func (s *Scheduler) Start(ctx context.Context) {
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.untilNext())
		}
	}
}

func (s *Scheduler) untilNext() time.Duration {
	now := s.now()
	next := now.Truncate(s.config.Interval).Add(s.config.Interval)
	return next.Sub(now)
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.runner.Run(ctx, &engine.Invocation{Trigger: db.TriggerCron})
	if err != nil {
		s.logger.Error("scheduled run failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled run done",
		zap.String("run_id", report.RunID.String()),
		zap.Int("notifications_sent", report.Stats.NotificationsSent),
	)
}
