// Package engine implements the Smart Push run: pick the templates due in
// the current window, choose at most one per user within the daily caps,
// render it, deliver it to every active device and append the send log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/m1ssion/smartpush/internal/config"
	"github.com/m1ssion/smartpush/internal/db"
	"github.com/m1ssion/smartpush/internal/metrics"
	"github.com/m1ssion/smartpush/internal/observ"
	"github.com/m1ssion/smartpush/internal/push"
)

// ErrConfig marks setup problems that make every run fail.
var ErrConfig = errors.New("engine misconfigured")

// Stats is the summary returned to the caller of a run.
type Stats struct {
	TemplatesChecked  int `json:"templates_checked"`
	UsersProcessed    int `json:"users_processed"`
	NotificationsSent int `json:"notifications_sent"`
	UsersSkipped      int `json:"users_skipped"`
}

// Report is the full outcome of a run, used for logging and alerts.
type Report struct {
	RunID            uuid.UUID     `json:"run_id"`
	Trigger          string        `json:"trigger"`
	DateKey          string        `json:"date"`
	Stats            Stats         `json:"stats"`
	DeliveryFailures int           `json:"delivery_failures"`
	Deactivated      int           `json:"deactivated"`
	SendLogRows      int64         `json:"send_log_rows"`
	QueryFailure     string        `json:"query_failure,omitempty"`
	AuditError       string        `json:"audit_error,omitempty"`
	Duration         time.Duration `json:"duration_ns"`
}

// Alerter is notified of runs that had delivery failures.
type Alerter interface {
	PublishRunReport(ctx context.Context, report *Report) error
}

// Settings are the tunables of a run.
type Settings struct {
	Timezone            string
	GlobalRegularCap    int
	MaxCandidates       int
	Concurrency         int
	PushTimeout         time.Duration
	SendRatePerSecond   float64
	DeliveryErrorPolicy string
	RandomWeeklyHour    int
}

// SettingsFromConfig maps the service configuration onto engine settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Timezone:            cfg.Timezone,
		GlobalRegularCap:    cfg.GlobalRegularCap,
		MaxCandidates:       cfg.MaxCandidates,
		Concurrency:         cfg.DispatchConcurrency,
		PushTimeout:         cfg.PushTimeout,
		SendRatePerSecond:   cfg.SendRatePerSecond,
		DeliveryErrorPolicy: cfg.DeliveryErrorPolicy,
		RandomWeeklyHour:    cfg.RandomWeeklyHour,
	}
}

// Engine runs invocations. It holds no state between runs; it is safe for
// concurrent use.
type Engine struct {
	store    Store
	pusher   push.Pusher
	caps     CapStore
	alerter  Alerter
	settings Settings
	logger   *zap.Logger

	loc      *time.Location
	setupErr error
	now      func() time.Time
	rng      func() float64
	dispatch *dispatcher

	auditBackoff time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRandom replaces the source used for probability windows. It must
// return values in [0, 1).
func WithRandom(rng func() float64) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithCapStore replaces the default send-log cap store.
func WithCapStore(caps CapStore) Option {
	return func(e *Engine) { e.caps = caps }
}

// WithAlerter enables run reports for runs with delivery failures.
func WithAlerter(a Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// New creates an engine. Problems with settings are reported by every Run
// as ErrConfig so the surrounding service can still start.
func New(store Store, pusher push.Pusher, settings Settings, logger *zap.Logger, opts ...Option) *Engine {
	settings = normalize(settings)

	e := &Engine{
		store:        store,
		pusher:       pusher,
		settings:     settings,
		logger:       logger,
		now:          time.Now,
		rng:          rand.Float64,
		auditBackoff: 100 * time.Millisecond,
	}

	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		e.setupErr = fmt.Errorf("load time zone %q: %w", settings.Timezone, err)
		loc = time.UTC
	}
	e.loc = loc

	for _, opt := range opts {
		opt(e)
	}
	if e.caps == nil {
		e.caps = NewLogCapStore(store)
	}

	e.dispatch = &dispatcher{
		pusher:  pusher,
		store:   store,
		limiter: newLimiter(settings.SendRatePerSecond),
		timeout: settings.PushTimeout,
		policy:  settings.DeliveryErrorPolicy,
		logger:  logger,
	}

	return e
}

func normalize(s Settings) Settings {
	if s.Timezone == "" {
		s.Timezone = "Europe/Rome"
	}
	if s.GlobalRegularCap <= 0 {
		s.GlobalRegularCap = 3
	}
	if s.MaxCandidates <= 0 {
		s.MaxCandidates = 5000
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 8
	}
	if s.PushTimeout <= 0 {
		s.PushTimeout = 10 * time.Second
	}
	if s.DeliveryErrorPolicy == "" {
		s.DeliveryErrorPolicy = config.DeliveryErrorsCount
	}
	if s.RandomWeeklyHour < 0 || s.RandomWeeklyHour > 23 {
		s.RandomWeeklyHour = 18
	}
	return s
}

// Ready reports configuration problems that would fail every run.
func (e *Engine) Ready() error {
	if e.setupErr != nil {
		return fmt.Errorf("%w: %v", ErrConfig, e.setupErr)
	}
	if r, ok := e.pusher.(push.Readier); ok {
		if err := r.Ready(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	return nil
}

// Run executes one invocation. A malformed invocation yields a
// *ValidationError and missing configuration yields ErrConfig; failed reads
// are logged and reported as a successful run with nothing done.
func (e *Engine) Run(ctx context.Context, inv *Invocation) (*Report, error) {
	start := e.now()
	report := &Report{RunID: uuid.New()}

	if err := e.Ready(); err != nil {
		metrics.RecordRun(triggerLabel(inv), "config_error", e.now().Sub(start))
		return nil, err
	}

	w, err := ReadTrigger(inv, start, e.loc)
	if err != nil {
		metrics.RecordRun("invalid", "invalid", e.now().Sub(start))
		return nil, err
	}
	report.Trigger = inv.Trigger
	report.DateKey = w.DateKey

	logger := observ.RunLogger(e.logger, report.RunID.String(), inv.Trigger)
	logger.Info("push run started",
		zap.String("template_key", inv.TemplateKey),
		zap.String("user_id", inv.UserID),
		zap.Int("hour", w.Hour),
		zap.String("date", w.DateKey),
	)

	e.execute(ctx, logger, inv, w, report)

	report.Duration = e.now().Sub(start)
	outcome := "ok"
	if report.QueryFailure != "" {
		outcome = "query_failed"
	}
	metrics.RecordRun(inv.Trigger, outcome, report.Duration)

	logger.Info("push run finished",
		zap.Int("templates_checked", report.Stats.TemplatesChecked),
		zap.Int("users_processed", report.Stats.UsersProcessed),
		zap.Int("notifications_sent", report.Stats.NotificationsSent),
		zap.Int("users_skipped", report.Stats.UsersSkipped),
		zap.Int("delivery_failures", report.DeliveryFailures),
		zap.Int("deactivated", report.Deactivated),
		zap.Duration("duration", report.Duration),
	)

	if report.DeliveryFailures > 0 && e.alerter != nil {
		if err := e.alerter.PublishRunReport(context.WithoutCancel(ctx), report); err != nil {
			logger.Error("failed to publish run report", zap.Error(err))
		}
	}

	return report, nil
}

func (e *Engine) execute(ctx context.Context, logger *zap.Logger, inv *Invocation, w Window, report *Report) {
	queryFailed := func(stage string, err error) {
		report.QueryFailure = stage
		metrics.RecordQueryFailure(stage)
		logger.Error("query failed, nothing to do", zap.String("stage", stage), zap.Error(err))
	}

	templates, err := e.store.ListEnabledTemplates(ctx)
	if err != nil {
		queryFailed("templates", err)
		return
	}

	sel := &selector{rng: e.rng, randomWeeklyHour: e.settings.RandomWeeklyHour}
	selected := sel.Select(templates, inv, w)
	report.Stats.TemplatesChecked = len(selected)
	metrics.RecordTemplatesSelected(inv.Trigger, len(selected))
	if len(selected) == 0 {
		logger.Debug("no templates due in this window")
		return
	}

	profiles, err := candidates(ctx, e.store, inv, e.settings.MaxCandidates)
	if err != nil {
		queryFailed("profiles", err)
		return
	}
	if len(profiles) == 0 {
		return
	}

	users, err := aggregate(ctx, e.store, profiles)
	if err != nil {
		queryFailed("user_data", err)
		return
	}

	reachable := lo.Filter(users, func(u *UserContext, _ int) bool { return len(u.Subscriptions) > 0 })
	unreachable := len(users) - len(reachable)
	report.Stats.UsersProcessed = len(users)
	report.Stats.UsersSkipped = unreachable
	for i := 0; i < unreachable; i++ {
		metrics.RecordUserSkipped("no_subscription")
	}
	if len(reachable) == 0 {
		return
	}

	counts, err := e.caps.DayCounts(ctx, w, lo.Map(reachable, func(u *UserContext, _ int) uuid.UUID { return u.Profile.ID }))
	if err != nil {
		queryFailed("send_counts", err)
		report.Stats.UsersSkipped = len(users)
		return
	}

	var (
		sent, skipped, failed, deactivated atomic.Int64
		mu                                 sync.Mutex
		logs                               []*db.SendLog
	)
	persistCtx := context.WithoutCancel(ctx)

	skip := func(reason string) {
		skipped.Inc()
		metrics.RecordUserSkipped(reason)
	}

	var g errgroup.Group
	g.SetLimit(e.settings.Concurrency)
	for _, u := range reachable {
		u := u
		g.Go(func() error {
			if ctx.Err() != nil {
				skip("cancelled")
				return nil
			}

			t := pickTemplate(selected, counts[u.Profile.ID], u, w, e.settings.GlobalRegularCap)
			if t == nil {
				skip("no_eligible_template")
				return nil
			}

			ok, err := e.caps.Reserve(ctx, w, u.Profile.ID, t, e.settings.GlobalRegularCap)
			if err != nil {
				logger.Error("cap reservation failed", zap.String("user_id", u.Profile.ID.String()), zap.Error(reserveErr(t, err)))
				skip("cap_error")
				return nil
			}
			if !ok {
				skip("cap_reached")
				return nil
			}

			vars := VariablesFor(u, w.Now).WithOverrides(inv.EventData)
			msg := &push.Message{
				Title:       Render(t.Title, vars),
				Body:        Render(t.Body, vars),
				URL:         Render(lo.Ternary(t.DeepLink != "", t.DeepLink, "/"), vars),
				Tag:         t.Key,
				TemplateKey: t.Key,
			}

			res := e.dispatch.deliver(ctx, persistCtx, u, t, msg)
			sent.Add(int64(res.sent))
			failed.Add(int64(res.failed))
			deactivated.Add(int64(res.deactivated))

			if res.attempted == 0 {
				if err := e.caps.Release(persistCtx, w, u.Profile.ID, t); err != nil {
					logger.Warn("cap release failed", zap.String("user_id", u.Profile.ID.String()), zap.Error(err))
				}
				if res.failed == 0 {
					skip("no_deliverable_subscription")
				}
				return nil
			}

			mu.Lock()
			logs = append(logs, &db.SendLog{
				ID:          uuid.New(),
				UserID:      u.Profile.ID,
				TemplateKey: t.Key,
				Category:    t.Category,
				Title:       msg.Title,
				Body:        msg.Body,
				DeepLink:    msg.URL,
				SentAt:      e.now(),
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Stats.NotificationsSent = int(sent.Load())
	report.Stats.UsersSkipped += int(skipped.Load())
	report.DeliveryFailures = int(failed.Load())
	report.Deactivated = int(deactivated.Load())

	n, err := e.writeAudit(persistCtx, logger, logs)
	if err != nil {
		report.AuditError = err.Error()
		metrics.RecordQueryFailure("send_log_insert")
		logger.Error("failed to write send log", zap.Int("rows", len(logs)), zap.Error(err))
		return
	}
	report.SendLogRows = n
}

func triggerLabel(inv *Invocation) string {
	if inv == nil || inv.Trigger == "" {
		return db.TriggerCron
	}
	return inv.Trigger
}
