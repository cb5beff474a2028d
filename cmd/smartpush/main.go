package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/api"
	"github.com/m1ssion/smartpush/internal/circuitbreaker"
	"github.com/m1ssion/smartpush/internal/config"
	"github.com/m1ssion/smartpush/internal/db"
	"github.com/m1ssion/smartpush/internal/engine"
	"github.com/m1ssion/smartpush/internal/mailer"
	"github.com/m1ssion/smartpush/internal/metrics"
	"github.com/m1ssion/smartpush/internal/observ"
	"github.com/m1ssion/smartpush/internal/push"
	"github.com/m1ssion/smartpush/internal/redis"
	"github.com/m1ssion/smartpush/internal/scheduler"
	"github.com/m1ssion/smartpush/internal/sns"
	"github.com/m1ssion/smartpush/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting smart push engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("cap_strategy", cfg.CapStrategy),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis is optional unless the counter cap strategy needs it
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		if cfg.CapStrategy == config.CapStrategyCounter {
			return fmt.Errorf("counter cap strategy requires redis: %w", err)
		}
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var (
		idempotency *redis.IdempotencyService
		rateLimiter *redis.RateLimiter
	)
	if redisClient != nil {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RunRateLimit,
			Window: time.Minute,
		})
	}

	pusher := newPusher(ctx, cfg, logger)

	opts := []engine.Option{}
	if cfg.CapStrategy == config.CapStrategyCounter {
		opts = append(opts, engine.WithCapStore(engine.NewCounterCapStore(redis.NewCapCounter(redisClient, logger))))
	}
	if cfg.AlertTopicARN != "" {
		alerts, err := sns.NewPublisher(ctx, cfg.SNSRegion, cfg.AlertTopicARN, logger)
		if err != nil {
			logger.Warn("sns alerts unavailable", zap.Error(err))
		} else {
			opts = append(opts, engine.WithAlerter(alerts))
		}
	}

	eng := engine.New(repo, pusher, engine.SettingsFromConfig(cfg), logger, opts...)
	if err := eng.Ready(); err != nil {
		// keep serving health and metrics; every run reports the problem
		logger.Error("engine not ready", zap.Error(err))
	}

	handlerOpts := []api.Option{}
	if idempotency != nil {
		handlerOpts = append(handlerOpts, api.WithIdempotency(idempotency))
	}

	var mail mailer.Mailer
	if cfg.DryRun {
		mail = mailer.NewLogMailer(logger)
	} else if sesMailer, err := mailer.NewSESMailer(ctx, mailer.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.SESFromEmail}, logger); err != nil {
		logger.Warn("SES unavailable, email disabled", zap.Error(err))
	} else {
		mail = sesMailer
	}
	if mail != nil {
		handlerOpts = append(handlerOpts, api.WithMailer(mail))
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	var bg sync.WaitGroup

	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL}

		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, events will not be enqueued", zap.Error(err))
		} else {
			handlerOpts = append(handlerOpts, api.WithEvents(producer))
		}

		consumer, err := sqs.NewConsumer(ctx, sqsCfg, eng, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable", zap.Error(err))
		} else {
			bg.Add(1)
			go func() {
				defer bg.Done()
				consumer.Start(bgCtx)
			}()
		}
	}

	if cfg.ScheduleEnabled {
		sched := scheduler.New(eng, scheduler.Config{Interval: cfg.ScheduleInterval}, logger)
		bg.Add(1)
		go func() {
			defer bg.Done()
			sched.Start(bgCtx)
		}()
		logger.Info("scheduler started", zap.Duration("interval", cfg.ScheduleInterval))
	}

	go reportDBConnections(bgCtx, database)

	handler := api.NewHandler(logger, eng, handlerOpts...)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, rateLimiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual runs are synchronous
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		bgCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		bg.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}

// newPusher builds the provider chain: each real provider sits behind its
// own circuit breaker and the multi pusher routes by subscription provider.
func newPusher(ctx context.Context, cfg *config.Config, logger *zap.Logger) push.Pusher {
	if cfg.DryRun {
		return push.NewLogPusher(logger)
	}

	webPush := push.NewWebPushSender(push.WebPushConfig{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
		TTL:        cfg.PushTTL,
		HTTPClient: &http.Client{Timeout: cfg.PushTimeout},
	}, logger)
	pushers := []push.Pusher{protect(webPush, "webpush", logger)}

	snsSender, err := push.NewSNSSender(ctx, push.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, native app push disabled", zap.Error(err))
	} else {
		pushers = append(pushers, protect(snsSender, "sns", logger))
	}

	logger.Info("initialized push providers",
		zap.Bool("webpush_configured", webPush.Ready() == nil),
		zap.Bool("sns_enabled", snsSender != nil),
	)

	return push.NewMultiPusher(logger, pushers...)
}

func protect(p push.Pusher, name string, logger *zap.Logger) *circuitbreaker.ProtectedPusher {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	metrics.SetCircuitState(name, int(circuitbreaker.StateClosed))
	return circuitbreaker.NewProtectedPusher(p, circuitbreaker.New(cfg, logger), logger)
}

func reportDBConnections(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.Stat())
		}
	}
}
