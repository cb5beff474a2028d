package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Delivery error policies for non-gone push failures
const (
	DeliveryErrorsCount  = "count"
	DeliveryErrorsSilent = "silent"
)

// Frequency cap strategies
const (
	CapStrategyLog     = "log"
	CapStrategyCounter = "counter"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	DryRun   bool // log pushes and emails instead of sending them

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config (idempotency, rate limiting, cap counters)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion     string
	SQSRegion     string
	SQSQueueURL   string // event triggers; consumer disabled when empty
	SNSRegion     string
	AlertTopicARN string // run reports with delivery failures; disabled when empty
	SESFromEmail  string

	// Web Push (VAPID)
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	PushTTL         int // seconds the push service keeps an undelivered message

	// Engine
	Timezone            string
	GlobalRegularCap    int
	MaxCandidates       int
	DispatchConcurrency int
	PushTimeout         time.Duration
	SendRatePerSecond   float64
	DeliveryErrorPolicy string
	CapStrategy         string
	RandomWeeklyHour    int

	// Scheduler
	ScheduleEnabled  bool
	ScheduleInterval time.Duration

	// API
	RunRateLimit int // manual runs per caller per minute
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBName:     "m1ssion",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "eu-south-1",
		SESFromEmail: "noreply@m1ssion.eu",

		VAPIDSubject: "mailto:support@m1ssion.eu",
		PushTTL:      24 * 60 * 60,

		Timezone:            "Europe/Rome",
		GlobalRegularCap:    3,
		MaxCandidates:       5000,
		DispatchConcurrency: 8,
		PushTimeout:         10 * time.Second,
		SendRatePerSecond:   50,
		DeliveryErrorPolicy: DeliveryErrorsCount,
		CapStrategy:         CapStrategyLog,
		RandomWeeklyHour:    18,

		ScheduleEnabled:  true,
		ScheduleInterval: time.Hour,

		RunRateLimit: 30,
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = envString("ENV", cfg.Env)
	if dry := os.Getenv("DRY_RUN"); dry != "" {
		b, err := strconv.ParseBool(dry)
		if err != nil {
			return nil, fmt.Errorf("invalid DRY_RUN: %w", err)
		}
		cfg.DryRun = b
	}

	// Database config
	cfg.DBHost = envString("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = envString("DB_USER", cfg.DBUser)
	cfg.DBPassword = envString("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envString("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envString("DB_SSLMODE", cfg.DBSSLMode)
	if cfg.DBMaxConns, err = envInt("DB_MAX_CONNS", cfg.DBMaxConns); err != nil {
		return nil, err
	}

	// Redis config
	cfg.RedisHost = envString("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = envString("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS config; per-service regions fall back to AWS_REGION
	cfg.AWSRegion = envString("AWS_REGION", cfg.AWSRegion)
	cfg.SQSRegion = envString("SQS_REGION", cfg.AWSRegion)
	cfg.SQSQueueURL = envString("SQS_QUEUE_URL", "")
	cfg.SNSRegion = envString("SNS_REGION", cfg.AWSRegion)
	cfg.AlertTopicARN = envString("ALERT_TOPIC_ARN", "")
	cfg.SESFromEmail = envString("SES_FROM_EMAIL", cfg.SESFromEmail)

	// VAPID keys are checked per run, not at boot
	cfg.VAPIDPublicKey = envString("VAPID_PUBLIC_KEY", "")
	cfg.VAPIDPrivateKey = envString("VAPID_PRIVATE_KEY", "")
	cfg.VAPIDSubject = envString("VAPID_SUBJECT", cfg.VAPIDSubject)
	if cfg.PushTTL, err = envInt("PUSH_TTL", cfg.PushTTL); err != nil {
		return nil, err
	}

	// Engine
	cfg.Timezone = envString("PUSH_TIMEZONE", cfg.Timezone)
	if cfg.GlobalRegularCap, err = envInt("GLOBAL_REGULAR_CAP", cfg.GlobalRegularCap); err != nil {
		return nil, err
	}
	if cfg.MaxCandidates, err = envInt("MAX_CANDIDATES", cfg.MaxCandidates); err != nil {
		return nil, err
	}
	if cfg.DispatchConcurrency, err = envInt("DISPATCH_CONCURRENCY", cfg.DispatchConcurrency); err != nil {
		return nil, err
	}
	if cfg.PushTimeout, err = envSeconds("PUSH_TIMEOUT", cfg.PushTimeout); err != nil {
		return nil, err
	}
	if rate := os.Getenv("SEND_RATE_PER_SECOND"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_RATE_PER_SECOND: %w", err)
		}
		cfg.SendRatePerSecond = r
	}
	if cfg.RandomWeeklyHour, err = envInt("RANDOM_WEEKLY_HOUR", cfg.RandomWeeklyHour); err != nil {
		return nil, err
	}

	cfg.DeliveryErrorPolicy = strings.ToLower(envString("DELIVERY_ERROR_POLICY", cfg.DeliveryErrorPolicy))
	if cfg.DeliveryErrorPolicy != DeliveryErrorsCount && cfg.DeliveryErrorPolicy != DeliveryErrorsSilent {
		return nil, fmt.Errorf("invalid DELIVERY_ERROR_POLICY: %q (want count or silent)", cfg.DeliveryErrorPolicy)
	}

	cfg.CapStrategy = strings.ToLower(envString("CAP_STRATEGY", cfg.CapStrategy))
	if cfg.CapStrategy != CapStrategyLog && cfg.CapStrategy != CapStrategyCounter {
		return nil, fmt.Errorf("invalid CAP_STRATEGY: %q (want log or counter)", cfg.CapStrategy)
	}

	// Scheduler
	if enabled := os.Getenv("SCHEDULE_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULE_ENABLED: %w", err)
		}
		cfg.ScheduleEnabled = b
	}
	if interval := os.Getenv("SCHEDULE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULE_INTERVAL: %w", err)
		}
		cfg.ScheduleInterval = d
	}

	if cfg.RunRateLimit, err = envInt("RUN_RATE_LIMIT", cfg.RunRateLimit); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(fallback/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
