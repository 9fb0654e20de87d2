package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS. AWSEndpoint points every client at LocalStack when set.
	AWSRegion         string
	AWSEndpoint       string
	SESFromEmail      string
	SNSTopicARNPrefix string
	PushTitle         string

	// SQS queues: ticks that trigger runs, and transition events
	SQSTriggerQueueURL string
	SQSEventsQueueURL  string

	// Webhook channel
	WebhookURL     string
	WebhookTimeout time.Duration

	// Scheduler
	SchedulerSecret        string
	SchedulerCron          string // empty disables the in-process trigger
	SchedulerBatchSize     int
	SchedulerConcurrency   int
	SchedulerDeliveryRPS   float64
	SchedulerLockTTL       time.Duration
	SchedulerLedgerEnabled bool
	SchedulerRunTimeout    time.Duration

	// API rate limit per trip, per minute
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "waypoint",
		DBName:     "waypoint",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@waypoint.local",
		PushTitle:    "Trip update",

		WebhookTimeout: 30 * time.Second,

		SchedulerCron:          "@every 1m",
		SchedulerBatchSize:     100,
		SchedulerConcurrency:   1,
		SchedulerLockTTL:       5 * time.Minute,
		SchedulerLedgerEnabled: true,
		SchedulerRunTimeout:    4 * time.Minute,

		RateLimitPerMinute: 100,
	}

	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Env, "ENV")

	setString(&cfg.DBHost, "DB_HOST")
	setString(&cfg.DBUser, "DB_USER")
	setString(&cfg.DBPassword, "DB_PASSWORD")
	setString(&cfg.DBName, "DB_NAME")
	setString(&cfg.DBSSLMode, "DB_SSLMODE")

	setString(&cfg.RedisHost, "REDIS_HOST")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")

	setString(&cfg.AWSRegion, "AWS_REGION")
	setString(&cfg.AWSEndpoint, "AWS_ENDPOINT_URL")
	setString(&cfg.SESFromEmail, "SES_FROM_EMAIL")
	setString(&cfg.SNSTopicARNPrefix, "SNS_TOPIC_ARN_PREFIX")
	setString(&cfg.PushTitle, "PUSH_TITLE")
	setString(&cfg.SQSTriggerQueueURL, "SQS_TRIGGER_QUEUE_URL")
	setString(&cfg.SQSEventsQueueURL, "SQS_EVENTS_QUEUE_URL")
	setString(&cfg.WebhookURL, "WEBHOOK_URL")

	setString(&cfg.SchedulerSecret, "SCHEDULER_SECRET")
	if v, ok := os.LookupEnv("SCHEDULER_CRON"); ok {
		cfg.SchedulerCron = strings.TrimSpace(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"DB_MAX_CONNS", &cfg.DBMaxConns},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"SCHEDULER_BATCH_SIZE", &cfg.SchedulerBatchSize},
		{"SCHEDULER_CONCURRENCY", &cfg.SchedulerConcurrency},
		{"RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute},
	}
	for _, f := range ints {
		if err := setInt(f.dst, f.key); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("SCHEDULER_DELIVERY_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps < 0 {
			return nil, fmt.Errorf("invalid SCHEDULER_DELIVERY_RPS: %q", v)
		}
		cfg.SchedulerDeliveryRPS = rps
	}

	if v := os.Getenv("SCHEDULER_LEDGER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_LEDGER_ENABLED: %w", err)
		}
		cfg.SchedulerLedgerEnabled = b
	}

	// WEBHOOK_TIMEOUT stays in seconds for compatibility with existing deployments
	if v := os.Getenv("WEBHOOK_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = time.Duration(secs) * time.Second
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SCHEDULER_LOCK_TTL", &cfg.SchedulerLockTTL},
		{"SCHEDULER_RUN_TIMEOUT", &cfg.SchedulerRunTimeout},
	}
	for _, f := range durations {
		if err := setDuration(f.dst, f.key); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SchedulerBatchSize <= 0 {
		return fmt.Errorf("invalid SCHEDULER_BATCH_SIZE: must be positive")
	}
	if c.SchedulerConcurrency <= 0 {
		return fmt.Errorf("invalid SCHEDULER_CONCURRENCY: must be positive")
	}
	// a run must finish before its lock lease can expire under it
	if c.SchedulerRunTimeout >= c.SchedulerLockTTL {
		return fmt.Errorf("SCHEDULER_RUN_TIMEOUT (%s) must be shorter than SCHEDULER_LOCK_TTL (%s)",
			c.SchedulerRunTimeout, c.SchedulerLockTTL)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
