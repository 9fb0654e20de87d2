package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/api"
	"github.com/lalithlochan/waypoint/internal/circuitbreaker"
	"github.com/lalithlochan/waypoint/internal/config"
	"github.com/lalithlochan/waypoint/internal/db"
	"github.com/lalithlochan/waypoint/internal/delivery"
	"github.com/lalithlochan/waypoint/internal/metrics"
	"github.com/lalithlochan/waypoint/internal/observ"
	"github.com/lalithlochan/waypoint/internal/redis"
	"github.com/lalithlochan/waypoint/internal/scheduler"
	"github.com/lalithlochan/waypoint/internal/sns"
	"github.com/lalithlochan/waypoint/internal/sqs"
	"github.com/lalithlochan/waypoint/internal/trigger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting waypoint gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
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

	// Redis backs the run lock, delivery ledger, idempotency and rate
	// limits. Without it the service still runs with reduced guarantees.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, run lock, ledger and idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var (
		idempotencyService *redis.IdempotencyService
		rateLimiter        *redis.RateLimiter
		runLock            trigger.Lock
		runnerOpts         []scheduler.Option
	)
	if redisClient != nil {
		defer redisClient.Close()

		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
		runLock = redis.NewRunLock(redisClient, "scheduler", cfg.SchedulerLockTTL, logger)
		if cfg.SchedulerLedgerEnabled {
			runnerOpts = append(runnerOpts, scheduler.WithLedger(redis.NewDeliveryLedger(redisClient, redis.DefaultLedgerTTL, logger)))
		}
	}

	if cfg.SQSEventsQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSEventsQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, transition events disabled", zap.Error(err))
		} else {
			runnerOpts = append(runnerOpts, scheduler.WithTransitions(producer))
		}
	}

	channel, breakers := buildDeliveryChannel(ctx, cfg, repo, logger)

	runner := scheduler.New(repo, channel, scheduler.Config{
		BatchSize:   cfg.SchedulerBatchSize,
		Concurrency: cfg.SchedulerConcurrency,
		DeliveryRPS: cfg.SchedulerDeliveryRPS,
	}, logger, runnerOpts...)

	invoker := trigger.NewInvoker(runner, runLock, time.Now, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	var cronTrigger *trigger.Cron
	if cfg.SchedulerCron != "" {
		cronTrigger, err = trigger.NewCron(cfg.SchedulerCron, invoker, cfg.SchedulerRunTimeout, logger)
		if err != nil {
			return fmt.Errorf("failed to create cron trigger: %w", err)
		}
		cronTrigger.Start()
	}

	if cfg.SQSTriggerQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSTriggerQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, queue trigger disabled", zap.Error(err))
		} else {
			go trigger.NewQueueSource(consumer, invoker, cfg.SchedulerRunTimeout, logger).Start(bgCtx)
		}
	}

	go reportPoolStats(bgCtx, database)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, repo, idempotencyService)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		tripLimit := api.RateLimitMiddleware(rateLimiter, logger, api.TripKeyFunc)
		r.With(tripLimit).Post("/trips/{tripID}/scheduled-messages", handler.CreateScheduledMessage)
		r.With(tripLimit).Get("/trips/{tripID}/scheduled-messages", handler.ListScheduledMessages)

		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))
			r.Get("/scheduled-messages/{id}", handler.GetScheduledMessage)
			r.Post("/scheduled-messages/{id}/cancel", handler.CancelScheduledMessage)
			r.Post("/scheduled-messages/{id}/reactivate", handler.ReactivateScheduledMessage)
			r.Delete("/scheduled-messages/{id}", handler.DeleteScheduledMessage)
		})
	})

	if cfg.SchedulerSecret == "" {
		logger.Warn("SCHEDULER_SECRET not set, the HTTP trigger will reject every request")
	}
	triggerHandler := api.NewTriggerHandler(invoker, cfg.SchedulerSecret, logger)
	r.With(middleware.Timeout(cfg.SchedulerRunTimeout)).Post("/internal/scheduler/run", triggerHandler.Run)

	var cache api.Pinger
	if redisClient != nil {
		cache = redisClient
	}
	r.Get("/health", api.HealthHandler(database, cache, breakers, logger))
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.SchedulerRunTimeout + 15*time.Second,
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
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		bgCancel()
		if cronTrigger != nil {
			cronTrigger.Stop(ctx)
		}

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildDeliveryChannel wires every configured transport behind its own
// circuit breaker. Chat is always available because it writes to the
// database the scheduler already depends on.
func buildDeliveryChannel(ctx context.Context, cfg *config.Config, repo *db.Repository, logger *zap.Logger) (*delivery.Router, []*circuitbreaker.CircuitBreaker) {
	onStateChange := func(name string, from, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState(name, int(to))
	}

	var (
		senders  []delivery.Sender
		breakers []*circuitbreaker.CircuitBreaker
	)
	protect := func(name string, sender circuitbreaker.Sender) {
		ps := circuitbreaker.Wrap(name, sender, onStateChange, logger)
		senders = append(senders, ps)
		breakers = append(breakers, ps.Breaker())
	}

	protect(db.ChannelChat, delivery.NewChatSender(repo, logger))

	if cfg.SNSTopicARNPrefix != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{
			Region:         cfg.AWSRegion,
			TopicARNPrefix: cfg.SNSTopicARNPrefix,
			Endpoint:       cfg.AWSEndpoint,
		})
		if err != nil {
			logger.Warn("sns publisher unavailable, push disabled", zap.Error(err))
		} else {
			protect(db.ChannelPush, delivery.NewPushSender(publisher, cfg.PushTitle, logger))
		}
	}

	if cfg.SESFromEmail != "" {
		email, err := delivery.NewEmailSender(ctx, delivery.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			Endpoint:  cfg.AWSEndpoint,
		}, repo, logger)
		if err != nil {
			logger.Warn("ses sender unavailable, email disabled", zap.Error(err))
		} else {
			protect(db.ChannelEmail, email)
		}
	}

	if cfg.WebhookURL != "" {
		protect(db.ChannelWebhook, delivery.NewWebhookSender(logger, delivery.WebhookConfig{
			URL:     cfg.WebhookURL,
			Timeout: cfg.WebhookTimeout,
		}))
	}

	// development fallback so records on unconfigured channels are logged
	// instead of failing
	if cfg.Env != "production" {
		senders = append(senders, delivery.NewLogSender(logger))
	}

	logger.Info("delivery channels initialized", zap.Int("transports", len(senders)))

	return delivery.NewRouter(logger, senders...), breakers
}

func reportPoolStats(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.Stats())
		}
	}
}
