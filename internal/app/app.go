// Package app wires the engine's components from configuration. Both the
// HTTP server and the worker build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dantweb/vbwd-sdk-sub001/internal/clock"
	"github.com/dantweb/vbwd-sdk-sub001/internal/config"
	"github.com/dantweb/vbwd-sdk-sub001/internal/events"
	"github.com/dantweb/vbwd-sdk-sub001/internal/handlers"
	"github.com/dantweb/vbwd-sdk-sub001/internal/idempotency"
	"github.com/dantweb/vbwd-sdk-sub001/internal/kafka"
	"github.com/dantweb/vbwd-sdk-sub001/internal/observability"
	"github.com/dantweb/vbwd-sdk-sub001/internal/outbound"
	"github.com/dantweb/vbwd-sdk-sub001/internal/payments"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider/mockpay"
	"github.com/dantweb/vbwd-sdk-sub001/internal/repository"
	"github.com/dantweb/vbwd-sdk-sub001/internal/repository/postgres"
	"github.com/dantweb/vbwd-sdk-sub001/internal/resilience"
	"github.com/dantweb/vbwd-sdk-sub001/internal/retry"
	"github.com/dantweb/vbwd-sdk-sub001/internal/webhook"
)

// Infra holds the external resources the engine runs on.
type Infra struct {
	Repo        repository.WebhookRepository
	Idempotency idempotency.Backend
	RateLimiter resilience.RateLimiter
	// Publisher is optional; nil disables event forwarding.
	Publisher handlers.Publisher
	Clock     clock.Clock
}

type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Dispatcher *events.Dispatcher
	Processor  *webhook.Processor
	Payments   *payments.Service
	Checks     map[string]observability.HealthChecker

	closers []func()
}

// New connects to Postgres, Redis and Kafka as configured and assembles the
// engine. Close releases the connections.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	closers = append(closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		cleanup()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		cleanup()
		return nil, err
	}
	logger.Info("connected to database")

	infra := Infra{
		Repo:  postgres.NewWebhookRepository(pool),
		Clock: clock.RealClock{},
	}
	checks := map[string]observability.HealthChecker{"database": pool}

	redisClient, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	if redisClient != nil {
		closers = append(closers, func() { redisClient.Close() })
		infra.Idempotency = idempotency.NewRedisBackend(redisClient, "")
		infra.RateLimiter = resilience.NewRedisRateLimiter(redisClient, resilience.RedisRateLimiterConfig{
			Window: time.Second,
			Limit:  int(cfg.ProviderRateLimit),
		}, logger)
		checks["redis"] = observability.CheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	if len(cfg.KafkaBrokers) > 0 {
		pc := kafka.DefaultProducerConfig()
		pc.Brokers = cfg.KafkaBrokers
		pc.Topic = cfg.KafkaEventsTopic
		producer := kafka.NewProducer(pc, logger)
		closers = append(closers, func() { producer.Close() })
		infra.Publisher = producer
		logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaEventsTopic)
	}

	a := Assemble(cfg, logger, observability.NewMetrics(cfg.MetricsNamespace), infra)
	for name, c := range checks {
		a.Checks[name] = c
	}
	a.closers = closers
	return a, nil
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// engine then keeps idempotency state in process memory.
func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set, using in-memory idempotency store")
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis not available, using in-memory idempotency store", "error", err)
		client.Close()
		return nil, nil
	}
	logger.Info("connected to Redis", "addr", opt.Addr)
	return client, nil
}

// Assemble builds the engine on top of already connected infrastructure.
// Missing optional pieces fall back to in-process implementations.
func Assemble(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, infra Infra) *App {
	clk := infra.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	backend := infra.Idempotency
	if backend == nil {
		backend = idempotency.NewMemoryBackend(clk)
	}
	limiter := infra.RateLimiter
	if limiter == nil {
		limiter = resilience.NewRateLimiterManager(resilience.RateLimiterConfig{
			RequestsPerSecond: cfg.ProviderRateLimit,
			BurstSize:         cfg.ProviderBurst,
		})
	}

	applyProviderRates(cfg, logger, limiter, mockpay.Name)

	store := idempotency.NewStore(backend, clk, logger)

	policy := retry.DefaultPolicy()
	policy.InitialInterval = cfg.OutboundBaseDelay
	policy.MaxRetries = cfg.OutboundMaxRetries
	policy.Jitter = cfg.OutboundJitter
	adapter := outbound.NewAdapter(store,
		outbound.WithRetryPolicy(policy),
		outbound.WithClock(clk),
		outbound.WithLogger(logger),
		outbound.WithMetrics(metrics),
		outbound.WithCircuitBreaker(resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig())),
		outbound.WithRateLimiter(limiter),
	)

	apis := provider.NewRegistry[provider.PaymentAPI]()
	apis.Register(mockpay.Name, func() (provider.PaymentAPI, error) {
		if cfg.MockAPIURL == "" {
			return mockpay.NewAPI(), nil
		}
		return mockpay.NewRESTAPI(outbound.NewJSONClient(cfg.MockAPIURL, nil, cfg.OutboundTimeout)), nil
	})
	svc := payments.NewService(apis, adapter, logger)

	dispatcher := events.NewDispatcher(logger).WithMetrics(metrics)
	handlers.Register(dispatcher, handlers.Deps{
		Logger:    logger,
		Payments:  func() (handlers.PaymentService, error) { return svc, nil },
		Publisher: infra.Publisher,
	})

	webhooks := provider.NewRegistry[provider.WebhookProvider]()
	webhooks.RegisterInstance(mockpay.Name, mockpay.NewWebhook())

	processor := webhook.NewProcessor(webhooks, store, dispatcher, infra.Repo,
		webhook.WithClock(clk),
		webhook.WithLogger(logger),
		webhook.WithMetrics(metrics),
		webhook.WithSecretResolver(cfg.WebhookSecret),
		webhook.WithMaxRetries(cfg.WebhookMaxRetries),
		webhook.WithIdempotencyTTL(cfg.IdempotencyTTL),
		webhook.WithRetryBatchSize(cfg.RetryBatchSize),
	)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		Dispatcher: dispatcher,
		Processor:  processor,
		Payments:   svc,
		Checks:     make(map[string]observability.HealthChecker),
	}
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// rateSetter is implemented by limiters that accept per-provider quotas.
type rateSetter interface {
	SetRate(provider string, requestsPerSecond float64, burstSize int)
}

// applyProviderRates installs PROVIDER_RATE_LIMIT_<NAME> overrides.
func applyProviderRates(cfg *config.Config, logger *slog.Logger, limiter resilience.RateLimiter, providers ...string) {
	setter, ok := limiter.(rateSetter)
	if !ok {
		return
	}
	for _, name := range providers {
		rps, err := cfg.ProviderRate(name)
		if err != nil {
			logger.Warn("ignoring provider rate override", "provider", name, "error", err)
			continue
		}
		if rps != cfg.ProviderRateLimit {
			setter.SetRate(name, rps, cfg.ProviderBurst)
			logger.Info("provider rate override", "provider", name, "requests_per_second", rps)
		}
	}
}
