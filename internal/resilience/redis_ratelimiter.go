package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter enforces a per-provider quota shared by every process
// calling the provider. Each call is a member of a sorted set scored by its
// timestamp; entries older than the window are trimmed before counting.
// The check and insert run atomically in a Lua script.
type RedisRateLimiter struct {
	client   redis.UniversalClient
	window   time.Duration
	limit    int
	fallback *RateLimiterManager
	logger   *slog.Logger

	mu     sync.RWMutex
	limits map[string]int
}

type RedisRateLimiterConfig struct {
	Window time.Duration // sliding window size (default: 1 second)
	Limit  int           // calls allowed per window (default: 25)
}

func DefaultRedisRateLimiterConfig() RedisRateLimiterConfig {
	return RedisRateLimiterConfig{
		Window: time.Second,
		Limit:  25,
	}
}

// NewRedisRateLimiter falls back to an in-process limiter with the same
// rate when Redis is unavailable.
func NewRedisRateLimiter(client redis.UniversalClient, config RedisRateLimiterConfig, logger *slog.Logger) *RedisRateLimiter {
	if config.Window == 0 {
		config.Window = time.Second
	}
	if config.Limit == 0 {
		config.Limit = 25
	}
	if logger == nil {
		logger = slog.Default()
	}

	perSecond := float64(config.Limit) / config.Window.Seconds()
	return &RedisRateLimiter{
		client: client,
		window: config.Window,
		limit:  config.Limit,
		fallback: NewRateLimiterManager(RateLimiterConfig{
			RequestsPerSecond: perSecond,
			BurstSize:         config.Limit/10 + 1,
		}),
		logger: logger,
		limits: make(map[string]int),
	}
}

// SetRate overrides the quota for one provider. The shared window keeps its
// size; the per-window limit follows the rate.
func (r *RedisRateLimiter) SetRate(provider string, requestsPerSecond float64, burstSize int) {
	limit := int(math.Ceil(requestsPerSecond * r.window.Seconds()))
	if limit < 1 {
		limit = 1
	}
	r.mu.Lock()
	r.limits[provider] = limit
	r.mu.Unlock()
	r.fallback.SetRate(provider, requestsPerSecond, burstSize)
}

func (r *RedisRateLimiter) limitFor(provider string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit, ok := r.limits[provider]; ok {
		return limit
	}
	return r.limit
}

// rateLimitScript returns 1 if allowed, 0 if rate limited.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

func (r *RedisRateLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	key := fmt.Sprintf("ratelimit:provider:%s", provider)
	now := time.Now()
	member := fmt.Sprintf("%d:%d", now.UnixMilli(), now.UnixNano()%1000000)

	result, err := rateLimitScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(), r.window.Milliseconds(), r.limitFor(provider), member).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using fallback",
			"error", err,
			"provider", provider,
		)
		return r.fallback.Allow(ctx, provider)
	}

	return result == 1, nil
}
