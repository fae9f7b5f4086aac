// Package resilience protects provider APIs from overload and cascading
// failures.
//
// This package uses:
//   - golang.org/x/time/rate: token bucket limiter per provider.
//   - github.com/sony/gobreaker: circuit breaker per provider.
//   - github.com/redis/go-redis/v9: sliding-window limiter shared across
//     instances.
package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a call to a provider may proceed now.
type RateLimiter interface {
	Allow(ctx context.Context, provider string) (bool, error)
}

// RateLimiterConfig defines the rate limiting parameters.
//
// RequestsPerSecond controls the steady-state rate of allowed requests.
// BurstSize allows temporary spikes above the rate limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 25,
		BurstSize:         5,
	}
}

// RateLimiterManager maintains per-provider token buckets.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetLimiter returns the limiter for a provider, creating one if needed.
func (m *RateLimiterManager) GetLimiter(provider string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[provider]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[provider]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[provider] = limiter
	return limiter
}

// Allow implements RateLimiter. It never errors.
func (m *RateLimiterManager) Allow(ctx context.Context, provider string) (bool, error) {
	return m.GetLimiter(provider).Allow(), nil
}

// SetRate overrides the limit for one provider, e.g. a sandbox account
// with a lower quota.
func (m *RateLimiterManager) SetRate(provider string, requestsPerSecond float64, burstSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[provider] = rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)
}
