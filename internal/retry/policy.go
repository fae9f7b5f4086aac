// Package retry provides backoff policies for provider calls and a poller
// that periodically re-runs failed webhooks.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes exponential backoff. MaxRetries counts retries after the
// first attempt, so a call runs at most MaxRetries+1 times.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxRetries      int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          0,
		MaxRetries:      3,
	}
}

// Exponential returns a jitter-free doubling policy starting at base.
func Exponential(base time.Duration, maxRetries int) Policy {
	return Policy{
		InitialInterval: base,
		MaxInterval:     time.Hour,
		Multiplier:      2.0,
		MaxRetries:      maxRetries,
	}
}

// CalculateDelay returns the wait before the given retry (1-based):
// InitialInterval * Multiplier^(retry-1), capped at MaxInterval.
func (p Policy) CalculateDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(retry-1))

	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		jitterOffset := (rand.Float64()*2 - 1) * jitterRange
		delay += jitterOffset
	}

	return time.Duration(delay)
}

// Attempts is the total number of calls the policy permits.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}
