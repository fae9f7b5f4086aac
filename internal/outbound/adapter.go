package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dantweb/vbwd-sdk-sub001/internal/clock"
	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/observability"
	"github.com/dantweb/vbwd-sdk-sub001/internal/resilience"
	"github.com/dantweb/vbwd-sdk-sub001/internal/retry"
)

// IdempotencyStore is the subset of idempotency.Store the adapter needs.
type IdempotencyStore interface {
	IsDuplicate(ctx context.Context, key string, requestData map[string]any) (bool, map[string]any, error)
	StartRequest(ctx context.Context, key, provider, operation string, requestData map[string]any, ttl time.Duration) (bool, error)
	CompleteRequest(ctx context.Context, key string, response map[string]any, status domain.IdempotencyStatus) error
}

// Call identifies one logical provider operation.
type Call struct {
	Provider       string
	Operation      string
	IdempotencyKey string
	RequestData    map[string]any
	// TTL of the idempotency record; zero uses the store default.
	TTL time.Duration
}

// Func performs the provider call. It may run several times.
type Func func(ctx context.Context) (map[string]any, error)

type Result struct {
	Data           map[string]any
	Cached         bool
	IdempotencyKey string
	Attempts       int
}

const (
	DefaultPendingWaitInterval = 500 * time.Millisecond
	DefaultMaxPendingWaits     = 10
)

// Adapter executes provider calls through the idempotency store.
type Adapter struct {
	store   IdempotencyStore
	policy  retry.Policy
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	pendingInterval time.Duration
	maxPendingWaits int

	breaker *resilience.CircuitBreakerManager
	limiter resilience.RateLimiter
}

type Option func(*Adapter)

func WithRetryPolicy(p retry.Policy) Option {
	return func(a *Adapter) { a.policy = p }
}

func WithMaxRetries(n int) Option {
	return func(a *Adapter) { a.policy.MaxRetries = n }
}

func WithClock(c clock.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithPendingWait bounds how long a caller waits on an in-flight duplicate.
func WithPendingWait(interval time.Duration, maxWaits int) Option {
	return func(a *Adapter) {
		a.pendingInterval = interval
		a.maxPendingWaits = maxWaits
	}
}

// WithCircuitBreaker wraps every attempt in the provider's breaker. Only
// retryable failures count against it.
func WithCircuitBreaker(m *resilience.CircuitBreakerManager) Option {
	return func(a *Adapter) { a.breaker = m }
}

func WithRateLimiter(l resilience.RateLimiter) Option {
	return func(a *Adapter) { a.limiter = l }
}

func NewAdapter(store IdempotencyStore, opts ...Option) *Adapter {
	a := &Adapter{
		store:           store,
		policy:          retry.DefaultPolicy(),
		clock:           clock.RealClock{},
		pendingInterval: DefaultPendingWaitInterval,
		maxPendingWaits: DefaultMaxPendingWaits,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if a.breaker != nil {
		a.breaker.CountFailuresWhen(func(err error) bool {
			return Classify(err) == ClassRetryable
		})
		a.breaker.OnStateChange(a.onBreakerStateChange)
	}
	return a
}

// ExecuteWithIdempotency returns the cached response of a completed call
// with the same key, or claims the key, runs fn under the retry policy and
// records the outcome. Errors wrap domain.ErrTerminalClientError,
// domain.ErrRetryExhausted, ErrUnexpected, domain.ErrPendingTimeout or
// domain.ErrIdempotencyCollision.
func (a *Adapter) ExecuteWithIdempotency(ctx context.Context, call Call, fn Func) (Result, error) {
	if call.IdempotencyKey == "" {
		return Result{}, fmt.Errorf("%w: missing idempotency key", domain.ErrInvalidInput)
	}
	res := Result{IdempotencyKey: call.IdempotencyKey}

	cached, hit, err := a.claim(ctx, call)
	if err != nil {
		a.countCall(call, outcomeOf(err))
		return res, err
	}
	if hit {
		a.countCall(call, "cached")
		if a.metrics != nil {
			a.metrics.IdempotencyHits.WithLabelValues(call.Provider, call.Operation).Inc()
		}
		res.Data = cached
		res.Cached = true
		return res, nil
	}

	data, attempts, runErr := a.run(ctx, call, fn)
	res.Attempts = attempts

	status := domain.IdempotencyCompleted
	response := data
	if runErr != nil {
		status = domain.IdempotencyFailed
		response = map[string]any{"error": runErr.Error()}
	} else if response == nil {
		response = map[string]any{}
	}

	// The outcome is recorded even if the caller's context is gone, so the
	// key does not stay pending until it expires.
	if err := a.store.CompleteRequest(context.WithoutCancel(ctx), call.IdempotencyKey, response, status); err != nil {
		a.logger.Error("failed to record outbound call outcome",
			"provider", call.Provider,
			"operation", call.Operation,
			"idempotency_key", call.IdempotencyKey,
			"error", err,
		)
	}

	if runErr != nil {
		a.countCall(call, outcomeOf(runErr))
		return res, runErr
	}
	a.countCall(call, "success")
	res.Data = data
	return res, nil
}

// claim loops until the caller owns the key or a completed response is
// found. Pending waits and lost races share one bound.
func (a *Adapter) claim(ctx context.Context, call Call) (map[string]any, bool, error) {
	waits := 0
	for {
		dup, cached, err := a.store.IsDuplicate(ctx, call.IdempotencyKey, call.RequestData)
		if err != nil {
			return nil, false, err
		}
		if dup && cached != nil {
			return cached, true, nil
		}

		if !dup {
			ok, err := a.store.StartRequest(ctx, call.IdempotencyKey, call.Provider, call.Operation, call.RequestData, call.TTL)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return nil, false, nil
			}
		}

		if waits >= a.maxPendingWaits {
			a.logger.Warn("gave up waiting for in-flight provider call",
				"provider", call.Provider,
				"operation", call.Operation,
				"idempotency_key", call.IdempotencyKey,
				"waits", waits,
			)
			return nil, false, fmt.Errorf("%w: key %s after %d waits", domain.ErrPendingTimeout, call.IdempotencyKey, waits)
		}
		waits++
		if err := clock.Sleep(ctx, a.clock, a.pendingInterval); err != nil {
			return nil, false, err
		}
	}
}

func (a *Adapter) run(ctx context.Context, call Call, fn Func) (map[string]any, int, error) {
	attempts := a.policy.Attempts()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := a.policy.CalculateDelay(attempt)
			a.logger.Info("retrying provider call",
				"provider", call.Provider,
				"operation", call.Operation,
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			if err := clock.Sleep(ctx, a.clock, delay); err != nil {
				return nil, attempt, fmt.Errorf("%w: retry aborted: %w", ErrUnexpected, errors.Join(err, lastErr))
			}
		}

		data, err := a.attempt(ctx, call, fn)
		if err == nil {
			return data, attempt + 1, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, attempt + 1, fmt.Errorf("%w: %w", ErrUnexpected, errors.Join(ctxErr, err))
		}

		switch Classify(err) {
		case ClassTerminal:
			a.logger.Warn("provider rejected call",
				"provider", call.Provider,
				"operation", call.Operation,
				"error", err,
			)
			return nil, attempt + 1, fmt.Errorf("%w: %w", domain.ErrTerminalClientError, err)
		case ClassUnexpected:
			a.logger.Error("provider call failed unexpectedly",
				"provider", call.Provider,
				"operation", call.Operation,
				"error", err,
			)
			return nil, attempt + 1, fmt.Errorf("%w: %w", ErrUnexpected, err)
		}
	}

	a.logger.Error("provider call retries exhausted",
		"provider", call.Provider,
		"operation", call.Operation,
		"attempts", attempts,
		"error", lastErr,
	)
	return nil, attempts, fmt.Errorf("%w after %d attempts: %w", domain.ErrRetryExhausted, attempts, lastErr)
}

func (a *Adapter) attempt(ctx context.Context, call Call, fn Func) (map[string]any, error) {
	if a.limiter != nil {
		allowed, err := a.limiter.Allow(ctx, call.Provider)
		if err == nil && !allowed {
			if a.metrics != nil {
				a.metrics.RateLimiterRejections.WithLabelValues(call.Provider).Inc()
			}
			return nil, ErrRateLimited
		}
	}

	start := a.clock.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.OutboundAttempts.WithLabelValues(call.Provider, call.Operation).Inc()
			a.metrics.OutboundDuration.WithLabelValues(call.Provider, call.Operation).
				Observe(a.clock.Now().Sub(start).Seconds())
		}
	}()

	if a.breaker == nil {
		return fn(ctx)
	}

	out, err := a.breaker.Execute(call.Provider, func() (interface{}, error) {
		return fn(ctx)
	})
	if resilience.IsOpen(err) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, call.Provider)
	}
	if err != nil {
		return nil, err
	}
	data, _ := out.(map[string]any)
	return data, nil
}

func (a *Adapter) onBreakerStateChange(provider string, from, to resilience.CircuitBreakerState) {
	a.logger.Warn("provider circuit breaker state changed",
		"provider", provider,
		"from", from,
		"to", to,
	)
	if a.metrics == nil {
		return
	}
	a.metrics.CircuitBreakerState.WithLabelValues(provider).Set(to.Gauge())
	if to == resilience.CircuitBreakerStateOpen {
		a.metrics.CircuitBreakerTrips.WithLabelValues(provider).Inc()
	}
}

func (a *Adapter) countCall(call Call, outcome string) {
	if a.metrics != nil {
		a.metrics.OutboundCalls.WithLabelValues(call.Provider, call.Operation, outcome).Inc()
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrTerminalClientError):
		return "terminal"
	case errors.Is(err, domain.ErrRetryExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrPendingTimeout):
		return "pending_timeout"
	case errors.Is(err, domain.ErrIdempotencyCollision):
		return "collision"
	default:
		return "unexpected"
	}
}
