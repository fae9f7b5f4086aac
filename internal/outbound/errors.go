// Package outbound runs provider API calls at most once per idempotency
// key, retrying transient failures with exponential backoff.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

var (
	ErrCircuitOpen = errors.New("provider circuit breaker open")
	ErrRateLimited = errors.New("provider rate limit exceeded")
	ErrUnexpected  = errors.New("unexpected provider error")
)

// StatusError is a non-2xx response from a provider API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("provider responded %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying: server errors,
// request timeout and too many requests.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

type ErrorClass int

const (
	ClassUnexpected ErrorClass = iota
	ClassRetryable
	ClassTerminal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassTerminal:
		return "terminal"
	default:
		return "unexpected"
	}
}

// Classify sorts an attempt error into retryable (network, timeouts, 5xx,
// 408, 429, breaker and limiter rejections), terminal (other 4xx) or
// unexpected.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnexpected
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Retryable() {
			return ClassRetryable
		}
		if statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			return ClassTerminal
		}
		return ClassUnexpected
	}

	switch {
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrRateLimited):
		return ClassRetryable
	case errors.Is(err, context.DeadlineExceeded):
		return ClassRetryable
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}

	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) && retryable.Retryable() {
		return ClassRetryable
	}

	return ClassUnexpected
}
