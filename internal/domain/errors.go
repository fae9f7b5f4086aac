// Package domain contains the core payment-integration entities: domain
// events and handler results, idempotency records and webhook audit records.
package domain

import "errors"

// Sentinel errors for common domain error cases.
// These allow handlers to check error types without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource with the same identifier already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates the resource changed since it was read.
	ErrConflict = errors.New("resource modified concurrently")
)

// Payment integration failures. Each delivery or outbound call reports these
// through result values; only ErrIdempotencyCollision signals a defect.
var (
	ErrSignatureInvalid     = errors.New("invalid webhook signature")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrIdempotencyCollision = errors.New("idempotency key collision: request hash mismatch")
	ErrRetryExhausted       = errors.New("retries exhausted")
	ErrHandlerFailure       = errors.New("event handler failed")
	ErrTerminalClientError  = errors.New("terminal client error")
	ErrPendingTimeout       = errors.New("timed out waiting for in-flight request")
)

// Error types carried by EventResult.ErrorType.
const (
	ErrorTypeHandler          = "handler_error"
	ErrorTypeHandlerException = "handler_exception"
	ErrorTypeHandlerInit      = "handler_init_error"
)
