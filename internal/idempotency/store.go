package idempotency

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dantweb/vbwd-sdk-sub001/internal/clock"
	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

// maxClearAttempts bounds how often IsDuplicate re-reads a key whose failed
// record was replaced while it was being cleared.
const maxClearAttempts = 3

// Store implements the request lifecycle on top of a Backend:
// StartRequest claims a key, CompleteRequest settles it, IsDuplicate
// answers later callers.
type Store struct {
	backend Backend
	clock   clock.Clock
	logger  *slog.Logger
}

func NewStore(backend Backend, c clock.Clock, logger *slog.Logger) *Store {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{backend: backend, clock: c, logger: logger}
}

// StartRequest atomically creates a pending record. It returns false when
// another caller already owns the key. A non-positive ttl uses
// domain.DefaultIdempotencyTTL.
func (s *Store) StartRequest(ctx context.Context, key, provider, operation string, requestData map[string]any, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: empty idempotency key", domain.ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = domain.DefaultIdempotencyTTL
	}
	hash, err := HashRequest(requestData)
	if err != nil {
		return false, err
	}

	now := s.clock.Now().UTC()
	rec := &domain.IdempotencyRecord{
		Key:         key,
		Provider:    provider,
		Operation:   operation,
		RequestHash: hash,
		Status:      domain.IdempotencyPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	ok, err := s.backend.SetNX(ctx, key, rec, ttl)
	if err != nil {
		return false, fmt.Errorf("start request %s: %w", key, err)
	}
	if !ok {
		s.logger.Debug("idempotency key already claimed", "key", key, "operation", operation)
	}
	return ok, nil
}

// IsDuplicate reports whether the request was already seen. A completed
// record returns its cached response; a pending record returns (true, nil)
// meaning in flight. A failed record is deleted so the caller may retry,
// unless another caller reclaimed it first.
// A record whose request hash differs yields domain.ErrIdempotencyCollision.
func (s *Store) IsDuplicate(ctx context.Context, key string, requestData map[string]any) (bool, map[string]any, error) {
	hash, err := HashRequest(requestData)
	if err != nil {
		return false, nil, err
	}

	for attempt := 0; attempt < maxClearAttempts; attempt++ {
		rec, err := s.backend.Get(ctx, key)
		if err != nil {
			return false, nil, fmt.Errorf("lookup %s: %w", key, err)
		}
		if rec == nil {
			return false, nil, nil
		}
		if hash != rec.RequestHash {
			s.logger.Error("idempotency key reused for a different request",
				"key", key,
				"provider", rec.Provider,
				"operation", rec.Operation,
			)
			return false, nil, fmt.Errorf("%w: key %s", domain.ErrIdempotencyCollision, key)
		}

		switch rec.Status {
		case domain.IdempotencyCompleted:
			return true, rec.ResponseData, nil
		case domain.IdempotencyFailed:
			cleared, err := s.backend.DeleteIfStatus(ctx, key, domain.IdempotencyFailed)
			if err != nil {
				return false, nil, fmt.Errorf("clear failed %s: %w", key, err)
			}
			if cleared {
				return false, nil, nil
			}
			// The record changed under us; look again.
		default:
			return true, nil, nil
		}
	}
	// Still contended after several reads: report it as in flight.
	return true, nil, nil
}

// CompleteRequest settles a pending record as completed or failed,
// keeping the remaining TTL.
func (s *Store) CompleteRequest(ctx context.Context, key string, response map[string]any, status domain.IdempotencyStatus) error {
	if status != domain.IdempotencyCompleted && status != domain.IdempotencyFailed {
		return fmt.Errorf("%w: cannot complete with status %q", domain.ErrInvalidInput, status)
	}

	rec, err := s.backend.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", key, err)
	}
	if rec == nil {
		return fmt.Errorf("complete %s: %w", key, domain.ErrNotFound)
	}

	rec.Status = status
	rec.ResponseData = response
	if err := s.backend.Update(ctx, key, rec); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// DeleteKey invalidates a key so the operation can run again.
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ReleaseRequest drops a pending claim the caller owns without settling it,
// so the next delivery can claim the key. Settled records are left alone.
func (s *Store) ReleaseRequest(ctx context.Context, key string) error {
	if _, err := s.backend.DeleteIfStatus(ctx, key, domain.IdempotencyPending); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Get returns the raw record, or nil if absent.
func (s *Store) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	return s.backend.Get(ctx, key)
}
