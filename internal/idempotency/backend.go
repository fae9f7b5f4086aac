package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/dantweb/vbwd-sdk-sub001/internal/clock"
	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

// Backend persists idempotency records with a TTL.
type Backend interface {
	// SetNX stores the record only if the key is absent. It reports whether
	// the record was written.
	SetNX(ctx context.Context, key string, record *domain.IdempotencyRecord, ttl time.Duration) (bool, error)
	// Get returns nil, nil when the key does not exist or has expired.
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// Update replaces the record and keeps its remaining TTL. A missing key
	// yields domain.ErrNotFound.
	Update(ctx context.Context, key string, record *domain.IdempotencyRecord) error
	Delete(ctx context.Context, key string) error
	// DeleteIfStatus removes the key only while its record is in the given
	// status. It reports whether the key was removed.
	DeleteIfStatus(ctx context.Context, key string, status domain.IdempotencyStatus) (bool, error)
}

// MemoryBackend is a process-local Backend for tests and single-instance
// deployments.
type MemoryBackend struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[string]memoryEntry
}

type memoryEntry struct {
	record    domain.IdempotencyRecord
	expiresAt time.Time
}

func NewMemoryBackend(c clock.Clock) *MemoryBackend {
	if c == nil {
		c = clock.RealClock{}
	}
	return &MemoryBackend{
		clock:   c,
		records: make(map[string]memoryEntry),
	}
}

func (m *MemoryBackend) SetNX(ctx context.Context, key string, record *domain.IdempotencyRecord, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if e, ok := m.records[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	m.records[key] = memoryEntry{record: *record, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryBackend) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.records, key)
		return nil, nil
	}
	rec := e.record
	return &rec, nil
}

func (m *MemoryBackend) Update(ctx context.Context, key string, record *domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[key]
	if !ok || !m.clock.Now().Before(e.expiresAt) {
		delete(m.records, key)
		return domain.ErrNotFound
	}
	e.record = *record
	m.records[key] = e
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryBackend) DeleteIfStatus(ctx context.Context, key string, status domain.IdempotencyStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[key]
	if !ok || !m.clock.Now().Before(e.expiresAt) || e.record.Status != status {
		return false, nil
	}
	delete(m.records, key)
	return true, nil
}

// Len reports the number of stored keys, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
