// Package memory provides process-local repository implementations for
// tests and single-instance development runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

type WebhookRepository struct {
	mu      sync.RWMutex
	byID    map[string]*domain.WebhookRecord
	byEvent map[string]string
}

func NewWebhookRepository() *WebhookRepository {
	return &WebhookRepository{
		byID:    make(map[string]*domain.WebhookRecord),
		byEvent: make(map[string]string),
	}
}

func eventKey(provider, eventID string) string {
	return provider + "\x00" + eventID
}

// clone keeps callers from mutating stored records without Update.
func clone(r *domain.WebhookRecord) *domain.WebhookRecord {
	c := *r
	if r.Headers != nil {
		c.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = v
		}
	}
	c.Payload = append([]byte(nil), r.Payload...)
	return &c
}

func (r *WebhookRepository) Create(ctx context.Context, record *domain.WebhookRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := eventKey(record.Provider, record.EventID)
	if _, exists := r.byEvent[key]; exists {
		return domain.ErrAlreadyExists
	}
	r.byID[record.ID] = clone(record)
	r.byEvent[key] = record.ID
	return nil
}

func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*domain.WebhookRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(rec), nil
}

func (r *WebhookRepository) GetByEventID(ctx context.Context, provider, eventID string) (*domain.WebhookRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEvent[eventKey(provider, eventID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(r.byID[id]), nil
}

func (r *WebhookRepository) FindByEventID(ctx context.Context, eventID string) (*domain.WebhookRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *domain.WebhookRecord
	for _, rec := range r.byID {
		if rec.EventID != eventID {
			continue
		}
		if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
			newest = rec
		}
	}
	if newest == nil {
		return nil, domain.ErrNotFound
	}
	return clone(newest), nil
}

func (r *WebhookRepository) Update(ctx context.Context, record *domain.WebhookRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[record.ID]; !ok {
		return domain.ErrNotFound
	}
	r.byID[record.ID] = clone(record)
	return nil
}

func (r *WebhookRepository) CompareAndUpdate(ctx context.Context, record *domain.WebhookRecord, prevStatus domain.WebhookStatus, prevRetryCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[record.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != prevStatus || cur.RetryCount != prevRetryCount {
		return domain.ErrConflict
	}
	r.byID[record.ID] = clone(record)
	return nil
}

func (r *WebhookRepository) ListRetryable(ctx context.Context, provider string, limit int) ([]*domain.WebhookRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.WebhookRecord
	for _, rec := range r.byID {
		if rec.Status != domain.WebhookStatusFailed || !rec.CanRetry() {
			continue
		}
		if provider != "" && rec.Provider != provider {
			continue
		}
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
