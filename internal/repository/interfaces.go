package repository

import (
	"context"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

// WebhookRepository stores webhook audit records. Implementations enforce
// uniqueness of (provider, event_id).
type WebhookRepository interface {
	// Create returns domain.ErrAlreadyExists when the provider already
	// delivered this event id.
	Create(ctx context.Context, record *domain.WebhookRecord) error
	GetByID(ctx context.Context, id string) (*domain.WebhookRecord, error)
	GetByEventID(ctx context.Context, provider, eventID string) (*domain.WebhookRecord, error)
	// FindByEventID looks an event id up across providers, newest first.
	FindByEventID(ctx context.Context, eventID string) (*domain.WebhookRecord, error)
	Update(ctx context.Context, record *domain.WebhookRecord) error
	// CompareAndUpdate writes the record only while the stored row still has
	// prevStatus and prevRetryCount. Otherwise it returns domain.ErrConflict.
	CompareAndUpdate(ctx context.Context, record *domain.WebhookRecord, prevStatus domain.WebhookStatus, prevRetryCount int) error
	// ListRetryable returns failed records with retry budget left, oldest
	// first. An empty provider matches all providers.
	ListRetryable(ctx context.Context, provider string, limit int) ([]*domain.WebhookRecord, error)
}
