package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

func record(id, provider, eventID string, status domain.WebhookStatus, created time.Time) *domain.WebhookRecord {
	return &domain.WebhookRecord{
		ID:         id,
		Provider:   provider,
		EventID:    eventID,
		Status:     status,
		MaxRetries: 2,
		Headers:    map[string]string{"X-Test": "1"},
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestWebhookRepository_CreateIsUniquePerProviderEvent(t *testing.T) {
	repo := NewWebhookRepository()
	ctx := context.Background()
	now := time.Now()

	if err := repo.Create(ctx, record("1", "mock", "evt_1", domain.WebhookStatusReceived, now)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := repo.Create(ctx, record("2", "mock", "evt_1", domain.WebhookStatusReceived, now))
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
	if err := repo.Create(ctx, record("3", "other", "evt_1", domain.WebhookStatusReceived, now.Add(time.Second))); err != nil {
		t.Errorf("same event id from another provider: %v", err)
	}

	newest, err := repo.FindByEventID(ctx, "evt_1")
	if err != nil || newest.ID != "3" {
		t.Errorf("FindByEventID = %v, %v; want record 3", newest, err)
	}
}

func TestWebhookRepository_ReturnsCopies(t *testing.T) {
	repo := NewWebhookRepository()
	ctx := context.Background()
	_ = repo.Create(ctx, record("1", "mock", "evt_1", domain.WebhookStatusReceived, time.Now()))

	got, _ := repo.GetByID(ctx, "1")
	got.Status = domain.WebhookStatusCompleted
	got.Headers["X-Test"] = "changed"

	again, _ := repo.GetByID(ctx, "1")
	if again.Status != domain.WebhookStatusReceived || again.Headers["X-Test"] != "1" {
		t.Error("stored record changed without Update")
	}
}

func TestWebhookRepository_Update(t *testing.T) {
	repo := NewWebhookRepository()
	ctx := context.Background()
	rec := record("1", "mock", "evt_1", domain.WebhookStatusReceived, time.Now())
	_ = repo.Create(ctx, rec)

	rec.MarkCompleted(time.Now())
	if err := repo.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := repo.GetByEventID(ctx, "mock", "evt_1")
	if got.Status != domain.WebhookStatusCompleted {
		t.Errorf("status = %s", got.Status)
	}

	if err := repo.Update(ctx, record("missing", "mock", "evt_x", domain.WebhookStatusFailed, time.Now())); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWebhookRepository_ListRetryable(t *testing.T) {
	repo := NewWebhookRepository()
	ctx := context.Background()
	base := time.Now()

	exhausted := record("4", "mock", "evt_4", domain.WebhookStatusFailed, base)
	exhausted.RetryCount = 2

	for _, r := range []*domain.WebhookRecord{
		record("2", "mock", "evt_2", domain.WebhookStatusFailed, base.Add(2*time.Second)),
		record("1", "mock", "evt_1", domain.WebhookStatusFailed, base.Add(time.Second)),
		record("3", "other", "evt_3", domain.WebhookStatusFailed, base.Add(3*time.Second)),
		record("5", "mock", "evt_5", domain.WebhookStatusCompleted, base),
		exhausted,
	} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("Create %s: %v", r.ID, err)
		}
	}

	tests := []struct {
		name     string
		provider string
		limit    int
		want     []string
	}{
		{"one provider oldest first", "mock", 10, []string{"1", "2"}},
		{"all providers", "", 10, []string{"1", "2", "3"}},
		{"limit", "", 1, []string{"1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListRetryable(ctx, tt.provider, tt.limit)
			if err != nil {
				t.Fatalf("ListRetryable: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("got[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestWebhookRepository_CompareAndUpdate(t *testing.T) {
	repo := NewWebhookRepository()
	ctx := context.Background()
	now := time.Now()
	_ = repo.Create(ctx, record("1", "mock", "evt_1", domain.WebhookStatusFailed, now))

	rec, _ := repo.GetByID(ctx, "1")
	rec.BeginRetry(now)
	if err := repo.CompareAndUpdate(ctx, rec, domain.WebhookStatusFailed, 0); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	stale, _ := repo.GetByID(ctx, "1")
	stale.Status = domain.WebhookStatusFailed
	stale.RetryCount = 0
	stale.BeginRetry(now)
	err := repo.CompareAndUpdate(ctx, stale, domain.WebhookStatusFailed, 0)
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("stale transition err = %v, want ErrConflict", err)
	}

	got, _ := repo.GetByID(ctx, "1")
	if got.Status != domain.WebhookStatusReceived || got.RetryCount != 1 {
		t.Errorf("record = %s retry_count=%d", got.Status, got.RetryCount)
	}

	missing := record("2", "mock", "evt_2", domain.WebhookStatusFailed, now)
	if err := repo.CompareAndUpdate(ctx, missing, domain.WebhookStatusFailed, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing record err = %v, want ErrNotFound", err)
	}
}
