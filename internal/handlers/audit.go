package handlers

import (
	"context"
	"log/slog"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/events"
)

// AuditLog writes one structured log line per event before any other
// handler runs.
type AuditLog struct {
	logger *slog.Logger
}

func NewAuditLog(logger *slog.Logger) *AuditLog {
	return &AuditLog{logger: logger}
}

func (h *AuditLog) CanHandle(*domain.Event) bool { return true }

func (h *AuditLog) Priority() int { return events.PriorityHighest }

func (h *AuditLog) Handle(ctx context.Context, event *domain.Event) (domain.EventResult, error) {
	attrs := []any{
		"event_id", event.ID,
		"event", event.Name,
		"timestamp", event.Timestamp,
	}
	for _, key := range []string{"source", "provider", "provider_event", "idempotency_key"} {
		if v := metadataString(event, key); v != "" {
			attrs = append(attrs, key, v)
		}
	}
	h.logger.InfoContext(ctx, "domain event", attrs...)
	return domain.Succeeded(nil), nil
}
