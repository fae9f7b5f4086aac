package handlers

import (
	"context"
	"fmt"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/events"
)

// Publish forwards every event to a Publisher after the business handlers
// have run. A publish failure fails the dispatch so the source retries.
type Publish struct {
	publisher Publisher
}

func NewPublish(p Publisher) *Publish {
	return &Publish{publisher: p}
}

func (h *Publish) CanHandle(*domain.Event) bool { return true }

func (h *Publish) Priority() int { return events.PriorityLowest }

func (h *Publish) Handle(ctx context.Context, event *domain.Event) (domain.EventResult, error) {
	if err := h.publisher.Publish(ctx, event); err != nil {
		return domain.EventResult{}, fmt.Errorf("publish %s: %w", event.Name, err)
	}
	return domain.Succeeded(map[string]any{"published": true}), nil
}
