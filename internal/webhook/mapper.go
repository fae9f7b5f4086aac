package webhook

import (
	"sync"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

// Builder turns a normalized provider event into a domain event payload.
// Returning false means the event carries nothing to dispatch.
type Builder func(ev domain.NormalizedWebhookEvent) (domain.EventPayload, bool)

// EventMapper maps normalized webhook types onto domain events.
type EventMapper struct {
	mu       sync.RWMutex
	builders map[domain.WebhookEventType]Builder
}

// NewEventMapper returns a mapper loaded with the default mappings.
func NewEventMapper() *EventMapper {
	m := &EventMapper{builders: make(map[domain.WebhookEventType]Builder)}
	m.Register(domain.WebhookPaymentSucceeded, paymentCaptured)
	m.Register(domain.WebhookCheckoutCompleted, paymentCaptured)
	m.Register(domain.WebhookPaymentFailed, paymentFailed)
	m.Register(domain.WebhookRefundCreated, refundCompleted)
	m.Register(domain.WebhookSubscriptionCancelled, subscriptionCancelled)
	m.Register(domain.WebhookDisputeCreated, disputeCreated)
	return m
}

// Register replaces the builder for a webhook type. A nil builder removes it.
func (m *EventMapper) Register(t domain.WebhookEventType, b Builder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b == nil {
		delete(m.builders, t)
		return
	}
	m.builders[t] = b
}

// Map builds the domain event for ev. The webhook's identity travels in the
// event metadata.
func (m *EventMapper) Map(ev domain.NormalizedWebhookEvent) (*domain.Event, bool) {
	m.mu.RLock()
	b, ok := m.builders[ev.Type]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	payload, ok := b(ev)
	if !ok {
		return nil, false
	}
	return domain.NewEvent(payload, map[string]any{
		"source":          "webhook",
		"provider":        ev.Provider,
		"webhook_type":    string(ev.Type),
		"provider_event":  ev.EventID,
		"idempotency_key": Key(ev.Provider, ev.EventID),
	}), true
}

func paymentCaptured(ev domain.NormalizedWebhookEvent) (domain.EventPayload, bool) {
	return domain.PaymentCaptured{
		Provider:      ev.Provider,
		TransactionID: ev.TransactionID(),
		References:    ev.References,
		AmountMinor:   ev.AmountMinor,
		Currency:      ev.Currency,
	}, true
}

func paymentFailed(ev domain.NormalizedWebhookEvent) (domain.EventPayload, bool) {
	return domain.PaymentFailed{
		Provider:      ev.Provider,
		TransactionID: ev.TransactionID(),
		References:    ev.References,
		ErrorCode:     ev.FailureCode,
		ErrorMessage:  ev.FailureMessage,
	}, true
}

func refundCompleted(ev domain.NormalizedWebhookEvent) (domain.EventPayload, bool) {
	return domain.RefundCompleted{
		Provider:      ev.Provider,
		RefundID:      ev.RefundID,
		TransactionID: ev.TransactionID(),
		References:    ev.References,
		AmountMinor:   ev.AmountMinor,
		Currency:      ev.Currency,
	}, true
}

func subscriptionCancelled(ev domain.NormalizedWebhookEvent) (domain.EventPayload, bool) {
	if ev.References.SubscriptionID == "" {
		return nil, false
	}
	return domain.SubscriptionCancelled{
		Provider:   ev.Provider,
		References: ev.References,
		Reason:     ev.Status,
	}, true
}

func disputeCreated(ev domain.NormalizedWebhookEvent) (domain.EventPayload, bool) {
	return domain.DisputeCreated{
		Provider:      ev.Provider,
		TransactionID: ev.TransactionID(),
		References:    ev.References,
		AmountMinor:   ev.AmountMinor,
		Currency:      ev.Currency,
		Reason:        ev.FailureMessage,
	}, true
}
