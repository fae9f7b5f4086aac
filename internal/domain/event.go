package domain

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type EventName string

const (
	EventCheckoutInitiated     EventName = "checkout.initiated"
	EventPaymentCaptured       EventName = "payment.captured"
	EventPaymentFailed         EventName = "payment.failed"
	EventRefundRequested       EventName = "refund.requested"
	EventRefundCompleted       EventName = "refund.completed"
	EventSubscriptionCancelled EventName = "subscription.cancelled"
	EventDisputeCreated        EventName = "dispute.created"
)

// EventPayload is implemented by every concrete event body. The payload
// decides the event's discriminant, so an Event never changes name after
// construction.
type EventPayload interface {
	EventName() EventName
}

// Event is a domain event travelling through the dispatcher. Everything but
// the propagation flag is fixed at construction.
type Event struct {
	ID        string         `json:"id"`
	Name      EventName      `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
	Payload   EventPayload   `json:"payload"`

	stopped atomic.Bool
}

func NewEvent(payload EventPayload, metadata map[string]any) *Event {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Event{
		ID:        uuid.NewString(),
		Name:      payload.EventName(),
		Timestamp: time.Now().UTC(),
		Metadata:  md,
		Payload:   payload,
	}
}

// StopPropagation prevents lower-priority handlers from running.
func (e *Event) StopPropagation() {
	e.stopped.Store(true)
}

func (e *Event) IsPropagationStopped() bool {
	return e.stopped.Load()
}

// GenericPayload carries events whose name is only known at runtime, such as
// commands decoded from a message broker.
type GenericPayload struct {
	Name EventName      `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

func (p GenericPayload) EventName() EventName { return p.Name }

type CheckoutInitiated struct {
	Provider    string `json:"provider"`
	UserID      string `json:"user_id"`
	PlanID      string `json:"plan_id"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	ReturnURL   string `json:"return_url,omitempty"`
	CancelURL   string `json:"cancel_url,omitempty"`
}

func (CheckoutInitiated) EventName() EventName { return EventCheckoutInitiated }

type PaymentCaptured struct {
	Provider      string     `json:"provider"`
	TransactionID string     `json:"transaction_id"`
	References    References `json:"references"`
	AmountMinor   int64      `json:"amount_minor"`
	Currency      string     `json:"currency"`
}

func (PaymentCaptured) EventName() EventName { return EventPaymentCaptured }

type PaymentFailed struct {
	Provider      string     `json:"provider"`
	TransactionID string     `json:"transaction_id"`
	References    References `json:"references"`
	ErrorCode     string     `json:"error_code"`
	ErrorMessage  string     `json:"error_message"`
}

func (PaymentFailed) EventName() EventName { return EventPaymentFailed }

// RefundRequested asks the payment service to refund a transaction.
// AmountMinor zero means a full refund.
type RefundRequested struct {
	Provider      string     `json:"provider"`
	TransactionID string     `json:"transaction_id"`
	References    References `json:"references"`
	AmountMinor   int64      `json:"amount_minor,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	Reason        string     `json:"reason"`
}

func (RefundRequested) EventName() EventName { return EventRefundRequested }

type RefundCompleted struct {
	Provider      string     `json:"provider"`
	RefundID      string     `json:"refund_id"`
	TransactionID string     `json:"transaction_id"`
	References    References `json:"references"`
	AmountMinor   int64      `json:"amount_minor"`
	Currency      string     `json:"currency"`
}

func (RefundCompleted) EventName() EventName { return EventRefundCompleted }

type SubscriptionCancelled struct {
	Provider   string     `json:"provider"`
	References References `json:"references"`
	Reason     string     `json:"reason,omitempty"`
}

func (SubscriptionCancelled) EventName() EventName { return EventSubscriptionCancelled }

type DisputeCreated struct {
	Provider      string     `json:"provider"`
	TransactionID string     `json:"transaction_id"`
	References    References `json:"references"`
	AmountMinor   int64      `json:"amount_minor"`
	Currency      string     `json:"currency"`
	Reason        string     `json:"reason,omitempty"`
}

func (DisputeCreated) EventName() EventName { return EventDisputeCreated }
