package domain

import (
	"encoding/json"
	"time"
)

type WebhookStatus string

const (
	WebhookStatusReceived   WebhookStatus = "received"
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusCompleted  WebhookStatus = "completed"
	WebhookStatusFailed     WebhookStatus = "failed"
	WebhookStatusIgnored    WebhookStatus = "ignored"
)

const DefaultWebhookMaxRetries = 3

// WebhookRecord is the audit trail of one provider callback. (Provider,
// EventID) is unique and acts as the authoritative dedup key.
type WebhookRecord struct {
	ID             string            `json:"id"`
	Provider       string            `json:"provider"`
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	Payload        json.RawMessage   `json:"payload"`
	Headers        map[string]string `json:"headers"`
	Signature      string            `json:"signature,omitempty"`
	Status         WebhookStatus     `json:"status"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	InvoiceID      *string           `json:"invoice_id,omitempty"`
	SubscriptionID *string           `json:"subscription_id,omitempty"`
	UserID         *string           `json:"user_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (w *WebhookRecord) CanRetry() bool {
	return w.RetryCount < w.MaxRetries
}

func (w *WebhookRecord) MarkProcessing(now time.Time) {
	w.Status = WebhookStatusProcessing
	w.UpdatedAt = now
}

func (w *WebhookRecord) MarkCompleted(now time.Time) {
	w.Status = WebhookStatusCompleted
	w.ErrorMessage = nil
	w.ProcessedAt = &now
	w.UpdatedAt = now
}

func (w *WebhookRecord) MarkFailed(now time.Time, lastError string) {
	w.Status = WebhookStatusFailed
	w.ErrorMessage = &lastError
	w.ProcessedAt = &now
	w.UpdatedAt = now
}

func (w *WebhookRecord) MarkIgnored(now time.Time, reason string) {
	w.Status = WebhookStatusIgnored
	w.ErrorMessage = &reason
	w.ProcessedAt = &now
	w.UpdatedAt = now
}

// BeginRetry moves a failed record back into the pipeline, consuming one
// retry.
func (w *WebhookRecord) BeginRetry(now time.Time) {
	w.RetryCount++
	w.Status = WebhookStatusReceived
	w.UpdatedAt = now
}

// LinkReferences copies any business ids discovered while parsing.
func (w *WebhookRecord) LinkReferences(refs References) {
	if refs.InvoiceID != "" {
		id := refs.InvoiceID
		w.InvoiceID = &id
	}
	if refs.SubscriptionID != "" {
		id := refs.SubscriptionID
		w.SubscriptionID = &id
	}
	if refs.UserID != "" {
		id := refs.UserID
		w.UserID = &id
	}
}

type WebhookEventType string

const (
	WebhookPaymentSucceeded      WebhookEventType = "payment.succeeded"
	WebhookPaymentFailed         WebhookEventType = "payment.failed"
	WebhookCheckoutCompleted     WebhookEventType = "checkout.completed"
	WebhookRefundCreated         WebhookEventType = "refund.created"
	WebhookSubscriptionCancelled WebhookEventType = "subscription.cancelled"
	WebhookDisputeCreated        WebhookEventType = "dispute.created"
	WebhookUnknown               WebhookEventType = "unknown"
)

// NormalizedWebhookEvent is the provider-agnostic view of a callback. It is
// never persisted.
type NormalizedWebhookEvent struct {
	Provider        string           `json:"provider"`
	EventID         string           `json:"event_id"`
	Type            WebhookEventType `json:"type"`
	PaymentIntentID string           `json:"payment_intent_id,omitempty"`
	CheckoutID      string           `json:"checkout_id,omitempty"`
	ChargeID        string           `json:"charge_id,omitempty"`
	RefundID        string           `json:"refund_id,omitempty"`
	References      References       `json:"references"`
	AmountMinor     int64            `json:"amount_minor,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	Status          string           `json:"status,omitempty"`
	FailureCode     string           `json:"failure_code,omitempty"`
	FailureMessage  string           `json:"failure_message,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	RawPayload      json.RawMessage  `json:"raw_payload,omitempty"`
}

// TransactionID picks the most specific provider payment identifier.
func (n NormalizedWebhookEvent) TransactionID() string {
	switch {
	case n.ChargeID != "":
		return n.ChargeID
	case n.PaymentIntentID != "":
		return n.PaymentIntentID
	default:
		return n.CheckoutID
	}
}

// RetrySummary reports the outcome of one pass over failed webhooks.
type RetrySummary struct {
	Provider  string `json:"provider"`
	Retried   int    `json:"retried"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}
