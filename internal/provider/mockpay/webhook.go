// Package mockpay is the reference payment provider plugin. It signs
// webhooks with HMAC-SHA256 and ships an in-memory payment API, so the whole
// pipeline can run without a real provider account.
package mockpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

const (
	Name            = "mock"
	SignatureHeader = "X-Mock-Signature"

	// legacySignature is accepted when no secret is configured, so local
	// tooling can post hand-written payloads.
	legacySignature = "valid_signature"
)

var eventTypes = map[string]domain.WebhookEventType{
	"payment.succeeded":      domain.WebhookPaymentSucceeded,
	"payment.failed":         domain.WebhookPaymentFailed,
	"checkout.completed":     domain.WebhookCheckoutCompleted,
	"refund.created":         domain.WebhookRefundCreated,
	"subscription.cancelled": domain.WebhookSubscriptionCancelled,
	"dispute.created":        domain.WebhookDisputeCreated,
}

// envelope is the wire format:
//
//	{"id": "evt_1", "type": "payment.succeeded", "data": {...}}
type envelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type eventData struct {
	PaymentIntentID string         `json:"payment_intent_id"`
	CheckoutID      string         `json:"checkout_id"`
	ChargeID        string         `json:"charge_id"`
	RefundID        string         `json:"refund_id"`
	Amount          *int64         `json:"amount"`
	Currency        string         `json:"currency"`
	Status          string         `json:"status"`
	FailureCode     string         `json:"failure_code"`
	FailureMessage  string         `json:"failure_message"`
	Reference       string         `json:"reference"`
	Metadata        map[string]any `json:"metadata"`
}

// Webhook implements provider.WebhookProvider.
type Webhook struct{}

func NewWebhook() *Webhook {
	return &Webhook{}
}

func (w *Webhook) Name() string { return Name }

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func (w *Webhook) VerifySignature(payload []byte, headers map[string]string, secret string) bool {
	sig := header(headers, SignatureHeader)
	if sig == "" {
		return false
	}
	if secret == "" {
		return sig == legacySignature
	}
	return hmac.Equal([]byte(sig), []byte(Sign(payload, secret)))
}

func (w *Webhook) ParseEvent(payload []byte, headers map[string]string) (domain.NormalizedWebhookEvent, error) {
	env, err := decode(payload)
	if err != nil {
		return domain.NormalizedWebhookEvent{}, err
	}

	var data eventData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return domain.NormalizedWebhookEvent{}, fmt.Errorf("%w: mock event data: %v", domain.ErrInvalidInput, err)
		}
	}

	refs := domain.ReferencesFromMetadata(data.Metadata)
	if data.Reference != "" {
		fromField := domain.ParseReferences(data.Reference)
		if refs.InvoiceID == "" {
			refs.InvoiceID = fromField.InvoiceID
		}
		if refs.SubscriptionID == "" {
			refs.SubscriptionID = fromField.SubscriptionID
		}
		if refs.UserID == "" {
			refs.UserID = fromField.UserID
		}
	}

	event := domain.NormalizedWebhookEvent{
		Provider:        Name,
		EventID:         env.ID,
		Type:            mapType(env.Type),
		PaymentIntentID: data.PaymentIntentID,
		CheckoutID:      data.CheckoutID,
		ChargeID:        data.ChargeID,
		RefundID:        data.RefundID,
		References:      refs,
		Currency:        strings.ToUpper(data.Currency),
		Status:          data.Status,
		FailureCode:     data.FailureCode,
		FailureMessage:  data.FailureMessage,
		Metadata:        data.Metadata,
		RawPayload:      json.RawMessage(payload),
	}
	if data.Amount != nil {
		event.AmountMinor = *data.Amount
	}
	return event, nil
}

func (w *Webhook) EventID(payload []byte) (string, error) {
	env, err := decode(payload)
	if err != nil {
		return "", err
	}
	return env.ID, nil
}

func (w *Webhook) EventType(payload []byte) (string, error) {
	env, err := decode(payload)
	if err != nil {
		return "", err
	}
	return env.Type, nil
}

func (w *Webhook) SignatureHeader() string {
	return SignatureHeader
}

func (w *Webhook) SupportedEvents() []string {
	return []string{
		"payment.succeeded",
		"payment.failed",
		"checkout.completed",
		"refund.created",
		"subscription.cancelled",
		"dispute.created",
	}
}

func decode(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: mock payload: %v", domain.ErrInvalidInput, err)
	}
	if env.ID == "" {
		return envelope{}, fmt.Errorf("%w: mock payload has no event id", domain.ErrInvalidInput)
	}
	return env, nil
}

func mapType(t string) domain.WebhookEventType {
	if mapped, ok := eventTypes[t]; ok {
		return mapped
	}
	return domain.WebhookUnknown
}

func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
