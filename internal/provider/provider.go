package provider

import (
	"context"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

// WebhookProvider verifies and normalizes a provider's webhook deliveries.
type WebhookProvider interface {
	Name() string
	// SignatureHeader is the canonical header carrying the signature.
	SignatureHeader() string
	VerifySignature(payload []byte, headers map[string]string, secret string) bool
	ParseEvent(payload []byte, headers map[string]string) (domain.NormalizedWebhookEvent, error)
	EventID(payload []byte) (string, error)
	// EventType returns the provider's own type string, before mapping.
	EventType(payload []byte) (string, error)
	// SupportedEvents lists provider event types the engine processes.
	SupportedEvents() []string
}

type CreatePaymentIntentRequest struct {
	AmountMinor int64
	Currency    string
	References  domain.References
	Metadata    map[string]any
}

type RefundRequest struct {
	TransactionID string
	// AmountMinor of zero refunds the full captured amount.
	AmountMinor int64
	Reason      string
}

// PaymentAPI is a provider's outbound API. Implementations return
// *outbound.StatusError for non-2xx responses so callers can tell terminal
// failures from transient ones. The idempotency key is forwarded to
// providers that deduplicate on their side as well.
type PaymentAPI interface {
	CreatePaymentIntent(ctx context.Context, req CreatePaymentIntentRequest, idempotencyKey string) (map[string]any, error)
	CapturePayment(ctx context.Context, paymentID string, idempotencyKey string) (map[string]any, error)
	RefundPayment(ctx context.Context, req RefundRequest, idempotencyKey string) (map[string]any, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (map[string]any, error)
}
