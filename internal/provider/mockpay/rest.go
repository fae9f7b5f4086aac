package mockpay

import (
	"context"
	"net/http"
	"net/url"

	"github.com/dantweb/vbwd-sdk-sub001/internal/outbound"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider"
)

// RESTAPI talks to a mock provider sandbox over HTTP.
type RESTAPI struct {
	client *outbound.JSONClient
}

var _ provider.PaymentAPI = (*RESTAPI)(nil)

func NewRESTAPI(client *outbound.JSONClient) *RESTAPI {
	return &RESTAPI{client: client}
}

func (r *RESTAPI) CreatePaymentIntent(ctx context.Context, req provider.CreatePaymentIntentRequest, idempotencyKey string) (map[string]any, error) {
	body := map[string]any{
		"amount":   req.AmountMinor,
		"currency": req.Currency,
		"metadata": req.Metadata,
	}
	if ref := req.References.Encode(); ref != "" {
		body["reference"] = ref
	}
	return r.client.Do(ctx, http.MethodPost, "/v1/payment_intents", body, idempotencyKey)
}

func (r *RESTAPI) CapturePayment(ctx context.Context, paymentID string, idempotencyKey string) (map[string]any, error) {
	return r.client.Do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(paymentID)+"/capture", nil, idempotencyKey)
}

func (r *RESTAPI) RefundPayment(ctx context.Context, req provider.RefundRequest, idempotencyKey string) (map[string]any, error) {
	body := map[string]any{
		"payment_intent_id": req.TransactionID,
		"reason":            req.Reason,
	}
	if req.AmountMinor > 0 {
		body["amount"] = req.AmountMinor
	}
	return r.client.Do(ctx, http.MethodPost, "/v1/refunds", body, idempotencyKey)
}

func (r *RESTAPI) GetPaymentStatus(ctx context.Context, paymentID string) (map[string]any, error) {
	return r.client.Do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(paymentID), nil, "")
}
