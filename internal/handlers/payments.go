package handlers

import (
	"context"
	"fmt"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/events"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider"
)

// CheckoutInitiated opens a provider payment intent for a checkout.
type CheckoutInitiated struct {
	payments PaymentService
}

func NewCheckoutInitiated(svc PaymentService) *CheckoutInitiated {
	return &CheckoutInitiated{payments: svc}
}

func (h *CheckoutInitiated) CanHandle(event *domain.Event) bool {
	_, ok := event.Payload.(domain.CheckoutInitiated)
	return ok
}

func (h *CheckoutInitiated) Priority() int { return events.PriorityNormal }

func (h *CheckoutInitiated) Handle(ctx context.Context, event *domain.Event) (domain.EventResult, error) {
	p := event.Payload.(domain.CheckoutInitiated)

	req := provider.CreatePaymentIntentRequest{
		AmountMinor: p.AmountMinor,
		Currency:    p.Currency,
		References:  domain.References{InvoiceID: p.InvoiceID, UserID: p.UserID},
		Metadata: map[string]any{
			"user_id": p.UserID,
			"plan_id": p.PlanID,
		},
	}
	if p.ReturnURL != "" {
		req.Metadata["return_url"] = p.ReturnURL
	}
	if p.CancelURL != "" {
		req.Metadata["cancel_url"] = p.CancelURL
	}

	res, err := h.payments.CreatePaymentIntent(ctx, p.Provider, req, metadataString(event, "idempotency_key"))
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("create payment intent: %w", err)
	}

	data := map[string]any{"idempotency_key": res.IdempotencyKey}
	for _, k := range []string{"payment_intent_id", "client_secret", "checkout_url"} {
		if v, ok := res.Data[k]; ok {
			data[k] = v
		}
	}
	return domain.Succeeded(data), nil
}

// RefundRequested refunds a transaction through the provider.
type RefundRequested struct {
	payments PaymentService
}

func NewRefundRequested(svc PaymentService) *RefundRequested {
	return &RefundRequested{payments: svc}
}

func (h *RefundRequested) CanHandle(event *domain.Event) bool {
	_, ok := event.Payload.(domain.RefundRequested)
	return ok
}

func (h *RefundRequested) Priority() int { return events.PriorityNormal }

func (h *RefundRequested) Handle(ctx context.Context, event *domain.Event) (domain.EventResult, error) {
	p := event.Payload.(domain.RefundRequested)

	res, err := h.payments.RefundPayment(ctx, p.Provider, provider.RefundRequest{
		TransactionID: p.TransactionID,
		AmountMinor:   p.AmountMinor,
		Reason:        p.Reason,
	}, metadataString(event, "idempotency_key"))
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("refund %s: %w", p.TransactionID, err)
	}

	var amount any = "full"
	if p.AmountMinor > 0 {
		amount = p.AmountMinor
	}
	return domain.Succeeded(map[string]any{
		"refund_id": res.Data["refund_id"],
		"amount":    amount,
		"reason":    p.Reason,
	}), nil
}
