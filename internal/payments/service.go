// Package payments issues outbound payment operations against provider APIs.
// Every state-changing call goes through the outbound adapter, so a retried
// or duplicated request reaches the provider at most once per key.
package payments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/idempotency"
	"github.com/dantweb/vbwd-sdk-sub001/internal/outbound"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider"
)

const (
	OpCreatePaymentIntent = "create_payment_intent"
	OpCapturePayment      = "capture_payment"
	OpRefundPayment       = "refund_payment"
)

// Executor runs a provider call under an idempotency key.
type Executor interface {
	ExecuteWithIdempotency(ctx context.Context, call outbound.Call, fn outbound.Func) (outbound.Result, error)
}

type Service struct {
	apis     *provider.Registry[provider.PaymentAPI]
	executor Executor
	logger   *slog.Logger
}

func NewService(apis *provider.Registry[provider.PaymentAPI], executor Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{apis: apis, executor: executor, logger: logger}
}

// CreatePaymentIntent opens a payment for the referenced business entity.
// An empty key derives one from the provider, references, amount and
// currency, so re-running a checkout reuses the first intent.
func (s *Service) CreatePaymentIntent(ctx context.Context, providerName string, req provider.CreatePaymentIntentRequest, key string) (outbound.Result, error) {
	if req.AmountMinor <= 0 {
		return outbound.Result{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	req.Currency = strings.ToUpper(req.Currency)
	if req.Currency == "" {
		req.Currency = "USD"
	}

	entity := req.References.Encode()
	if entity == "" && key == "" {
		return outbound.Result{}, fmt.Errorf("%w: payment intent needs references or an idempotency key", domain.ErrInvalidInput)
	}

	requestData := map[string]any{
		"amount":    req.AmountMinor,
		"currency":  req.Currency,
		"reference": entity,
	}
	if key == "" {
		key = idempotency.GenerateKey(providerName, OpCreatePaymentIntent, entity, map[string]any{
			"amount":   req.AmountMinor,
			"currency": req.Currency,
		})
	}

	return s.execute(ctx, providerName, OpCreatePaymentIntent, key, requestData,
		func(ctx context.Context, api provider.PaymentAPI) (map[string]any, error) {
			return api.CreatePaymentIntent(ctx, req, key)
		})
}

func (s *Service) CapturePayment(ctx context.Context, providerName, paymentID, key string) (outbound.Result, error) {
	if paymentID == "" {
		return outbound.Result{}, fmt.Errorf("%w: payment id is required", domain.ErrInvalidInput)
	}
	if key == "" {
		key = idempotency.GenerateKey(providerName, OpCapturePayment, paymentID, nil)
	}

	return s.execute(ctx, providerName, OpCapturePayment, key, map[string]any{"payment_id": paymentID},
		func(ctx context.Context, api provider.PaymentAPI) (map[string]any, error) {
			return api.CapturePayment(ctx, paymentID, key)
		})
}

// RefundPayment refunds all or part of a transaction. The derived key covers
// transaction and amount; callers issuing several equal partial refunds must
// pass distinct keys.
func (s *Service) RefundPayment(ctx context.Context, providerName string, req provider.RefundRequest, key string) (outbound.Result, error) {
	if req.TransactionID == "" {
		return outbound.Result{}, fmt.Errorf("%w: transaction id is required", domain.ErrInvalidInput)
	}
	if req.AmountMinor < 0 {
		return outbound.Result{}, fmt.Errorf("%w: refund amount cannot be negative", domain.ErrInvalidInput)
	}
	if key == "" {
		key = idempotency.GenerateKey(providerName, OpRefundPayment, req.TransactionID, map[string]any{
			"amount": req.AmountMinor,
		})
	}

	requestData := map[string]any{
		"transaction_id": req.TransactionID,
		"amount":         req.AmountMinor,
	}
	return s.execute(ctx, providerName, OpRefundPayment, key, requestData,
		func(ctx context.Context, api provider.PaymentAPI) (map[string]any, error) {
			return api.RefundPayment(ctx, req, key)
		})
}

// GetPaymentStatus is a read and bypasses idempotency.
func (s *Service) GetPaymentStatus(ctx context.Context, providerName, paymentID string) (map[string]any, error) {
	api, err := s.apis.Get(providerName)
	if err != nil {
		return nil, err
	}
	return api.GetPaymentStatus(ctx, paymentID)
}

func (s *Service) execute(
	ctx context.Context,
	providerName, op, key string,
	requestData map[string]any,
	fn func(ctx context.Context, api provider.PaymentAPI) (map[string]any, error),
) (outbound.Result, error) {
	api, err := s.apis.Get(providerName)
	if err != nil {
		return outbound.Result{}, err
	}

	call := outbound.Call{
		Provider:       providerName,
		Operation:      op,
		IdempotencyKey: key,
		RequestData:    requestData,
	}
	res, err := s.executor.ExecuteWithIdempotency(ctx, call, func(ctx context.Context) (map[string]any, error) {
		return fn(ctx, api)
	})
	if err != nil {
		s.logger.Warn("payment operation failed",
			"provider", providerName,
			"operation", op,
			"idempotency_key", key,
			"attempts", res.Attempts,
			"error", err,
		)
		return res, err
	}

	s.logger.Info("payment operation completed",
		"provider", providerName,
		"operation", op,
		"idempotency_key", key,
		"cached", res.Cached,
	)
	return res, nil
}
