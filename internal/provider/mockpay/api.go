package mockpay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dantweb/vbwd-sdk-sub001/internal/outbound"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider"
)

// Call records one invocation of the in-memory API.
type Call struct {
	Method         string
	PaymentID      string
	AmountMinor    int64
	IdempotencyKey string
}

type intent struct {
	amount   int64
	currency string
	status   string
	refunded int64
	metadata map[string]any
}

// API is an in-memory provider.PaymentAPI. It deduplicates intent creation
// on the idempotency key the way real providers do, and can be told to
// fail the next calls.
type API struct {
	mu       sync.Mutex
	intents  map[string]*intent
	byKey    map[string]string
	calls    []Call
	failures []error
}

var _ provider.PaymentAPI = (*API)(nil)

func NewAPI() *API {
	return &API{
		intents: make(map[string]*intent),
		byKey:   make(map[string]string),
	}
}

// FailNext makes the next len(errs) calls return the given errors in order.
func (a *API) FailNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, errs...)
}

func (a *API) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// record must be called with a.mu held.
func (a *API) record(c Call) error {
	a.calls = append(a.calls, c)
	if len(a.failures) == 0 {
		return nil
	}
	err := a.failures[0]
	a.failures = a.failures[1:]
	return err
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func notFound(id string) error {
	return &outbound.StatusError{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf(`{"error":"payment intent %s not found"}`, id),
	}
}

func (a *API) CreatePaymentIntent(ctx context.Context, req provider.CreatePaymentIntentRequest, idempotencyKey string) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.record(Call{Method: "create_payment_intent", AmountMinor: req.AmountMinor, IdempotencyKey: idempotencyKey}); err != nil {
		return nil, err
	}
	if req.AmountMinor <= 0 {
		return nil, &outbound.StatusError{StatusCode: http.StatusBadRequest, Body: `{"error":"amount must be positive"}`}
	}

	currency := strings.ToUpper(req.Currency)
	if id, ok := a.byKey[idempotencyKey]; ok && idempotencyKey != "" {
		in := a.intents[id]
		return intentResponse(id, in), nil
	}

	id := newID("pi_mock_")
	md := map[string]any{}
	for k, v := range req.Metadata {
		md[k] = v
	}
	if ref := req.References.Encode(); ref != "" {
		md["reference"] = ref
	}
	a.intents[id] = &intent{amount: req.AmountMinor, currency: currency, status: "created", metadata: md}
	if idempotencyKey != "" {
		a.byKey[idempotencyKey] = id
	}
	return intentResponse(id, a.intents[id]), nil
}

func (a *API) CapturePayment(ctx context.Context, paymentID string, idempotencyKey string) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.record(Call{Method: "capture_payment", PaymentID: paymentID, IdempotencyKey: idempotencyKey}); err != nil {
		return nil, err
	}
	in, ok := a.intents[paymentID]
	if !ok {
		return nil, notFound(paymentID)
	}
	if in.status != "created" && in.status != "captured" {
		return nil, &outbound.StatusError{
			StatusCode: http.StatusConflict,
			Body:       fmt.Sprintf(`{"error":"cannot capture payment in status %s"}`, in.status),
		}
	}
	in.status = "captured"
	return intentResponse(paymentID, in), nil
}

func (a *API) RefundPayment(ctx context.Context, req provider.RefundRequest, idempotencyKey string) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.record(Call{Method: "refund_payment", PaymentID: req.TransactionID, AmountMinor: req.AmountMinor, IdempotencyKey: idempotencyKey}); err != nil {
		return nil, err
	}
	in, ok := a.intents[req.TransactionID]
	if !ok {
		return nil, notFound(req.TransactionID)
	}

	amount := req.AmountMinor
	if amount == 0 {
		amount = in.amount - in.refunded
	}
	if amount <= 0 || in.refunded+amount > in.amount {
		return nil, &outbound.StatusError{StatusCode: http.StatusUnprocessableEntity, Body: `{"error":"refund exceeds captured amount"}`}
	}

	in.refunded += amount
	in.status = "partially_refunded"
	if in.refunded == in.amount {
		in.status = "refunded"
	}
	return map[string]any{
		"refund_id":         newID("re_mock_"),
		"payment_intent_id": req.TransactionID,
		"amount":            amount,
		"currency":          in.currency,
		"status":            in.status,
	}, nil
}

func (a *API) GetPaymentStatus(ctx context.Context, paymentID string) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.record(Call{Method: "get_payment_status", PaymentID: paymentID}); err != nil {
		return nil, err
	}
	in, ok := a.intents[paymentID]
	if !ok {
		return nil, notFound(paymentID)
	}
	return intentResponse(paymentID, in), nil
}

func intentResponse(id string, in *intent) map[string]any {
	return map[string]any{
		"payment_intent_id": id,
		"amount":            in.amount,
		"currency":          in.currency,
		"status":            in.status,
	}
}
