package mockpay

import (
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/outbound"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider"
)

// SandboxOptions simulates an unreliable provider.
type SandboxOptions struct {
	FailRate float64 // share of requests answered with 500 (0.0-1.0)
	Latency  time.Duration
	Jitter   time.Duration
}

type SandboxStats struct {
	Requests uint64
	Failures uint64
}

// Sandbox serves an API over the HTTP routes RESTAPI calls.
type Sandbox struct {
	api  *API
	opts SandboxOptions

	requests atomic.Uint64
	failures atomic.Uint64
}

func NewSandbox(api *API, opts SandboxOptions) *Sandbox {
	return &Sandbox{api: api, opts: opts}
}

func (s *Sandbox) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.simulate)
	r.Post("/v1/payment_intents", s.createIntent)
	r.Get("/v1/payment_intents/{id}", s.getIntent)
	r.Post("/v1/payment_intents/{id}/capture", s.capture)
	r.Post("/v1/refunds", s.refund)
	return r
}

// Stats returns and resets the counters.
func (s *Sandbox) Stats() SandboxStats {
	return SandboxStats{Requests: s.requests.Swap(0), Failures: s.failures.Swap(0)}
}

func (s *Sandbox) simulate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)

		delay := s.opts.Latency
		if s.opts.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(2*s.opts.Jitter))) - s.opts.Jitter
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if s.opts.FailRate > 0 && rand.Float64() < s.opts.FailRate {
			s.failures.Add(1)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "simulated failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createIntentBody struct {
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Metadata  map[string]any `json:"metadata"`
	Reference string         `json:"reference"`
}

func (s *Sandbox) createIntent(w http.ResponseWriter, r *http.Request) {
	var body createIntentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	res, err := s.api.CreatePaymentIntent(r.Context(), provider.CreatePaymentIntentRequest{
		AmountMinor: body.Amount,
		Currency:    body.Currency,
		References:  domain.ParseReferences(body.Reference),
		Metadata:    body.Metadata,
	}, r.Header.Get("Idempotency-Key"))
	respond(w, http.StatusCreated, res, err)
}

func (s *Sandbox) getIntent(w http.ResponseWriter, r *http.Request) {
	res, err := s.api.GetPaymentStatus(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, res, err)
}

func (s *Sandbox) capture(w http.ResponseWriter, r *http.Request) {
	res, err := s.api.CapturePayment(r.Context(), chi.URLParam(r, "id"), r.Header.Get("Idempotency-Key"))
	respond(w, http.StatusOK, res, err)
}

type refundBody struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
	Reason          string `json:"reason"`
}

func (s *Sandbox) refund(w http.ResponseWriter, r *http.Request) {
	var body refundBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	res, err := s.api.RefundPayment(r.Context(), provider.RefundRequest{
		TransactionID: body.PaymentIntentID,
		AmountMinor:   body.Amount,
		Reason:        body.Reason,
	}, r.Header.Get("Idempotency-Key"))
	respond(w, http.StatusCreated, res, err)
}

func respond(w http.ResponseWriter, status int, res map[string]any, err error) {
	if err == nil {
		writeJSON(w, status, res)
		return
	}
	var se *outbound.StatusError
	if errors.As(err, &se) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(se.StatusCode)
		w.Write([]byte(se.Body))
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
