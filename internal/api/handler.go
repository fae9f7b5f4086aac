package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/observability"
	"github.com/dantweb/vbwd-sdk-sub001/internal/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookProcessor is implemented by *webhook.Processor.
type WebhookProcessor interface {
	Process(ctx context.Context, d webhook.Delivery) webhook.Result
	RetryFailed(ctx context.Context, provider string) (domain.RetrySummary, error)
	Status(ctx context.Context, eventID string) (webhook.StatusView, error)
}

type Handler struct {
	processor WebhookProcessor
	secrets   webhook.SecretResolver
	logger    *slog.Logger
}

func NewHandler(processor WebhookProcessor, secrets webhook.SecretResolver, logger *slog.Logger) *Handler {
	if secrets == nil {
		secrets = func(string) string { return "" }
	}
	return &Handler{
		processor: processor,
		secrets:   secrets,
		logger:    logger,
	}
}

// WebhookResponse is returned for every delivery. Providers only need a 200
// to stop redelivering; the outcome is informational.
type WebhookResponse struct {
	Received  bool   `json:"received"`
	EventType string `json:"event_type,omitempty"`
	Error     string `json:"error,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	logger := observability.LoggerFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		logger.Warn("failed to read webhook body", "provider", provider, "error", err)
		h.respondJSON(w, http.StatusOK, WebhookResponse{Received: true, Error: "unreadable body"})
		return
	}

	res := h.processor.Process(r.Context(), webhook.Delivery{
		Provider: provider,
		Payload:  body,
		Headers:  flattenHeaders(r.Header),
		Secret:   h.secrets(provider),
	})

	h.respondJSON(w, http.StatusOK, WebhookResponse{
		Received:  true,
		EventType: res.EventType,
		Error:     res.Error,
		Duplicate: res.Duplicate,
	})
}

func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if provider == "all" {
		provider = ""
	}

	summary, err := h.processor.RetryFailed(r.Context(), provider)
	if errors.Is(err, domain.ErrUnknownProvider) {
		h.respondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	if err != nil {
		h.logger.Error("failed to retry webhooks", "error", err, "provider", provider)
		h.respondError(w, http.StatusInternalServerError, "failed to retry webhooks")
		return
	}

	h.respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	if eventID == "" {
		h.respondError(w, http.StatusBadRequest, "event id is required")
		return
	}

	view, err := h.processor.Status(r.Context(), eventID)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get webhook status", "error", err, "event_id", eventID)
		h.respondError(w, http.StatusInternalServerError, "failed to get webhook status")
		return
	}

	h.respondJSON(w, http.StatusOK, view)
}

// flattenHeaders keeps the first value of each header under its canonical
// name.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
