// Package webhook ingests provider callbacks: it deduplicates, verifies,
// normalizes and dispatches them, and keeps an audit record of every
// delivery so failed ones can be retried.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dantweb/vbwd-sdk-sub001/internal/clock"
	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/observability"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider"
	"github.com/dantweb/vbwd-sdk-sub001/internal/repository"
)

const (
	operation = "webhook"

	DefaultRetryBatchSize = 100
)

// IdempotencyStore is the subset of idempotency.Store the processor needs.
type IdempotencyStore interface {
	StartRequest(ctx context.Context, key, provider, operation string, requestData map[string]any, ttl time.Duration) (bool, error)
	IsDuplicate(ctx context.Context, key string, requestData map[string]any) (bool, map[string]any, error)
	CompleteRequest(ctx context.Context, key string, response map[string]any, status domain.IdempotencyStatus) error
	ReleaseRequest(ctx context.Context, key string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, event *domain.Event) domain.EventResult
}

// SecretResolver returns the signing secret configured for a provider.
type SecretResolver func(provider string) string

type Delivery struct {
	Provider string
	Payload  []byte
	Headers  map[string]string
	Secret   string
}

// Result describes what happened to one delivery. It never carries
// internals beyond the error message.
type Result struct {
	Received    bool                 `json:"received"`
	Success     bool                 `json:"success"`
	Duplicate   bool                 `json:"duplicate,omitempty"`
	Status      domain.WebhookStatus `json:"status,omitempty"`
	EventType   string               `json:"event_type,omitempty"`
	EventID     string               `json:"event_id,omitempty"`
	Error       string               `json:"error,omitempty"`
	Err         error                `json:"-"`
	ShouldRetry bool                 `json:"should_retry,omitempty"`
	Data        map[string]any       `json:"data,omitempty"`
}

// StatusView is the externally visible projection of a webhook record.
type StatusView struct {
	EventID     string               `json:"event_id"`
	Provider    string               `json:"provider"`
	EventType   string               `json:"event_type"`
	Status      domain.WebhookStatus `json:"status"`
	RetryCount  int                  `json:"retry_count"`
	MaxRetries  int                  `json:"max_retries"`
	Error       *string              `json:"error"`
	ProcessedAt *time.Time           `json:"processed_at"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Key is the idempotency key of a provider event.
func Key(provider, eventID string) string {
	return "webhook:" + provider + ":" + eventID
}

func requestData(provider, eventID, eventType string) map[string]any {
	return map[string]any{
		"provider":   provider,
		"event_id":   eventID,
		"event_type": eventType,
	}
}

type Option func(*Processor)

func WithClock(c clock.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithSecretResolver(r SecretResolver) Option {
	return func(p *Processor) { p.secrets = r }
}

func WithMapper(m *EventMapper) Option {
	return func(p *Processor) { p.mapper = m }
}

// WithMaxRetries sets the retry budget given to new records.
func WithMaxRetries(n int) Option {
	return func(p *Processor) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(p *Processor) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

func WithRetryBatchSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.retryBatch = n
		}
	}
}

type Processor struct {
	providers  *provider.Registry[provider.WebhookProvider]
	store      IdempotencyStore
	dispatcher Dispatcher
	repo       repository.WebhookRepository

	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	secrets    SecretResolver
	mapper     *EventMapper
	maxRetries int
	ttl        time.Duration
	retryBatch int
}

func NewProcessor(
	providers *provider.Registry[provider.WebhookProvider],
	store IdempotencyStore,
	dispatcher Dispatcher,
	repo repository.WebhookRepository,
	opts ...Option,
) *Processor {
	p := &Processor{
		providers:  providers,
		store:      store,
		dispatcher: dispatcher,
		repo:       repo,
		clock:      clock.RealClock{},
		secrets:    func(string) string { return "" },
		maxRetries: domain.DefaultWebhookMaxRetries,
		ttl:        domain.DefaultIdempotencyTTL,
		retryBatch: DefaultRetryBatchSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if p.mapper == nil {
		p.mapper = NewEventMapper()
	}
	return p
}

// Process runs one delivery through the pipeline. Errors are reported in
// the Result; the caller always acknowledges receipt.
func (p *Processor) Process(ctx context.Context, d Delivery) Result {
	start := p.clock.Now()

	label := d.Provider
	if !p.providers.Has(d.Provider) {
		label = "unknown"
	}
	if p.metrics != nil {
		p.metrics.WebhooksReceived.WithLabelValues(label).Inc()
	}

	res := p.process(ctx, d)

	if p.metrics != nil {
		p.metrics.WebhooksProcessed.WithLabelValues(label, outcomeOf(res)).Inc()
		p.metrics.WebhookDuration.WithLabelValues(label).Observe(p.clock.Now().Sub(start).Seconds())
	}
	return res
}

func (p *Processor) process(ctx context.Context, d Delivery) Result {
	prov, err := p.providers.Get(d.Provider)
	if err != nil {
		return rejected(err)
	}

	eventID, err := prov.EventID(d.Payload)
	if err != nil {
		return rejected(fmt.Errorf("%w: event id: %w", domain.ErrInvalidInput, err))
	}
	eventType, err := prov.EventType(d.Payload)
	if err != nil {
		return rejected(fmt.Errorf("%w: event type: %w", domain.ErrInvalidInput, err))
	}

	logger := p.logger.With("provider", d.Provider, "event_id", eventID, "event_type", eventType)
	key := Key(d.Provider, eventID)
	reqData := requestData(d.Provider, eventID, eventType)

	dup, cached, err := p.store.IsDuplicate(ctx, key, reqData)
	if err != nil {
		logger.Error("idempotency lookup failed", "error", err)
		res := rejected(err)
		res.EventID, res.EventType = eventID, eventType
		res.ShouldRetry = !errors.Is(err, domain.ErrIdempotencyCollision)
		return res
	}
	if dup {
		logger.Info("duplicate webhook ignored")
		return Result{Received: true, Success: true, Duplicate: true, EventID: eventID, EventType: eventType, Data: cached}
	}

	started, err := p.store.StartRequest(ctx, key, d.Provider, operation, reqData, p.ttl)
	if err != nil {
		logger.Error("failed to claim idempotency key", "error", err)
		res := rejected(err)
		res.EventID, res.EventType = eventID, eventType
		res.ShouldRetry = true
		return res
	}
	if !started {
		logger.Info("webhook already in flight")
		return Result{Received: true, Success: true, Duplicate: true, EventID: eventID, EventType: eventType}
	}

	rec, err := p.claimRecord(ctx, prov, d, eventID, eventType)
	if err != nil {
		var existing *existingRecordError
		if errors.As(err, &existing) {
			p.settleExisting(ctx, logger, key, existing.status)
			logger.Info("webhook already recorded", "status", existing.status)
			return Result{Received: true, Success: true, Duplicate: true, Status: existing.status, EventID: eventID, EventType: eventType}
		}
		p.release(ctx, logger, key)
		logger.Error("failed to record webhook", "error", err)
		res := rejected(err)
		res.EventID, res.EventType = eventID, eventType
		res.ShouldRetry = true
		return res
	}

	return p.execute(ctx, logger, prov, rec, d.Secret, key)
}

type existingRecordError struct {
	status domain.WebhookStatus
}

func (e *existingRecordError) Error() string {
	return fmt.Sprintf("webhook already recorded with status %s", e.status)
}

// claimRecord creates the audit record, or reuses a failed one that still
// has retry budget when the provider redelivers. The caller must already
// hold the idempotency key.
func (p *Processor) claimRecord(ctx context.Context, prov provider.WebhookProvider, d Delivery, eventID, eventType string) (*domain.WebhookRecord, error) {
	now := p.clock.Now()
	rec := &domain.WebhookRecord{
		ID:         uuid.NewString(),
		Provider:   d.Provider,
		EventID:    eventID,
		EventType:  eventType,
		Payload:    append([]byte(nil), d.Payload...),
		Headers:    d.Headers,
		Signature:  d.Headers[prov.SignatureHeader()],
		Status:     domain.WebhookStatusReceived,
		MaxRetries: p.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := p.repo.Create(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return nil, err
	}

	existing, err := p.repo.GetByEventID(ctx, d.Provider, eventID)
	if err != nil {
		return nil, err
	}
	if existing.Status != domain.WebhookStatusFailed || !existing.CanRetry() {
		return nil, &existingRecordError{status: existing.Status}
	}

	prevRetries := existing.RetryCount
	existing.BeginRetry(now)
	existing.Payload = rec.Payload
	existing.Headers = rec.Headers
	existing.Signature = rec.Signature
	err = p.repo.CompareAndUpdate(ctx, existing, domain.WebhookStatusFailed, prevRetries)
	if errors.Is(err, domain.ErrConflict) {
		current, gerr := p.repo.GetByEventID(ctx, d.Provider, eventID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &existingRecordError{status: current.Status}
	}
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.WebhookRetries.WithLabelValues(existing.Provider).Inc()
	}
	return existing, nil
}

// execute runs verification, parsing and dispatch for a claimed record.
func (p *Processor) execute(
	ctx context.Context,
	logger *slog.Logger,
	prov provider.WebhookProvider,
	rec *domain.WebhookRecord,
	secret, key string,
) Result {
	res := Result{Received: true, EventID: rec.EventID, EventType: rec.EventType}

	if !prov.VerifySignature(rec.Payload, rec.Headers, secret) {
		logger.Warn("webhook signature rejected")
		return p.fail(ctx, logger, rec, key, domain.ErrSignatureInvalid, "invalid signature", false)
	}

	if !supports(prov, rec.EventType) {
		return p.ignore(ctx, logger, rec, key, "unsupported event type: "+rec.EventType)
	}

	rec.MarkProcessing(p.clock.Now())
	p.save(ctx, logger, rec)

	normalized, err := prov.ParseEvent(rec.Payload, rec.Headers)
	if err != nil {
		return p.fail(ctx, logger, rec, key, err, "parse error: "+err.Error(), false)
	}
	rec.LinkReferences(normalized.References)

	event, ok := p.mapper.Map(normalized)
	if !ok {
		return p.ignore(ctx, logger, rec, key, "no domain event for "+string(normalized.Type))
	}

	outcome := p.dispatcher.Dispatch(ctx, event)
	if !outcome.Success {
		err := fmt.Errorf("%w: %s", domain.ErrHandlerFailure, outcome.Error)
		return p.fail(ctx, logger, rec, key, err, outcome.Error, true)
	}

	rec.MarkCompleted(p.clock.Now())
	p.save(ctx, logger, rec)
	p.complete(ctx, logger, key, outcome.Data, domain.IdempotencyCompleted)
	logger.Info("webhook processed", "event", event.Name)

	res.Success = true
	res.Status = rec.Status
	res.Data = outcome.Data
	return res
}

func (p *Processor) fail(ctx context.Context, logger *slog.Logger, rec *domain.WebhookRecord, key string, err error, msg string, retryable bool) Result {
	rec.MarkFailed(p.clock.Now(), msg)
	p.save(ctx, logger, rec)
	p.complete(ctx, logger, key, map[string]any{"error": msg}, domain.IdempotencyFailed)
	logger.Error("webhook failed", "error", err, "retry_count", rec.RetryCount)

	return Result{
		Received:    true,
		Status:      rec.Status,
		EventID:     rec.EventID,
		EventType:   rec.EventType,
		Error:       msg,
		Err:         err,
		ShouldRetry: retryable && rec.CanRetry(),
	}
}

func (p *Processor) ignore(ctx context.Context, logger *slog.Logger, rec *domain.WebhookRecord, key, reason string) Result {
	rec.MarkIgnored(p.clock.Now(), reason)
	p.save(ctx, logger, rec)
	p.complete(ctx, logger, key, map[string]any{"ignored": reason}, domain.IdempotencyCompleted)
	logger.Info("webhook ignored", "reason", reason)

	return Result{
		Received:  true,
		Success:   true,
		Status:    rec.Status,
		EventID:   rec.EventID,
		EventType: rec.EventType,
	}
}

// save and complete outlive the caller's context so a cancelled request
// cannot leave the record half-written.
func (p *Processor) save(ctx context.Context, logger *slog.Logger, rec *domain.WebhookRecord) {
	if err := p.repo.Update(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("failed to update webhook record", "status", rec.Status, "error", err)
	}
}

// settleExisting resolves the key claimed for a delivery whose record was
// already handled elsewhere. Finished records keep the key as a fast-path
// duplicate; anything still moving gets the claim back.
func (p *Processor) settleExisting(ctx context.Context, logger *slog.Logger, key string, status domain.WebhookStatus) {
	switch status {
	case domain.WebhookStatusCompleted, domain.WebhookStatusIgnored:
		p.complete(ctx, logger, key, map[string]any{"status": string(status)}, domain.IdempotencyCompleted)
	case domain.WebhookStatusFailed:
		p.complete(ctx, logger, key, map[string]any{"status": string(status)}, domain.IdempotencyFailed)
	default:
		p.release(ctx, logger, key)
	}
}

func (p *Processor) release(ctx context.Context, logger *slog.Logger, key string) {
	if err := p.store.ReleaseRequest(context.WithoutCancel(ctx), key); err != nil {
		logger.Error("failed to release idempotency key", "key", key, "error", err)
	}
}

func (p *Processor) complete(ctx context.Context, logger *slog.Logger, key string, data map[string]any, status domain.IdempotencyStatus) {
	if data == nil {
		data = map[string]any{}
	}
	if err := p.store.CompleteRequest(context.WithoutCancel(ctx), key, data, status); err != nil {
		logger.Error("failed to complete idempotency key", "key", key, "error", err)
	}
}

// RetryFailed re-runs failed webhooks that still have retry budget. An empty
// provider retries every provider. Each retry consumes one unit of budget
// and re-verifies the signature with the currently configured secret.
func (p *Processor) RetryFailed(ctx context.Context, providerName string) (domain.RetrySummary, error) {
	summary := domain.RetrySummary{Provider: providerName}
	if providerName == "" {
		summary.Provider = "all"
	} else if !p.providers.Has(providerName) {
		return summary, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, providerName)
	}

	records, err := p.repo.ListRetryable(ctx, providerName, p.retryBatch)
	if err != nil {
		return summary, fmt.Errorf("list retryable webhooks: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		res, attempted := p.retry(ctx, rec)
		if !attempted {
			continue
		}
		summary.Retried++
		if res.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	if summary.Retried > 0 {
		p.logger.Info("webhook retry pass finished",
			"provider", summary.Provider,
			"retried", summary.Retried,
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
		)
	}
	return summary, nil
}

// retry re-runs one listed record. It reports false when the record was
// picked up elsewhere since it was listed: completed by a redelivery, or
// already claimed by another retry pass.
func (p *Processor) retry(ctx context.Context, listed *domain.WebhookRecord) (Result, bool) {
	logger := p.logger.With("provider", listed.Provider, "event_id", listed.EventID)

	prov, err := p.providers.Get(listed.Provider)
	if err != nil {
		logger.Error("provider unavailable for retry", "error", err)
		return rejected(err), true
	}

	rec, err := p.repo.GetByID(ctx, listed.ID)
	if err != nil {
		logger.Error("failed to reload webhook record", "error", err)
		return rejected(err), true
	}
	if rec.Status != domain.WebhookStatusFailed || !rec.CanRetry() {
		logger.Debug("webhook no longer retryable", "status", rec.Status)
		return Result{}, false
	}

	key := Key(rec.Provider, rec.EventID)
	reqData := requestData(rec.Provider, rec.EventID, rec.EventType)

	dup, _, err := p.store.IsDuplicate(ctx, key, reqData)
	if err != nil {
		logger.Error("idempotency lookup failed", "error", err)
		return rejected(err), true
	}
	if dup {
		return Result{}, false
	}
	started, err := p.store.StartRequest(ctx, key, rec.Provider, operation, reqData, p.ttl)
	if err != nil {
		logger.Error("failed to claim idempotency key", "error", err)
		return rejected(err), true
	}
	if !started {
		return Result{}, false
	}

	prevRetries := rec.RetryCount
	rec.BeginRetry(p.clock.Now())
	err = p.repo.CompareAndUpdate(ctx, rec, domain.WebhookStatusFailed, prevRetries)
	if errors.Is(err, domain.ErrConflict) {
		p.release(ctx, logger, key)
		return Result{}, false
	}
	if err != nil {
		p.release(ctx, logger, key)
		logger.Error("failed to update webhook record", "error", err)
		return rejected(err), true
	}
	if p.metrics != nil {
		p.metrics.WebhookRetries.WithLabelValues(rec.Provider).Inc()
	}

	logger = logger.With("retry", rec.RetryCount)
	return p.execute(ctx, logger, prov, rec, p.secrets(rec.Provider), key), true
}

// Status returns the latest record for an event id across providers.
func (p *Processor) Status(ctx context.Context, eventID string) (StatusView, error) {
	rec, err := p.repo.FindByEventID(ctx, eventID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		EventID:     rec.EventID,
		Provider:    rec.Provider,
		EventType:   rec.EventType,
		Status:      rec.Status,
		RetryCount:  rec.RetryCount,
		MaxRetries:  rec.MaxRetries,
		Error:       rec.ErrorMessage,
		ProcessedAt: rec.ProcessedAt,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

func rejected(err error) Result {
	return Result{Received: true, Error: err.Error(), Err: err}
}

func supports(prov provider.WebhookProvider, eventType string) bool {
	for _, t := range prov.SupportedEvents() {
		if t == eventType {
			return true
		}
	}
	return false
}

func outcomeOf(r Result) string {
	switch {
	case r.Duplicate:
		return "duplicate"
	case r.Status != "":
		return string(r.Status)
	default:
		return "rejected"
	}
}
