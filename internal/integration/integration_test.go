package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dantweb/vbwd-sdk-sub001/internal/api"
	"github.com/dantweb/vbwd-sdk-sub001/internal/app"
	"github.com/dantweb/vbwd-sdk-sub001/internal/config"
	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/events"
	"github.com/dantweb/vbwd-sdk-sub001/internal/idempotency"
	"github.com/dantweb/vbwd-sdk-sub001/internal/observability"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider/mockpay"
	"github.com/dantweb/vbwd-sdk-sub001/internal/repository/postgres"
	"github.com/dantweb/vbwd-sdk-sub001/internal/webhook"
)

const webhookSecret = "whsec_integration"

type testEnv struct {
	pgContainer    *tcpostgres.PostgresContainer
	redisContainer *tcredis.RedisContainer
	pool           *pgxpool.Pool
	redisClient    *redis.Client
	cfg            *config.Config
	logger         *slog.Logger
	ctx            context.Context
	cancel         context.CancelFunc
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("payments_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to start redis container: %v", err)
	}

	fail := func(format string, args ...any) {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf(format, args...)
	}

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fail("failed to get postgres connection string: %v", err)
	}
	redisConnStr, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		fail("failed to get redis connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, pgConnStr)
	if err != nil {
		fail("failed to connect to postgres: %v", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		fail("failed to run migrations: %v", err)
	}

	redisOpt, err := redis.ParseURL(redisConnStr)
	if err != nil {
		pool.Close()
		fail("failed to parse redis URL: %v", err)
	}

	cfg, err := config.FromSource(config.NewMapSource(map[string]string{
		"WEBHOOK_SECRET_MOCK": webhookSecret,
		"OUTBOUND_BASE_DELAY": "10ms",
	}))
	if err != nil {
		pool.Close()
		fail("failed to build config: %v", err)
	}

	return &testEnv{
		pgContainer:    pgContainer,
		redisContainer: redisContainer,
		pool:           pool,
		redisClient:    redis.NewClient(redisOpt),
		cfg:            cfg,
		logger:         slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (e *testEnv) teardown(t *testing.T) {
	t.Helper()
	e.pool.Close()
	e.redisClient.Close()
	_ = e.redisContainer.Terminate(e.ctx)
	_ = e.pgContainer.Terminate(e.ctx)
	e.cancel()
}

// instance assembles one engine on the shared Postgres and Redis, the way
// each server replica does in production.
func (e *testEnv) instance() (*app.App, http.Handler) {
	// Use unique namespace to avoid duplicate metric registration across instances
	metrics := observability.NewMetrics(fmt.Sprintf("payments_test_%d", rand.Int63()))

	a := app.Assemble(e.cfg, e.logger, metrics, app.Infra{
		Repo:        postgres.NewWebhookRepository(e.pool),
		Idempotency: idempotency.NewRedisBackend(e.redisClient, ""),
	})
	for name, c := range map[string]observability.HealthChecker{
		"database": e.pool,
		"redis": observability.CheckFunc(func(ctx context.Context) error {
			return e.redisClient.Ping(ctx).Err()
		}),
	} {
		a.Checks[name] = c
	}

	health := observability.NewHealthHandler(a.Checks)
	health.SetReady(true)
	router := api.NewRouter(api.RouterConfig{
		Handler:       api.NewHandler(a.Processor, e.cfg.WebhookSecret, e.logger),
		HealthHandler: health,
		Metrics:       metrics,
		Logger:        e.logger,
	})
	return a, router
}

func webhookBody(eventID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"payment.succeeded","data":{"payment_intent_id":"pi_it","amount":4200,"currency":"eur","reference":"inv:INV-9|usr:U-9"}}`, eventID))
}

func postWebhook(t *testing.T, h http.Handler, body []byte) api.WebhookResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mock", bytes.NewReader(body))
	req.Header.Set(mockpay.SignatureHeader, mockpay.Sign(body, webhookSecret))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp api.WebhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return resp
}

func getStatus(t *testing.T, h http.Handler, eventID string) webhook.StatusView {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/status/"+eventID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view webhook.StatusView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to parse status: %v", err)
	}
	return view
}

func TestEndToEndWebhookProcessing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	a, handler := env.instance()

	captured := make(chan *domain.Event, 4)
	a.Dispatcher.Register(domain.EventPaymentCaptured, events.Func(events.PriorityNormal, func(ctx context.Context, e *domain.Event) (domain.EventResult, error) {
		captured <- e
		return domain.Succeeded(map[string]any{"ledger": "posted"}), nil
	}))

	body := webhookBody("evt_it_001")
	resp := postWebhook(t, handler, body)
	if !resp.Received || resp.Error != "" || resp.Duplicate {
		t.Fatalf("unexpected response: %+v", resp)
	}

	select {
	case e := <-captured:
		p, ok := e.Payload.(domain.PaymentCaptured)
		if !ok {
			t.Fatalf("payload type = %T", e.Payload)
		}
		if p.References.InvoiceID != "INV-9" || p.AmountMinor != 4200 {
			t.Errorf("payload = %+v", p)
		}
	default:
		t.Fatal("payment.captured was not dispatched")
	}

	resp = postWebhook(t, handler, body)
	if !resp.Duplicate {
		t.Errorf("expected redelivery to be a duplicate, got %+v", resp)
	}
	if len(captured) != 0 {
		t.Error("duplicate delivery should not dispatch again")
	}

	var status string
	var invoiceID *string
	err := env.pool.QueryRow(env.ctx,
		"SELECT status, invoice_id FROM webhook_events WHERE provider = $1 AND event_id = $2",
		mockpay.Name, "evt_it_001").Scan(&status, &invoiceID)
	if err != nil {
		t.Fatalf("failed to query webhook status: %v", err)
	}
	if status != string(domain.WebhookStatusCompleted) {
		t.Errorf("expected status 'completed', got: %s", status)
	}
	if invoiceID == nil || *invoiceID != "INV-9" {
		t.Errorf("expected invoice reference to be linked, got: %v", invoiceID)
	}
}

func TestEndToEndRetryAfterHandlerFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	a, handler := env.instance()

	var failing atomic.Bool
	failing.Store(true)
	a.Dispatcher.Register(domain.EventPaymentCaptured, events.Func(events.PriorityNormal, func(ctx context.Context, e *domain.Event) (domain.EventResult, error) {
		if failing.Load() {
			return domain.EventResult{}, errors.New("ledger unavailable")
		}
		return domain.Succeeded(nil), nil
	}))

	resp := postWebhook(t, handler, webhookBody("evt_it_retry"))
	if resp.Error == "" {
		t.Fatalf("expected handler failure to be reported, got %+v", resp)
	}
	if view := getStatus(t, handler, "evt_it_retry"); view.Status != domain.WebhookStatusFailed {
		t.Fatalf("expected failed status, got %s", view.Status)
	}

	failing.Store(false)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/retry/all", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary domain.RetrySummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to parse summary: %v", err)
	}
	if summary.Retried != 1 || summary.Succeeded != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	view := getStatus(t, handler, "evt_it_retry")
	if view.Status != domain.WebhookStatusCompleted || view.RetryCount != 1 {
		t.Errorf("expected completed after one retry, got %+v", view)
	}
}

func TestConcurrentDeliveriesAcrossInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	var calls atomic.Int32
	count := func(ctx context.Context, e *domain.Event) (domain.EventResult, error) {
		calls.Add(1)
		return domain.Succeeded(nil), nil
	}

	const instances = 3
	handlers := make([]http.Handler, instances)
	for i := range handlers {
		a, h := env.instance()
		a.Dispatcher.Register(domain.EventPaymentCaptured, events.Func(events.PriorityNormal, count))
		handlers[i] = h
	}

	body := webhookBody("evt_it_race")
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(h http.Handler) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/webhooks/mock", bytes.NewReader(body))
			req.Header.Set(mockpay.SignatureHeader, mockpay.Sign(body, webhookSecret))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("expected status 200, got %d", rec.Code)
			}
		}(handlers[i%instances])
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly one dispatch across instances, got %d", got)
	}

	var rows int
	if err := env.pool.QueryRow(env.ctx, "SELECT count(*) FROM webhook_events WHERE event_id = $1", "evt_it_race").Scan(&rows); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if rows != 1 {
		t.Errorf("expected one stored webhook, got %d", rows)
	}
}

func newRecord(provider, eventID string, at time.Time) *domain.WebhookRecord {
	return &domain.WebhookRecord{
		ID:         uuid.NewString(),
		Provider:   provider,
		EventID:    eventID,
		EventType:  "payment.failed",
		Payload:    []byte(`{}`),
		Headers:    map[string]string{},
		Status:     domain.WebhookStatusReceived,
		MaxRetries: domain.DefaultWebhookMaxRetries,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func TestWebhookRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	repo := postgres.NewWebhookRepository(env.pool)
	now := time.Now().UTC().Truncate(time.Millisecond)

	first := newRecord("mock", "evt_repo_1", now)
	first.Payload = []byte(`{"id":"evt_repo_1"}`)
	first.Headers = map[string]string{"X-Mock-Signature": "sig"}
	if err := repo.Create(env.ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := newRecord("mock", "evt_repo_1", now)
	if err := repo.Create(env.ctx, dup); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	first.MarkFailed(now.Add(time.Second), "handler failed")
	if err := repo.Update(env.ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}

	second := newRecord("other", "evt_repo_2", now.Add(time.Minute))
	if err := repo.Create(env.ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}
	second.MarkFailed(now.Add(2*time.Minute), "boom")
	if err := repo.Update(env.ctx, second); err != nil {
		t.Fatalf("update second: %v", err)
	}

	all, err := repo.ListRetryable(env.ctx, "", 10)
	if err != nil {
		t.Fatalf("list retryable: %v", err)
	}
	if len(all) != 2 || all[0].EventID != "evt_repo_1" {
		t.Errorf("expected oldest first across providers, got %d records", len(all))
	}

	onlyMock, err := repo.ListRetryable(env.ctx, "mock", 10)
	if err != nil {
		t.Fatalf("list retryable mock: %v", err)
	}
	if len(onlyMock) != 1 {
		t.Errorf("expected one mock record, got %d", len(onlyMock))
	}

	got, err := repo.GetByEventID(env.ctx, "mock", "evt_repo_1")
	if err != nil {
		t.Fatalf("get by event id: %v", err)
	}
	if got.Status != domain.WebhookStatusFailed || got.Headers["X-Mock-Signature"] != "sig" || string(got.Payload) != `{"id":"evt_repo_1"}` {
		t.Errorf("unexpected record: %+v", got)
	}

	if _, err := repo.GetByEventID(env.ctx, "mock", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got.BeginRetry(now.Add(3 * time.Second))
	if err := repo.CompareAndUpdate(env.ctx, got, domain.WebhookStatusFailed, 0); err != nil {
		t.Fatalf("compare and update: %v", err)
	}
	stale := *got
	stale.RetryCount = 1
	if err := repo.CompareAndUpdate(env.ctx, &stale, domain.WebhookStatusFailed, 0); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("stale transition: expected ErrConflict, got %v", err)
	}
	missing := newRecord("mock", "evt_repo_missing", now)
	if err := repo.CompareAndUpdate(env.ctx, missing, domain.WebhookStatusFailed, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing record: expected ErrNotFound, got %v", err)
	}
}

func TestReadyEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	_, handler := env.instance()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var response observability.ReadyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.Checks["database"] != "ok" || response.Checks["redis"] != "ok" {
		t.Errorf("unexpected checks: %v", response.Checks)
	}
}
