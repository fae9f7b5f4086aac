package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/repository"
)

//go:embed schema.sql
var schema string

// Migrate creates the webhook tables. It is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

const selectColumns = `
	id, provider, event_id, event_type, payload, headers, signature, status,
	error_message, retry_count, max_retries, processed_at,
	invoice_id, subscription_id, user_id, created_at, updated_at`

type WebhookRepository struct {
	pool *pgxpool.Pool
}

var _ repository.WebhookRepository = (*WebhookRepository)(nil)

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

// Create inserts the record. The unique (provider, event_id) index makes
// concurrent deliveries of the same event race safely: exactly one insert
// wins and the rest get domain.ErrAlreadyExists.
func (r *WebhookRepository) Create(ctx context.Context, rec *domain.WebhookRecord) error {
	const query = `
		INSERT INTO webhook_events (
			id, provider, event_id, event_type, payload, headers, signature, status,
			error_message, retry_count, max_retries, processed_at,
			invoice_id, subscription_id, user_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (provider, event_id) DO NOTHING
	`

	headers := rec.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	tag, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.Provider,
		rec.EventID,
		rec.EventType,
		[]byte(rec.Payload),
		headers,
		rec.Signature,
		string(rec.Status),
		rec.ErrorMessage,
		rec.RetryCount,
		rec.MaxRetries,
		rec.ProcessedAt,
		rec.InvoiceID,
		rec.SubscriptionID,
		rec.UserID,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*domain.WebhookRecord, error) {
	query := `SELECT` + selectColumns + ` FROM webhook_events WHERE id = $1`
	return scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *WebhookRepository) GetByEventID(ctx context.Context, provider, eventID string) (*domain.WebhookRecord, error) {
	query := `SELECT` + selectColumns + ` FROM webhook_events WHERE provider = $1 AND event_id = $2`
	return scanOne(r.pool.QueryRow(ctx, query, provider, eventID))
}

func (r *WebhookRepository) FindByEventID(ctx context.Context, eventID string) (*domain.WebhookRecord, error) {
	query := `SELECT` + selectColumns + `
		FROM webhook_events
		WHERE event_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return scanOne(r.pool.QueryRow(ctx, query, eventID))
}

func (r *WebhookRepository) Update(ctx context.Context, rec *domain.WebhookRecord) error {
	const query = `
		UPDATE webhook_events
		SET payload = $2, headers = $3, signature = $4, status = $5,
		    error_message = $6, retry_count = $7, processed_at = $8,
		    invoice_id = $9, subscription_id = $10, user_id = $11, updated_at = $12
		WHERE id = $1
	`

	headers := rec.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	tag, err := r.pool.Exec(ctx, query,
		rec.ID,
		[]byte(rec.Payload),
		headers,
		rec.Signature,
		string(rec.Status),
		rec.ErrorMessage,
		rec.RetryCount,
		rec.ProcessedAt,
		rec.InvoiceID,
		rec.SubscriptionID,
		rec.UserID,
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CompareAndUpdate is Update guarded by the row's current status and retry
// count, so two workers cannot both move the same failed record forward.
func (r *WebhookRepository) CompareAndUpdate(ctx context.Context, rec *domain.WebhookRecord, prevStatus domain.WebhookStatus, prevRetryCount int) error {
	const query = `
		UPDATE webhook_events
		SET payload = $2, headers = $3, signature = $4, status = $5,
		    error_message = $6, retry_count = $7, processed_at = $8,
		    invoice_id = $9, subscription_id = $10, user_id = $11, updated_at = $12
		WHERE id = $1 AND status = $13 AND retry_count = $14
	`

	headers := rec.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	tag, err := r.pool.Exec(ctx, query,
		rec.ID,
		[]byte(rec.Payload),
		headers,
		rec.Signature,
		string(rec.Status),
		rec.ErrorMessage,
		rec.RetryCount,
		rec.ProcessedAt,
		rec.InvoiceID,
		rec.SubscriptionID,
		rec.UserID,
		rec.UpdatedAt,
		string(prevStatus),
		prevRetryCount,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, rec.ID); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

func (r *WebhookRepository) ListRetryable(ctx context.Context, provider string, limit int) ([]*domain.WebhookRecord, error) {
	query := `SELECT` + selectColumns + `
		FROM webhook_events
		WHERE status = 'failed'
		  AND retry_count < max_retries
		  AND ($1 = '' OR provider = $1)
		ORDER BY created_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, provider, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.WebhookRecord
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanOne(row pgx.Row) (*domain.WebhookRecord, error) {
	rec, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rec, err
}

func scan(row pgx.Row) (*domain.WebhookRecord, error) {
	var (
		rec     domain.WebhookRecord
		payload []byte
		status  string
	)
	err := row.Scan(
		&rec.ID,
		&rec.Provider,
		&rec.EventID,
		&rec.EventType,
		&payload,
		&rec.Headers,
		&rec.Signature,
		&status,
		&rec.ErrorMessage,
		&rec.RetryCount,
		&rec.MaxRetries,
		&rec.ProcessedAt,
		&rec.InvoiceID,
		&rec.SubscriptionID,
		&rec.UserID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.Status = domain.WebhookStatus(status)
	return &rec, nil
}
