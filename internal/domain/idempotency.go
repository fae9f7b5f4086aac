package domain

import "time"

type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// DefaultIdempotencyTTL bounds how long a completed operation is remembered.
const DefaultIdempotencyTTL = 24 * time.Hour

type IdempotencyRecord struct {
	Key          string            `json:"key"`
	Provider     string            `json:"provider"`
	Operation    string            `json:"operation"`
	RequestHash  string            `json:"request_hash"`
	ResponseData map[string]any    `json:"response_data"`
	Status       IdempotencyStatus `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Remaining is the TTL left on the record, never negative.
func (r *IdempotencyRecord) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
