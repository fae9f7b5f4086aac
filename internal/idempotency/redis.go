package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

// DefaultKeyPrefix namespaces idempotency keys in a shared Redis.
const DefaultKeyPrefix = "idempotency:"

// RedisBackend stores records as JSON strings. Creation uses SET NX PX so
// exactly one caller across all instances wins a key.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// updateScript overwrites an existing key without touching its TTL.
// Returns 1 on update, 0 if the key is gone.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
    return 1
end
return 0
`)

// deleteIfStatusScript removes a key only while its record has the given
// status. Returns 1 on delete, 0 otherwise.
var deleteIfStatusScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local record = cjson.decode(data)
if record['status'] == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`)

func (r *RedisBackend) key(k string) string {
	return r.prefix + k
}

func (r *RedisBackend) SetNX(ctx context.Context, key string, record *domain.IdempotencyRecord, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshal idempotency record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record %s: %w", key, err)
	}
	return &rec, nil
}

func (r *RedisBackend) Update(ctx context.Context, key string, record *domain.IdempotencyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	n, err := updateScript.Run(ctx, r.client, []string{r.key(key)}, data).Int()
	if err != nil {
		return fmt.Errorf("redis update %s: %w", key, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) DeleteIfStatus(ctx context.Context, key string, status domain.IdempotencyStatus) (bool, error) {
	n, err := deleteIfStatusScript.Run(ctx, r.client, []string{r.key(key)}, string(status)).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete-if-status %s: %w", key, err)
	}
	return n == 1, nil
}

// TTL returns the remaining lifetime of a key as reported by Redis.
func (r *RedisBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.PTTL(ctx, r.key(key)).Result()
}
