package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
)

// RedisStore keeps idempotency records as JSON values that expire with the record.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// Complete and release must not clobber a record replaced after expiry, so
// both run as scripts that inspect the stored status first.
var completeScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
rec["status"] = "completed"
rec["result_reference"] = ARGV[1]
redis.call("SET", KEYS[1], cjson.encode(rec), "KEEPTTL")
return 1
`)

var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec["status"] == "in_flight" then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "paneta:idempotency"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(scope, key string) string {
	return s.prefix + ":" + scope + ":" + key
}

func (s *RedisStore) ReserveIdempotencyKey(ctx context.Context, record domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, false, err
	}
	ttl := record.ExpiresAt.Sub(record.CreatedAt)
	ok, err := s.client.SetNX(ctx, s.key(record.Scope, record.Key), payload, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return &record, true, nil
	}

	raw, err := s.client.Get(ctx, s.key(record.Scope, record.Key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET; treat as in flight so the caller retries.
			record.Status = domain.IdempotencyInFlight
			return &record, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var existing domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &existing, false, nil
}

func (s *RedisStore) CompleteIdempotencyKey(ctx context.Context, scope, key, resultReference string) error {
	n, err := completeScript.Run(ctx, s.client, []string{s.key(scope, key)}, resultReference).Int()
	if err != nil {
		return fmt.Errorf("redis complete script: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete %s/%s: %w", scope, key, domain.ErrNotFound)
	}
	return nil
}

func (s *RedisStore) ReleaseIdempotencyKey(ctx context.Context, scope, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(scope, key)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release script: %w", err)
	}
	return nil
}
