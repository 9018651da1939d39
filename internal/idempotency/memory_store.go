package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
)

// MemoryStore is a process-local store whose entries expire with the record.
type MemoryStore struct {
	mu    sync.Mutex
	items *cache.Cache
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{items: cache.New(cache.NoExpiration, cleanupInterval)}
}

func memoryKey(scope, key string) string { return scope + "|" + key }

func (s *MemoryStore) ReserveIdempotencyKey(ctx context.Context, record domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(record.Scope, record.Key)
	if err := s.items.Add(k, record, record.ExpiresAt.Sub(record.CreatedAt)); err == nil {
		return &record, true, nil
	}
	existing, ok := s.items.Get(k)
	if !ok {
		// Expired but not yet cleaned up.
		s.items.Set(k, record, record.ExpiresAt.Sub(record.CreatedAt))
		return &record, true, nil
	}
	rec := existing.(domain.IdempotencyRecord)
	return &rec, false, nil
}

func (s *MemoryStore) CompleteIdempotencyKey(ctx context.Context, scope, key, resultReference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(scope, key)
	item, expiresAt, ok := s.items.GetWithExpiration(k)
	if !ok {
		return fmt.Errorf("complete %s/%s: %w", scope, key, domain.ErrNotFound)
	}
	rec := item.(domain.IdempotencyRecord)
	rec.Status = domain.IdempotencyCompleted
	rec.ResultReference = resultReference
	ttl := cache.NoExpiration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	s.items.Set(k, rec, ttl)
	return nil
}

func (s *MemoryStore) ReleaseIdempotencyKey(ctx context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(scope, key)
	if item, ok := s.items.Get(k); ok && item.(domain.IdempotencyRecord).Status == domain.IdempotencyInFlight {
		s.items.Delete(k)
	}
	return nil
}
