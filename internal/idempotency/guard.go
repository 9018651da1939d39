/**
 * @description
 * Idempotency guard for caller-supplied keys. A key is reserved before the
 * operation runs, completed with the produced entity reference on success,
 * and released on failure so the caller may try again.
 *
 * @notes
 * - A completed key replays its stored reference; the operation is not re-run.
 * - A key that is still in flight yields domain.ErrIdempotencyKeyReplay.
 */

package idempotency

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/zororai/paneta-fintech-sub002/internal/clock"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"go.uber.org/zap"
)

// Operation scopes. Keys are unique per scope, not globally.
const (
	ScopeLocalTransfer       = "local_transfer"
	ScopeCrossBorderTransfer = "cross_border_transfer"
	ScopeFxOffer             = "fx_offer"
)

// OwnerScope narrows scope to one caller, so two owners may use the same
// key without seeing each other's results. The owner is escaped so it can
// never contain the ':' separator.
func OwnerScope(scope, owner string) string {
	return scope + ":" + url.QueryEscape(strings.TrimSpace(owner))
}

// Store is the persistence behind the guard. store.PostgresRepository,
// store.MemoryRepository, RedisStore and MemoryStore all satisfy it.
type Store interface {
	ReserveIdempotencyKey(ctx context.Context, record domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error)
	CompleteIdempotencyKey(ctx context.Context, scope, key, resultReference string) error
	ReleaseIdempotencyKey(ctx context.Context, scope, key string) error
}

// Purger is implemented by stores that need explicit cleanup of expired keys.
type Purger interface {
	PurgeIdempotencyKeys(ctx context.Context, before time.Time, limit int) (int, error)
}

type Guard struct {
	store  Store
	clock  clock.Clock
	ttl    time.Duration
	logger *zap.Logger
}

func NewGuard(store Store, clk clock.Clock, ttl time.Duration, logger *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{
		store:  store,
		clock:  clk,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

// Do runs fn at most once per (scope, key). fn returns the reference of the
// entity it produced. replayed is true when the reference came from an
// earlier call. An empty key disables deduplication.
func (g *Guard) Do(ctx context.Context, scope, key string, fn func(context.Context) (string, error)) (ref string, replayed bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		ref, err = fn(ctx)
		return ref, false, err
	}

	now := g.clock.Now()
	existing, reserved, err := g.store.ReserveIdempotencyKey(ctx, domain.IdempotencyRecord{
		Scope:     scope,
		Key:       key,
		Status:    domain.IdempotencyInFlight,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	})
	if err != nil {
		return "", false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if !reserved {
		if existing != nil && existing.Status == domain.IdempotencyCompleted {
			g.logger.Info("idempotent replay", zap.String("scope", scope), zap.String("result_reference", existing.ResultReference))
			return existing.ResultReference, true, nil
		}
		return "", false, domain.ErrIdempotencyKeyReplay
	}

	ref, err = fn(ctx)
	if err != nil {
		if releaseErr := g.store.ReleaseIdempotencyKey(context.WithoutCancel(ctx), scope, key); releaseErr != nil {
			g.logger.Warn("idempotency key release failed", zap.String("scope", scope), zap.Error(releaseErr))
		}
		return "", false, err
	}

	if completeErr := g.store.CompleteIdempotencyKey(context.WithoutCancel(ctx), scope, key, ref); completeErr != nil {
		// The entity exists; a later replay will see the key as in flight until it expires.
		g.logger.Error("idempotency key completion failed", zap.String("scope", scope), zap.String("result_reference", ref), zap.Error(completeErr))
	}
	return ref, false, nil
}

// Purge removes expired records from stores that keep them.
func (g *Guard) Purge(ctx context.Context, limit int) (int, error) {
	purger, ok := g.store.(Purger)
	if !ok {
		return 0, nil
	}
	return purger.PurgeIdempotencyKeys(ctx, g.clock.Now(), limit)
}
