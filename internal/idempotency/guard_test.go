package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zororai/paneta-fintech-sub002/internal/clock"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/internal/store"
	"go.uber.org/zap"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"repository": store.NewMemoryRepository(),
		"redis":      NewRedisStore(client, "test:idem"),
		"memory":     NewMemoryStore(time.Minute),
	}
}

func newGuard(s Store) *Guard {
	return NewGuard(s, clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)), time.Hour, zap.NewNop())
}

func TestGuard_ReplaysCompletedKey(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			guard := newGuard(s)
			calls := 0
			fn := func(context.Context) (string, error) {
				calls++
				return "intent-1", nil
			}

			ref, replayed, err := guard.Do(context.Background(), ScopeLocalTransfer, "key-1", fn)
			require.NoError(t, err)
			assert.False(t, replayed)
			assert.Equal(t, "intent-1", ref)

			ref, replayed, err = guard.Do(context.Background(), ScopeLocalTransfer, "key-1", fn)
			require.NoError(t, err)
			assert.True(t, replayed)
			assert.Equal(t, "intent-1", ref)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestGuard_ReleasesKeyWhenOperationFails(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			guard := newGuard(s)
			boom := errors.New("validation failed")

			_, _, err := guard.Do(context.Background(), ScopeFxOffer, "key-2", func(context.Context) (string, error) {
				return "", boom
			})
			assert.ErrorIs(t, err, boom)

			ref, replayed, err := guard.Do(context.Background(), ScopeFxOffer, "key-2", func(context.Context) (string, error) {
				return "offer-9", nil
			})
			require.NoError(t, err)
			assert.False(t, replayed)
			assert.Equal(t, "offer-9", ref)
		})
	}
}

func TestGuard_InFlightKeyIsReplayError(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			guard := newGuard(s)
			entered := make(chan struct{})
			release := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, _ = guard.Do(context.Background(), ScopeCrossBorderTransfer, "key-3", func(context.Context) (string, error) {
					close(entered)
					<-release
					return "cb-1", nil
				})
			}()
			<-entered

			_, _, err := guard.Do(context.Background(), ScopeCrossBorderTransfer, "key-3", func(context.Context) (string, error) {
				t.Fatal("operation must not run twice")
				return "", nil
			})
			assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReplay)

			close(release)
			wg.Wait()
		})
	}
}

func TestGuard_ScopesAreIndependent(t *testing.T) {
	guard := newGuard(store.NewMemoryRepository())
	var calls int32
	fn := func(context.Context) (string, error) {
		return "ref", nil
	}
	counting := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return fn(ctx)
	}

	_, _, err := guard.Do(context.Background(), ScopeLocalTransfer, "shared", counting)
	require.NoError(t, err)
	_, replayed, err := guard.Do(context.Background(), ScopeFxOffer, "shared", counting)
	require.NoError(t, err)

	assert.False(t, replayed)
	assert.Equal(t, int32(2), calls)
}

func TestGuard_EmptyKeyAlwaysRuns(t *testing.T) {
	guard := newGuard(store.NewMemoryRepository())
	calls := 0
	for i := 0; i < 2; i++ {
		_, replayed, err := guard.Do(context.Background(), ScopeLocalTransfer, "  ", func(context.Context) (string, error) {
			calls++
			return "x", nil
		})
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 2, calls)
}

func TestGuard_PurgeDelegatesToDurableStore(t *testing.T) {
	repo := store.NewMemoryRepository()
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	guard := NewGuard(repo, clk, time.Hour, zap.NewNop())

	_, _, err := guard.Do(context.Background(), ScopeLocalTransfer, "old", func(context.Context) (string, error) { return "r", nil })
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	n, err := guard.Purge(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = newGuard(NewMemoryStore(time.Minute)).Purge(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOwnerScope_SeparatesCallers(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			guard := newGuard(s)
			ctx := context.Background()

			ref, _, err := guard.Do(ctx, OwnerScope(ScopeLocalTransfer, "alice"), "k1", func(context.Context) (string, error) {
				return "alice-intent", nil
			})
			require.NoError(t, err)
			assert.Equal(t, "alice-intent", ref)

			ref, replayed, err := guard.Do(ctx, OwnerScope(ScopeLocalTransfer, "bob"), "k1", func(context.Context) (string, error) {
				return "bob-intent", nil
			})
			require.NoError(t, err)
			assert.False(t, replayed)
			assert.Equal(t, "bob-intent", ref)
		})
	}
}

func TestOwnerScope_EscapesSeparator(t *testing.T) {
	assert.Equal(t, "local_transfer:alice", OwnerScope(ScopeLocalTransfer, " alice "))
	assert.NotEqual(t, OwnerScope(ScopeLocalTransfer, "a:b"), OwnerScope(ScopeLocalTransfer, "a")+":b")
}
