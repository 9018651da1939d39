package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"go.uber.org/zap"
)

func TestLocalLocker_SerialisesSameKey(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "offer:1", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, locker.entries)
}

func TestLocalLocker_TimesOutWithConcurrentModification(t *testing.T) {
	locker := NewLocalLocker(20 * time.Millisecond)
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = locker.WithLock(context.Background(), "transfer:1", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := locker.WithLock(context.Background(), "transfer:1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	require.NoError(t, locker.WithLock(context.Background(), "transfer:2", func(context.Context) error { return nil }))
	close(release)
}

func TestLocalLocker_RejectsEmptyKey(t *testing.T) {
	locker := NewLocalLocker(0)
	assert.ErrorIs(t, locker.WithLock(context.Background(), " ", func(context.Context) error { return nil }), ErrEmptyLockKey)
	assert.ErrorIs(t, locker.WithLock(context.Background(), "k", nil), ErrNilLockFn)
}

type recordingLocker struct {
	mu    sync.Mutex
	order []string
}

func (r *recordingLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	r.mu.Lock()
	r.order = append(r.order, key)
	r.mu.Unlock()
	return fn(ctx)
}

func TestWithLocks_AcquiresInSortedOrderOnce(t *testing.T) {
	rec := &recordingLocker{}
	called := false

	err := WithLocks(context.Background(), rec, []string{"offer:b", "account:z", "offer:a", "offer:b"}, func(context.Context) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, []string{"account:z", "offer:a", "offer:b"}, rec.order)
}

func setupRedisLocker(t *testing.T, tweak ...func(*Options)) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts := DefaultOptions()
	opts.Tries = 1
	for _, fn := range tweak {
		fn(&opts)
	}
	return NewRedisLocker(client, "test:lock:", opts, zap.NewNop()), mr
}

func TestRedisLocker_ReleasesAfterRun(t *testing.T) {
	locker, mr := setupRedisLocker(t)

	err := locker.WithLock(context.Background(), "offer:1", func(context.Context) error {
		assert.True(t, mr.Exists("test:lock:offer:1"))
		return nil
	})

	require.NoError(t, err)
	assert.False(t, mr.Exists("test:lock:offer:1"))
}

func TestRedisLocker_ContentionIsConcurrentModification(t *testing.T) {
	locker, _ := setupRedisLocker(t)

	err := locker.WithLock(context.Background(), "offer:1", func(ctx context.Context) error {
		return locker.WithLock(ctx, "offer:1", func(context.Context) error { return nil })
	})

	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
}

func TestRedisLocker_ExtendsWhileHeld(t *testing.T) {
	locker, mr := setupRedisLocker(t, func(o *Options) {
		o.Expiry = time.Second
		o.ExtendEvery = 20 * time.Millisecond
	})

	err := locker.WithLock(context.Background(), "offer:1", func(ctx context.Context) error {
		// Two jumps add up to more than Expiry; only extensions keep the key.
		mr.FastForward(800 * time.Millisecond)
		time.Sleep(150 * time.Millisecond)
		mr.FastForward(800 * time.Millisecond)
		time.Sleep(150 * time.Millisecond)
		assert.True(t, mr.Exists("test:lock:offer:1"))
		return ctx.Err()
	})

	require.NoError(t, err)
	assert.False(t, mr.Exists("test:lock:offer:1"))
}

func TestRedisLocker_LostLockCancelsHolder(t *testing.T) {
	locker, mr := setupRedisLocker(t, func(o *Options) {
		o.Expiry = time.Second
		o.ExtendEvery = 20 * time.Millisecond
	})

	err := locker.WithLock(context.Background(), "offer:1", func(ctx context.Context) error {
		mr.Del("test:lock:offer:1")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})

	assert.ErrorIs(t, err, ErrLockLost)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.ErrorIs(t, err, context.Canceled)
}
