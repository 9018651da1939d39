package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"go.uber.org/zap"
)

// Options tune the RedLock mutex. While fn runs the lock is extended every
// ExtendEvery; zero means a third of Expiry.
type Options struct {
	Expiry      time.Duration
	ExtendEvery time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

func DefaultOptions() Options {
	return Options{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  200 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// ErrLockLost is returned when the lock could not be extended while fn ran.
var ErrLockLost = fmt.Errorf("lock lost before release: %w", domain.ErrConcurrentModification)

// RedisLocker is a distributed Locker built on redsync.
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
	opts   Options
	logger *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, prefix string, opts Options, logger *zap.Logger) *RedisLocker {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "paneta:lock"
	}
	if opts.Tries < 1 {
		opts.Tries = 1
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultOptions().Expiry
	}
	if opts.ExtendEvery <= 0 || opts.ExtendEvery >= opts.Expiry {
		opts.ExtendEvery = opts.Expiry / 3
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		opts:   opts,
		logger: logger.With(zap.String("component", "redis_lock")),
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if fn == nil {
		return ErrNilLockFn
	}
	if strings.TrimSpace(key) == "" {
		return ErrEmptyLockKey
	}

	name := l.prefix + ":" + key
	mutex := l.rs.NewMutex(
		name,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
		redsync.WithDriftFactor(l.opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return fmt.Errorf("lock %s: %w", key, domain.ErrConcurrentModification)
		}
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer func() {
		// Unlock on a fresh context so a cancelled request still releases the key.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			l.logger.Warn("lock release failed", zap.String("lock_key", name), zap.Bool("unlock_ok", ok), zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	stopped := make(chan struct{})
	go l.keepAlive(runCtx, mutex, name, lost, cancel, stopped)

	err := fn(runCtx)
	cancel()
	<-stopped
	select {
	case <-lost:
		return errors.Join(fmt.Errorf("lock %s: %w", key, ErrLockLost), err)
	default:
		return err
	}
}

// keepAlive extends the mutex until ctx ends. If an extension fails the
// holder's context is cancelled so it stops before writing more state.
func (l *RedisLocker) keepAlive(ctx context.Context, mutex *redsync.Mutex, name string, lost chan<- struct{}, cancel context.CancelFunc, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(l.opts.ExtendEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := mutex.ExtendContext(ctx)
			if ok && err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("lock extension failed", zap.String("lock_key", name), zap.Bool("extend_ok", ok), zap.Error(err))
			close(lost)
			cancel()
			return
		}
	}
}

func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	return strings.Contains(err.Error(), "lock already taken")
}
