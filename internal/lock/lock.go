// Package lock serialises state transitions per entity. A key such as
// "offer:<id>" may be held by at most one caller at a time; callers that
// cannot acquire it in time receive domain.ErrConcurrentModification and are
// expected to retry.
package lock

import (
	"context"
	"errors"
	"sort"
	"strings"
)

var (
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	ErrNilLockFn    = errors.New("lock function is nil")
)

// Locker runs fn while holding the lock for key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Key builds "<kind>:<id>".
func Key(kind, id string) string {
	return kind + ":" + id
}

// WithLocks acquires every key in sorted order, so two callers locking the
// same pair can never deadlock, then runs fn. Duplicate keys are taken once.
func WithLocks(ctx context.Context, l Locker, keys []string, fn func(context.Context) error) error {
	ordered := uniqueSorted(keys)
	var acquire func(ctx context.Context, i int) error
	acquire = func(ctx context.Context, i int) error {
		if i == len(ordered) {
			return fn(ctx)
		}
		return l.WithLock(ctx, ordered[i], func(ctx context.Context) error {
			return acquire(ctx, i+1)
		})
	}
	return acquire(ctx, 0)
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
