package app

import (
	"context"
	"errors"
	"time"

	"github.com/zororai/paneta-fintech-sub002/internal/domain"
)

const (
	conflictRetryAttempts = 3
	conflictRetryBackoff  = 50 * time.Millisecond
)

// retryOnConflict re-runs fn while it fails with a stale version or a busy
// lock. fn must reload state on every call.
func retryOnConflict(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < conflictRetryAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		if attempt == conflictRetryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(conflictRetryBackoff << attempt):
		}
	}
	return err
}
