package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zororai/paneta-fintech-sub002/internal/clock"
	"go.uber.org/zap"
)

func TestPolicy_DelayFollowsScheduleAndCaps(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second, 120 * time.Second, 300 * time.Second, 300 * time.Second}
	for i, d := range want {
		assert.Equal(t, d, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
}

func TestMemoryQueue_RetriesWithBackoffThenCallsFailureHandler(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	registry := NewRegistry(zap.NewNop())
	q := NewMemoryQueue(registry, clk, zap.NewNop())

	var attempts []int
	var failedWith error
	failures := 0
	boom := errors.New("rail unavailable")
	registry.Register("leg", Registration{
		Handler: func(ctx context.Context, task Task) error {
			attempts = append(attempts, task.Attempt)
			return boom
		},
		Policy: DefaultPolicy(),
		OnFailure: func(ctx context.Context, task Task, err error) {
			failures++
			failedWith = err
		},
	})

	require.NoError(t, q.Enqueue(context.Background(), NewTask("leg", "cb-1", "fx_conversion"), 0))

	var gaps []time.Duration
	assert.Equal(t, 1, q.RunDue(context.Background()))
	for q.Len() > 0 {
		due, _ := q.NextDue()
		gaps = append(gaps, due.Sub(clk.Now()))
		clk.Set(due)
		q.RunDue(context.Background())
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second, 120 * time.Second}, gaps)
	assert.Equal(t, 1, failures)
	assert.ErrorIs(t, failedWith, boom)
}

func TestMemoryQueue_TaskNotDeliveredBeforeDue(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	registry := NewRegistry(zap.NewNop())
	q := NewMemoryQueue(registry, clk, zap.NewNop())
	ran := 0
	registry.Register("k", Registration{Handler: func(context.Context, Task) error { ran++; return nil }})

	require.NoError(t, q.Enqueue(context.Background(), NewTask("k", "e", ""), time.Minute))
	assert.Zero(t, q.RunDue(context.Background()))

	clk.Advance(time.Minute)
	assert.Equal(t, 1, q.RunDue(context.Background()))
	assert.Equal(t, 1, ran)
}

func TestDispatch_PermanentErrorSkipsRetries(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	registry := NewRegistry(zap.NewNop())
	q := NewMemoryQueue(registry, clk, zap.NewNop())
	failed := false
	registry.Register("k", Registration{
		Handler:   func(context.Context, Task) error { return Permanent(errors.New("quote expired")) },
		OnFailure: func(context.Context, Task, error) { failed = true },
	})

	require.NoError(t, q.Enqueue(context.Background(), NewTask("k", "e", ""), 0))
	q.RunDue(context.Background())

	assert.True(t, failed)
	assert.Zero(t, q.Len())
}

func TestDispatch_UnknownKindIsDropped(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	q := NewMemoryQueue(registry, clock.Real{}, zap.NewNop())
	assert.NoError(t, registry.Dispatch(context.Background(), q, Task{Kind: "nope"}))
	assert.Zero(t, q.Len())
}
