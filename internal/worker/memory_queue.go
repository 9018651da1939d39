package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zororai/paneta-fintech-sub002/internal/clock"
	"go.uber.org/zap"
)

type scheduledTask struct {
	task  Task
	due   time.Time
	order uint64
}

// MemoryQueue delivers tasks in-process once their due time has passed on
// the injected clock. It backs single-instance deployments and tests; tasks
// do not survive a restart.
type MemoryQueue struct {
	*Registry

	mu      sync.Mutex
	pending []scheduledTask
	seq     uint64
	clock   clock.Clock
	logger  *zap.Logger
}

func NewMemoryQueue(registry *Registry, clk clock.Clock, logger *zap.Logger) *MemoryQueue {
	return &MemoryQueue{
		Registry: registry,
		clock:    clk,
		logger:   logger.With(zap.String("component", "memory_queue")),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.pending = append(q.pending, scheduledTask{task: task, due: q.clock.Now().Add(delay), order: q.seq})
	return nil
}

// Len reports the number of tasks not yet delivered.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// NextDue returns the earliest due time among pending tasks.
func (q *MemoryQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return time.Time{}, false
	}
	earliest := q.pending[0].due
	for _, st := range q.pending[1:] {
		if st.due.Before(earliest) {
			earliest = st.due
		}
	}
	return earliest, true
}

// RunDue delivers every task due at the current clock time, including tasks
// enqueued by handlers with zero delay, and returns how many ran.
func (q *MemoryQueue) RunDue(ctx context.Context) int {
	ran := 0
	for {
		st, ok := q.popDue()
		if !ok {
			return ran
		}
		ran++
		if err := q.Dispatch(ctx, q, st.task); err != nil {
			q.logger.Error("dispatch failed; task dropped", zap.String("task_id", st.task.ID), zap.Error(err))
		}
	}
}

func (q *MemoryQueue) popDue() (scheduledTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].due.Equal(q.pending[j].due) {
			return q.pending[i].order < q.pending[j].order
		}
		return q.pending[i].due.Before(q.pending[j].due)
	})
	if len(q.pending) == 0 || q.pending[0].due.After(now) {
		return scheduledTask{}, false
	}
	st := q.pending[0]
	q.pending = q.pending[1:]
	return st, true
}

// Run polls for due tasks until ctx is cancelled.
func (q *MemoryQueue) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("memory queue started", zap.Duration("poll_interval", interval))
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("memory queue stopped")
			return nil
		case <-ticker.C:
			q.RunDue(ctx)
		}
	}
}
