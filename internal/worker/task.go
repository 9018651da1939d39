/**
 * @description
 * Generic retryable task plumbing: a task payload, its attempt counter, a
 * backoff policy and a terminal failure callback. Queue implementations
 * (in-memory here, RabbitMQ in pkg/rabbitmq) only deliver tasks; Dispatch
 * decides whether a failed attempt is retried or handed to the failure
 * callback.
 */

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task is one unit of durable work. Attempt is 1-based.
type Task struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
	Step     string `json:"step,omitempty"`
	Attempt  int    `json:"attempt"`
}

func NewTask(kind, entityID, step string) Task {
	return Task{ID: uuid.NewString(), Kind: kind, EntityID: entityID, Step: step, Attempt: 1}
}

// Policy bounds retries. Backoff[i] is the wait before attempt i+2.
type Policy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultPolicy is five attempts on a 5s/15s/45s/120s/300s schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Backoff:     []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second, 120 * time.Second, 300 * time.Second},
	}
}

// Delay returns the wait after the given failed attempt, capped at the last step.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Handler executes a task. Returning nil acknowledges it.
type Handler func(ctx context.Context, task Task) error

// FailureHandler runs once a task can no longer be retried.
type FailureHandler func(ctx context.Context, task Task, err error)

// Queue accepts tasks for delivery after delay.
type Queue interface {
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Registration struct {
	Handler   Handler
	Policy    Policy
	OnFailure FailureHandler
}

// Registry maps task kinds to their handler, policy and failure callback.
type Registry struct {
	mu     sync.RWMutex
	kinds  map[string]Registration
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{kinds: make(map[string]Registration), logger: logger.With(zap.String("component", "worker"))}
}

func (r *Registry) Register(kind string, reg Registration) {
	if reg.Policy.MaxAttempts <= 0 {
		reg.Policy = DefaultPolicy()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = reg
}

// Dispatch runs one delivery of task. A failed attempt is re-enqueued on q
// with the policy delay; when attempts are exhausted, or the error is
// permanent, the failure callback runs instead. The returned error is
// non-nil only when the task could not be re-enqueued, in which case the
// delivery should be redelivered by the transport.
func (r *Registry) Dispatch(ctx context.Context, q Queue, task Task) error {
	r.mu.RLock()
	reg, ok := r.kinds[task.Kind]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("no handler registered; dropping task", zap.String("kind", task.Kind), zap.String("task_id", task.ID))
		return nil
	}
	if task.Attempt < 1 {
		task.Attempt = 1
	}

	err := reg.Handler(ctx, task)
	if err == nil {
		return nil
	}

	fields := []zap.Field{
		zap.String("kind", task.Kind),
		zap.String("entity_id", task.EntityID),
		zap.String("step", task.Step),
		zap.Int("attempt", task.Attempt),
		zap.Error(err),
	}

	if IsPermanent(err) || reg.Policy.Exhausted(task.Attempt) {
		r.logger.Error("task failed permanently", fields...)
		if reg.OnFailure != nil {
			reg.OnFailure(ctx, task, err)
		}
		return nil
	}

	delay := reg.Policy.Delay(task.Attempt)
	next := task
	next.Attempt++
	r.logger.Warn("task attempt failed; scheduling retry", append(fields, zap.Duration("retry_in", delay))...)
	if enqueueErr := q.Enqueue(ctx, next, delay); enqueueErr != nil {
		return fmt.Errorf("re-enqueue task %s: %w", task.ID, enqueueErr)
	}
	return nil
}
