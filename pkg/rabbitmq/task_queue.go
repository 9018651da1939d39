package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/zororai/paneta-fintech-sub002/internal/worker"
	"go.uber.org/zap"
)

// DefaultTaskQueue is the durable queue saga legs are delivered from.
const DefaultTaskQueue = "paneta.legs"

// TaskQueue carries worker tasks over a durable RabbitMQ queue. Delayed
// retries park in per-delay queues whose TTL dead-letters them back onto
// the work queue.
type TaskQueue struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	queue    string
	declared map[string]bool
	consumer *Consumer
	registry *worker.Registry
	prefetch int
	logger   *zap.Logger
}

var _ worker.Queue = (*TaskQueue)(nil)

// NewTaskQueue connects, declares the work queue and returns a queue whose
// Run loop dispatches deliveries through registry.
func NewTaskQueue(amqpURL, queueName string, prefetch int, registry *worker.Registry, logger *zap.Logger) (*TaskQueue, error) {
	if strings.TrimSpace(queueName) == "" {
		queueName = DefaultTaskQueue
	}
	if prefetch <= 0 {
		prefetch = 8
	}
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare task queue: %w", err)
	}
	consumer, err := NewConsumer(amqpURL, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &TaskQueue{
		conn:     conn,
		channel:  ch,
		queue:    queueName,
		declared: map[string]bool{queueName: true},
		consumer: consumer,
		registry: registry,
		prefetch: prefetch,
		logger:   logger.With(zap.String("component", "task_queue"), zap.String("queue", queueName)),
	}, nil
}

func delayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%dms", queue, delay.Milliseconds())
}

func delayQueueArgs(queue string, delay time.Duration) amqp091.Table {
	return amqp091.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
}

// Enqueue publishes task to the work queue, or to the matching delay queue
// when delay is positive.
func (q *TaskQueue) Enqueue(ctx context.Context, task worker.Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	target := q.queue
	if delay > 0 {
		target = delayQueueName(q.queue, delay)
		if !q.declared[target] {
			if _, err := q.channel.QueueDeclare(target, true, false, false, false, delayQueueArgs(q.queue, delay)); err != nil {
				return fmt.Errorf("declare delay queue %s: %w", target, err)
			}
			q.declared[target] = true
		}
	}

	err = q.channel.PublishWithContext(ctx, "", target, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    task.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish task %s: %w", task.ID, err)
	}
	return nil
}

// Run consumes the work queue until ctx is cancelled. A delivery is acked
// once Dispatch has either completed it or scheduled its retry.
func (q *TaskQueue) Run(ctx context.Context) error {
	return q.consumer.ConsumeQueue(ctx, q.queue, q.prefetch, func(ctx context.Context, body []byte) error {
		var task worker.Task
		if err := json.Unmarshal(body, &task); err != nil {
			q.logger.Error("undecodable task dropped", zap.Error(err))
			return nil
		}
		return q.registry.Dispatch(ctx, q, task)
	})
}

func (q *TaskQueue) Close() {
	q.consumer.Close()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}
