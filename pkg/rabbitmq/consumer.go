package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DeliveryHandler processes one message body. A nil error acks the
// delivery; an error nacks it back onto the queue.
type DeliveryHandler func(ctx context.Context, body []byte) error

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
}

func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger.With(zap.String("component", "rabbitmq_consumer"))}, nil
}

// ConsumeWithBindings binds queueName to exchange once per routing key and
// dispatches deliveries to the handler registered for their key until ctx
// is cancelled or the channel closes.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queueName string, bindings map[string]DeliveryHandler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := declareExchange(c.ch, exchange); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]DeliveryHandler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	return c.consume(ctx, q.Name, 0, func(ctx context.Context, d amqp.Delivery) error {
		handler, ok := handlers[d.RoutingKey]
		if !ok {
			c.logger.Warn("no handler for routing key; acknowledging to drop", zap.String("routing_key", d.RoutingKey))
			return nil
		}
		return handler(ctx, d.Body)
	})
}

// ConsumeQueue reads an already declared queue with manual acks and at most
// prefetch unacknowledged deliveries.
func (c *Consumer) ConsumeQueue(ctx context.Context, queueName string, prefetch int, handler DeliveryHandler) error {
	return c.consume(ctx, queueName, prefetch, func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, d.Body)
	})
}

func (c *Consumer) consume(ctx context.Context, queueName string, prefetch int, handle func(context.Context, amqp.Delivery) error) error {
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return err
		}
	}
	msgs, err := c.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.logger.Info("consumer started", zap.String("queue", queueName))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped", zap.String("queue", queueName))
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queueName)
			}
			if err := handle(ctx, d); err != nil {
				c.logger.Warn("handler failed; re-queuing", zap.String("queue", queueName), zap.String("routing_key", d.RoutingKey), zap.Error(err))
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
