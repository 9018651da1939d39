package app

import (
	"context"

	"go.uber.org/zap"
)

// EventPublisher delivers domain events to the event exchange.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// LogPublisher only logs events. It stands in when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With(zap.String("component", "events"), zap.String("mode", "fallback"))}
}

func (p *LogPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	p.logger.Info("publish skipped", zap.String("routing_key", routingKey), zap.Any("payload", payload))
	return nil
}
