package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"go.uber.org/zap"
)

var ErrInstitutionUnavailable = errors.New("institution unavailable")

// BreakerConfig mirrors the gobreaker settings the service exposes.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// BreakerConnector guards an institution connector with a circuit breaker.
// Business rejections (insufficient balance, invalid amount) do not count
// as failures; only transport and institution errors trip the breaker.
type BreakerConnector struct {
	next    Connector
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerConnector(name string, next Connector, cfg BreakerConfig, logger *zap.Logger) *BreakerConnector {
	log := logger.With(zap.String("component", "circuit_breaker"), zap.String("institution", name))
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isBusinessRejection(err)
		},
	}
	return &BreakerConnector{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerConnector) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerConnector) Debit(ctx context.Context, in Instruction) error {
	_, err := b.execute(func() (any, error) { return nil, b.next.Debit(ctx, in) })
	return err
}

func (b *BreakerConnector) Credit(ctx context.Context, in Instruction) error {
	_, err := b.execute(func() (any, error) { return nil, b.next.Credit(ctx, in) })
	return err
}

func (b *BreakerConnector) GetBalance(ctx context.Context, accountID, externalRef string) (decimal.Decimal, error) {
	out, err := b.execute(func() (any, error) { return b.next.GetBalance(ctx, accountID, externalRef) })
	if err != nil {
		return decimal.Zero, err
	}
	return out.(decimal.Decimal), nil
}

func (b *BreakerConnector) execute(fn func() (any, error)) (any, error) {
	out, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w", b.breaker.Name(), ErrInstitutionUnavailable)
	}
	return out, err
}

func isBusinessRejection(err error) bool {
	return errors.Is(err, domain.ErrInsufficientBalance) ||
		errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, domain.ErrNotFound)
}
