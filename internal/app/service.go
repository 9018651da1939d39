/**
 * @description
 * This file wires the orchestration core. The `Service` struct coordinates
 * local transfers, the cross-border saga and the FX matching engine across
 * the repository, institution connectors, the idempotency guard, per-entity
 * locks, the fee ledger, the durable leg queue and the event publisher.
 *
 * @notes
 * - State changes go through the domain transition tables; the service never
 *   assigns a status directly.
 * - Events are published after the state change is persisted. A publish
 *   failure is logged and never undoes the change.
 */

package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/clock"
	"github.com/zororai/paneta-fintech-sub002/internal/connector"
	"github.com/zororai/paneta-fintech-sub002/internal/fxrate"
	"github.com/zororai/paneta-fintech-sub002/internal/idempotency"
	"github.com/zororai/paneta-fintech-sub002/internal/ledger"
	"github.com/zororai/paneta-fintech-sub002/internal/lock"
	"github.com/zororai/paneta-fintech-sub002/internal/metrics"
	"github.com/zororai/paneta-fintech-sub002/internal/store"
	"github.com/zororai/paneta-fintech-sub002/internal/worker"
	"go.uber.org/zap"
)

const (
	defaultSweepBatch = 100
	maxSweepBatch     = 500
)

// Options carries the tunables read from configuration.
type Options struct {
	FeePercent decimal.Decimal
	FeeFlat    decimal.Decimal
	QuoteTTL   time.Duration
	LegPolicy  worker.Policy
	StuckAfter time.Duration
	SweepBatch int
}

func DefaultOptions() Options {
	return Options{
		FeePercent: decimal.Zero,
		FeeFlat:    decimal.Zero,
		QuoteTTL:   5 * time.Minute,
		LegPolicy:  worker.DefaultPolicy(),
		StuckAfter: 15 * time.Minute,
		SweepBatch: defaultSweepBatch,
	}
}

// Deps are the collaborators a Service needs. Metrics may be nil.
type Deps struct {
	Repo       store.Repository
	Connectors *connector.Registry
	Rates      fxrate.Provider
	Guard      *idempotency.Guard
	Locker     lock.Locker
	Ledger     *ledger.Service
	Queue      worker.Queue
	Events     EventPublisher
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Logger     *zap.Logger
}

type Service struct {
	repo       store.Repository
	connectors *connector.Registry
	rates      fxrate.Provider
	guard      *idempotency.Guard
	locker     lock.Locker
	ledger     *ledger.Service
	queue      worker.Queue
	events     EventPublisher
	metrics    *metrics.Metrics
	clock      clock.Clock
	opts       Options
	logger     *zap.Logger
}

func NewService(deps Deps, opts Options) *Service {
	if opts.LegPolicy.MaxAttempts <= 0 {
		opts.LegPolicy = worker.DefaultPolicy()
	}
	if opts.QuoteTTL <= 0 {
		opts.QuoteTTL = 5 * time.Minute
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 15 * time.Minute
	}
	opts.SweepBatch = clampBatch(opts.SweepBatch)
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = NewLogPublisher(deps.Logger)
	}
	return &Service{
		repo:       deps.Repo,
		connectors: deps.Connectors,
		rates:      deps.Rates,
		guard:      deps.Guard,
		locker:     deps.Locker,
		ledger:     deps.Ledger,
		queue:      deps.Queue,
		events:     deps.Events,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		opts:       opts,
		logger:     deps.Logger.With(zap.String("component", "service")),
	}
}

func clampBatch(limit int) int {
	if limit <= 0 {
		return defaultSweepBatch
	}
	if limit > maxSweepBatch {
		return maxSweepBatch
	}
	return limit
}

// publish emits an event after a committed change. Failures are logged only.
func (s *Service) publish(ctx context.Context, routingKey string, payload any) {
	if err := s.events.Publish(ctx, routingKey, payload); err != nil {
		s.logger.Warn("event publish failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}
