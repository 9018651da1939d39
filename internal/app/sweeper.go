package app

import (
	"context"
	"fmt"

	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/internal/lock"
	"github.com/zororai/paneta-fintech-sub002/internal/worker"
	"go.uber.org/zap"
)

// SweepResult counts what one sweeper run did.
type SweepResult struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ExpireOffers moves open or partially filled offers past their expiry to
// expired, at most limit per run.
func (s *Service) ExpireOffers(ctx context.Context, limit int) (*SweepResult, error) {
	now := s.clock.Now()
	offers, err := s.repo.ListExpiredOffers(ctx, now, clampBatch(limit))
	if err != nil {
		s.metrics.SweepError("expire_offers")
		return nil, fmt.Errorf("list expired offers: %w", err)
	}
	result := &SweepResult{Processed: len(offers)}
	for _, candidate := range offers {
		expired := false
		err := s.locker.WithLock(ctx, lock.Key(lockKindOffer, candidate.ID), func(ctx context.Context) error {
			o, err := s.repo.GetOffer(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !o.IsOpenForMatching() || !o.IsExpired(s.clock.Now()) {
				return nil
			}
			if err := o.TransitionTo(domain.OfferStatusExpired, s.clock.Now()); err != nil {
				return err
			}
			if err := s.repo.UpdateOffer(ctx, o); err != nil {
				return err
			}
			expired = true
			return nil
		})
		switch {
		case err != nil:
			result.Failed++
			s.logger.Warn("offer expiry failed", zap.String("flow", "expire_offers"), zap.String("offer_id", candidate.ID), zap.Error(err))
		case expired:
			result.Updated++
		default:
			result.Skipped++
		}
	}
	s.metrics.Swept("expire_offers", result.Updated)
	return result, nil
}

func (s *Service) ExpireQuotes(ctx context.Context, limit int) (*SweepResult, error) {
	n, err := s.repo.ExpireQuotes(ctx, s.clock.Now(), clampBatch(limit))
	if err != nil {
		s.metrics.SweepError("expire_quotes")
		return nil, fmt.Errorf("expire quotes: %w", err)
	}
	s.metrics.Swept("expire_quotes", n)
	return &SweepResult{Processed: n, Updated: n}, nil
}

func (s *Service) ExpireTransferRequests(ctx context.Context, limit int) (*SweepResult, error) {
	n, err := s.repo.ExpireTransferRequests(ctx, s.clock.Now(), clampBatch(limit))
	if err != nil {
		s.metrics.SweepError("expire_transfer_requests")
		return nil, fmt.Errorf("expire transfer requests: %w", err)
	}
	s.metrics.Swept("expire_transfer_requests", n)
	return &SweepResult{Processed: n, Updated: n}, nil
}

// reconcilableStatuses are the saga statuses the reconciler inspects.
var reconcilableStatuses = []domain.CrossBorderStatus{
	domain.CrossBorderStatusPending,
	domain.CrossBorderStatusFxLocked,
	domain.CrossBorderStatusSourceDebited,
	domain.CrossBorderStatusFxExecuted,
	domain.CrossBorderStatusDestinationCredited,
	domain.CrossBorderStatusFailed,
}

// ReconcileStuckTransfers re-enqueues the next leg of sagas that have not
// moved for the configured interval and retries compensation for failed
// sagas that still hold committed legs.
func (s *Service) ReconcileStuckTransfers(ctx context.Context, limit int) (*SweepResult, error) {
	cutoff := s.clock.Now().Add(-s.opts.StuckAfter)
	stale, err := s.repo.ListStaleCrossBorderTransfers(ctx, reconcilableStatuses, cutoff, clampBatch(limit))
	if err != nil {
		s.metrics.SweepError("reconcile_transfers")
		return nil, fmt.Errorf("list stale transfers: %w", err)
	}
	result := &SweepResult{Processed: len(stale)}
	for i := range stale {
		t := &stale[i]
		if t.Status == domain.CrossBorderStatusFailed {
			if !t.NeedsCompensation() {
				result.Skipped++
				continue
			}
			if err := s.Compensate(ctx, t.ID); err != nil {
				result.Failed++
				s.logger.Warn("compensation retry failed", zap.String("flow", "reconcile_transfers"), zap.String("transfer_id", t.ID), zap.Error(err))
				continue
			}
			result.Updated++
			continue
		}

		next, ok := t.NextLeg()
		if !ok {
			result.Skipped++
			continue
		}
		if err := s.queue.Enqueue(ctx, worker.NewTask(LegTaskKind, t.ID, string(next)), 0); err != nil {
			result.Failed++
			s.logger.Warn("leg re-enqueue failed", zap.String("flow", "reconcile_transfers"), zap.String("transfer_id", t.ID), zap.Error(err))
			continue
		}
		result.Updated++
		s.logger.Info("stuck saga leg re-enqueued", zap.String("flow", "reconcile_transfers"), zap.String("transfer_id", t.ID), zap.String("leg", string(next)))
	}
	s.metrics.Swept("reconcile_transfers", result.Updated)
	return result, nil
}

func (s *Service) PurgeIdempotencyRecords(ctx context.Context, limit int) (*SweepResult, error) {
	n, err := s.guard.Purge(ctx, clampBatch(limit))
	if err != nil {
		s.metrics.SweepError("purge_idempotency")
		return nil, fmt.Errorf("purge idempotency records: %w", err)
	}
	s.metrics.Swept("purge_idempotency", n)
	return &SweepResult{Processed: n, Updated: n}, nil
}

// SweepBatch is the configured per-run limit.
func (s *Service) SweepBatch() int {
	return s.opts.SweepBatch
}
