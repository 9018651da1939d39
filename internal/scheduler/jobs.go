/**
 * @description
 * Scheduled sweeper jobs: offer, quote and transfer-request expiry, stuck
 * saga reconciliation and idempotency record purge.
 */
package scheduler

import (
	"context"
	"time"

	"github.com/zororai/paneta-fintech-sub002/internal/app"
	"go.uber.org/zap"
)

// Sweeper is the slice of the application service the jobs drive.
type Sweeper interface {
	ExpireOffers(ctx context.Context, limit int) (*app.SweepResult, error)
	ExpireQuotes(ctx context.Context, limit int) (*app.SweepResult, error)
	ExpireTransferRequests(ctx context.Context, limit int) (*app.SweepResult, error)
	ReconcileStuckTransfers(ctx context.Context, limit int) (*app.SweepResult, error)
	PurgeIdempotencyRecords(ctx context.Context, limit int) (*app.SweepResult, error)
}

const jobTimeout = 2 * time.Minute

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper Sweeper
	batch   int
	logger  *zap.Logger
}

// NewJobs creates a new Jobs runner processing at most batch records per run.
func NewJobs(sweeper Sweeper, batch int, logger *zap.Logger) *Jobs {
	return &Jobs{
		sweeper: sweeper,
		batch:   batch,
		logger:  logger.With(zap.String("component", "scheduler")),
	}
}

func (j *Jobs) ExpireOffers() {
	j.run("expire_offers", j.sweeper.ExpireOffers)
}

func (j *Jobs) ExpireQuotes() {
	j.run("expire_quotes", j.sweeper.ExpireQuotes)
}

func (j *Jobs) ExpireTransferRequests() {
	j.run("expire_transfer_requests", j.sweeper.ExpireTransferRequests)
}

// ReconcileStuckTransfers resumes sagas that stopped moving and retries
// compensation for failed ones.
func (j *Jobs) ReconcileStuckTransfers() {
	j.run("reconcile_transfers", j.sweeper.ReconcileStuckTransfers)
}

func (j *Jobs) PurgeIdempotencyRecords() {
	j.run("purge_idempotency", j.sweeper.PurgeIdempotencyRecords)
}

func (j *Jobs) run(name string, sweep func(context.Context, int) (*app.SweepResult, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	started := time.Now()
	result, err := sweep(ctx, j.batch)
	if err != nil {
		j.logger.Error("sweeper job failed", zap.String("job", name), zap.Error(err))
		return
	}
	if result.Processed == 0 {
		j.logger.Debug("sweeper job found nothing to do", zap.String("job", name))
		return
	}
	j.logger.Info("sweeper job finished",
		zap.String("job", name),
		zap.Int("processed", result.Processed),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("took", time.Since(started)),
	)
}
