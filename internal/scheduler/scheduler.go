/**
 * @description
 * Cron scheduler setup for the sweeper jobs.
 */
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/zororai/paneta-fintech-sub002/internal/config"
	"go.uber.org/zap"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *zap.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. A panicking job is
// recovered and a job still running at its next tick is skipped.
func NewScheduler(jobs *Jobs, logger *zap.Logger, cfg config.Config) *Scheduler {
	logger = logger.With(zap.String("component", "scheduler"))
	cl := cronLogger{sugar: logger.Sugar()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

type entry struct {
	name     string
	schedule string
	fn       func()
}

func (s *Scheduler) entries() []entry {
	return []entry{
		{name: "offer expiry", schedule: s.config.OfferExpirySchedule, fn: s.jobs.ExpireOffers},
		{name: "quote expiry", schedule: s.config.QuoteExpirySchedule, fn: s.jobs.ExpireQuotes},
		{name: "transfer request expiry", schedule: s.config.RequestExpirySchedule, fn: s.jobs.ExpireTransferRequests},
		{name: "stuck transfer reconciliation", schedule: s.config.ReconcileSchedule, fn: s.jobs.ReconcileStuckTransfers},
		{name: "idempotency purge", schedule: s.config.IdempotencyPurgeSchedule, fn: s.jobs.PurgeIdempotencyRecords},
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the
// number of jobs scheduled; a job with an invalid schedule is logged and
// left out.
func (s *Scheduler) Start() int {
	scheduled := 0
	for _, e := range s.entries() {
		if _, err := s.cron.AddFunc(e.schedule, e.fn); err != nil {
			s.logger.Error("failed to schedule job", zap.String("job", e.name), zap.String("schedule", e.schedule), zap.Error(err))
			continue
		}
		scheduled++
		s.logger.Info("scheduled job", zap.String("job", e.name), zap.String("schedule", e.schedule))
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
