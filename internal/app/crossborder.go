/**
 * @description
 * Cross-border saga orchestration. Each leg runs as a durable task; a leg
 * that keeps failing after its retry budget fails the saga, and the failure
 * handler compensates whatever had already committed.
 *
 * @notes
 * - A leg's outcome and the status it leads to are written in one
 *   optimistic update.
 * - Redelivered tasks for legs already completed are acknowledged without
 *   side effects.
 * - Compensation runs in reverse leg order and persists after each step,
 *   so a retried compensation never reverses the same leg twice.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/connector"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/internal/idempotency"
	"github.com/zororai/paneta-fintech-sub002/internal/ledger"
	"github.com/zororai/paneta-fintech-sub002/internal/lock"
	"github.com/zororai/paneta-fintech-sub002/internal/worker"
	"go.uber.org/zap"
)

// LegTaskKind is the worker task kind for saga legs.
const LegTaskKind = "cross_border.leg"

// CreateCrossBorderInput is a cross-currency transfer request. Amount is in
// SourceCurrency.
type CreateCrossBorderInput struct {
	Owner                 string
	SourceAccount         string
	DestinationIdentifier string
	DestinationCountry    string
	SourceCurrency        string
	DestinationCurrency   string
	Amount                decimal.Decimal
	IdempotencyKey        string
}

// CreateCrossBorderTransfer validates the request, persists a pending saga
// and schedules its first leg.
func (s *Service) CreateCrossBorderTransfer(ctx context.Context, in CreateCrossBorderInput) (*domain.CrossBorderTransfer, error) {
	id, replayed, err := s.guard.Do(ctx, idempotency.OwnerScope(idempotency.ScopeCrossBorderTransfer, in.Owner), in.IdempotencyKey, func(ctx context.Context) (string, error) {
		t, err := s.createCrossBorder(ctx, in)
		if err != nil {
			return "", err
		}
		return t.ID, nil
	})
	if err != nil {
		return nil, err
	}
	t, err := s.repo.GetCrossBorderTransfer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load cross-border transfer: %w", err)
	}
	if replayed {
		s.logger.Info("cross-border create replayed", zap.String("transfer_id", t.ID))
	}
	return t, nil
}

func (s *Service) createCrossBorder(ctx context.Context, in CreateCrossBorderInput) (*domain.CrossBorderTransfer, error) {
	now := s.clock.Now()
	account, err := s.repo.FindAccountByID(ctx, in.SourceAccount)
	if err != nil {
		return nil, fmt.Errorf("load source account: %w", err)
	}
	if err := account.CheckUsableBy(in.Owner, now); err != nil {
		return nil, err
	}
	sourceCurrency := normalizeCurrency(in.SourceCurrency)
	destCurrency := normalizeCurrency(in.DestinationCurrency)
	if sourceCurrency != normalizeCurrency(account.Currency) {
		return nil, fmt.Errorf("source currency %s, account currency %s: %w", sourceCurrency, account.Currency, domain.ErrCurrencyMismatch)
	}
	if destCurrency == "" || strings.TrimSpace(in.DestinationIdentifier) == "" {
		return nil, fmt.Errorf("destination and destination currency are required: %w", domain.ErrInvalidRequest)
	}
	if !in.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	fee := s.crossBorderFee(in.Amount)
	if err := s.checkBalance(ctx, account, in.Amount.Add(fee)); err != nil {
		return nil, err
	}

	t := &domain.CrossBorderTransfer{
		ID:                    uuid.NewString(),
		Owner:                 in.Owner,
		SourceAccount:         account.ID,
		DestinationIdentifier: strings.TrimSpace(in.DestinationIdentifier),
		DestinationCountry:    strings.ToUpper(strings.TrimSpace(in.DestinationCountry)),
		SourceCurrency:        sourceCurrency,
		DestinationCurrency:   destCurrency,
		SourceAmount:          in.Amount,
		DestinationAmount:     decimal.Zero,
		FxRate:                decimal.Zero,
		FeeAmount:             fee,
		FeeCurrency:           sourceCurrency,
		Status:                domain.CrossBorderStatusPending,
		Reference:             newReference("XBT"),
		LegStatuses:           map[domain.Leg]domain.LegStatus{},
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		t.IdempotencyKey = &key
	}
	if err := s.repo.CreateCrossBorderTransfer(ctx, t); err != nil {
		return nil, fmt.Errorf("create cross-border transfer: %w", err)
	}
	if err := s.queue.Enqueue(ctx, worker.NewTask(LegTaskKind, t.ID, string(domain.LegFxQuote)), 0); err != nil {
		// The reconciler picks up pending sagas that never started.
		s.logger.Error("failed to enqueue first leg", zap.String("transfer_id", t.ID), zap.Error(err))
	}
	s.logger.Info("cross-border transfer created",
		zap.String("transfer_id", t.ID),
		zap.String("reference", t.Reference),
		zap.String("fee", fee.String()))
	return t, nil
}

// crossBorderFee is percent of amount plus the flat fee.
func (s *Service) crossBorderFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(s.opts.FeePercent).Div(decimal.NewFromInt(100)).Add(s.opts.FeeFlat)
}

// RegisterLegWorker binds the saga leg handler and failure handler to kind
// LegTaskKind.
func (s *Service) RegisterLegWorker(registry *worker.Registry) {
	registry.Register(LegTaskKind, worker.Registration{
		Handler:   s.HandleLegTask,
		Policy:    s.opts.LegPolicy,
		OnFailure: s.HandleLegFailure,
	})
}

// HandleLegTask executes one leg delivery.
func (s *Service) HandleLegTask(ctx context.Context, task worker.Task) error {
	leg := domain.Leg(task.Step)
	if !leg.Valid() {
		return worker.Permanent(fmt.Errorf("unknown leg %q", task.Step))
	}

	var (
		advanced bool
		snapshot domain.CrossBorderTransfer
	)
	err := retryOnConflict(ctx, func(ctx context.Context) error {
		advanced = false
		return s.locker.WithLock(ctx, lock.Key(lockKindCrossBorder, task.EntityID), func(ctx context.Context) error {
			t, err := s.repo.GetCrossBorderTransfer(ctx, task.EntityID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return worker.Permanent(err)
				}
				return err
			}
			snapshot = *t
			next, ok := t.NextLeg()
			if !ok || next != leg {
				return nil
			}

			if err := s.runLeg(ctx, t, leg); err != nil {
				s.metrics.LegAttemptFailed(string(leg))
				return &domain.LegExecutionFailedError{Leg: leg, Cause: err}
			}
			if err := t.CompleteLeg(leg, s.clock.Now()); err != nil {
				return worker.Permanent(err)
			}
			if err := s.repo.UpdateCrossBorderTransfer(ctx, t); err != nil {
				return err
			}
			advanced = true
			snapshot = *t
			return nil
		})
	})
	if err != nil {
		return err
	}

	if !advanced {
		// Redelivery of a finished leg: make sure the saga still has its next task.
		if next, ok := snapshot.NextLeg(); ok && next != leg && snapshot.HasCompletedLeg(leg) {
			return s.queue.Enqueue(ctx, worker.NewTask(LegTaskKind, snapshot.ID, string(next)), 0)
		}
		s.logger.Info("leg task acknowledged without effect",
			zap.String("transfer_id", task.EntityID), zap.String("leg", string(leg)), zap.String("status", string(snapshot.Status)))
		return nil
	}

	s.metrics.LegCompleted(string(leg))
	s.logger.Info("leg completed",
		zap.String("transfer_id", snapshot.ID), zap.String("leg", string(leg)), zap.Int("attempt", task.Attempt))
	s.publish(ctx, domain.EventLegCompleted, domain.LegCompletedEvent{
		TransferID: snapshot.ID,
		Leg:        leg,
		Status:     snapshot.Status,
	})

	if next, ok := snapshot.NextLeg(); ok {
		if err := s.queue.Enqueue(ctx, worker.NewTask(LegTaskKind, snapshot.ID, string(next)), 0); err != nil {
			return fmt.Errorf("enqueue leg %s: %w", next, err)
		}
		return nil
	}

	s.metrics.SagaOutcome(string(domain.CrossBorderStatusCompleted))
	s.metrics.Transfer("cross_border", "executed")
	s.publish(ctx, domain.EventTransferExecuted, domain.TransferExecutedEvent{
		TransferID: snapshot.ID,
		Owner:      snapshot.Owner,
		Kind:       "cross_border",
	})
	return nil
}

func (s *Service) runLeg(ctx context.Context, t *domain.CrossBorderTransfer, leg domain.Leg) error {
	switch leg {
	case domain.LegFxQuote:
		return s.lockQuote(ctx, t)
	case domain.LegSourceDebit:
		return s.debitSource(ctx, t)
	case domain.LegFxConversion:
		return s.convert(ctx, t)
	case domain.LegDestinationCredit:
		return s.creditDestination(ctx, t)
	case domain.LegCompletion:
		return s.recordCrossBorderFee(ctx, t)
	}
	return worker.Permanent(fmt.Errorf("unknown leg %q", leg))
}

// quoteID is stable per transfer so a retried quote leg replaces its lock.
func quoteID(transferID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("fx_quote:"+transferID)).String()
}

func (s *Service) lockQuote(ctx context.Context, t *domain.CrossBorderTransfer) error {
	rate, err := s.rates.Quote(ctx, t.SourceCurrency, t.DestinationCurrency)
	if err != nil {
		return fmt.Errorf("quote %s/%s: %w", t.SourceCurrency, t.DestinationCurrency, err)
	}
	now := s.clock.Now()
	quote := &domain.FxQuote{
		ID:                  quoteID(t.ID),
		TransferID:          t.ID,
		SourceCurrency:      t.SourceCurrency,
		DestinationCurrency: t.DestinationCurrency,
		Rate:                rate.Rate,
		ProviderRef:         rate.ProviderRef,
		Status:              domain.QuoteStatusActive,
		ExpiresAt:           now.Add(s.opts.QuoteTTL),
		CreatedAt:           now,
	}
	if err := s.repo.CreateQuote(ctx, quote); err != nil {
		return fmt.Errorf("persist quote: %w", err)
	}
	providerRef := rate.ProviderRef
	t.FxRate = rate.Rate
	t.FxProviderRef = &providerRef
	t.DestinationAmount = t.SourceAmount.Mul(rate.Rate)
	return nil
}

func (s *Service) debitSource(ctx context.Context, t *domain.CrossBorderTransfer) error {
	account, conn, err := s.sourceConnector(ctx, t.SourceAccount)
	if err != nil {
		return err
	}
	err = conn.Debit(ctx, connector.Instruction{
		AccountID:   account.ID,
		ExternalRef: account.ExternalRef,
		Amount:      t.TotalDebit(),
		Currency:    t.SourceCurrency,
		Reference:   t.Reference + ":debit",
	})
	if errors.Is(err, domain.ErrInsufficientBalance) {
		return worker.Permanent(err)
	}
	return err
}

func (s *Service) convert(ctx context.Context, t *domain.CrossBorderTransfer) error {
	quote, err := s.repo.GetQuote(ctx, quoteID(t.ID))
	if err != nil {
		return fmt.Errorf("load quote: %w", err)
	}
	if quote.Status == domain.QuoteStatusConsumed {
		t.FxRate = quote.Rate
		t.DestinationAmount = t.SourceAmount.Mul(quote.Rate)
		return nil
	}
	if !quote.IsUsable(s.clock.Now()) {
		return worker.Permanent(domain.ErrQuoteExpired)
	}
	amount, err := s.rates.Convert(ctx, quote.ProviderRef, t.SourceAmount, quote.Rate)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	if err := s.repo.UpdateQuoteStatus(ctx, quote.ID, domain.QuoteStatusConsumed); err != nil {
		return fmt.Errorf("consume quote: %w", err)
	}
	t.FxRate = quote.Rate
	t.DestinationAmount = amount
	return nil
}

func (s *Service) creditDestination(ctx context.Context, t *domain.CrossBorderTransfer) error {
	conn, in, err := s.destination(ctx, t.DestinationIdentifier)
	if err != nil {
		return err
	}
	in.Amount = t.DestinationAmount
	in.Currency = t.DestinationCurrency
	in.Reference = t.Reference + ":credit"
	return conn.Credit(ctx, in)
}

func (s *Service) recordCrossBorderFee(ctx context.Context, t *domain.CrossBorderTransfer) error {
	if !t.FeeAmount.IsPositive() {
		return nil
	}
	recorded, err := s.hasLedgerEntry(ctx, t.ID, domain.LedgerEntryFee)
	if err != nil || recorded {
		return err
	}
	_, err = s.ledger.RecordFeeCollection(ctx, ledger.Entry{
		Amount:        t.FeeAmount,
		Currency:      t.FeeCurrency,
		ReferenceType: ledger.ReferenceCrossBorderTransfer,
		ReferenceID:   t.ID,
		Payer:         t.Owner,
		Description:   "cross-border transfer fee " + t.Reference,
	})
	return err
}

func (s *Service) hasLedgerEntry(ctx context.Context, transferID string, entryType domain.LedgerEntryType) (bool, error) {
	entries, err := s.ledger.Entries(ctx, ledger.ReferenceCrossBorderTransfer, transferID)
	if err != nil {
		return false, fmt.Errorf("list ledger entries: %w", err)
	}
	for _, e := range entries {
		if e.EntryType == entryType {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) sourceConnector(ctx context.Context, accountID string) (*domain.LinkedAccount, connector.Connector, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("load source account: %w", err)
	}
	conn, err := s.connectors.ForAccount(account)
	if err != nil {
		return nil, nil, err
	}
	return account, conn, nil
}

// HandleLegFailure runs once a leg has exhausted its retries. The saga is
// failed and, when committed legs exist, compensated and rolled back.
func (s *Service) HandleLegFailure(ctx context.Context, task worker.Task, cause error) {
	ctx = context.WithoutCancel(ctx)
	failed := false
	err := retryOnConflict(ctx, func(ctx context.Context) error {
		failed = false
		return s.locker.WithLock(ctx, lock.Key(lockKindCrossBorder, task.EntityID), func(ctx context.Context) error {
			t, err := s.repo.GetCrossBorderTransfer(ctx, task.EntityID)
			if err != nil {
				return err
			}
			if !t.CanTransitionTo(domain.CrossBorderStatusFailed) {
				return nil
			}
			if err := t.Fail(cause.Error(), s.clock.Now()); err != nil {
				return err
			}
			if err := s.repo.UpdateCrossBorderTransfer(ctx, t); err != nil {
				return err
			}
			failed = true
			return nil
		})
	})
	if err != nil {
		s.logger.Error("failed to mark saga failed", zap.String("transfer_id", task.EntityID), zap.Error(err))
		return
	}
	if !failed {
		return
	}
	s.metrics.SagaOutcome(string(domain.CrossBorderStatusFailed))
	s.logger.Warn("saga failed", zap.String("transfer_id", task.EntityID), zap.String("leg", task.Step), zap.Error(cause))

	if err := s.Compensate(ctx, task.EntityID); err != nil {
		s.logger.Error("compensation incomplete; reconciler will retry", zap.String("transfer_id", task.EntityID), zap.Error(err))
	}
}

// Compensate reverses the committed legs of a failed saga and moves it to
// rolled_back. A failed saga with nothing to reverse stays failed.
func (s *Service) Compensate(ctx context.Context, transferID string) error {
	var (
		rolledBack bool
		snapshot   domain.CrossBorderTransfer
	)
	err := retryOnConflict(ctx, func(ctx context.Context) error {
		rolledBack = false
		return s.locker.WithLock(ctx, lock.Key(lockKindCrossBorder, transferID), func(ctx context.Context) error {
			t, err := s.repo.GetCrossBorderTransfer(ctx, transferID)
			if err != nil {
				return err
			}
			switch {
			case t.Status == domain.CrossBorderStatusRolledBack:
				return nil
			case t.Status != domain.CrossBorderStatusFailed:
				return &domain.InvalidStateTransitionError{From: string(t.Status), To: string(domain.CrossBorderStatusRolledBack)}
			case !t.NeedsCompensation():
				return nil
			}
			if err := s.compensateLegs(ctx, t); err != nil {
				return err
			}
			if err := t.TransitionTo(domain.CrossBorderStatusRolledBack, s.clock.Now()); err != nil {
				return err
			}
			if err := s.repo.UpdateCrossBorderTransfer(ctx, t); err != nil {
				return err
			}
			rolledBack = true
			snapshot = *t
			return nil
		})
	})
	if err != nil {
		return err
	}
	if !rolledBack {
		return nil
	}

	reason := ""
	if snapshot.FailureReason != nil {
		reason = *snapshot.FailureReason
	}
	s.metrics.SagaOutcome(string(domain.CrossBorderStatusRolledBack))
	s.logger.Info("saga rolled back", zap.String("transfer_id", snapshot.ID))
	s.publish(ctx, domain.EventTransferRolledBack, domain.TransferRolledBackEvent{
		TransferID: snapshot.ID,
		Owner:      snapshot.Owner,
		Reason:     reason,
	})
	return nil
}

// compensateLegs reverses destination_credit, the fee and source_debit in
// that order. Each reversal is persisted before the next one runs.
func (s *Service) compensateLegs(ctx context.Context, t *domain.CrossBorderTransfer) error {
	if t.HasCompletedLeg(domain.LegDestinationCredit) && !t.IsCompensated(domain.LegDestinationCredit) {
		err := s.reverse(ctx, t, domain.LegDestinationCredit, func() error {
			conn, in, err := s.destination(ctx, t.DestinationIdentifier)
			if err != nil {
				return err
			}
			in.Amount = t.DestinationAmount
			in.Currency = t.DestinationCurrency
			in.Reference = t.Reference + ":credit-reversal"
			return conn.Debit(ctx, in)
		})
		if err != nil {
			return err
		}
	}

	if t.FeeAmount.IsPositive() {
		if err := s.refundCrossBorderFee(ctx, t); err != nil {
			return s.annotateCompensationFailure(ctx, t, err)
		}
	}

	if t.HasCompletedLeg(domain.LegSourceDebit) && !t.IsCompensated(domain.LegSourceDebit) {
		err := s.reverse(ctx, t, domain.LegSourceDebit, func() error {
			account, conn, err := s.sourceConnector(ctx, t.SourceAccount)
			if err != nil {
				return err
			}
			return conn.Credit(ctx, connector.Instruction{
				AccountID:   account.ID,
				ExternalRef: account.ExternalRef,
				Amount:      t.TotalDebit(),
				Currency:    t.SourceCurrency,
				Reference:   t.Reference + ":refund",
			})
		})
		if err != nil {
			return err
		}
	}

	if t.HasCompletedLeg(domain.LegFxQuote) {
		quote, err := s.repo.GetQuote(ctx, quoteID(t.ID))
		if err == nil && quote.Status == domain.QuoteStatusActive {
			if err := s.repo.UpdateQuoteStatus(ctx, quote.ID, domain.QuoteStatusExpired); err != nil {
				s.logger.Warn("failed to release quote", zap.String("transfer_id", t.ID), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Service) reverse(ctx context.Context, t *domain.CrossBorderTransfer, leg domain.Leg, undo func() error) error {
	if err := undo(); err != nil {
		return s.annotateCompensationFailure(ctx, t, fmt.Errorf("reverse %s: %w", leg, err))
	}
	t.MarkCompensated(leg, s.clock.Now())
	t.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateCrossBorderTransfer(ctx, t); err != nil {
		s.logger.Error("CRITICAL: leg reversed but not recorded",
			zap.String("transfer_id", t.ID), zap.String("leg", string(leg)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) refundCrossBorderFee(ctx context.Context, t *domain.CrossBorderTransfer) error {
	collected, err := s.hasLedgerEntry(ctx, t.ID, domain.LedgerEntryFee)
	if err != nil || !collected {
		return err
	}
	refunded, err := s.hasLedgerEntry(ctx, t.ID, domain.LedgerEntryRefund)
	if err != nil || refunded {
		return err
	}
	_, err = s.ledger.RecordRefund(ctx, ledger.Entry{
		Amount:        t.FeeAmount,
		Currency:      t.FeeCurrency,
		ReferenceType: ledger.ReferenceCrossBorderTransfer,
		ReferenceID:   t.ID,
		Payer:         t.Owner,
		Description:   "fee refund on rollback " + t.Reference,
	})
	return err
}

// annotateCompensationFailure keeps the saga failed and appends the
// compensation error to its reason.
func (s *Service) annotateCompensationFailure(ctx context.Context, t *domain.CrossBorderTransfer, cause error) error {
	s.logger.Error("CRITICAL: compensation failed", zap.String("transfer_id", t.ID), zap.Error(cause))
	reason := "compensation failed: " + cause.Error()
	if t.FailureReason != nil && !strings.Contains(*t.FailureReason, reason) {
		reason = *t.FailureReason + "; " + reason
	}
	t.FailureReason = &reason
	t.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateCrossBorderTransfer(ctx, t); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// CancelCrossBorderTransfer fails a saga that has not started executing.
func (s *Service) CancelCrossBorderTransfer(ctx context.Context, transferID, requester string) (*domain.CrossBorderTransfer, error) {
	var result *domain.CrossBorderTransfer
	err := retryOnConflict(ctx, func(ctx context.Context) error {
		return s.locker.WithLock(ctx, lock.Key(lockKindCrossBorder, transferID), func(ctx context.Context) error {
			t, err := s.repo.GetCrossBorderTransfer(ctx, transferID)
			if err != nil {
				return err
			}
			if t.Owner != requester {
				return domain.ErrAccountNotOwned
			}
			if t.Status != domain.CrossBorderStatusPending {
				return &domain.InvalidStateTransitionError{From: string(t.Status), To: string(domain.CrossBorderStatusFailed)}
			}
			if err := t.Fail("cancelled by owner", s.clock.Now()); err != nil {
				return err
			}
			if err := s.repo.UpdateCrossBorderTransfer(ctx, t); err != nil {
				return err
			}
			result = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.SagaOutcome("cancelled")
	s.logger.Info("cross-border transfer cancelled", zap.String("transfer_id", transferID))
	return result, nil
}
