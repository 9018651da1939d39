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
	"github.com/zororai/paneta-fintech-sub002/internal/lock"
	"go.uber.org/zap"
)

const (
	lockKindTransfer    = "transfer"
	lockKindCrossBorder = "crossborder"
	lockKindOffer       = "offer"
	lockKindAccount     = "account"
)

// CreateTransferInput is a same-currency transfer request.
type CreateTransferInput struct {
	Owner                 string
	SourceAccount         string
	DestinationIdentifier string
	Amount                decimal.Decimal
	Currency              string
	IdempotencyKey        string
}

// CreateTransfer validates the source account and balance and persists a
// pending intent. Nothing is written when validation fails. A repeated
// idempotency key returns the intent created by the first call.
func (s *Service) CreateTransfer(ctx context.Context, in CreateTransferInput) (*domain.TransferIntent, error) {
	id, replayed, err := s.guard.Do(ctx, idempotency.OwnerScope(idempotency.ScopeLocalTransfer, in.Owner), in.IdempotencyKey, func(ctx context.Context) (string, error) {
		intent, err := s.createTransferIntent(ctx, in)
		if err != nil {
			return "", err
		}
		return intent.ID, nil
	})
	if err != nil {
		return nil, err
	}
	intent, err := s.repo.GetTransferIntent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transfer intent: %w", err)
	}
	if replayed {
		s.logger.Info("transfer create replayed", zap.String("transfer_id", intent.ID))
	}
	return intent, nil
}

func (s *Service) createTransferIntent(ctx context.Context, in CreateTransferInput) (*domain.TransferIntent, error) {
	now := s.clock.Now()
	account, err := s.repo.FindAccountByID(ctx, in.SourceAccount)
	if err != nil {
		return nil, fmt.Errorf("load source account: %w", err)
	}
	if err := account.CheckUsableBy(in.Owner, now); err != nil {
		return nil, err
	}
	currency := normalizeCurrency(in.Currency)
	if currency != normalizeCurrency(account.Currency) {
		return nil, fmt.Errorf("transfer currency %s, account currency %s: %w", currency, account.Currency, domain.ErrCurrencyMismatch)
	}
	if !in.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if strings.TrimSpace(in.DestinationIdentifier) == "" {
		return nil, fmt.Errorf("destination is required: %w", domain.ErrInvalidRequest)
	}
	if err := s.checkBalance(ctx, account, in.Amount); err != nil {
		return nil, err
	}

	intent := &domain.TransferIntent{
		ID:                    uuid.NewString(),
		Owner:                 in.Owner,
		SourceAccount:         account.ID,
		DestinationIdentifier: strings.TrimSpace(in.DestinationIdentifier),
		Amount:                in.Amount,
		Currency:              currency,
		Status:                domain.LocalStatusPending,
		Reference:             newReference("LTX"),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		intent.IdempotencyKey = &key
	}
	if err := s.repo.CreateTransferIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("create transfer intent: %w", err)
	}
	s.logger.Info("transfer intent created", zap.String("transfer_id", intent.ID), zap.String("reference", intent.Reference))
	return intent, nil
}

// ConfirmAndExecute confirms a pending intent and moves the funds. A debit
// that is followed by a failed credit is refunded before the intent fails.
// Calling it again on an executed intent returns the intent unchanged.
func (s *Service) ConfirmAndExecute(ctx context.Context, intentID string) (*domain.TransferIntent, error) {
	intent, err := s.repo.GetTransferIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status == domain.LocalStatusExecuted {
		return intent, nil
	}

	keys := []string{lock.Key(lockKindTransfer, intent.ID), lock.Key(lockKindAccount, intent.SourceAccount)}
	var result *domain.TransferIntent
	err = lock.WithLocks(ctx, s.locker, keys, func(ctx context.Context) error {
		var execErr error
		result, execErr = s.executeIntent(ctx, intentID)
		return execErr
	})
	if err != nil {
		s.metrics.Transfer("local", "failed")
		return result, err
	}
	return result, nil
}

func (s *Service) executeIntent(ctx context.Context, intentID string) (*domain.TransferIntent, error) {
	intent, err := s.repo.GetTransferIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status == domain.LocalStatusExecuted {
		return intent, nil
	}
	if intent.Status == domain.LocalStatusPending {
		if err := intent.TransitionTo(domain.LocalStatusConfirmed, s.clock.Now()); err != nil {
			return intent, err
		}
		if err := s.repo.UpdateTransferIntent(ctx, intent); err != nil {
			return intent, fmt.Errorf("confirm transfer intent: %w", err)
		}
	}
	if intent.Status != domain.LocalStatusConfirmed {
		return intent, &domain.InvalidStateTransitionError{From: string(intent.Status), To: string(domain.LocalStatusExecuted)}
	}

	source, err := s.repo.FindAccountByID(ctx, intent.SourceAccount)
	if err != nil {
		return s.failIntent(ctx, intent, fmt.Errorf("load source account: %w", err))
	}
	sourceConn, err := s.connectors.ForAccount(source)
	if err != nil {
		return s.failIntent(ctx, intent, err)
	}
	debit := connector.Instruction{
		AccountID:   source.ID,
		ExternalRef: source.ExternalRef,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		Reference:   intent.Reference + ":debit",
	}
	if err := sourceConn.Debit(ctx, debit); err != nil {
		return s.failIntent(ctx, intent, fmt.Errorf("debit source: %w", err))
	}

	destConn, destIn, err := s.destination(ctx, intent.DestinationIdentifier)
	if err == nil {
		destIn.Amount = intent.Amount
		destIn.Currency = intent.Currency
		destIn.Reference = intent.Reference + ":credit"
		err = destConn.Credit(ctx, destIn)
	}
	if err != nil {
		creditErr := fmt.Errorf("credit destination: %w", err)
		refund := debit
		refund.Reference = intent.Reference + ":refund"
		if refundErr := sourceConn.Credit(context.WithoutCancel(ctx), refund); refundErr != nil {
			s.logger.Error("CRITICAL: refund after failed credit did not complete",
				zap.String("transfer_id", intent.ID), zap.Error(refundErr))
			creditErr = fmt.Errorf("%w; refund failed: %v", creditErr, refundErr)
		}
		return s.failIntent(ctx, intent, creditErr)
	}

	if err := intent.TransitionTo(domain.LocalStatusExecuted, s.clock.Now()); err != nil {
		return intent, err
	}
	if err := s.repo.UpdateTransferIntent(context.WithoutCancel(ctx), intent); err != nil {
		s.logger.Error("funds moved but intent status not persisted", zap.String("transfer_id", intent.ID), zap.Error(err))
		return intent, fmt.Errorf("persist executed intent: %w", err)
	}

	s.logger.Info("transfer executed", zap.String("transfer_id", intent.ID), zap.String("amount", intent.Amount.String()))
	s.metrics.Transfer("local", "executed")
	s.publish(ctx, domain.EventTransferExecuted, domain.TransferExecutedEvent{
		TransferID: intent.ID,
		Owner:      intent.Owner,
		Kind:       "local",
	})
	return intent, nil
}

func (s *Service) failIntent(ctx context.Context, intent *domain.TransferIntent, cause error) (*domain.TransferIntent, error) {
	if err := intent.Fail(cause.Error(), s.clock.Now()); err != nil {
		return intent, errors.Join(cause, err)
	}
	if err := s.repo.UpdateTransferIntent(context.WithoutCancel(ctx), intent); err != nil {
		s.logger.Error("failed to persist failed intent", zap.String("transfer_id", intent.ID), zap.Error(err))
	}
	s.logger.Warn("transfer failed", zap.String("transfer_id", intent.ID), zap.Error(cause))
	return intent, cause
}

// destination resolves where a credit goes. Linked accounts use their
// institution's connector; any other identifier goes to the fallback.
func (s *Service) destination(ctx context.Context, identifier string) (connector.Connector, connector.Instruction, error) {
	account, err := s.repo.FindAccountByID(ctx, identifier)
	switch {
	case err == nil:
		conn, err := s.connectors.ForAccount(account)
		if err != nil {
			return nil, connector.Instruction{}, err
		}
		return conn, connector.Instruction{AccountID: account.ID, ExternalRef: account.ExternalRef}, nil
	case errors.Is(err, domain.ErrNotFound):
		conn, err := s.connectors.Fallback()
		if err != nil {
			return nil, connector.Instruction{}, err
		}
		return conn, connector.Instruction{AccountID: identifier}, nil
	default:
		return nil, connector.Instruction{}, fmt.Errorf("load destination account: %w", err)
	}
}

func (s *Service) checkBalance(ctx context.Context, account *domain.LinkedAccount, required decimal.Decimal) error {
	conn, err := s.connectors.ForAccount(account)
	if err != nil {
		return err
	}
	balance, err := conn.GetBalance(ctx, account.ID, account.ExternalRef)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if balance.LessThan(required) {
		return fmt.Errorf("balance %s below %s: %w", balance.String(), required.String(), domain.ErrInsufficientBalance)
	}
	return nil
}

func newReference(prefix string) string {
	return prefix + "-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func normalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
