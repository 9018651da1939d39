// Package ledger records platform fees and their reversals. Entries are
// append-only; per-currency totals change only through atomic increments
// applied in the same unit as the append.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/clock"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/internal/store"
	"go.uber.org/zap"
)

// Reference types used by the orchestrators.
const (
	ReferenceLocalTransfer       = "local_transfer"
	ReferenceCrossBorderTransfer = "cross_border_transfer"
	ReferenceFxOffer             = "fx_offer"
)

// Entry describes one ledger movement.
type Entry struct {
	Amount        decimal.Decimal
	Currency      string
	ReferenceType string
	ReferenceID   string
	Payer         string
	Description   string
}

type Service struct {
	repo   store.LedgerRepository
	clock  clock.Clock
	logger *zap.Logger
}

func NewService(repo store.LedgerRepository, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{repo: repo, clock: clk, logger: logger.With(zap.String("component", "ledger"))}
}

// RecordFeeCollection appends a fee entry and increments the currency's
// fee total and net position.
func (s *Service) RecordFeeCollection(ctx context.Context, e Entry) (*domain.CurrencyBalance, error) {
	return s.record(ctx, domain.LedgerEntryFee, e)
}

func (s *Service) RecordRefund(ctx context.Context, e Entry) (*domain.CurrencyBalance, error) {
	return s.record(ctx, domain.LedgerEntryRefund, e)
}

// RecordAdjustment accepts signed amounts.
func (s *Service) RecordAdjustment(ctx context.Context, e Entry) (*domain.CurrencyBalance, error) {
	return s.record(ctx, domain.LedgerEntryAdjustment, e)
}

func (s *Service) RecordWriteOff(ctx context.Context, e Entry) (*domain.CurrencyBalance, error) {
	return s.record(ctx, domain.LedgerEntryWriteOff, e)
}

func (s *Service) Balance(ctx context.Context, currency string) (*domain.CurrencyBalance, error) {
	return s.repo.GetCurrencyBalance(ctx, strings.ToUpper(strings.TrimSpace(currency)))
}

// Entries lists the entries recorded against one reference.
func (s *Service) Entries(ctx context.Context, referenceType, referenceID string) ([]domain.LedgerEntry, error) {
	return s.repo.ListLedgerEntries(ctx, referenceType, referenceID)
}

func (s *Service) record(ctx context.Context, entryType domain.LedgerEntryType, e Entry) (*domain.CurrencyBalance, error) {
	currency := strings.ToUpper(strings.TrimSpace(e.Currency))
	if currency == "" {
		return nil, fmt.Errorf("ledger %s: currency is required: %w", entryType, domain.ErrInvalidAmount)
	}
	if entryType == domain.LedgerEntryAdjustment {
		if e.Amount.IsZero() {
			return nil, fmt.Errorf("ledger adjustment must be non-zero: %w", domain.ErrInvalidAmount)
		}
	} else if !e.Amount.IsPositive() {
		return nil, fmt.Errorf("ledger %s must be positive: %w", entryType, domain.ErrInvalidAmount)
	}

	entry := &domain.LedgerEntry{
		ID:            uuid.NewString(),
		EntryType:     entryType,
		ReferenceType: e.ReferenceType,
		ReferenceID:   e.ReferenceID,
		Payer:         e.Payer,
		Amount:        e.Amount,
		Currency:      currency,
		Description:   e.Description,
		CreatedAt:     s.clock.Now(),
	}

	balance, err := s.repo.AppendLedgerEntry(ctx, entry)
	if err != nil {
		s.logger.Error("ledger append failed",
			zap.String("entry_type", string(entryType)),
			zap.String("reference_type", e.ReferenceType),
			zap.String("reference_id", e.ReferenceID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	s.logger.Info("ledger entry recorded",
		zap.String("entry_type", string(entryType)),
		zap.String("currency", currency),
		zap.String("amount", e.Amount.String()),
		zap.String("reference_id", e.ReferenceID),
		zap.String("net_position", balance.NetPosition.String()),
	)
	return balance, nil
}
