package connector

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/internal/store"
)

// InternalLedger moves balances held in the service's own database. It is
// registered for the platform institution and used wherever no external
// institution is involved. A movement whose Reference was already applied is
// acknowledged without moving funds again.
type InternalLedger struct {
	repo store.BalanceRepository
}

func NewInternalLedger(repo store.BalanceRepository) *InternalLedger {
	return &InternalLedger{repo: repo}
}

func (c *InternalLedger) Debit(ctx context.Context, in Instruction) error {
	if !in.Amount.IsPositive() {
		return fmt.Errorf("debit %s: %w", in.AccountID, domain.ErrInvalidAmount)
	}
	return c.repo.DebitAccount(ctx, in.AccountID, in.Amount, in.Reference)
}

func (c *InternalLedger) Credit(ctx context.Context, in Instruction) error {
	if !in.Amount.IsPositive() {
		return fmt.Errorf("credit %s: %w", in.AccountID, domain.ErrInvalidAmount)
	}
	return c.repo.CreditAccount(ctx, in.AccountID, in.Amount, in.Reference)
}

func (c *InternalLedger) GetBalance(ctx context.Context, accountID, externalRef string) (decimal.Decimal, error) {
	return c.repo.GetAccountBalance(ctx, accountID)
}
