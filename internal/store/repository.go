/**
 * @description
 * This file defines the persistence contracts used by the orchestrators.
 * Decision logic lives in internal/app; repositories only read and write rows,
 * which keeps the orchestrators testable against the in-memory implementation.
 *
 * @dependencies
 * - internal/domain: entity types and shared sentinel errors.
 * - github.com/shopspring/decimal: money amounts.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
)

var (
	ErrAccountNotFound         = fmt.Errorf("account %w", domain.ErrNotFound)
	ErrTransferNotFound        = fmt.Errorf("transfer intent %w", domain.ErrNotFound)
	ErrCrossBorderNotFound     = fmt.Errorf("cross-border transfer %w", domain.ErrNotFound)
	ErrOfferNotFound           = fmt.Errorf("fx offer %w", domain.ErrNotFound)
	ErrQuoteNotFound           = fmt.Errorf("fx quote %w", domain.ErrNotFound)
	ErrLedgerBalanceNotFound   = fmt.Errorf("ledger balance %w", domain.ErrNotFound)
	ErrIdempotencyKeyNotFound  = fmt.Errorf("idempotency key %w", domain.ErrNotFound)
	ErrInsufficientFunds       = fmt.Errorf("account has %w", domain.ErrInsufficientBalance)
	ErrDuplicateIdempotencyKey = fmt.Errorf("duplicate idempotency key")
)

// Movement directions recorded against an account reference.
const (
	MovementDebit  = "debit"
	MovementCredit = "credit"
)

// Repository groups every persistence capability the service needs.
type Repository interface {
	AccountRepository
	BalanceRepository
	TransferRepository
	CrossBorderRepository
	OfferRepository
	QuoteRepository
	TransferRequestRepository
	LedgerRepository
	IdempotencyRepository
}

// AccountRepository reads linked-account metadata.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *domain.LinkedAccount) error
	FindAccountByID(ctx context.Context, accountID string) (*domain.LinkedAccount, error)
}

// BalanceRepository backs the internal-ledger connector: balances held by
// this service for accounts whose institution is the platform itself.
//
// DebitAccount and CreditAccount record the movement reference in the same
// atomic unit as the balance change. A reference already applied to the
// account in that direction is a no-op that returns nil. An empty reference
// disables the check.
type BalanceRepository interface {
	GetAccountBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	DebitAccount(ctx context.Context, accountID string, amount decimal.Decimal, reference string) error
	CreditAccount(ctx context.Context, accountID string, amount decimal.Decimal, reference string) error
}

// TransferRepository persists local transfer intents.
type TransferRepository interface {
	CreateTransferIntent(ctx context.Context, intent *domain.TransferIntent) error
	GetTransferIntent(ctx context.Context, intentID string) (*domain.TransferIntent, error)
	UpdateTransferIntent(ctx context.Context, intent *domain.TransferIntent) error
}

// CrossBorderRepository persists sagas. UpdateCrossBorderTransfer is an
// optimistic write: it succeeds only if the stored version equals
// transfer.Version, then bumps the version on both sides.
// ListStaleCrossBorderTransfers returns failed sagas only while they still
// need compensation, oldest update first.
type CrossBorderRepository interface {
	CreateCrossBorderTransfer(ctx context.Context, transfer *domain.CrossBorderTransfer) error
	GetCrossBorderTransfer(ctx context.Context, transferID string) (*domain.CrossBorderTransfer, error)
	UpdateCrossBorderTransfer(ctx context.Context, transfer *domain.CrossBorderTransfer) error
	ListStaleCrossBorderTransfers(ctx context.Context, statuses []domain.CrossBorderStatus, updatedBefore time.Time, limit int) ([]domain.CrossBorderTransfer, error)
}

// OfferRepository persists FX offers with the same optimistic version rule.
type OfferRepository interface {
	CreateOffer(ctx context.Context, offer *domain.FxOffer) error
	GetOffer(ctx context.Context, offerID string) (*domain.FxOffer, error)
	UpdateOffer(ctx context.Context, offer *domain.FxOffer) error
	// UpdateOfferPair writes both offers or neither; either stale version
	// fails the pair with domain.ErrConcurrentModification.
	UpdateOfferPair(ctx context.Context, a, b *domain.FxOffer) error
	// ListOpenOffersByPair returns open/partially_filled, unexpired offers
	// selling sellCurrency for buyCurrency.
	ListOpenOffersByPair(ctx context.Context, sellCurrency, buyCurrency string, now time.Time) ([]domain.FxOffer, error)
	ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]domain.FxOffer, error)
}

// QuoteRepository persists locked FX quotes. CreateQuote overwrites a quote
// with the same id, so a retried quote leg replaces its earlier lock.
type QuoteRepository interface {
	CreateQuote(ctx context.Context, quote *domain.FxQuote) error
	GetQuote(ctx context.Context, quoteID string) (*domain.FxQuote, error)
	UpdateQuoteStatus(ctx context.Context, quoteID string, status domain.QuoteStatus) error
	ExpireQuotes(ctx context.Context, now time.Time, limit int) (int, error)
}

// TransferRequestRepository persists request-to-pay records.
type TransferRequestRepository interface {
	CreateTransferRequest(ctx context.Context, req *domain.TransferRequest) error
	ExpireTransferRequests(ctx context.Context, now time.Time, limit int) (int, error)
}

// LedgerRepository appends entries. AppendLedgerEntry must insert the entry
// and apply the per-currency increment in one atomic unit.
type LedgerRepository interface {
	AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.CurrencyBalance, error)
	GetCurrencyBalance(ctx context.Context, currency string) (*domain.CurrencyBalance, error)
	ListLedgerEntries(ctx context.Context, referenceType, referenceID string) ([]domain.LedgerEntry, error)
}

// IdempotencyRepository is the durable store behind the idempotency guard.
// ReserveIdempotencyKey returns reserved=false and the existing record when
// the key is already present and unexpired.
type IdempotencyRepository interface {
	ReserveIdempotencyKey(ctx context.Context, record domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error)
	CompleteIdempotencyKey(ctx context.Context, scope, key, resultReference string) error
	ReleaseIdempotencyKey(ctx context.Context, scope, key string) error
	PurgeIdempotencyKeys(ctx context.Context, before time.Time, limit int) (int, error)
}
