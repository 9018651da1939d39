/**
 * @description
 * PostgreSQL implementation of the Repository interface.
 *
 * @notes
 * - Balance mutations lock the account row with SELECT ... FOR UPDATE.
 * - Sagas and offers carry a version column; updates are conditional on it
 *   and report domain.ErrConcurrentModification when zero rows match.
 * - Sweeper queries take bounded batches with FOR UPDATE SKIP LOCKED so they
 *   never queue behind foreground transactions.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
)

type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

// Account methods

func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.LinkedAccount) error {
	query := `
		INSERT INTO linked_accounts (id, owner, institution_id, external_ref, currency, status, consent_expires_at, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
	`
	_, err := r.db.Exec(ctx, query,
		account.ID, account.Owner, account.InstitutionID, account.ExternalRef,
		account.Currency, string(account.Status), account.ConsentExpiresAt, account.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.LinkedAccount, error) {
	query := `
		SELECT id, owner, institution_id, external_ref, currency, status, consent_expires_at, created_at
		FROM linked_accounts
		WHERE id = $1
	`
	var (
		account domain.LinkedAccount
		status  string
	)
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&account.ID, &account.Owner, &account.InstitutionID, &account.ExternalRef,
		&account.Currency, &status, &account.ConsentExpiresAt, &account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	account.Status = domain.AccountStatus(status)
	return &account, nil
}

// Balance methods

func (r *PostgresRepository) GetAccountBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRow(ctx, "SELECT balance FROM linked_accounts WHERE id = $1", accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, err
	}
	return balance, nil
}

// DebitAccount performs an atomic, balance-checked debit. The movement row
// and the balance update commit together, so a repeated reference finds its
// row and returns without touching the balance.
func (r *PostgresRepository) DebitAccount(ctx context.Context, accountID string, amount decimal.Decimal, reference string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var balance decimal.Decimal
	// Use FOR UPDATE to lock the row, preventing race conditions.
	err = tx.QueryRow(ctx, "SELECT balance FROM linked_accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return err
	}

	fresh, err := recordMovement(ctx, tx, accountID, MovementDebit, amount, reference)
	if err != nil || !fresh {
		return err
	}

	if balance.LessThan(amount) {
		return ErrInsufficientFunds
	}

	if _, err = tx.Exec(ctx, "UPDATE linked_accounts SET balance = balance - $1 WHERE id = $2", amount, accountID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) CreditAccount(ctx context.Context, accountID string, amount decimal.Decimal, reference string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "UPDATE linked_accounts SET balance = balance + $1 WHERE id = $2", amount, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	fresh, err := recordMovement(ctx, tx, accountID, MovementCredit, amount, reference)
	if err != nil || !fresh {
		// Rolling back undoes the balance update for an already-applied reference.
		return err
	}
	return tx.Commit(ctx)
}

// recordMovement inserts the (reference, account, direction) row and reports
// whether it was new. An empty reference is always new and is not stored.
func recordMovement(ctx context.Context, tx pgx.Tx, accountID, direction string, amount decimal.Decimal, reference string) (bool, error) {
	if reference == "" {
		return true, nil
	}
	tag, err := tx.Exec(ctx, `INSERT INTO account_movements (reference, account_id, direction, amount, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (reference, account_id, direction) DO NOTHING`,
		reference, accountID, direction, amount)
	if err != nil {
		return false, fmt.Errorf("record %s movement %s: %w", direction, reference, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Local transfer methods

const transferIntentColumns = `id, owner, source_account, destination_identifier, amount, currency, status,
	reference, idempotency_key, failure_reason, created_at, updated_at`

func (r *PostgresRepository) CreateTransferIntent(ctx context.Context, intent *domain.TransferIntent) error {
	query := `INSERT INTO transfer_intents (` + transferIntentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.Exec(ctx, query,
		intent.ID, intent.Owner, intent.SourceAccount, intent.DestinationIdentifier,
		intent.Amount, intent.Currency, string(intent.Status), intent.Reference,
		intent.IdempotencyKey, intent.FailureReason, intent.CreatedAt, intent.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) GetTransferIntent(ctx context.Context, intentID string) (*domain.TransferIntent, error) {
	query := `SELECT ` + transferIntentColumns + ` FROM transfer_intents WHERE id = $1`
	var (
		intent domain.TransferIntent
		status string
	)
	err := r.db.QueryRow(ctx, query, intentID).Scan(
		&intent.ID, &intent.Owner, &intent.SourceAccount, &intent.DestinationIdentifier,
		&intent.Amount, &intent.Currency, &status, &intent.Reference,
		&intent.IdempotencyKey, &intent.FailureReason, &intent.CreatedAt, &intent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	intent.Status = domain.LocalStatus(status)
	return &intent, nil
}

func (r *PostgresRepository) UpdateTransferIntent(ctx context.Context, intent *domain.TransferIntent) error {
	query := `
		UPDATE transfer_intents
		SET status = $2, failure_reason = $3, updated_at = $4
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, intent.ID, string(intent.Status), intent.FailureReason, intent.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// Cross-border methods

const crossBorderColumns = `id, owner, source_account, destination_identifier, destination_country,
	source_currency, destination_currency, source_amount, destination_amount, fx_rate, fx_provider_ref,
	fee_amount, fee_currency, status, reference, idempotency_key, leg_statuses, failure_reason,
	failed_from, version, created_at, updated_at`

func (r *PostgresRepository) CreateCrossBorderTransfer(ctx context.Context, t *domain.CrossBorderTransfer) error {
	legs, err := marshalLegStatuses(t.LegStatuses)
	if err != nil {
		return err
	}
	query := `INSERT INTO cross_border_transfers (` + crossBorderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err = r.db.Exec(ctx, query,
		t.ID, t.Owner, t.SourceAccount, t.DestinationIdentifier, t.DestinationCountry,
		t.SourceCurrency, t.DestinationCurrency, t.SourceAmount, t.DestinationAmount, t.FxRate, t.FxProviderRef,
		t.FeeAmount, t.FeeCurrency, string(t.Status), t.Reference, t.IdempotencyKey, legs, t.FailureReason,
		failedFromValue(t.FailedFrom), t.Version, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) GetCrossBorderTransfer(ctx context.Context, transferID string) (*domain.CrossBorderTransfer, error) {
	query := `SELECT ` + crossBorderColumns + ` FROM cross_border_transfers WHERE id = $1`
	t, err := scanCrossBorder(r.db.QueryRow(ctx, query, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCrossBorderNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresRepository) UpdateCrossBorderTransfer(ctx context.Context, t *domain.CrossBorderTransfer) error {
	legs, err := marshalLegStatuses(t.LegStatuses)
	if err != nil {
		return err
	}
	query := `
		UPDATE cross_border_transfers
		SET status = $3, leg_statuses = $4, destination_amount = $5, fx_rate = $6, fx_provider_ref = $7,
		    failure_reason = $8, failed_from = $9, updated_at = $10, version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := r.db.Exec(ctx, query,
		t.ID, t.Version, string(t.Status), legs, t.DestinationAmount, t.FxRate, t.FxProviderRef,
		t.FailureReason, failedFromValue(t.FailedFrom), t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetCrossBorderTransfer(ctx, t.ID); getErr != nil {
			return getErr
		}
		return domain.ErrConcurrentModification
	}
	t.Version++
	return nil
}

func (r *PostgresRepository) ListStaleCrossBorderTransfers(ctx context.Context, statuses []domain.CrossBorderStatus, updatedBefore time.Time, limit int) ([]domain.CrossBorderTransfer, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	rollback := make([]string, 0, 4)
	for _, s := range domain.RollbackStatuses() {
		rollback = append(rollback, string(s))
	}
	// Failed sagas with nothing left to reverse never need the reconciler.
	query := `SELECT ` + crossBorderColumns + `
		FROM cross_border_transfers
		WHERE status = ANY($1) AND updated_at < $2
		  AND (status <> 'failed' OR failed_from = ANY($4))
		ORDER BY updated_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`
	rows, err := r.db.Query(ctx, query, names, updatedBefore, limit, rollback)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CrossBorderTransfer
	for rows.Next() {
		t, err := scanCrossBorder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanCrossBorder(row rowScanner) (*domain.CrossBorderTransfer, error) {
	var (
		t          domain.CrossBorderTransfer
		status     string
		failedFrom *string
		legs       []byte
	)
	err := row.Scan(
		&t.ID, &t.Owner, &t.SourceAccount, &t.DestinationIdentifier, &t.DestinationCountry,
		&t.SourceCurrency, &t.DestinationCurrency, &t.SourceAmount, &t.DestinationAmount, &t.FxRate, &t.FxProviderRef,
		&t.FeeAmount, &t.FeeCurrency, &status, &t.Reference, &t.IdempotencyKey, &legs, &t.FailureReason,
		&failedFrom, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.CrossBorderStatus(status)
	if failedFrom != nil {
		from := domain.CrossBorderStatus(*failedFrom)
		t.FailedFrom = &from
	}
	t.LegStatuses = make(map[domain.Leg]domain.LegStatus)
	if len(legs) > 0 {
		if err := json.Unmarshal(legs, &t.LegStatuses); err != nil {
			return nil, fmt.Errorf("decode leg statuses: %w", err)
		}
	}
	return &t, nil
}

func marshalLegStatuses(legs map[domain.Leg]domain.LegStatus) ([]byte, error) {
	if legs == nil {
		legs = map[domain.Leg]domain.LegStatus{}
	}
	b, err := json.Marshal(legs)
	if err != nil {
		return nil, fmt.Errorf("encode leg statuses: %w", err)
	}
	return b, nil
}

func failedFromValue(s *domain.CrossBorderStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// Offer methods

const offerColumns = `id, owner, source_account, destination_account, sell_currency, buy_currency, rate,
	amount, min_amount, filled_amount, status, pre_match_status, matched_offer_id, matched_user_id,
	expires_at, settlement_methods, idempotency_key, version, created_at, updated_at`

func (r *PostgresRepository) CreateOffer(ctx context.Context, o *domain.FxOffer) error {
	query := `INSERT INTO fx_offers (` + offerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err := r.db.Exec(ctx, query,
		o.ID, o.Owner, o.SourceAccount, o.DestinationAccount, o.SellCurrency, o.BuyCurrency, o.Rate,
		o.Amount, o.MinAmount, o.FilledAmount, string(o.Status), offerStatusValue(o.PreMatchStatus), o.MatchedOfferID, o.MatchedUserID,
		o.ExpiresAt, o.SettlementMethods, o.IdempotencyKey, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) GetOffer(ctx context.Context, offerID string) (*domain.FxOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM fx_offers WHERE id = $1`
	o, err := scanOffer(r.db.QueryRow(ctx, query, offerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return o, nil
}

const updateOfferQuery = `
	UPDATE fx_offers
	SET filled_amount = $3, status = $4, pre_match_status = $5, matched_offer_id = $6,
	    matched_user_id = $7, updated_at = $8, version = version + 1
	WHERE id = $1 AND version = $2
`

func updateOfferArgs(o *domain.FxOffer) []any {
	return []any{
		o.ID, o.Version, o.FilledAmount, string(o.Status), offerStatusValue(o.PreMatchStatus),
		o.MatchedOfferID, o.MatchedUserID, o.UpdatedAt,
	}
}

func (r *PostgresRepository) UpdateOffer(ctx context.Context, o *domain.FxOffer) error {
	tag, err := r.db.Exec(ctx, updateOfferQuery, updateOfferArgs(o)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetOffer(ctx, o.ID); getErr != nil {
			return getErr
		}
		return domain.ErrConcurrentModification
	}
	o.Version++
	return nil
}

// UpdateOfferPair applies both version-checked updates in one transaction.
func (r *PostgresRepository) UpdateOfferPair(ctx context.Context, a, b *domain.FxOffer) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, o := range []*domain.FxOffer{a, b} {
		tag, err := tx.Exec(ctx, updateOfferQuery, updateOfferArgs(o)...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, getErr := r.GetOffer(ctx, o.ID); getErr != nil {
				return getErr
			}
			return domain.ErrConcurrentModification
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	a.Version++
	b.Version++
	return nil
}

func (r *PostgresRepository) ListOpenOffersByPair(ctx context.Context, sellCurrency, buyCurrency string, now time.Time) ([]domain.FxOffer, error) {
	query := `SELECT ` + offerColumns + `
		FROM fx_offers
		WHERE sell_currency = $1 AND buy_currency = $2
		  AND status IN ('open', 'partially_filled')
		  AND (expires_at IS NULL OR expires_at > $3)`
	return r.queryOffers(ctx, query, sellCurrency, buyCurrency, now)
}

func (r *PostgresRepository) ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]domain.FxOffer, error) {
	query := `SELECT ` + offerColumns + `
		FROM fx_offers
		WHERE status IN ('open', 'partially_filled') AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	return r.queryOffers(ctx, query, now, limit)
}

func (r *PostgresRepository) queryOffers(ctx context.Context, query string, args ...any) ([]domain.FxOffer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FxOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOffer(row rowScanner) (*domain.FxOffer, error) {
	var (
		o              domain.FxOffer
		status         string
		preMatchStatus *string
	)
	err := row.Scan(
		&o.ID, &o.Owner, &o.SourceAccount, &o.DestinationAccount, &o.SellCurrency, &o.BuyCurrency, &o.Rate,
		&o.Amount, &o.MinAmount, &o.FilledAmount, &status, &preMatchStatus, &o.MatchedOfferID, &o.MatchedUserID,
		&o.ExpiresAt, &o.SettlementMethods, &o.IdempotencyKey, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OfferStatus(status)
	if preMatchStatus != nil {
		s := domain.OfferStatus(*preMatchStatus)
		o.PreMatchStatus = &s
	}
	return &o, nil
}

func offerStatusValue(s *domain.OfferStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// Quote methods

func (r *PostgresRepository) CreateQuote(ctx context.Context, q *domain.FxQuote) error {
	query := `
		INSERT INTO fx_quotes (id, transfer_id, source_currency, destination_currency, rate, provider_ref, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			rate = EXCLUDED.rate,
			provider_ref = EXCLUDED.provider_ref,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at
	`
	_, err := r.db.Exec(ctx, query,
		q.ID, q.TransferID, q.SourceCurrency, q.DestinationCurrency, q.Rate, q.ProviderRef,
		string(q.Status), q.ExpiresAt, q.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) GetQuote(ctx context.Context, quoteID string) (*domain.FxQuote, error) {
	query := `
		SELECT id, transfer_id, source_currency, destination_currency, rate, provider_ref, status, expires_at, created_at
		FROM fx_quotes
		WHERE id = $1
	`
	var (
		q      domain.FxQuote
		status string
	)
	err := r.db.QueryRow(ctx, query, quoteID).Scan(
		&q.ID, &q.TransferID, &q.SourceCurrency, &q.DestinationCurrency, &q.Rate, &q.ProviderRef,
		&status, &q.ExpiresAt, &q.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuoteNotFound
		}
		return nil, err
	}
	q.Status = domain.QuoteStatus(status)
	return &q, nil
}

func (r *PostgresRepository) UpdateQuoteStatus(ctx context.Context, quoteID string, status domain.QuoteStatus) error {
	tag, err := r.db.Exec(ctx, "UPDATE fx_quotes SET status = $2 WHERE id = $1", quoteID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQuoteNotFound
	}
	return nil
}

func (r *PostgresRepository) ExpireQuotes(ctx context.Context, now time.Time, limit int) (int, error) {
	query := `
		UPDATE fx_quotes SET status = 'expired'
		WHERE id IN (
			SELECT id FROM fx_quotes
			WHERE status = 'active' AND expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`
	tag, err := r.db.Exec(ctx, query, now, limit)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Transfer request methods

func (r *PostgresRepository) CreateTransferRequest(ctx context.Context, req *domain.TransferRequest) error {
	query := `
		INSERT INTO transfer_requests (id, requester, payer, amount, currency, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		req.ID, req.Requester, req.Payer, req.Amount, req.Currency, string(req.Status), req.ExpiresAt, req.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) ExpireTransferRequests(ctx context.Context, now time.Time, limit int) (int, error) {
	query := `
		UPDATE transfer_requests SET status = 'expired'
		WHERE id IN (
			SELECT id FROM transfer_requests
			WHERE status = 'pending' AND expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`
	tag, err := r.db.Exec(ctx, query, now, limit)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ledger methods

// AppendLedgerEntry inserts the entry and increments the currency row in one
// transaction. The UPDATE reads the pre-update column values, so the net
// position is recomputed from the incremented totals.
func (r *PostgresRepository) AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.CurrencyBalance, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, entry_type, reference_type, reference_id, payer, amount, currency, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, string(entry.EntryType), entry.ReferenceType, entry.ReferenceID, entry.Payer,
		entry.Amount, entry.Currency, entry.Description, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO ledger_currency_balances (currency, total_fees_collected, total_refunds, total_adjustments, total_write_offs, net_position, updated_at)
		VALUES ($1, 0, 0, 0, 0, 0, $2)
		ON CONFLICT (currency) DO NOTHING
	`, entry.Currency, entry.CreatedAt); err != nil {
		return nil, fmt.Errorf("ensure currency balance: %w", err)
	}

	fee, refund, adjustment, writeOff := ledgerIncrements(*entry)
	var b domain.CurrencyBalance
	err = tx.QueryRow(ctx, `
		UPDATE ledger_currency_balances
		SET total_fees_collected = total_fees_collected + $2,
		    total_refunds = total_refunds + $3,
		    total_adjustments = total_adjustments + $4,
		    total_write_offs = total_write_offs + $5,
		    net_position = (total_fees_collected + $2) - (total_refunds + $3) + (total_adjustments + $4),
		    updated_at = $6
		WHERE currency = $1
		RETURNING currency, total_fees_collected, total_refunds, total_adjustments, total_write_offs, net_position, updated_at
	`, entry.Currency, fee, refund, adjustment, writeOff, entry.CreatedAt).Scan(
		&b.Currency, &b.TotalFeesCollected, &b.TotalRefunds, &b.TotalAdjustments, &b.TotalWriteOffs, &b.NetPosition, &b.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("increment currency balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &b, nil
}

func ledgerIncrements(entry domain.LedgerEntry) (fee, refund, adjustment, writeOff decimal.Decimal) {
	switch entry.EntryType {
	case domain.LedgerEntryFee:
		fee = entry.Amount
	case domain.LedgerEntryRefund:
		refund = entry.Amount
	case domain.LedgerEntryAdjustment:
		adjustment = entry.Amount
	case domain.LedgerEntryWriteOff:
		writeOff = entry.Amount
	}
	return
}

func (r *PostgresRepository) GetCurrencyBalance(ctx context.Context, currency string) (*domain.CurrencyBalance, error) {
	var b domain.CurrencyBalance
	err := r.db.QueryRow(ctx, `
		SELECT currency, total_fees_collected, total_refunds, total_adjustments, total_write_offs, net_position, updated_at
		FROM ledger_currency_balances
		WHERE currency = $1
	`, currency).Scan(&b.Currency, &b.TotalFeesCollected, &b.TotalRefunds, &b.TotalAdjustments, &b.TotalWriteOffs, &b.NetPosition, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerBalanceNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, referenceType, referenceID string) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, entry_type, reference_type, reference_id, payer, amount, currency, description, created_at
		FROM ledger_entries
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at ASC
	`, referenceType, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e         domain.LedgerEntry
			entryType string
		)
		if err := rows.Scan(&e.ID, &entryType, &e.ReferenceType, &e.ReferenceID, &e.Payer, &e.Amount, &e.Currency, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EntryType = domain.LedgerEntryType(entryType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Idempotency methods

func (r *PostgresRepository) ReserveIdempotencyKey(ctx context.Context, record domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	// An expired row is taken over; a live one is left alone.
	tag, err := r.db.Exec(ctx, `
		INSERT INTO idempotency_records (scope, key, result_reference, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope, key) DO UPDATE
		SET result_reference = EXCLUDED.result_reference,
		    status = EXCLUDED.status,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at
	`, record.Scope, record.Key, record.ResultReference, string(record.Status), record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return &record, true, nil
	}

	var (
		existing domain.IdempotencyRecord
		status   string
	)
	err = r.db.QueryRow(ctx, `
		SELECT scope, key, result_reference, status, created_at, expires_at
		FROM idempotency_records
		WHERE scope = $1 AND key = $2
	`, record.Scope, record.Key).Scan(&existing.Scope, &existing.Key, &existing.ResultReference, &status, &existing.CreatedAt, &existing.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between the insert and the read; report as in flight so the caller retries.
			record.Status = domain.IdempotencyInFlight
			return &record, false, nil
		}
		return nil, false, err
	}
	existing.Status = domain.IdempotencyStatus(status)
	return &existing, false, nil
}

func (r *PostgresRepository) CompleteIdempotencyKey(ctx context.Context, scope, key, resultReference string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE idempotency_records SET result_reference = $3, status = 'completed'
		WHERE scope = $1 AND key = $2
	`, scope, key, resultReference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyKeyNotFound
	}
	return nil
}

func (r *PostgresRepository) ReleaseIdempotencyKey(ctx context.Context, scope, key string) error {
	_, err := r.db.Exec(ctx, "DELETE FROM idempotency_records WHERE scope = $1 AND key = $2 AND status = 'in_flight'", scope, key)
	return err
}

func (r *PostgresRepository) PurgeIdempotencyKeys(ctx context.Context, before time.Time, limit int) (int, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE ctid IN (
			SELECT ctid FROM idempotency_records
			WHERE expires_at < $1
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, before, limit)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
