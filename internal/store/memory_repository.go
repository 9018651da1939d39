package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
)

// MemoryRepository is a process-local Repository. It backs single-process
// mode when no database is configured and the orchestrator tests. Every read
// returns a copy so callers never alias stored rows.
type MemoryRepository struct {
	mu               sync.Mutex
	accounts         map[string]domain.LinkedAccount
	balances         map[string]decimal.Decimal
	movements        map[string]struct{}
	intents          map[string]domain.TransferIntent
	crossBorder      map[string]domain.CrossBorderTransfer
	offers           map[string]domain.FxOffer
	quotes           map[string]domain.FxQuote
	requests         map[string]domain.TransferRequest
	ledgerEntries    []domain.LedgerEntry
	currencyBalances map[string]domain.CurrencyBalance
	idempotency      map[string]domain.IdempotencyRecord
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:         make(map[string]domain.LinkedAccount),
		balances:         make(map[string]decimal.Decimal),
		movements:        make(map[string]struct{}),
		intents:          make(map[string]domain.TransferIntent),
		crossBorder:      make(map[string]domain.CrossBorderTransfer),
		offers:           make(map[string]domain.FxOffer),
		quotes:           make(map[string]domain.FxQuote),
		requests:         make(map[string]domain.TransferRequest),
		currencyBalances: make(map[string]domain.CurrencyBalance),
		idempotency:      make(map[string]domain.IdempotencyRecord),
	}
}

// Account methods

func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.LinkedAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	r.accounts[account.ID] = *account
	return nil
}

func (r *MemoryRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.LinkedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

// Balance methods

// SeedBalance sets an account balance directly. It is meant for fixtures.
func (r *MemoryRepository) SeedBalance(accountID string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[accountID] = amount
}

func (r *MemoryRepository) GetAccountBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[accountID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	return balance, nil
}

func (r *MemoryRepository) DebitAccount(ctx context.Context, accountID string, amount decimal.Decimal, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	key := movementKey(MovementDebit, accountID, reference)
	if _, applied := r.movements[key]; applied {
		return nil
	}
	if balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	r.balances[accountID] = balance.Sub(amount)
	if reference != "" {
		r.movements[key] = struct{}{}
	}
	return nil
}

func (r *MemoryRepository) CreditAccount(ctx context.Context, accountID string, amount decimal.Decimal, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	key := movementKey(MovementCredit, accountID, reference)
	if _, applied := r.movements[key]; applied {
		return nil
	}
	r.balances[accountID] = balance.Add(amount)
	if reference != "" {
		r.movements[key] = struct{}{}
	}
	return nil
}

func movementKey(direction, accountID, reference string) string {
	if reference == "" {
		return ""
	}
	return direction + "|" + accountID + "|" + reference
}

// Local transfer methods

func (r *MemoryRepository) CreateTransferIntent(ctx context.Context, intent *domain.TransferIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents[intent.ID] = cloneIntent(*intent)
	return nil
}

func (r *MemoryRepository) GetTransferIntent(ctx context.Context, intentID string) (*domain.TransferIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[intentID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	out := cloneIntent(intent)
	return &out, nil
}

func (r *MemoryRepository) UpdateTransferIntent(ctx context.Context, intent *domain.TransferIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.intents[intent.ID]; !ok {
		return ErrTransferNotFound
	}
	r.intents[intent.ID] = cloneIntent(*intent)
	return nil
}

// CountTransferIntents is used by tests asserting nothing was persisted.
func (r *MemoryRepository) CountTransferIntents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.intents)
}

// Cross-border methods

func (r *MemoryRepository) CreateCrossBorderTransfer(ctx context.Context, transfer *domain.CrossBorderTransfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crossBorder[transfer.ID] = cloneCrossBorder(*transfer)
	return nil
}

func (r *MemoryRepository) GetCrossBorderTransfer(ctx context.Context, transferID string) (*domain.CrossBorderTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.crossBorder[transferID]
	if !ok {
		return nil, ErrCrossBorderNotFound
	}
	out := cloneCrossBorder(transfer)
	return &out, nil
}

func (r *MemoryRepository) UpdateCrossBorderTransfer(ctx context.Context, transfer *domain.CrossBorderTransfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.crossBorder[transfer.ID]
	if !ok {
		return ErrCrossBorderNotFound
	}
	if current.Version != transfer.Version {
		return domain.ErrConcurrentModification
	}
	transfer.Version++
	r.crossBorder[transfer.ID] = cloneCrossBorder(*transfer)
	return nil
}

func (r *MemoryRepository) ListStaleCrossBorderTransfers(ctx context.Context, statuses []domain.CrossBorderStatus, updatedBefore time.Time, limit int) ([]domain.CrossBorderTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[domain.CrossBorderStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var out []domain.CrossBorderTransfer
	for _, t := range r.crossBorder {
		if t.Status == domain.CrossBorderStatusFailed && !t.NeedsCompensation() {
			continue
		}
		if wanted[t.Status] && t.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneCrossBorder(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Offer methods

func (r *MemoryRepository) CreateOffer(ctx context.Context, offer *domain.FxOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers[offer.ID] = cloneOffer(*offer)
	return nil
}

func (r *MemoryRepository) GetOffer(ctx context.Context, offerID string) (*domain.FxOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	offer, ok := r.offers[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	out := cloneOffer(offer)
	return &out, nil
}

func (r *MemoryRepository) UpdateOffer(ctx context.Context, offer *domain.FxOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.offers[offer.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if current.Version != offer.Version {
		return domain.ErrConcurrentModification
	}
	offer.Version++
	r.offers[offer.ID] = cloneOffer(*offer)
	return nil
}

func (r *MemoryRepository) UpdateOfferPair(ctx context.Context, a, b *domain.FxOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range []*domain.FxOffer{a, b} {
		current, ok := r.offers[o.ID]
		if !ok {
			return ErrOfferNotFound
		}
		if current.Version != o.Version {
			return domain.ErrConcurrentModification
		}
	}
	for _, o := range []*domain.FxOffer{a, b} {
		o.Version++
		r.offers[o.ID] = cloneOffer(*o)
	}
	return nil
}

func (r *MemoryRepository) ListOpenOffersByPair(ctx context.Context, sellCurrency, buyCurrency string, now time.Time) ([]domain.FxOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.FxOffer
	for _, o := range r.offers {
		if o.SellCurrency != sellCurrency || o.BuyCurrency != buyCurrency {
			continue
		}
		if !o.IsOpenForMatching() || o.IsExpired(now) {
			continue
		}
		out = append(out, cloneOffer(o))
	}
	return out, nil
}

func (r *MemoryRepository) ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]domain.FxOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.FxOffer
	for _, o := range r.offers {
		if o.IsOpenForMatching() && o.IsExpired(now) {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Quote methods

func (r *MemoryRepository) CreateQuote(ctx context.Context, quote *domain.FxQuote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotes[quote.ID] = *quote
	return nil
}

func (r *MemoryRepository) GetQuote(ctx context.Context, quoteID string) (*domain.FxQuote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	quote, ok := r.quotes[quoteID]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	return &quote, nil
}

func (r *MemoryRepository) UpdateQuoteStatus(ctx context.Context, quoteID string, status domain.QuoteStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	quote, ok := r.quotes[quoteID]
	if !ok {
		return ErrQuoteNotFound
	}
	quote.Status = status
	r.quotes[quoteID] = quote
	return nil
}

func (r *MemoryRepository) ExpireQuotes(ctx context.Context, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, q := range r.quotes {
		if limit > 0 && n >= limit {
			break
		}
		if q.Status == domain.QuoteStatusActive && !q.ExpiresAt.After(now) {
			q.Status = domain.QuoteStatusExpired
			r.quotes[id] = q
			n++
		}
	}
	return n, nil
}

// Transfer request methods

func (r *MemoryRepository) CreateTransferRequest(ctx context.Context, req *domain.TransferRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = *req
	return nil
}

func (r *MemoryRepository) ExpireTransferRequests(ctx context.Context, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, req := range r.requests {
		if limit > 0 && n >= limit {
			break
		}
		if req.Status == domain.TransferRequestPending && !req.ExpiresAt.After(now) {
			req.Status = domain.TransferRequestExpired
			r.requests[id] = req
			n++
		}
	}
	return n, nil
}

// Ledger methods

func (r *MemoryRepository) AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.CurrencyBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	r.ledgerEntries = append(r.ledgerEntries, *entry)
	balance, ok := r.currencyBalances[entry.Currency]
	if !ok {
		balance = domain.CurrencyBalance{Currency: entry.Currency}
	}
	balance.Apply(*entry)
	r.currencyBalances[entry.Currency] = balance
	return &balance, nil
}

func (r *MemoryRepository) GetCurrencyBalance(ctx context.Context, currency string) (*domain.CurrencyBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.currencyBalances[currency]
	if !ok {
		return nil, ErrLedgerBalanceNotFound
	}
	return &balance, nil
}

func (r *MemoryRepository) ListLedgerEntries(ctx context.Context, referenceType, referenceID string) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range r.ledgerEntries {
		if e.ReferenceType == referenceType && e.ReferenceID == referenceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Idempotency methods

func idempotencyMapKey(scope, key string) string { return scope + "\x00" + key }

func (r *MemoryRepository) ReserveIdempotencyKey(ctx context.Context, record domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := idempotencyMapKey(record.Scope, record.Key)
	if existing, ok := r.idempotency[k]; ok && existing.ExpiresAt.After(record.CreatedAt) {
		return &existing, false, nil
	}
	r.idempotency[k] = record
	return &record, true, nil
}

func (r *MemoryRepository) CompleteIdempotencyKey(ctx context.Context, scope, key, resultReference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := idempotencyMapKey(scope, key)
	record, ok := r.idempotency[k]
	if !ok {
		return ErrIdempotencyKeyNotFound
	}
	record.ResultReference = resultReference
	record.Status = domain.IdempotencyCompleted
	r.idempotency[k] = record
	return nil
}

func (r *MemoryRepository) ReleaseIdempotencyKey(ctx context.Context, scope, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := idempotencyMapKey(scope, key)
	if record, ok := r.idempotency[k]; ok && record.Status == domain.IdempotencyInFlight {
		delete(r.idempotency, k)
	}
	return nil
}

func (r *MemoryRepository) PurgeIdempotencyKeys(ctx context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, rec := range r.idempotency {
		if limit > 0 && n >= limit {
			break
		}
		if rec.ExpiresAt.Before(before) {
			delete(r.idempotency, k)
			n++
		}
	}
	return n, nil
}

func cloneIntent(in domain.TransferIntent) domain.TransferIntent {
	out := in
	out.IdempotencyKey = cloneString(in.IdempotencyKey)
	out.FailureReason = cloneString(in.FailureReason)
	return out
}

func cloneCrossBorder(in domain.CrossBorderTransfer) domain.CrossBorderTransfer {
	out := in
	out.FxProviderRef = cloneString(in.FxProviderRef)
	out.IdempotencyKey = cloneString(in.IdempotencyKey)
	out.FailureReason = cloneString(in.FailureReason)
	if in.FailedFrom != nil {
		from := *in.FailedFrom
		out.FailedFrom = &from
	}
	if in.LegStatuses != nil {
		out.LegStatuses = make(map[domain.Leg]domain.LegStatus, len(in.LegStatuses))
		for leg, st := range in.LegStatuses {
			if st.CompensatedAt != nil {
				at := *st.CompensatedAt
				st.CompensatedAt = &at
			}
			out.LegStatuses[leg] = st
		}
	}
	return out
}

func cloneOffer(in domain.FxOffer) domain.FxOffer {
	out := in
	out.DestinationAccount = cloneString(in.DestinationAccount)
	out.MatchedOfferID = cloneString(in.MatchedOfferID)
	out.MatchedUserID = cloneString(in.MatchedUserID)
	out.IdempotencyKey = cloneString(in.IdempotencyKey)
	if in.PreMatchStatus != nil {
		s := *in.PreMatchStatus
		out.PreMatchStatus = &s
	}
	if in.ExpiresAt != nil {
		at := *in.ExpiresAt
		out.ExpiresAt = &at
	}
	out.SettlementMethods = append([]string(nil), in.SettlementMethods...)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
