/**
 * @description
 * Peer-to-peer FX matching. Users post offers selling one currency for
 * another; two offers on inverse pairs with compatible rates are matched and
 * then executed as a pair of money movements.
 *
 * @notes
 * - Offer rates are units of the buy currency per unit of the sell currency.
 * - The side that can be filled completely takes its exact remainder; the
 *   other side's fill is converted from it at the first offer's rate. Only
 *   the larger side stays partially_filled.
 * - MinAmount binds every fill except one that clears the offer's remainder.
 * - Execution is all-or-nothing: completed movements are reversed when a
 *   later one fails, and both offers return to their pre-match status.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/connector"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/internal/idempotency"
	"github.com/zororai/paneta-fintech-sub002/internal/lock"
	"go.uber.org/zap"
)

type CreateOfferInput struct {
	Owner              string
	SourceAccount      string
	DestinationAccount *string
	SellCurrency       string
	BuyCurrency        string
	Rate               decimal.Decimal
	Amount             decimal.Decimal
	MinAmount          decimal.Decimal
	ExpiresInDays      int
	SettlementMethods  []string
	IdempotencyKey     string
}

// MatchResult describes an executed match.
type MatchResult struct {
	Offer       *domain.FxOffer `json:"offer"`
	Counter     *domain.FxOffer `json:"counter_offer"`
	Fill        decimal.Decimal `json:"fill_amount"`
	CounterFill decimal.Decimal `json:"counter_fill_amount"`
}

func (s *Service) CreateOffer(ctx context.Context, in CreateOfferInput) (*domain.FxOffer, error) {
	id, _, err := s.guard.Do(ctx, idempotency.OwnerScope(idempotency.ScopeFxOffer, in.Owner), in.IdempotencyKey, func(ctx context.Context) (string, error) {
		offer, err := s.createOffer(ctx, in)
		if err != nil {
			return "", err
		}
		return offer.ID, nil
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetOffer(ctx, id)
}

func validateOfferInput(in CreateOfferInput) error {
	sell, buy := normalizeCurrency(in.SellCurrency), normalizeCurrency(in.BuyCurrency)
	switch {
	case sell == "" || buy == "":
		return fmt.Errorf("sell and buy currencies are required: %w", domain.ErrInvalidOffer)
	case sell == buy:
		return fmt.Errorf("sell and buy currency are both %s: %w", sell, domain.ErrInvalidOffer)
	case !in.Rate.IsPositive():
		return fmt.Errorf("rate must be positive: %w", domain.ErrInvalidOffer)
	case !in.Amount.IsPositive():
		return fmt.Errorf("amount must be positive: %w", domain.ErrInvalidAmount)
	case in.MinAmount.IsNegative() || in.MinAmount.GreaterThan(in.Amount):
		return fmt.Errorf("min amount must be between 0 and amount: %w", domain.ErrInvalidAmount)
	case in.ExpiresInDays <= 0:
		return fmt.Errorf("expiry must be at least one day: %w", domain.ErrInvalidOffer)
	}
	return nil
}

func (s *Service) createOffer(ctx context.Context, in CreateOfferInput) (*domain.FxOffer, error) {
	if err := validateOfferInput(in); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	account, err := s.repo.FindAccountByID(ctx, in.SourceAccount)
	if err != nil {
		return nil, fmt.Errorf("load source account: %w", err)
	}
	if err := account.CheckUsableBy(in.Owner, now); err != nil {
		return nil, err
	}
	sell := normalizeCurrency(in.SellCurrency)
	if normalizeCurrency(account.Currency) != sell {
		return nil, fmt.Errorf("sell currency %s, account currency %s: %w", sell, account.Currency, domain.ErrCurrencyMismatch)
	}

	expiresAt := now.Add(time.Duration(in.ExpiresInDays) * 24 * time.Hour)
	offer := &domain.FxOffer{
		ID:                uuid.NewString(),
		Owner:             in.Owner,
		SourceAccount:     account.ID,
		SellCurrency:      sell,
		BuyCurrency:       normalizeCurrency(in.BuyCurrency),
		Rate:              in.Rate,
		Amount:            in.Amount,
		MinAmount:         in.MinAmount,
		FilledAmount:      decimal.Zero,
		Status:            domain.OfferStatusOpen,
		ExpiresAt:         &expiresAt,
		SettlementMethods: append([]string(nil), in.SettlementMethods...),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.DestinationAccount != nil && strings.TrimSpace(*in.DestinationAccount) != "" {
		dest := strings.TrimSpace(*in.DestinationAccount)
		offer.DestinationAccount = &dest
	}
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		offer.IdempotencyKey = &key
	}
	if err := s.repo.CreateOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	s.logger.Info("fx offer created",
		zap.String("offer_id", offer.ID),
		zap.String("pair", offer.SellCurrency+"/"+offer.BuyCurrency),
		zap.String("rate", offer.Rate.String()))
	return offer, nil
}

// FindMatchingOffers returns the counter-offers offer could match against,
// best rate first, then oldest, then by id.
func (s *Service) FindMatchingOffers(ctx context.Context, offer *domain.FxOffer) ([]domain.FxOffer, error) {
	now := s.clock.Now()
	candidates, err := s.repo.ListOpenOffersByPair(ctx, offer.BuyCurrency, offer.SellCurrency, now)
	if err != nil {
		return nil, fmt.Errorf("list counter offers: %w", err)
	}
	out := make([]domain.FxOffer, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if offer.CanMatch(c, now) && offer.AcceptsCounterRate(c) && fillAcceptable(offer, c) {
			out = append(out, *c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Rate.Equal(out[j].Rate) {
			return out[i].Rate.GreaterThan(out[j].Rate)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MatchOffers pairs two offers. Both must be matchable against each other.
func (s *Service) MatchOffers(ctx context.Context, offerID, counterID string) (*domain.FxOffer, *domain.FxOffer, error) {
	var a, b *domain.FxOffer
	keys := []string{lock.Key(lockKindOffer, offerID), lock.Key(lockKindOffer, counterID)}
	err := retryOnConflict(ctx, func(ctx context.Context) error {
		return lock.WithLocks(ctx, s.locker, keys, func(ctx context.Context) error {
			var err error
			a, b, err = s.matchLocked(ctx, offerID, counterID)
			return err
		})
	})
	if err != nil {
		return nil, nil, err
	}
	s.metrics.OfferEvent("matched")
	s.logger.Info("fx offers matched", zap.String("offer_id", a.ID), zap.String("counter_offer_id", b.ID))
	s.publish(ctx, domain.EventOfferMatched, domain.OfferMatchedEvent{OfferID: a.ID, CounterOfferID: b.ID})
	return a, b, nil
}

func (s *Service) matchLocked(ctx context.Context, offerID, counterID string) (*domain.FxOffer, *domain.FxOffer, error) {
	a, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.repo.GetOffer(ctx, counterID)
	if err != nil {
		return nil, nil, err
	}
	now := s.clock.Now()
	if !a.CanMatch(b, now) {
		if a.IsExpired(now) || b.IsExpired(now) {
			return nil, nil, domain.ErrOfferExpired
		}
		return nil, nil, domain.ErrOfferNotMatchable
	}
	if !a.AcceptsCounterRate(b) {
		return nil, nil, fmt.Errorf("counter rate %s below reciprocal of %s: %w", b.Rate, a.Rate, domain.ErrOfferNotMatchable)
	}
	if !fillAcceptable(a, b) {
		return nil, nil, fmt.Errorf("fill below minimum amount: %w", domain.ErrOfferNotMatchable)
	}

	if err := a.MarkMatched(b, now); err != nil {
		return nil, nil, err
	}
	if err := b.MarkMatched(a, now); err != nil {
		return nil, nil, err
	}
	if err := s.repo.UpdateOfferPair(ctx, a, b); err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// ExecuteMatch moves funds for two offers matched against each other.
func (s *Service) ExecuteMatch(ctx context.Context, offerID, counterID string) (*MatchResult, error) {
	a, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	b, err := s.repo.GetOffer(ctx, counterID)
	if err != nil {
		return nil, err
	}
	keys := []string{
		lock.Key(lockKindOffer, a.ID),
		lock.Key(lockKindOffer, b.ID),
		lock.Key(lockKindAccount, a.SourceAccount),
		lock.Key(lockKindAccount, b.SourceAccount),
	}
	var result *MatchResult
	err = lock.WithLocks(ctx, s.locker, keys, func(ctx context.Context) error {
		var execErr error
		result, execErr = s.executeLocked(ctx, offerID, counterID)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	s.metrics.OfferEvent("executed")
	s.logger.Info("fx match executed",
		zap.String("offer_id", result.Offer.ID),
		zap.String("counter_offer_id", result.Counter.ID),
		zap.String("fill", result.Fill.String()),
		zap.String("counter_fill", result.CounterFill.String()))
	s.publish(ctx, domain.EventOfferExecuted, domain.OfferExecutedEvent{
		OfferID:        result.Offer.ID,
		CounterOfferID: result.Counter.ID,
		FillAmount:     result.Fill,
		CounterFill:    result.CounterFill,
	})
	return result, nil
}

// FillAmounts returns the fill of a in a's sell currency and of b in b's
// sell currency. Whichever side has the smaller remainder, valued at a's
// rate, is filled exactly; the other side's fill is derived from it.
func FillAmounts(a, b *domain.FxOffer) (decimal.Decimal, decimal.Decimal) {
	remA, remB := a.Remaining(), b.Remaining()
	if !a.Rate.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	if remB.LessThanOrEqual(remA.Mul(a.Rate)) {
		fillA := decimal.Min(remA, remB.DivRound(a.Rate, domain.RatePrecision))
		return fillA, remB
	}
	return remA, remA.Mul(a.Rate)
}

// fillAcceptable reports whether the next fill between a and b satisfies
// both offers' minimum amounts.
func fillAcceptable(a, b *domain.FxOffer) bool {
	fillA, fillB := FillAmounts(a, b)
	return a.AcceptsFill(fillA) && b.AcceptsFill(fillB)
}

func (s *Service) executeLocked(ctx context.Context, offerID, counterID string) (*MatchResult, error) {
	a, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	b, err := s.repo.GetOffer(ctx, counterID)
	if err != nil {
		return nil, err
	}
	if !a.IsMatchedWith(b) || !b.IsMatchedWith(a) {
		return nil, fmt.Errorf("offers %s and %s are not matched with each other: %w", a.ID, b.ID, domain.ErrOfferNotMatchable)
	}

	fillA, fillB := FillAmounts(a, b)
	if !fillA.IsPositive() || !fillB.IsPositive() {
		return nil, s.revertPair(ctx, a, b, fmt.Errorf("nothing to fill: %w", domain.ErrOfferNotMatchable))
	}
	if !a.AcceptsFill(fillA) || !b.AcceptsFill(fillB) {
		return nil, s.revertPair(ctx, a, b, fmt.Errorf("fill below minimum amount: %w", domain.ErrOfferNotMatchable))
	}

	if err := s.settlePair(ctx, a, b, fillA, fillB); err != nil {
		s.metrics.OfferEvent("reverted")
		return nil, s.revertPair(ctx, a, b, err)
	}

	now := s.clock.Now()
	if err := a.ApplyFill(fillA, now); err != nil {
		return nil, err
	}
	if err := b.ApplyFill(fillB, now); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateOfferPair(context.WithoutCancel(ctx), a, b); err != nil {
		// Offers stay matched; a repeated ExecuteMatch reuses the same
		// movement references and only persists the fill.
		s.logger.Error("CRITICAL: funds settled but offer fill not persisted",
			zap.String("offer_id", a.ID), zap.String("counter_offer_id", b.ID), zap.Error(err))
		return nil, err
	}
	return &MatchResult{Offer: a, Counter: b, Fill: fillA, CounterFill: fillB}, nil
}

type movement struct {
	conn connector.Connector
	in   connector.Instruction
	// credit is true for a credit; its undo is a debit and vice versa.
	credit bool
}

func (m movement) apply(ctx context.Context) error {
	if m.credit {
		return m.conn.Credit(ctx, m.in)
	}
	return m.conn.Debit(ctx, m.in)
}

func (m movement) undo(ctx context.Context) error {
	in := m.in
	in.Reference += ":reversal"
	if m.credit {
		return m.conn.Debit(ctx, in)
	}
	return m.conn.Credit(ctx, in)
}

// settlePair runs both sell legs. On failure every applied movement is
// reversed, newest first.
func (s *Service) settlePair(ctx context.Context, a, b *domain.FxOffer, fillA, fillB decimal.Decimal) error {
	steps, err := s.pairMovements(ctx, a, b, fillA, fillB, settlementReference(a, b))
	if err != nil {
		return err
	}

	var applied []movement
	for _, m := range steps {
		if err := m.apply(ctx); err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				if undoErr := applied[i].undo(context.WithoutCancel(ctx)); undoErr != nil {
					s.logger.Error("CRITICAL: match settlement reversal failed",
						zap.String("reference", applied[i].in.Reference), zap.Error(undoErr))
					err = fmt.Errorf("%w; reversal of %s failed: %v", err, applied[i].in.Reference, undoErr)
				}
			}
			return err
		}
		applied = append(applied, m)
	}
	return nil
}

func (s *Service) pairMovements(ctx context.Context, a, b *domain.FxOffer, fillA, fillB decimal.Decimal, ref string) ([]movement, error) {
	aAccount, aConn, err := s.sourceConnector(ctx, a.SourceAccount)
	if err != nil {
		return nil, err
	}
	bAccount, bConn, err := s.sourceConnector(ctx, b.SourceAccount)
	if err != nil {
		return nil, err
	}
	bDestConn, bDest, err := s.destination(ctx, offerPayoutTarget(b))
	if err != nil {
		return nil, err
	}
	aDestConn, aDest, err := s.destination(ctx, offerPayoutTarget(a))
	if err != nil {
		return nil, err
	}

	bDest.Amount, bDest.Currency, bDest.Reference = fillA, a.SellCurrency, ref+":a-credit"
	aDest.Amount, aDest.Currency, aDest.Reference = fillB, b.SellCurrency, ref+":b-credit"
	return []movement{
		{conn: aConn, in: connector.Instruction{AccountID: aAccount.ID, ExternalRef: aAccount.ExternalRef, Amount: fillA, Currency: a.SellCurrency, Reference: ref + ":a-debit"}},
		{conn: bDestConn, in: bDest, credit: true},
		{conn: bConn, in: connector.Instruction{AccountID: bAccount.ID, ExternalRef: bAccount.ExternalRef, Amount: fillB, Currency: b.SellCurrency, Reference: ref + ":b-debit"}},
		{conn: aDestConn, in: aDest, credit: true},
	}, nil
}

// offerPayoutTarget is where an offer's owner receives the bought currency.
func offerPayoutTarget(o *domain.FxOffer) string {
	if o.DestinationAccount != nil {
		return *o.DestinationAccount
	}
	return o.Owner
}

// settlementReference identifies one execution attempt of a matched pair.
// Matching and reverting bump both versions, so each attempt gets fresh
// references while a retry of the same attempt reuses them.
func settlementReference(a, b *domain.FxOffer) string {
	return fmt.Sprintf("FXM-%s-%s-v%d.%d", shortID(a.ID), shortID(b.ID), a.Version, b.Version)
}

func shortID(id string) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) > 8 {
		return clean[:8]
	}
	return clean
}

func (s *Service) revertPair(ctx context.Context, a, b *domain.FxOffer, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	errs = append(errs, cause)
	for _, o := range []*domain.FxOffer{a, b} {
		if err := s.revertOffer(ctx, o); err != nil {
			s.logger.Error("failed to revert matched offer", zap.String("offer_id", o.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	s.logger.Warn("fx match execution failed; offers reverted",
		zap.String("offer_id", a.ID), zap.String("counter_offer_id", b.ID), zap.Error(cause))
	return errors.Join(errs...)
}

func (s *Service) revertOffer(ctx context.Context, o *domain.FxOffer) error {
	if o.Status != domain.OfferStatusMatched {
		return nil
	}
	if err := o.RevertMatch(s.clock.Now()); err != nil {
		return err
	}
	return s.repo.UpdateOffer(ctx, o)
}

func (s *Service) CancelOffer(ctx context.Context, offerID, requester string) (*domain.FxOffer, error) {
	var result *domain.FxOffer
	err := retryOnConflict(ctx, func(ctx context.Context) error {
		return s.locker.WithLock(ctx, lock.Key(lockKindOffer, offerID), func(ctx context.Context) error {
			o, err := s.repo.GetOffer(ctx, offerID)
			if err != nil {
				return err
			}
			if o.Owner != requester {
				return domain.ErrAccountNotOwned
			}
			if !o.IsOpenForMatching() {
				return &domain.InvalidStateTransitionError{From: string(o.Status), To: string(domain.OfferStatusCancelled)}
			}
			if err := o.TransitionTo(domain.OfferStatusCancelled, s.clock.Now()); err != nil {
				return err
			}
			if err := s.repo.UpdateOffer(ctx, o); err != nil {
				return err
			}
			result = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.OfferEvent("cancelled")
	s.logger.Info("fx offer cancelled", zap.String("offer_id", offerID))
	return result, nil
}

// AutoMatch matches offerID against its best counter-offer and executes the
// match. It returns nil when no counter-offer qualifies.
func (s *Service) AutoMatch(ctx context.Context, offerID string) (*MatchResult, error) {
	offer, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.FindMatchingOffers(ctx, offer)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if _, _, err := s.MatchOffers(ctx, offer.ID, c.ID); err != nil {
			if errors.Is(err, domain.ErrOfferNotMatchable) || errors.Is(err, domain.ErrOfferExpired) || errors.Is(err, domain.ErrConcurrentModification) {
				s.logger.Info("auto-match candidate skipped", zap.String("offer_id", offer.ID), zap.String("counter_offer_id", c.ID), zap.Error(err))
				continue
			}
			return nil, err
		}
		return s.ExecuteMatch(ctx, offer.ID, c.ID)
	}
	return nil, nil
}
