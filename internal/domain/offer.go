/**
 * @description
 * Peer-to-peer FX offer model.
 *
 * @notes
 * - Rate is units of BuyCurrency per one unit of SellCurrency.
 * - Amount, MinAmount and FilledAmount are in SellCurrency.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OfferStatus string

const (
	OfferStatusOpen            OfferStatus = "open"
	OfferStatusPartiallyFilled OfferStatus = "partially_filled"
	OfferStatusMatched         OfferStatus = "matched"
	OfferStatusExecuted        OfferStatus = "executed"
	OfferStatusCancelled       OfferStatus = "cancelled"
	OfferStatusExpired         OfferStatus = "expired"
	OfferStatusFailed          OfferStatus = "failed"
)

// matched may fall back to open/partially_filled when execution cannot move funds.
var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferStatusOpen:            {OfferStatusMatched, OfferStatusCancelled, OfferStatusExpired, OfferStatusFailed},
	OfferStatusPartiallyFilled: {OfferStatusMatched, OfferStatusCancelled, OfferStatusExpired, OfferStatusFailed},
	OfferStatusMatched:         {OfferStatusExecuted, OfferStatusPartiallyFilled, OfferStatusOpen, OfferStatusFailed},
}

// RatePrecision is the number of decimal places used when comparing reciprocal rates.
const RatePrecision = 10

// FxOffer maps to the `fx_offers` table.
type FxOffer struct {
	ID                 string          `json:"id"`
	Owner              string          `json:"owner"`
	SourceAccount      string          `json:"source_account"`
	DestinationAccount *string         `json:"destination_account,omitempty"`
	SellCurrency       string          `json:"sell_currency"`
	BuyCurrency        string          `json:"buy_currency"`
	Rate               decimal.Decimal `json:"rate"`
	Amount             decimal.Decimal `json:"amount"`
	MinAmount          decimal.Decimal `json:"min_amount"`
	FilledAmount       decimal.Decimal `json:"filled_amount"`
	Status             OfferStatus     `json:"status"`
	PreMatchStatus     *OfferStatus    `json:"-"`
	MatchedOfferID     *string         `json:"matched_offer_id,omitempty"`
	MatchedUserID      *string         `json:"matched_user_id,omitempty"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
	SettlementMethods  []string        `json:"settlement_methods"`
	IdempotencyKey     *string         `json:"idempotency_key,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Remaining returns amount - filled, never negative.
func (o *FxOffer) Remaining() decimal.Decimal {
	r := o.Amount.Sub(o.FilledAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func (o *FxOffer) IsOpenForMatching() bool {
	return o.Status == OfferStatusOpen || o.Status == OfferStatusPartiallyFilled
}

func (o *FxOffer) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// IsMatchable reports whether the offer can take part in a new match.
func (o *FxOffer) IsMatchable(now time.Time) bool {
	return o.IsOpenForMatching() && !o.IsExpired(now) && o.Remaining().IsPositive()
}

// IsInversePair reports whether other sells what o buys and buys what o sells.
func (o *FxOffer) IsInversePair(other *FxOffer) bool {
	return o.SellCurrency == other.BuyCurrency && o.BuyCurrency == other.SellCurrency
}

// CanMatch holds when the pairs are exact inverses, owners differ and both
// sides are matchable.
func (o *FxOffer) CanMatch(other *FxOffer, now time.Time) bool {
	if other == nil || o.ID == other.ID {
		return false
	}
	return o.IsInversePair(other) &&
		o.Owner != other.Owner &&
		o.IsMatchable(now) &&
		other.IsMatchable(now)
}

// AcceptsCounterRate reports whether counter's rate is at least the
// reciprocal of o's rate.
func (o *FxOffer) AcceptsCounterRate(counter *FxOffer) bool {
	if !o.Rate.IsPositive() {
		return false
	}
	reciprocal := decimal.NewFromInt(1).DivRound(o.Rate, RatePrecision)
	return counter.Rate.Round(RatePrecision).GreaterThanOrEqual(reciprocal)
}

// AcceptsFill reports whether a fill respects MinAmount. A fill that takes
// the whole remainder is always accepted so small tails can still clear.
func (o *FxOffer) AcceptsFill(fill decimal.Decimal) bool {
	if !fill.IsPositive() {
		return false
	}
	return fill.GreaterThanOrEqual(o.MinAmount) || fill.Equal(o.Remaining())
}

func (o *FxOffer) CanTransitionTo(to OfferStatus) bool {
	return CanTransition(offerTransitions, o.Status, to)
}

// TransitionTo applies a status change after consulting the transition table.
func (o *FxOffer) TransitionTo(to OfferStatus, now time.Time) error {
	if err := Transition(offerTransitions, o.Status, to); err != nil {
		return err
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// MarkMatched moves the offer to matched against counter.
func (o *FxOffer) MarkMatched(counter *FxOffer, now time.Time) error {
	prev := o.Status
	if err := o.TransitionTo(OfferStatusMatched, now); err != nil {
		return err
	}
	counterID, counterOwner := counter.ID, counter.Owner
	o.PreMatchStatus = &prev
	o.MatchedOfferID = &counterID
	o.MatchedUserID = &counterOwner
	return nil
}

// IsMatchedWith reports whether o is currently matched against counter.
func (o *FxOffer) IsMatchedWith(counter *FxOffer) bool {
	return o.Status == OfferStatusMatched &&
		o.MatchedOfferID != nil && *o.MatchedOfferID == counter.ID
}

// RevertMatch returns a matched offer to its pre-match status.
func (o *FxOffer) RevertMatch(now time.Time) error {
	target := OfferStatusOpen
	if o.PreMatchStatus != nil {
		target = *o.PreMatchStatus
	}
	if err := o.TransitionTo(target, now); err != nil {
		return err
	}
	o.clearMatch()
	return nil
}

// ApplyFill adds fill to FilledAmount and settles the status: executed when
// nothing remains, otherwise partially_filled with the match released.
func (o *FxOffer) ApplyFill(fill decimal.Decimal, now time.Time) error {
	if fill.IsNegative() || o.FilledAmount.Add(fill).GreaterThan(o.Amount) {
		return ErrInvalidAmount
	}
	target := OfferStatusPartiallyFilled
	if o.FilledAmount.Add(fill).Equal(o.Amount) {
		target = OfferStatusExecuted
	}
	if err := o.TransitionTo(target, now); err != nil {
		return err
	}
	o.FilledAmount = o.FilledAmount.Add(fill)
	if target == OfferStatusPartiallyFilled {
		o.clearMatch()
	} else {
		o.PreMatchStatus = nil
	}
	return nil
}

func (o *FxOffer) clearMatch() {
	o.PreMatchStatus = nil
	o.MatchedOfferID = nil
	o.MatchedUserID = nil
}

func (o *FxOffer) IsTerminal() bool {
	return IsTerminal(offerTransitions, o.Status)
}
