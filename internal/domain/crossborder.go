/**
 * @description
 * Cross-border transfer saga model: status table, leg bookkeeping and the
 * rollback predicate.
 *
 * @notes
 * - Each forward status is reached by completing exactly one leg, so the
 *   leg map is advanced in the same mutation as the status.
 * - failed and rolled_back keep whatever legs had completed so that
 *   compensation and audit can see them.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CrossBorderStatus string

const (
	CrossBorderStatusPending             CrossBorderStatus = "pending"
	CrossBorderStatusFxLocked            CrossBorderStatus = "fx_locked"
	CrossBorderStatusSourceDebited       CrossBorderStatus = "source_debited"
	CrossBorderStatusFxExecuted          CrossBorderStatus = "fx_executed"
	CrossBorderStatusDestinationCredited CrossBorderStatus = "destination_credited"
	CrossBorderStatusCompleted           CrossBorderStatus = "completed"
	CrossBorderStatusFailed              CrossBorderStatus = "failed"
	CrossBorderStatusRolledBack          CrossBorderStatus = "rolled_back"
)

var crossBorderTransitions = map[CrossBorderStatus][]CrossBorderStatus{
	CrossBorderStatusPending:             {CrossBorderStatusFxLocked, CrossBorderStatusFailed},
	CrossBorderStatusFxLocked:            {CrossBorderStatusSourceDebited, CrossBorderStatusFailed, CrossBorderStatusRolledBack},
	CrossBorderStatusSourceDebited:       {CrossBorderStatusFxExecuted, CrossBorderStatusFailed, CrossBorderStatusRolledBack},
	CrossBorderStatusFxExecuted:          {CrossBorderStatusDestinationCredited, CrossBorderStatusFailed, CrossBorderStatusRolledBack},
	CrossBorderStatusDestinationCredited: {CrossBorderStatusCompleted, CrossBorderStatusFailed},
	CrossBorderStatusFailed:              {CrossBorderStatusRolledBack},
}

// Leg names a single step of the cross-border saga.
type Leg string

const (
	LegFxQuote           Leg = "fx_quote"
	LegSourceDebit       Leg = "source_debit"
	LegFxConversion      Leg = "fx_conversion"
	LegDestinationCredit Leg = "destination_credit"
	LegCompletion        Leg = "completion"
)

// Legs in execution order.
var Legs = []Leg{LegFxQuote, LegSourceDebit, LegFxConversion, LegDestinationCredit, LegCompletion}

var legResultStatus = map[Leg]CrossBorderStatus{
	LegFxQuote:           CrossBorderStatusFxLocked,
	LegSourceDebit:       CrossBorderStatusSourceDebited,
	LegFxConversion:      CrossBorderStatusFxExecuted,
	LegDestinationCredit: CrossBorderStatusDestinationCredited,
	LegCompletion:        CrossBorderStatusCompleted,
}

// ResultStatus is the saga status reached when the leg completes.
func (l Leg) ResultStatus() CrossBorderStatus {
	return legResultStatus[l]
}

func (l Leg) Valid() bool {
	_, ok := legResultStatus[l]
	return ok
}

const LegStatusCompleted = "completed"

// LegStatus is the recorded outcome of one leg.
type LegStatus struct {
	Status        string     `json:"status"`
	Timestamp     time.Time  `json:"timestamp"`
	CompensatedAt *time.Time `json:"compensated_at,omitempty"`
}

// CrossBorderTransfer maps to the `cross_border_transfers` table.
type CrossBorderTransfer struct {
	ID                    string             `json:"id"`
	Owner                 string             `json:"owner"`
	SourceAccount         string             `json:"source_account"`
	DestinationIdentifier string             `json:"destination_identifier"`
	DestinationCountry    string             `json:"destination_country"`
	SourceCurrency        string             `json:"source_currency"`
	DestinationCurrency   string             `json:"destination_currency"`
	SourceAmount          decimal.Decimal    `json:"source_amount"`
	DestinationAmount     decimal.Decimal    `json:"destination_amount"`
	FxRate                decimal.Decimal    `json:"fx_rate"`
	FxProviderRef         *string            `json:"fx_provider_ref,omitempty"`
	FeeAmount             decimal.Decimal    `json:"fee_amount"`
	FeeCurrency           string             `json:"fee_currency"`
	Status                CrossBorderStatus  `json:"status"`
	Reference             string             `json:"reference"`
	IdempotencyKey        *string            `json:"idempotency_key,omitempty"`
	LegStatuses           map[Leg]LegStatus  `json:"leg_statuses"`
	FailureReason         *string            `json:"failure_reason,omitempty"`
	FailedFrom            *CrossBorderStatus `json:"failed_from,omitempty"`
	Version               int64              `json:"version"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

func (t *CrossBorderTransfer) CanTransitionTo(to CrossBorderStatus) bool {
	return CanTransition(crossBorderTransitions, t.Status, to)
}

// TransitionTo applies a status change after consulting the transition table.
func (t *CrossBorderTransfer) TransitionTo(to CrossBorderStatus, now time.Time) error {
	if err := Transition(crossBorderTransitions, t.Status, to); err != nil {
		return err
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// RequiresRollback reports whether the current status holds a partially
// executed leg that must be compensated.
func (t *CrossBorderTransfer) RequiresRollback() bool {
	return StatusRequiresRollback(t.Status)
}

var rollbackStatuses = []CrossBorderStatus{
	CrossBorderStatusFxLocked, CrossBorderStatusSourceDebited,
	CrossBorderStatusFxExecuted, CrossBorderStatusDestinationCredited,
}

func StatusRequiresRollback(s CrossBorderStatus) bool {
	for _, r := range rollbackStatuses {
		if r == s {
			return true
		}
	}
	return false
}

// RollbackStatuses lists the statuses that hold committed legs.
func RollbackStatuses() []CrossBorderStatus {
	return append([]CrossBorderStatus(nil), rollbackStatuses...)
}

func (t *CrossBorderTransfer) IsTerminal() bool {
	return IsTerminal(crossBorderTransitions, t.Status)
}

// GetCompletedLegs returns the legs implied by the current forward status.
// For failed and rolled_back it returns the legs recorded before failure.
func (t *CrossBorderTransfer) GetCompletedLegs() []Leg {
	switch t.Status {
	case CrossBorderStatusFailed, CrossBorderStatusRolledBack:
		var legs []Leg
		for _, leg := range Legs {
			if t.HasCompletedLeg(leg) {
				legs = append(legs, leg)
			}
		}
		return legs
	}
	return CompletedLegsFor(t.Status)
}

// CompletedLegsFor returns the leg prefix implied by a forward status.
func CompletedLegsFor(s CrossBorderStatus) []Leg {
	for i, leg := range Legs {
		if leg.ResultStatus() == s {
			return append([]Leg(nil), Legs[:i+1]...)
		}
	}
	return nil
}

// NextLeg returns the leg that moves the saga forward from its current status.
func (t *CrossBorderTransfer) NextLeg() (Leg, bool) {
	done := CompletedLegsFor(t.Status)
	if t.Status != CrossBorderStatusPending && done == nil {
		return "", false
	}
	if len(done) == len(Legs) {
		return "", false
	}
	return Legs[len(done)], true
}

func (t *CrossBorderTransfer) HasCompletedLeg(leg Leg) bool {
	st, ok := t.LegStatuses[leg]
	return ok && st.Status == LegStatusCompleted
}

// CompleteLeg records the leg outcome and advances the status in one step.
// The leg must be the next one; otherwise the transfer is left unchanged.
func (t *CrossBorderTransfer) CompleteLeg(leg Leg, now time.Time) error {
	next, ok := t.NextLeg()
	if !ok || next != leg {
		return &InvalidStateTransitionError{From: string(t.Status), To: string(leg.ResultStatus())}
	}
	if err := Transition(crossBorderTransitions, t.Status, leg.ResultStatus()); err != nil {
		return err
	}
	if t.LegStatuses == nil {
		t.LegStatuses = make(map[Leg]LegStatus)
	}
	t.LegStatuses[leg] = LegStatus{Status: LegStatusCompleted, Timestamp: now}
	t.Status = leg.ResultStatus()
	t.UpdatedAt = now
	return nil
}

// Fail marks the saga failed, remembering the status it failed from.
func (t *CrossBorderTransfer) Fail(reason string, now time.Time) error {
	from := t.Status
	if err := t.TransitionTo(CrossBorderStatusFailed, now); err != nil {
		return err
	}
	t.FailureReason = &reason
	t.FailedFrom = &from
	return nil
}

// NeedsCompensation reports whether a failed saga still holds committed
// legs that must be reversed before it can be rolled back.
func (t *CrossBorderTransfer) NeedsCompensation() bool {
	return t.Status == CrossBorderStatusFailed && t.FailedFrom != nil && StatusRequiresRollback(*t.FailedFrom)
}

// MarkCompensated stamps the compensation time on a completed leg.
func (t *CrossBorderTransfer) MarkCompensated(leg Leg, now time.Time) {
	st, ok := t.LegStatuses[leg]
	if !ok {
		return
	}
	st.CompensatedAt = &now
	t.LegStatuses[leg] = st
}

func (t *CrossBorderTransfer) IsCompensated(leg Leg) bool {
	st, ok := t.LegStatuses[leg]
	return ok && st.CompensatedAt != nil
}

// TotalDebit is what the source_debit leg takes from the source account.
func (t *CrossBorderTransfer) TotalDebit() decimal.Decimal {
	return t.SourceAmount.Add(t.FeeAmount)
}
