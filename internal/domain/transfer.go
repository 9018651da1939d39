/**
 * @description
 * Local (same-currency) transfer intent and its state machine.
 *
 * @notes
 * - Amounts use shopspring/decimal in the account currency's major unit.
 * - An intent is mutated only by the local transfer orchestrator and is
 *   immutable once executed or failed.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LocalStatus string

const (
	LocalStatusPending   LocalStatus = "pending"
	LocalStatusConfirmed LocalStatus = "confirmed"
	LocalStatusExecuted  LocalStatus = "executed"
	LocalStatusFailed    LocalStatus = "failed"
)

var localTransitions = map[LocalStatus][]LocalStatus{
	LocalStatusPending:   {LocalStatusConfirmed, LocalStatusFailed},
	LocalStatusConfirmed: {LocalStatusExecuted, LocalStatusFailed},
}

// TransferIntent is a same-currency transfer request. It maps to the `transfer_intents` table.
type TransferIntent struct {
	ID                    string          `json:"id"`
	Owner                 string          `json:"owner"`
	SourceAccount         string          `json:"source_account"`
	DestinationIdentifier string          `json:"destination_identifier"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                LocalStatus     `json:"status"`
	Reference             string          `json:"reference"`
	IdempotencyKey        *string         `json:"idempotency_key,omitempty"`
	FailureReason         *string         `json:"failure_reason,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func (t *TransferIntent) CanTransitionTo(to LocalStatus) bool {
	return CanTransition(localTransitions, t.Status, to)
}

// TransitionTo moves the intent to the requested status. An illegal move
// returns *InvalidStateTransitionError and leaves the intent untouched.
func (t *TransferIntent) TransitionTo(to LocalStatus, now time.Time) error {
	if err := Transition(localTransitions, t.Status, to); err != nil {
		return err
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// Fail moves the intent to failed and records the reason.
func (t *TransferIntent) Fail(reason string, now time.Time) error {
	if err := t.TransitionTo(LocalStatusFailed, now); err != nil {
		return err
	}
	t.FailureReason = &reason
	return nil
}

func (t *TransferIntent) IsTerminal() bool {
	return IsTerminal(localTransitions, t.Status)
}
