/**
 * @description
 * Typed errors shared by the orchestrators, repositories and API layer.
 * Validation failures are returned before any state is written; callers
 * match them with errors.Is / errors.As.
 */

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrAccountInactive        = errors.New("account inactive")
	ErrConsentExpired         = errors.New("account consent expired")
	ErrAccountNotOwned        = errors.New("account does not belong to owner")
	ErrCurrencyMismatch       = errors.New("currency mismatch")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidOffer           = errors.New("invalid offer")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrOfferExpired           = errors.New("offer expired")
	ErrOfferNotMatchable      = errors.New("offer not matchable")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrIdempotencyKeyReplay   = errors.New("idempotency key already in flight")
	ErrQuoteExpired           = errors.New("fx quote expired")
	ErrLegExecutionFailed     = errors.New("leg execution failed")
)

// InvalidStateTransitionError carries the rejected from/to pair.
type InvalidStateTransitionError struct {
	From string
	To   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// LegExecutionFailedError wraps the cause of a failed saga leg.
type LegExecutionFailedError struct {
	Leg   Leg
	Cause error
}

func (e *LegExecutionFailedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("leg %s failed", e.Leg)
	}
	return fmt.Sprintf("leg %s failed: %v", e.Leg, e.Cause)
}

func (e *LegExecutionFailedError) Unwrap() error { return e.Cause }

func (e *LegExecutionFailedError) Is(target error) bool {
	return target == ErrLegExecutionFailed
}
