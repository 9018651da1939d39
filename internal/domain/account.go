package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusInactive  AccountStatus = "inactive"
	AccountStatusSuspended AccountStatus = "suspended"
)

// LinkedAccount is a custody-less account held at an external institution.
// Balances live at the institution and are read through a connector.
type LinkedAccount struct {
	ID               string        `json:"id"`
	Owner            string        `json:"owner"`
	InstitutionID    string        `json:"institution_id"`
	ExternalRef      string        `json:"external_ref"`
	Currency         string        `json:"currency"`
	Status           AccountStatus `json:"status"`
	ConsentExpiresAt *time.Time    `json:"consent_expires_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// CheckUsableBy validates ownership, status and consent in that order.
func (a *LinkedAccount) CheckUsableBy(owner string, now time.Time) error {
	if a.Owner != owner {
		return ErrAccountNotOwned
	}
	if a.Status != AccountStatusActive {
		return ErrAccountInactive
	}
	if a.ConsentExpiresAt != nil && !a.ConsentExpiresAt.After(now) {
		return ErrConsentExpired
	}
	return nil
}

type QuoteStatus string

const (
	QuoteStatusActive   QuoteStatus = "active"
	QuoteStatusConsumed QuoteStatus = "consumed"
	QuoteStatusExpired  QuoteStatus = "expired"
)

// FxQuote is a rate locked for one cross-border transfer.
type FxQuote struct {
	ID                  string          `json:"id"`
	TransferID          string          `json:"transfer_id"`
	SourceCurrency      string          `json:"source_currency"`
	DestinationCurrency string          `json:"destination_currency"`
	Rate                decimal.Decimal `json:"rate"`
	ProviderRef         string          `json:"provider_ref"`
	Status              QuoteStatus     `json:"status"`
	ExpiresAt           time.Time       `json:"expires_at"`
	CreatedAt           time.Time       `json:"created_at"`
}

func (q *FxQuote) IsUsable(now time.Time) bool {
	return q.Status == QuoteStatusActive && q.ExpiresAt.After(now)
}

type TransferRequestStatus string

const (
	TransferRequestPending  TransferRequestStatus = "pending"
	TransferRequestPaid     TransferRequestStatus = "paid"
	TransferRequestDeclined TransferRequestStatus = "declined"
	TransferRequestExpired  TransferRequestStatus = "expired"
)

// TransferRequest is a request-to-pay raised by Requester against Payer.
type TransferRequest struct {
	ID        string                `json:"id"`
	Requester string                `json:"requester"`
	Payer     string                `json:"payer"`
	Amount    decimal.Decimal       `json:"amount"`
	Currency  string                `json:"currency"`
	Status    TransferRequestStatus `json:"status"`
	ExpiresAt time.Time             `json:"expires_at"`
	CreatedAt time.Time             `json:"created_at"`
}

type IdempotencyStatus string

const (
	IdempotencyInFlight  IdempotencyStatus = "in_flight"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord binds a caller key to the reference of the entity it produced.
type IdempotencyRecord struct {
	Scope           string            `json:"scope"`
	Key             string            `json:"key"`
	ResultReference string            `json:"result_reference"`
	Status          IdempotencyStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}
