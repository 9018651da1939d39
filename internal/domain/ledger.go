package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LedgerEntryType string

const (
	LedgerEntryFee        LedgerEntryType = "fee"
	LedgerEntryRefund     LedgerEntryType = "refund"
	LedgerEntryAdjustment LedgerEntryType = "adjustment"
	LedgerEntryWriteOff   LedgerEntryType = "write_off"
)

func (t LedgerEntryType) Valid() bool {
	switch t {
	case LedgerEntryFee, LedgerEntryRefund, LedgerEntryAdjustment, LedgerEntryWriteOff:
		return true
	}
	return false
}

// LedgerEntry is an append-only row in `ledger_entries`.
type LedgerEntry struct {
	ID            string          `json:"id"`
	EntryType     LedgerEntryType `json:"entry_type"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `json:"reference_id"`
	Payer         string          `json:"payer,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CurrencyBalance holds the running per-currency totals derived from entries.
type CurrencyBalance struct {
	Currency           string          `json:"currency"`
	TotalFeesCollected decimal.Decimal `json:"total_fees_collected"`
	TotalRefunds       decimal.Decimal `json:"total_refunds"`
	TotalAdjustments   decimal.Decimal `json:"total_adjustments"`
	TotalWriteOffs     decimal.Decimal `json:"total_write_offs"`
	NetPosition        decimal.Decimal `json:"net_position"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Apply increments the total matching the entry type and recomputes the net position.
func (b *CurrencyBalance) Apply(entry LedgerEntry) {
	switch entry.EntryType {
	case LedgerEntryFee:
		b.TotalFeesCollected = b.TotalFeesCollected.Add(entry.Amount)
	case LedgerEntryRefund:
		b.TotalRefunds = b.TotalRefunds.Add(entry.Amount)
	case LedgerEntryAdjustment:
		b.TotalAdjustments = b.TotalAdjustments.Add(entry.Amount)
	case LedgerEntryWriteOff:
		b.TotalWriteOffs = b.TotalWriteOffs.Add(entry.Amount)
	}
	b.NetPosition = NetPosition(b.TotalFeesCollected, b.TotalRefunds, b.TotalAdjustments)
	b.UpdatedAt = entry.CreatedAt
}

// NetPosition = fees - refunds + adjustments.
func NetPosition(fees, refunds, adjustments decimal.Decimal) decimal.Decimal {
	return fees.Sub(refunds).Add(adjustments)
}
