package domain

import "github.com/shopspring/decimal"

// Routing keys for events published to the event exchange.
const (
	EventLegCompleted       = "transfer.leg.completed"
	EventTransferExecuted   = "transfer.executed"
	EventTransferRolledBack = "transfer.rolled_back"
	EventOfferMatched       = "offer.matched"
	EventOfferExecuted      = "offer.executed"
)

type LegCompletedEvent struct {
	TransferID string            `json:"transfer_id"`
	Leg        Leg               `json:"leg"`
	Status     CrossBorderStatus `json:"status"`
}

type TransferExecutedEvent struct {
	TransferID string `json:"transfer_id"`
	Owner      string `json:"owner"`
	Kind       string `json:"kind"` // local | cross_border
}

type TransferRolledBackEvent struct {
	TransferID string `json:"transfer_id"`
	Owner      string `json:"owner"`
	Reason     string `json:"reason"`
}

type OfferMatchedEvent struct {
	OfferID        string `json:"offer_id"`
	CounterOfferID string `json:"counter_offer_id"`
}

type OfferExecutedEvent struct {
	OfferID        string          `json:"offer_id"`
	CounterOfferID string          `json:"counter_offer_id"`
	FillAmount     decimal.Decimal `json:"fill_amount"`
	CounterFill    decimal.Decimal `json:"counter_fill_amount"`
}
