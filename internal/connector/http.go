package connector

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/pkg/institutionclient"
)

// HTTPConnector adapts an institution API client to Connector.
type HTTPConnector struct {
	client *institutionclient.Client
}

func NewHTTPConnector(client *institutionclient.Client) *HTTPConnector {
	return &HTTPConnector{client: client}
}

func (c *HTTPConnector) Debit(ctx context.Context, in Instruction) error {
	_, err := c.client.Debit(ctx, accountRef(in), in.Amount.String(), in.Currency, in.Reference)
	return mapInstitutionError("debit", err)
}

func (c *HTTPConnector) Credit(ctx context.Context, in Instruction) error {
	_, err := c.client.Credit(ctx, accountRef(in), in.Amount.String(), in.Currency, in.Reference)
	return mapInstitutionError("credit", err)
}

func (c *HTTPConnector) GetBalance(ctx context.Context, accountID, externalRef string) (decimal.Decimal, error) {
	ref := externalRef
	if ref == "" {
		ref = accountID
	}
	resp, err := c.client.GetAccountBalance(ctx, ref)
	if err != nil {
		return decimal.Zero, mapInstitutionError("get balance", err)
	}
	balance, err := decimal.NewFromString(resp.Data.AvailableBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", resp.Data.AvailableBalance, err)
	}
	return balance, nil
}

func accountRef(in Instruction) string {
	if in.ExternalRef != "" {
		return in.ExternalRef
	}
	return in.AccountID
}

func mapInstitutionError(op string, err error) error {
	if err == nil {
		return nil
	}
	if institutionclient.IsInsufficientFunds(err) {
		return fmt.Errorf("%s: %w", op, domain.ErrInsufficientBalance)
	}
	return fmt.Errorf("%s: %w", op, err)
}
