package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
)

func (s *Service) GetTransfer(ctx context.Context, id string) (*domain.TransferIntent, error) {
	return s.repo.GetTransferIntent(ctx, id)
}

func (s *Service) GetCrossBorderTransfer(ctx context.Context, id string) (*domain.CrossBorderTransfer, error) {
	return s.repo.GetCrossBorderTransfer(ctx, id)
}

func (s *Service) GetOffer(ctx context.Context, id string) (*domain.FxOffer, error) {
	return s.repo.GetOffer(ctx, id)
}

func (s *Service) LedgerBalance(ctx context.Context, currency string) (*domain.CurrencyBalance, error) {
	return s.ledger.Balance(ctx, currency)
}

type CreateTransferRequestInput struct {
	Requester     string
	Payer         string
	Amount        decimal.Decimal
	Currency      string
	ExpiresInDays int
}

// CreateTransferRequest records a request-to-pay that expires unless paid.
func (s *Service) CreateTransferRequest(ctx context.Context, in CreateTransferRequestInput) (*domain.TransferRequest, error) {
	if strings.TrimSpace(in.Requester) == "" || strings.TrimSpace(in.Payer) == "" || normalizeCurrency(in.Currency) == "" {
		return nil, fmt.Errorf("requester, payer and currency are required: %w", domain.ErrInvalidRequest)
	}
	if !in.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	days := in.ExpiresInDays
	if days <= 0 {
		days = 7
	}
	now := s.clock.Now()
	req := &domain.TransferRequest{
		ID:        uuid.NewString(),
		Requester: strings.TrimSpace(in.Requester),
		Payer:     strings.TrimSpace(in.Payer),
		Amount:    in.Amount,
		Currency:  normalizeCurrency(in.Currency),
		Status:    domain.TransferRequestPending,
		ExpiresAt: now.Add(time.Duration(days) * 24 * time.Hour),
		CreatedAt: now,
	}
	if err := s.repo.CreateTransferRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create transfer request: %w", err)
	}
	return req, nil
}
