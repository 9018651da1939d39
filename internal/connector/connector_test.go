package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/internal/store"
	"github.com/zororai/paneta-fintech-sub002/pkg/institutionclient"
	"go.uber.org/zap"
)

type stubConnector struct {
	err   error
	calls int
}

func (s *stubConnector) Debit(ctx context.Context, in Instruction) error {
	s.calls++
	return s.err
}

func (s *stubConnector) Credit(ctx context.Context, in Instruction) error {
	s.calls++
	return s.err
}

func (s *stubConnector) GetBalance(ctx context.Context, accountID, externalRef string) (decimal.Decimal, error) {
	s.calls++
	return decimal.Zero, s.err
}

func TestRegistryResolveIsCaseInsensitive(t *testing.T) {
	reg := NewRegistry()
	c := &stubConnector{}
	reg.Register(" Platform ", c)

	got, err := reg.Resolve("PLATFORM")
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = reg.Resolve("unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = reg.Fallback()
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBreakerOpensOnInstitutionFailures(t *testing.T) {
	next := &stubConnector{err: errors.New("connection reset")}
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 3
	b := NewBreakerConnector("bank-a", next, cfg, zap.NewNop())

	for i := 0; i < 3; i++ {
		err := b.Debit(context.Background(), Instruction{AccountID: "acc", Amount: decimal.NewFromInt(1)})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Debit(context.Background(), Instruction{AccountID: "acc", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInstitutionUnavailable)
	assert.Equal(t, 3, next.calls)
}

func TestBreakerIgnoresBusinessRejections(t *testing.T) {
	next := &stubConnector{err: domain.ErrInsufficientBalance}
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	b := NewBreakerConnector("bank-a", next, cfg, zap.NewNop())

	for i := 0; i < 5; i++ {
		err := b.Debit(context.Background(), Instruction{AccountID: "acc", Amount: decimal.NewFromInt(1)})
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestInternalLedgerMovesRepositoryBalances(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedBalance("acc-1", decimal.NewFromInt(100))
	repo.SeedBalance("acc-2", decimal.Zero)
	c := NewInternalLedger(repo)
	ctx := context.Background()

	require.NoError(t, c.Debit(ctx, Instruction{AccountID: "acc-1", Amount: decimal.NewFromInt(40)}))
	require.NoError(t, c.Credit(ctx, Instruction{AccountID: "acc-2", Amount: decimal.NewFromInt(40)}))

	bal, err := c.GetBalance(ctx, "acc-1", "")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(60)))

	err = c.Debit(ctx, Instruction{AccountID: "acc-1", Amount: decimal.NewFromInt(61)})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	err = c.Credit(ctx, Instruction{AccountID: "acc-1", Amount: decimal.Zero})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	in := Instruction{AccountID: "acc-1", Amount: decimal.NewFromInt(10), Reference: "LTX-9:debit"}
	require.NoError(t, c.Debit(ctx, in))
	require.NoError(t, c.Debit(ctx, in))
	bal, err = c.GetBalance(ctx, "acc-1", "")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(50)), bal.String())
}

func TestHTTPConnectorMapsInsufficientFunds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-institution-key"))
		switch r.URL.Path {
		case "/api/v1/accounts/ext-1/debits":
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"errors":[{"code":"insufficient_funds","title":"Payment Required","detail":"balance too low"}]}`))
		case "/api/v1/accounts/ext-1/credits":
			assert.Equal(t, "LTX-1", r.Header.Get("Idempotency-Key"))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"data":{"id":"mv-1","attributes":{"status":"completed"}}}`))
		case "/api/v1/accounts/ext-1/balance":
			_, _ = w.Write([]byte(`{"data":{"availableBalance":"125.50","ledgerBalance":"130","currency":"USD"}}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewHTTPConnector(institutionclient.NewClient(srv.URL, "secret", 0, zap.NewNop()))
	ctx := context.Background()
	in := Instruction{AccountID: "acc-1", ExternalRef: "ext-1", Amount: decimal.NewFromInt(10), Currency: "USD", Reference: "LTX-1"}

	err := c.Debit(ctx, in)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	require.NoError(t, c.Credit(ctx, in))

	bal, err := c.GetBalance(ctx, "acc-1", "ext-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("125.50")))

	err = c.Debit(ctx, Instruction{AccountID: "acc-9", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.True(t, institutionclient.IsRetryable(errors.Unwrap(err)))
}
