package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zororai/paneta-fintech-sub002/internal/app"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"go.uber.org/zap"
)

type serviceStub struct {
	Service

	createTransferIn  app.CreateTransferInput
	createTransferErr error
	offers            map[string]*domain.FxOffer
	autoMatch         *app.MatchResult
	autoMatchCalls    int
	cancelRequester   string
	cancelErr         error
	sweeps            []string
}

func (s *serviceStub) CreateTransfer(ctx context.Context, in app.CreateTransferInput) (*domain.TransferIntent, error) {
	s.createTransferIn = in
	if s.createTransferErr != nil {
		return nil, s.createTransferErr
	}
	return &domain.TransferIntent{ID: "ti-1", Owner: in.Owner, Amount: in.Amount, Currency: in.Currency, Status: domain.LocalStatusPending}, nil
}

func (s *serviceStub) GetTransfer(ctx context.Context, id string) (*domain.TransferIntent, error) {
	if id != "ti-1" {
		return nil, fmt.Errorf("transfer %s: %w", id, domain.ErrNotFound)
	}
	return &domain.TransferIntent{ID: id, Owner: "user-1", Status: domain.LocalStatusPending}, nil
}

func (s *serviceStub) ConfirmAndExecute(ctx context.Context, id string) (*domain.TransferIntent, error) {
	return &domain.TransferIntent{ID: id, Owner: "user-1", Status: domain.LocalStatusExecuted}, nil
}

func (s *serviceStub) CancelCrossBorderTransfer(ctx context.Context, id, requester string) (*domain.CrossBorderTransfer, error) {
	s.cancelRequester = requester
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	return &domain.CrossBorderTransfer{ID: id, Owner: requester, Status: domain.CrossBorderStatusFailed}, nil
}

func (s *serviceStub) CreateOffer(ctx context.Context, in app.CreateOfferInput) (*domain.FxOffer, error) {
	return &domain.FxOffer{ID: "of-1", Owner: in.Owner, Status: domain.OfferStatusOpen, Rate: in.Rate, Amount: in.Amount}, nil
}

func (s *serviceStub) AutoMatch(ctx context.Context, offerID string) (*app.MatchResult, error) {
	s.autoMatchCalls++
	return s.autoMatch, nil
}

func (s *serviceStub) GetOffer(ctx context.Context, id string) (*domain.FxOffer, error) {
	o, ok := s.offers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o, nil
}

func (s *serviceStub) MatchOffers(ctx context.Context, offerID, counterID string) (*domain.FxOffer, *domain.FxOffer, error) {
	return s.offers[offerID], s.offers[counterID], nil
}

func (s *serviceStub) ExpireQuotes(ctx context.Context, limit int) (*app.SweepResult, error) {
	s.sweeps = append(s.sweeps, fmt.Sprintf("quotes:%d", limit))
	return &app.SweepResult{Processed: 2, Updated: 2}, nil
}

func newTestRouter(stub *serviceStub, key string) http.Handler {
	return NewRouter(NewHandlers(stub, zap.NewNop()), key, nil)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := doRequest(t, newTestRouter(&serviceStub{}, "secret"), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestInternalKeyAndCallerRequired(t *testing.T) {
	h := newTestRouter(&serviceStub{}, "secret")

	rec := doRequest(t, h, http.MethodGet, "/v1/transfers/ti-1", "", map[string]string{userIDHeader: "user-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/v1/transfers/ti-1", "", map[string]string{internalKeyHeader: "wrong", userIDHeader: "user-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/v1/transfers/ti-1", "", map[string]string{internalKeyHeader: "secret"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/v1/transfers/ti-1", "", map[string]string{internalKeyHeader: "secret", userIDHeader: "user-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTransfer_PassesCallerAndIdempotencyHeader(t *testing.T) {
	stub := &serviceStub{}
	h := newTestRouter(stub, "")

	body := `{"source_account_id":"acc-1","destination_identifier":"acc-2","amount":"40.50","currency":"USD","idempotency_key":"body-key"}`
	rec := doRequest(t, h, http.MethodPost, "/v1/transfers", body, map[string]string{userIDHeader: "user-1", "Idempotency-Key": "header-key"})
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, "user-1", stub.createTransferIn.Owner)
	assert.Equal(t, "header-key", stub.createTransferIn.IdempotencyKey)
	assert.True(t, stub.createTransferIn.Amount.Equal(decimal.RequireFromString("40.5")))

	var got domain.TransferIntent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ti-1", got.ID)
	assert.Equal(t, domain.LocalStatusPending, got.Status)
}

func TestCreateTransfer_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("check: %w", domain.ErrInsufficientBalance), http.StatusPaymentRequired},
		{domain.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{domain.ErrCurrencyMismatch, http.StatusUnprocessableEntity},
		{domain.ErrIdempotencyKeyReplay, http.StatusConflict},
		{&domain.InvalidStateTransitionError{From: "executed", To: "confirmed"}, http.StatusConflict},
		{domain.ErrAccountNotOwned, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			stub := &serviceStub{createTransferErr: tt.err}
			rec := doRequest(t, newTestRouter(stub, ""), http.MethodPost, "/v1/transfers", `{"amount":"1"}`, map[string]string{userIDHeader: "user-1"})
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "db down")
			}
		})
	}
}

func TestCreateTransfer_BadBody(t *testing.T) {
	rec := doRequest(t, newTestRouter(&serviceStub{}, ""), http.MethodPost, "/v1/transfers", `{"amount":`, map[string]string{userIDHeader: "user-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferOwnershipHidden(t *testing.T) {
	h := newTestRouter(&serviceStub{}, "")

	rec := doRequest(t, h, http.MethodGet, "/v1/transfers/ti-1", "", map[string]string{userIDHeader: "someone-else"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/transfers/ti-1/execute", "", map[string]string{userIDHeader: "someone-else"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/transfers/ti-1/execute", "", map[string]string{userIDHeader: "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"executed"`)
}

func TestCancelCrossBorder(t *testing.T) {
	stub := &serviceStub{}
	h := newTestRouter(stub, "")

	rec := doRequest(t, h, http.MethodPost, "/v1/cross-border-transfers/xb-1/cancel", "", map[string]string{userIDHeader: "user-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", stub.cancelRequester)

	stub.cancelErr = &domain.InvalidStateTransitionError{From: "source_debited", To: "failed"}
	rec = doRequest(t, h, http.MethodPost, "/v1/cross-border-transfers/xb-1/cancel", "", map[string]string{userIDHeader: "user-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateOffer_AutoMatch(t *testing.T) {
	executed := &domain.FxOffer{ID: "of-1", Owner: "alice", Status: domain.OfferStatusExecuted}
	stub := &serviceStub{autoMatch: &app.MatchResult{Offer: executed, Counter: &domain.FxOffer{ID: "of-2"}, Fill: decimal.NewFromInt(10)}}
	h := newTestRouter(stub, "")
	body := `{"source_account_id":"a-usd","sell_currency":"USD","buy_currency":"ZAR","rate":"18.5","amount":"10","expires_in_days":7}`

	rec := doRequest(t, h, http.MethodPost, "/v1/offers", body, map[string]string{userIDHeader: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 0, stub.autoMatchCalls)
	assert.NotContains(t, rec.Body.String(), `"match"`)

	rec = doRequest(t, h, http.MethodPost, "/v1/offers?auto_match=true", body, map[string]string{userIDHeader: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, stub.autoMatchCalls)

	var resp struct {
		Offer domain.FxOffer `json:"offer"`
		Match *struct {
			Fill decimal.Decimal `json:"fill_amount"`
		} `json:"match"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.OfferStatusExecuted, resp.Offer.Status)
	require.NotNil(t, resp.Match)
	assert.True(t, resp.Match.Fill.Equal(decimal.NewFromInt(10)))
}

func TestMatchOffer_RequiresParticipant(t *testing.T) {
	stub := &serviceStub{offers: map[string]*domain.FxOffer{
		"of-1": {ID: "of-1", Owner: "alice"},
		"of-2": {ID: "of-2", Owner: "bob"},
	}}
	h := newTestRouter(stub, "")

	rec := doRequest(t, h, http.MethodPost, "/v1/offers/of-1/match", `{"counter_offer_id":"of-2"}`, map[string]string{userIDHeader: "carol"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/offers/of-1/match", `{}`, map[string]string{userIDHeader: "alice"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/offers/of-1/match", `{"counter_offer_id":"missing"}`, map[string]string{userIDHeader: "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/offers/of-1/match", `{"counter_offer_id":"of-2"}`, map[string]string{userIDHeader: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"counter_offer"`)
}

func TestRunSweeper(t *testing.T) {
	stub := &serviceStub{}
	h := newTestRouter(stub, "secret")

	rec := doRequest(t, h, http.MethodPost, "/internal/sweepers/expire-quotes/run?limit=25", "", map[string]string{internalKeyHeader: "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"quotes:25"}, stub.sweeps)

	rec = doRequest(t, h, http.MethodPost, "/internal/sweepers/unknown/run", "", map[string]string{internalKeyHeader: "secret"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/internal/sweepers/expire-quotes/run", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
