/**
 * @description
 * This file contains the HTTP handlers for the payment core's API endpoints.
 * Handlers parse incoming requests, call the application service and write
 * the HTTP response. Domain errors are mapped to status codes in one place.
 *
 * @dependencies
 * - encoding/json, errors, net/http: Standard Go libraries.
 * - internal/app, internal/domain: Service logic, models and typed errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/app"
	"github.com/zororai/paneta-fintech-sub002/internal/connector"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/internal/fxrate"
	"go.uber.org/zap"
)

// Service is the application surface the handlers call.
type Service interface {
	CreateTransfer(ctx context.Context, in app.CreateTransferInput) (*domain.TransferIntent, error)
	ConfirmAndExecute(ctx context.Context, intentID string) (*domain.TransferIntent, error)
	GetTransfer(ctx context.Context, id string) (*domain.TransferIntent, error)

	CreateCrossBorderTransfer(ctx context.Context, in app.CreateCrossBorderInput) (*domain.CrossBorderTransfer, error)
	GetCrossBorderTransfer(ctx context.Context, id string) (*domain.CrossBorderTransfer, error)
	CancelCrossBorderTransfer(ctx context.Context, transferID, requester string) (*domain.CrossBorderTransfer, error)

	CreateOffer(ctx context.Context, in app.CreateOfferInput) (*domain.FxOffer, error)
	GetOffer(ctx context.Context, id string) (*domain.FxOffer, error)
	FindMatchingOffers(ctx context.Context, offer *domain.FxOffer) ([]domain.FxOffer, error)
	MatchOffers(ctx context.Context, offerID, counterID string) (*domain.FxOffer, *domain.FxOffer, error)
	ExecuteMatch(ctx context.Context, offerID, counterID string) (*app.MatchResult, error)
	CancelOffer(ctx context.Context, offerID, requester string) (*domain.FxOffer, error)
	AutoMatch(ctx context.Context, offerID string) (*app.MatchResult, error)

	CreateTransferRequest(ctx context.Context, in app.CreateTransferRequestInput) (*domain.TransferRequest, error)
	LedgerBalance(ctx context.Context, currency string) (*domain.CurrencyBalance, error)

	ExpireOffers(ctx context.Context, limit int) (*app.SweepResult, error)
	ExpireQuotes(ctx context.Context, limit int) (*app.SweepResult, error)
	ExpireTransferRequests(ctx context.Context, limit int) (*app.SweepResult, error)
	ReconcileStuckTransfers(ctx context.Context, limit int) (*app.SweepResult, error)
	PurgeIdempotencyRecords(ctx context.Context, limit int) (*app.SweepResult, error)
}

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service Service
	logger  *zap.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service Service, logger *zap.Logger) *Handlers {
	return &Handlers{service: service, logger: logger.With(zap.String("component", "api"))}
}

type createTransferRequest struct {
	SourceAccountID       string          `json:"source_account_id"`
	DestinationIdentifier string          `json:"destination_identifier"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	IdempotencyKey        string          `json:"idempotency_key,omitempty"`
}

type createCrossBorderRequest struct {
	SourceAccountID       string          `json:"source_account_id"`
	DestinationIdentifier string          `json:"destination_identifier"`
	DestinationCountry    string          `json:"destination_country"`
	SourceCurrency        string          `json:"source_currency"`
	DestinationCurrency   string          `json:"destination_currency"`
	Amount                decimal.Decimal `json:"amount"`
	IdempotencyKey        string          `json:"idempotency_key,omitempty"`
}

type createOfferRequest struct {
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID *string         `json:"destination_account_id,omitempty"`
	SellCurrency         string          `json:"sell_currency"`
	BuyCurrency          string          `json:"buy_currency"`
	Rate                 decimal.Decimal `json:"rate"`
	Amount               decimal.Decimal `json:"amount"`
	MinAmount            decimal.Decimal `json:"min_amount"`
	ExpiresInDays        int             `json:"expires_in_days"`
	SettlementMethods    []string        `json:"settlement_methods,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
}

type counterOfferRequest struct {
	CounterOfferID string `json:"counter_offer_id"`
}

type createTransferRequestRequest struct {
	Payer         string          `json:"payer"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ExpiresInDays int             `json:"expires_in_days"`
}

type createOfferResponse struct {
	Offer *domain.FxOffer  `json:"offer"`
	Match *app.MatchResult `json:"match,omitempty"`
}

type matchResponse struct {
	Offer   *domain.FxOffer `json:"offer"`
	Counter *domain.FxOffer `json:"counter_offer"`
}

// CreateTransferHandler creates a pending local transfer intent.
func (h *Handlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createTransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	intent, err := h.service.CreateTransfer(r.Context(), app.CreateTransferInput{
		Owner:                 caller,
		SourceAccount:         req.SourceAccountID,
		DestinationIdentifier: req.DestinationIdentifier,
		Amount:                req.Amount,
		Currency:              req.Currency,
		IdempotencyKey:        idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeServiceError(w, "create_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, intent)
}

func (h *Handlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	intent, err := h.service.GetTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get_transfer", err)
		return
	}
	if intent.Owner != caller {
		h.writeError(w, http.StatusNotFound, "transfer not found")
		return
	}
	h.writeJSON(w, http.StatusOK, intent)
}

// ExecuteTransferHandler confirms and executes a pending intent owned by the caller.
func (h *Handlers) ExecuteTransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	intent, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "execute_transfer", err)
		return
	}
	if intent.Owner != caller {
		h.writeError(w, http.StatusNotFound, "transfer not found")
		return
	}
	intent, err = h.service.ConfirmAndExecute(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "execute_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, intent)
}

// CreateCrossBorderHandler accepts a cross-border transfer; legs run asynchronously.
func (h *Handlers) CreateCrossBorderHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createCrossBorderRequest
	if !h.decode(w, r, &req) {
		return
	}

	transfer, err := h.service.CreateCrossBorderTransfer(r.Context(), app.CreateCrossBorderInput{
		Owner:                 caller,
		SourceAccount:         req.SourceAccountID,
		DestinationIdentifier: req.DestinationIdentifier,
		DestinationCountry:    req.DestinationCountry,
		SourceCurrency:        req.SourceCurrency,
		DestinationCurrency:   req.DestinationCurrency,
		Amount:                req.Amount,
		IdempotencyKey:        idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeServiceError(w, "create_cross_border", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, transfer)
}

func (h *Handlers) GetCrossBorderHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	transfer, err := h.service.GetCrossBorderTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get_cross_border", err)
		return
	}
	if transfer.Owner != caller {
		h.writeError(w, http.StatusNotFound, "transfer not found")
		return
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

func (h *Handlers) CancelCrossBorderHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	transfer, err := h.service.CancelCrossBorderTransfer(r.Context(), chi.URLParam(r, "id"), caller)
	if err != nil {
		h.writeServiceError(w, "cancel_cross_border", err)
		return
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// CreateOfferHandler posts an FX offer. With ?auto_match=true the best
// counter-offer, if any, is matched and executed immediately.
func (h *Handlers) CreateOfferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createOfferRequest
	if !h.decode(w, r, &req) {
		return
	}

	offer, err := h.service.CreateOffer(r.Context(), app.CreateOfferInput{
		Owner:              caller,
		SourceAccount:      req.SourceAccountID,
		DestinationAccount: req.DestinationAccountID,
		SellCurrency:       req.SellCurrency,
		BuyCurrency:        req.BuyCurrency,
		Rate:               req.Rate,
		Amount:             req.Amount,
		MinAmount:          req.MinAmount,
		ExpiresInDays:      req.ExpiresInDays,
		SettlementMethods:  req.SettlementMethods,
		IdempotencyKey:     idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeServiceError(w, "create_offer", err)
		return
	}

	resp := createOfferResponse{Offer: offer}
	if autoMatch, _ := strconv.ParseBool(r.URL.Query().Get("auto_match")); autoMatch {
		match, err := h.service.AutoMatch(r.Context(), offer.ID)
		if err != nil {
			// The offer stands; a failed auto-match leaves it open for later matching.
			h.logger.Warn("auto match failed", zap.String("offer_id", offer.ID), zap.Error(err))
		} else if match != nil {
			resp.Offer = match.Offer
			resp.Match = match
		}
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) GetOfferHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}
	offer, err := h.service.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get_offer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, offer)
}

// FindMatchesHandler lists compatible counter-offers, best rate first.
func (h *Handlers) FindMatchesHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}
	offer, err := h.service.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "find_matches", err)
		return
	}
	matches, err := h.service.FindMatchingOffers(r.Context(), offer)
	if err != nil {
		h.writeServiceError(w, "find_matches", err)
		return
	}
	if matches == nil {
		matches = []domain.FxOffer{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (h *Handlers) MatchOfferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	offerID, counterID, ok := h.ownedPair(w, r, caller, "match_offer")
	if !ok {
		return
	}
	offer, counter, err := h.service.MatchOffers(r.Context(), offerID, counterID)
	if err != nil {
		h.writeServiceError(w, "match_offer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, matchResponse{Offer: offer, Counter: counter})
}

func (h *Handlers) ExecuteMatchHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	offerID, counterID, ok := h.ownedPair(w, r, caller, "execute_match")
	if !ok {
		return
	}
	result, err := h.service.ExecuteMatch(r.Context(), offerID, counterID)
	if err != nil {
		h.writeServiceError(w, "execute_match", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) CancelOfferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	offer, err := h.service.CancelOffer(r.Context(), chi.URLParam(r, "id"), caller)
	if err != nil {
		h.writeServiceError(w, "cancel_offer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, offer)
}

func (h *Handlers) CreateTransferRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createTransferRequestRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.service.CreateTransferRequest(r.Context(), app.CreateTransferRequestInput{
		Requester:     caller,
		Payer:         req.Payer,
		Amount:        req.Amount,
		Currency:      req.Currency,
		ExpiresInDays: req.ExpiresInDays,
	})
	if err != nil {
		h.writeServiceError(w, "create_transfer_request", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) LedgerBalanceHandler(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.LedgerBalance(r.Context(), chi.URLParam(r, "currency"))
	if err != nil {
		h.writeServiceError(w, "ledger_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// RunSweeperHandler triggers one sweeper run outside its cron schedule.
func (h *Handlers) RunSweeperHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	var sweep func(context.Context, int) (*app.SweepResult, error)
	switch chi.URLParam(r, "job") {
	case "expire-offers":
		sweep = h.service.ExpireOffers
	case "expire-quotes":
		sweep = h.service.ExpireQuotes
	case "expire-transfer-requests":
		sweep = h.service.ExpireTransferRequests
	case "reconcile-transfers":
		sweep = h.service.ReconcileStuckTransfers
	case "purge-idempotency":
		sweep = h.service.PurgeIdempotencyRecords
	default:
		h.writeError(w, http.StatusNotFound, "unknown sweeper job")
		return
	}
	result, err := sweep(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "run_sweeper", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ownedPair reads the offer id from the path and the counter id from the
// body, and checks that the caller owns one of the two offers.
func (h *Handlers) ownedPair(w http.ResponseWriter, r *http.Request, caller, endpoint string) (string, string, bool) {
	var req counterOfferRequest
	if !h.decode(w, r, &req) {
		return "", "", false
	}
	if strings.TrimSpace(req.CounterOfferID) == "" {
		h.writeError(w, http.StatusUnprocessableEntity, "counter_offer_id is required")
		return "", "", false
	}
	offerID := chi.URLParam(r, "id")
	offer, err := h.service.GetOffer(r.Context(), offerID)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return "", "", false
	}
	counter, err := h.service.GetOffer(r.Context(), req.CounterOfferID)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return "", "", false
	}
	if offer.Owner != caller && counter.Owner != caller {
		h.writeError(w, http.StatusForbidden, domain.ErrAccountNotOwned.Error())
		return "", "", false
	}
	return offerID, req.CounterOfferID, true
}

func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := GetCallerID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return "", false
	}
	return userID, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func idempotencyKey(r *http.Request, fromBody string) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(fromBody)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrAccountNotOwned):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrIdempotencyKeyReplay),
		errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, domain.ErrOfferNotMatchable),
		errors.Is(err, domain.ErrOfferExpired),
		errors.Is(err, domain.ErrQuoteExpired):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidOffer),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrAccountInactive),
		errors.Is(err, domain.ErrConsentExpired),
		errors.Is(err, fxrate.ErrRateUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, connector.ErrInstitutionUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
		h.writeError(w, status, "Internal server error")
		return
	}
	h.logger.Info("request rejected", zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err))
	h.writeError(w, status, err.Error())
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

var _ Service = (*app.Service)(nil)
