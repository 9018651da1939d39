/**
 * @description
 * This package provides a client for institution account APIs (banks and
 * wallets linked by users). It signs requests with the institution API key,
 * throttles outbound calls, and maps error bodies to typed errors.
 *
 * @dependencies
 * - golang.org/x/time/rate: outbound request throttling.
 * - go.uber.org/zap: structured logging of non-2xx responses.
 */
package institutionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is a client for an institution account API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a new institution API client. requestsPerSecond <= 0
// disables throttling.
func NewClient(baseURL, apiKey string, requestsPerSecond float64, logger *zap.Logger) *Client {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(zap.String("component", "institution_client")),
	}
}

// MovementRequest is the payload for a debit or credit.
type MovementRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Amount    string `json:"amount"`
			Currency  string `json:"currency"`
			Reference string `json:"reference"`
		} `json:"attributes"`
	} `json:"data"`
}

// MovementResponse is returned by the debit and credit endpoints.
type MovementResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

// BalanceResponse represents an account balance.
type BalanceResponse struct {
	Data struct {
		AvailableBalance string `json:"availableBalance"`
		LedgerBalance    string `json:"ledgerBalance"`
		Currency         string `json:"currency"`
	} `json:"data"`
}

// ErrorResponse represents an error from the institution API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("institution api error (%d): %s - %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("institution api error (%d)", e.StatusCode)
}

// Code returns the first error code, if any.
func (e *ErrorResponse) Code() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Code
}

// IsInsufficientFunds reports whether err is an institution insufficient-funds rejection.
func IsInsufficientFunds(err error) bool {
	var apiErr *ErrorResponse
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusPaymentRequired || apiErr.Code() == "insufficient_funds"
}

// IsRetryable reports whether the failure is transient (timeouts, 5xx, 429).
func IsRetryable(err error) bool {
	var apiErr *ErrorResponse
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return err != nil
}

// Debit withdraws from the account identified by accountRef.
func (c *Client) Debit(ctx context.Context, accountRef, amount, currency, reference string) (*MovementResponse, error) {
	return c.doMovement(ctx, "debits", accountRef, amount, currency, reference)
}

// Credit deposits into the account identified by accountRef.
func (c *Client) Credit(ctx context.Context, accountRef, amount, currency, reference string) (*MovementResponse, error) {
	return c.doMovement(ctx, "credits", accountRef, amount, currency, reference)
}

func (c *Client) doMovement(ctx context.Context, kind, accountRef, amount, currency, reference string) (*MovementResponse, error) {
	payload := MovementRequest{}
	payload.Data.Type = strings.TrimSuffix(kind, "s")
	payload.Data.Attributes.Amount = amount
	payload.Data.Attributes.Currency = currency
	payload.Data.Attributes.Reference = reference

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", kind, err)
	}

	endpoint := c.BaseURL + "/api/v1/accounts/" + url.PathEscape(accountRef) + "/" + kind
	var out MovementResponse
	if err := c.do(ctx, http.MethodPost, endpoint, body, reference, kind, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAccountBalance fetches the balance for a specific account.
func (c *Client) GetAccountBalance(ctx context.Context, accountRef string) (*BalanceResponse, error) {
	endpoint := c.BaseURL + "/api/v1/accounts/" + url.PathEscape(accountRef) + "/balance"
	var out BalanceResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, "", "get_balance", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, idempotencyKey, op string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-institution-key", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			c.logger.Warn("non-2xx response (unparsable error body)", zap.String("op", op), zap.Int("status", resp.StatusCode))
			return errResp
		}
		c.logger.Warn("non-2xx response", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.String("code", errResp.Code()))
		return errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
