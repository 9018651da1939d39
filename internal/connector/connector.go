// Package connector is the narrow capability boundary to the institutions
// that hold linked accounts. The orchestrators only ever debit, credit and
// read balances; how an institution does that is the connector's concern.
package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
)

// Instruction is one money movement against an account at an institution.
// Reference is stable across retries so institutions can deduplicate.
type Instruction struct {
	AccountID   string
	ExternalRef string
	Amount      decimal.Decimal
	Currency    string
	Reference   string
}

type Connector interface {
	Debit(ctx context.Context, in Instruction) error
	Credit(ctx context.Context, in Instruction) error
	GetBalance(ctx context.Context, accountID, externalRef string) (decimal.Decimal, error)
}

// Registry resolves the connector for an institution.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	fallback   Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

func (r *Registry) Register(institutionID string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[strings.ToLower(strings.TrimSpace(institutionID))] = c
}

// SetFallback sets the connector used for destinations that are not linked
// accounts, such as external beneficiary identifiers.
func (r *Registry) SetFallback(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = c
}

func (r *Registry) Resolve(institutionID string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.connectors[strings.ToLower(strings.TrimSpace(institutionID))]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no connector for institution %q: %w", institutionID, domain.ErrNotFound)
}

func (r *Registry) Fallback() (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback == nil {
		return nil, fmt.Errorf("no fallback connector: %w", domain.ErrNotFound)
	}
	return r.fallback, nil
}

// ForAccount resolves the connector for the account's institution.
func (r *Registry) ForAccount(account *domain.LinkedAccount) (Connector, error) {
	return r.Resolve(account.InstitutionID)
}
