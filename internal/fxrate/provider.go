// Package fxrate sources the exchange rates that the cross-border saga locks
// and converts at. Real rate sourcing sits behind Provider; the static
// provider reads a configured rate table.
package fxrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrRateUnavailable = errors.New("fx rate unavailable")
	ErrInvalidRateSpec = errors.New("invalid fx rate spec")
)

// Rate is a quoted conversion rate: one unit of From buys Rate units of To.
type Rate struct {
	From        string
	To          string
	Rate        decimal.Decimal
	ProviderRef string
}

type Provider interface {
	Quote(ctx context.Context, from, to string) (Rate, error)
	// Convert executes a conversion previously quoted under providerRef and
	// returns the destination amount.
	Convert(ctx context.Context, providerRef string, amount, rate decimal.Decimal) (decimal.Decimal, error)
}

// StaticProvider quotes from a fixed table. Inverse pairs are derived at
// ratePrecision decimal places.
type StaticProvider struct {
	mu      sync.RWMutex
	rates   map[string]decimal.Decimal
	derived map[string]bool
}

const ratePrecision = 10

func NewStaticProvider(rates map[string]decimal.Decimal) *StaticProvider {
	p := &StaticProvider{rates: make(map[string]decimal.Decimal), derived: make(map[string]bool)}
	for pair, rate := range rates {
		from, to, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		p.Set(from, to, rate)
	}
	return p
}

// ParseRates reads "USD:ZAR=18.5,EUR:USD=1.08".
func ParseRates(spec string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		pair, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRateSpec, item)
		}
		from, to, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRateSpec, item)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRateSpec, item)
		}
		out[pairKey(from, to)] = rate
	}
	return out, nil
}

// Set records from→to and, unless already configured, its inverse.
func (p *StaticProvider) Set(from, to string, rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pairKey(from, to)
	p.rates[key] = rate
	delete(p.derived, key)
	inverse := pairKey(to, from)
	if _, ok := p.rates[inverse]; !ok || p.derived[inverse] {
		p.rates[inverse] = decimal.NewFromInt(1).DivRound(rate, ratePrecision)
		p.derived[inverse] = true
	}
}

func (p *StaticProvider) Quote(ctx context.Context, from, to string) (Rate, error) {
	from, to = normalize(from), normalize(to)
	if from == to {
		return Rate{From: from, To: to, Rate: decimal.NewFromInt(1), ProviderRef: "static-" + uuid.NewString()}, nil
	}
	p.mu.RLock()
	rate, ok := p.rates[pairKey(from, to)]
	p.mu.RUnlock()
	if !ok {
		return Rate{}, fmt.Errorf("%s/%s: %w", from, to, ErrRateUnavailable)
	}
	return Rate{From: from, To: to, Rate: rate, ProviderRef: "static-" + uuid.NewString()}, nil
}

func (p *StaticProvider) Convert(ctx context.Context, providerRef string, amount, rate decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("convert %s: non-positive amount or rate", providerRef)
	}
	return amount.Mul(rate), nil
}

func pairKey(from, to string) string {
	return normalize(from) + ":" + normalize(to)
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
