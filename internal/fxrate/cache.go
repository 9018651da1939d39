package fxrate

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

// CachedProvider serves repeated quotes for a pair from memory for ttl.
// Quotes served from cache share the upstream provider reference.
type CachedProvider struct {
	next  Provider
	cache *cache.Cache
}

func NewCachedProvider(next Provider, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedProvider{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (p *CachedProvider) Quote(ctx context.Context, from, to string) (Rate, error) {
	key := pairKey(from, to)
	if v, ok := p.cache.Get(key); ok {
		return v.(Rate), nil
	}
	rate, err := p.next.Quote(ctx, from, to)
	if err != nil {
		return Rate{}, err
	}
	p.cache.SetDefault(key, rate)
	return rate, nil
}

func (p *CachedProvider) Convert(ctx context.Context, providerRef string, amount, rate decimal.Decimal) (decimal.Decimal, error) {
	return p.next.Convert(ctx, providerRef, amount, rate)
}

// Invalidate drops the cached quote for a pair.
func (p *CachedProvider) Invalidate(from, to string) {
	p.cache.Delete(pairKey(from, to))
}
