package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
)

// BboCache holds the last observed best bid/offer per symbol. Writers are
// the public stream goroutines; readers are the engine and risk guard.
// Updates older than the cached snapshot are discarded so a late frame
// never rolls the book backwards.
type BboCache struct {
	mu     sync.RWMutex
	bbos   map[string]domain.BboSnapshot
	maxAge time.Duration
}

// NewBboCache creates a cache rejecting reads older than maxAge.
// maxAge <= 0 disables the staleness check.
func NewBboCache(maxAge time.Duration) *BboCache {
	return &BboCache{
		bbos:   make(map[string]domain.BboSnapshot),
		maxAge: maxAge,
	}
}

// Update stores bbo unless a newer snapshot is already cached.
func (c *BboCache) Update(bbo domain.BboSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.bbos[bbo.Symbol]; ok && cur.ObservedAt.After(bbo.ObservedAt) {
		return
	}
	c.bbos[bbo.Symbol] = bbo
}

// Get returns the cached snapshot for symbol. ErrNoLiquidity when the
// symbol was never seen, ErrStreamStale when the snapshot is older than
// the freshness bound.
func (c *BboCache) Get(symbol string) (domain.BboSnapshot, error) {
	c.mu.RLock()
	bbo, ok := c.bbos[symbol]
	c.mu.RUnlock()

	if !ok {
		return domain.BboSnapshot{}, fmt.Errorf("%w: no quote for %s", domain.ErrNoLiquidity, symbol)
	}
	if c.maxAge > 0 && time.Since(bbo.ObservedAt) > c.maxAge {
		return domain.BboSnapshot{}, fmt.Errorf("%w: %s quote is %s old",
			domain.ErrStreamStale, symbol, time.Since(bbo.ObservedAt).Round(time.Millisecond))
	}
	return bbo, nil
}

// Peek returns the snapshot regardless of age.
func (c *BboCache) Peek(symbol string) (domain.BboSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bbo, ok := c.bbos[symbol]
	return bbo, ok
}
