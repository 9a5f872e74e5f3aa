// Package instrument caches venue instrument specifications and applies
// them to outgoing orders: tick and step alignment, minimum checks, and
// post-only price placement.
package instrument

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
	"github.com/yoyowasa/crypto-neutral-bot/pkg/num"
)

// Fetcher loads instrument specs from a venue. Implemented by the live
// gateway; the paper gateway serves specs from config.
type Fetcher interface {
	FetchInstruments(ctx context.Context) ([]domain.InstrumentSpec, error)
}

// Registry is a concurrency-safe cache of instrument specs keyed by
// normalized symbol. Specs that fail validation are dropped at load time
// so nothing downstream trades on unconstrained instruments.
type Registry struct {
	fetcher Fetcher

	mu    sync.RWMutex
	specs map[string]domain.InstrumentSpec
}

func NewRegistry(fetcher Fetcher) *Registry {
	return &Registry{
		fetcher: fetcher,
		specs:   make(map[string]domain.InstrumentSpec),
	}
}

// Load fetches and caches all instrument specs, replacing the cache.
// Invalid specs are skipped, not stored.
func (r *Registry) Load(ctx context.Context) error {
	specs, err := r.fetcher.FetchInstruments(ctx)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}

	fresh := make(map[string]domain.InstrumentSpec, len(specs))
	for _, s := range specs {
		if !s.Valid() {
			continue
		}
		fresh[s.Symbol] = s
	}

	r.mu.Lock()
	r.specs = fresh
	r.mu.Unlock()
	return nil
}

// Get returns the spec for symbol, or ErrUnknownInstrument.
func (r *Registry) Get(symbol string) (domain.InstrumentSpec, error) {
	r.mu.RLock()
	spec, ok := r.specs[symbol]
	r.mu.RUnlock()
	if !ok {
		return domain.InstrumentSpec{}, fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, symbol)
	}
	return spec, nil
}

// Put inserts or replaces a single spec. Used by paper setups and tests.
func (r *Registry) Put(spec domain.InstrumentSpec) error {
	if !spec.Valid() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInstrument, spec.Symbol)
	}
	r.mu.Lock()
	r.specs[spec.Symbol] = spec
	r.mu.Unlock()
	return nil
}

// Symbols lists all cached symbols.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Quantize aligns an order request to the instrument's constraints and
// returns the adjusted copy. Price rounding is conservative for the
// taker: buys round down, sells round up, so the aligned price is never
// more aggressive than requested. Quantity always rounds down. Requests
// that end up below MinQty or MinNotional fail with ErrBelowMinimum.
func (r *Registry) Quantize(req domain.OrderRequest) (domain.OrderRequest, error) {
	spec, err := r.Get(req.Symbol)
	if err != nil {
		return req, err
	}
	return QuantizeWith(spec, req)
}

// QuantizeWith is Quantize with an explicit spec.
func QuantizeWith(spec domain.InstrumentSpec, req domain.OrderRequest) (domain.OrderRequest, error) {
	out := req

	if req.Type == domain.OrderTypeLimit {
		if req.Price.IsZero() || req.Price.IsNegative() {
			return req, fmt.Errorf("%w: limit order needs a positive price", domain.ErrBelowMinimum)
		}
		if req.Side == domain.SideBuy {
			out.Price = num.FloorToStep(req.Price, spec.TickSize)
		} else {
			out.Price = num.CeilToStep(req.Price, spec.TickSize)
		}
		if out.Price.IsZero() {
			return req, fmt.Errorf("%w: price %s under one tick %s",
				domain.ErrBelowMinimum, req.Price, spec.TickSize)
		}
	}

	out.Qty = num.FloorToStep(req.Qty, spec.QtyStep)
	if out.Qty.LessThan(spec.MinQty) || out.Qty.IsZero() {
		return req, fmt.Errorf("%w: qty %s under minimum %s for %s",
			domain.ErrBelowMinimum, out.Qty, spec.MinQty, spec.Symbol)
	}

	if spec.MinNotional.IsPositive() {
		ref := out.Price
		if req.Type == domain.OrderTypeMarket {
			ref = req.RefPrice
		}
		if ref.IsPositive() {
			notional := out.Qty.Mul(ref)
			if notional.LessThan(spec.MinNotional) {
				return req, fmt.Errorf("%w: notional %s under minimum %s for %s",
					domain.ErrBelowMinimum, notional, spec.MinNotional, spec.Symbol)
			}
		}
	}

	return out, nil
}

// AdjustPostOnlyPrice pulls a post-only limit price to one tick inside
// the opposing best quote when it would cross, so the venue will not
// reject it as a taker. Prices already passive are returned unchanged.
// Without an opposing quote there is nothing to cross; the price stands.
func AdjustPostOnlyPrice(spec domain.InstrumentSpec, side domain.Side, price decimal.Decimal, bbo domain.BboSnapshot) decimal.Decimal {
	switch side {
	case domain.SideBuy:
		if !bbo.HasAsk() || price.LessThan(bbo.Ask) {
			return price
		}
		return num.FloorToStep(bbo.Ask.Sub(spec.TickSize), spec.TickSize)
	case domain.SideSell:
		if !bbo.HasBid() || price.GreaterThan(bbo.Bid) {
			return price
		}
		return num.CeilToStep(bbo.Bid.Add(spec.TickSize), spec.TickSize)
	default:
		return price
	}
}
