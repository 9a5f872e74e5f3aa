package domain

import (
	"github.com/shopspring/decimal"
)

// Category is the market category an instrument trades in.
type Category string

const (
	CategorySpot        Category = "SPOT"
	CategoryLinearPerp  Category = "LINEAR_PERP"
	CategoryInversePerp Category = "INVERSE_PERP"
)

// InstrumentSpec holds the per-symbol trading constraints. Immutable once
// fetched; the registry refreshes it on cache miss or explicit invalidation.
type InstrumentSpec struct {
	Symbol      string
	Category    Category
	TickSize    decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	BaseAsset   string
	QuoteAsset  string
}

// Valid reports whether the spec carries usable constraints. A spec with
// neither a minimum quantity nor a minimum notional is treated as unknown
// and blocks submission (fail closed).
func (s InstrumentSpec) Valid() bool {
	if s.Symbol == "" {
		return false
	}
	return s.MinQty.Sign() > 0 || s.MinNotional.Sign() > 0
}
