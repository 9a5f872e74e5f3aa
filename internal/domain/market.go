package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BboSnapshot is the top of book for one symbol at one observation time.
type BboSnapshot struct {
	Symbol     string
	Bid        decimal.Decimal
	BidSize    decimal.Decimal
	Ask        decimal.Decimal
	AskSize    decimal.Decimal
	ObservedAt time.Time
}

// HasBid reports whether a best bid is known.
func (b BboSnapshot) HasBid() bool { return b.Bid.Sign() > 0 }

// HasAsk reports whether a best ask is known.
func (b BboSnapshot) HasAsk() bool { return b.Ask.Sign() > 0 }

// Mid returns the midpoint, or zero when either side is missing.
func (b BboSnapshot) Mid() decimal.Decimal {
	if !b.HasBid() || !b.HasAsk() {
		return decimal.Zero
	}
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// FundingInfo is the minimal perpetual funding view the strategy and risk
// guard need. Informational; never mutated by the OMS.
type FundingInfo struct {
	Symbol          string
	PredictedRate   decimal.Decimal
	NextFundingTime time.Time
	Interval        time.Duration
}
