package domain

import (
	"github.com/shopspring/decimal"
)

// Position is the net exposure in one symbol. Qty is signed: positive for
// long, negative for short. It changes only through ApplyFill with amounts
// attributable to a recorded ExecutionEvent.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
}

// IsLong reports a positive net quantity.
func (p Position) IsLong() bool { return p.Qty.Sign() > 0 }

// IsShort reports a negative net quantity.
func (p Position) IsShort() bool { return p.Qty.Sign() < 0 }

// IsFlat reports a zero net quantity.
func (p Position) IsFlat() bool { return p.Qty.Sign() == 0 }

// ApplyFill folds one fill into the position: increasing fills move the
// weighted average entry, reducing fills realize PnL, and a fill through
// zero restarts the entry price at the fill price.
func (p *Position) ApplyFill(side Side, qty, price decimal.Decimal) {
	if qty.Sign() <= 0 {
		return
	}
	signed := qty
	if side == SideSell {
		signed = qty.Neg()
	}

	switch {
	case p.Qty.IsZero():
		p.Qty = signed
		p.AvgEntryPrice = price

	case p.Qty.Sign() == signed.Sign():
		// Increase: weighted average entry.
		total := p.Qty.Abs().Add(qty)
		p.AvgEntryPrice = p.AvgEntryPrice.Mul(p.Qty.Abs()).Add(price.Mul(qty)).Div(total)
		p.Qty = p.Qty.Add(signed)

	default:
		closed := decimal.Min(p.Qty.Abs(), qty)
		pnlPerUnit := price.Sub(p.AvgEntryPrice)
		if p.IsShort() {
			pnlPerUnit = pnlPerUnit.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnlPerUnit.Mul(closed))
		p.Qty = p.Qty.Add(signed)
		if p.Qty.IsZero() {
			p.AvgEntryPrice = decimal.Zero
		} else if p.Qty.Sign() == signed.Sign() {
			// Flipped through zero; the remainder opened at this price.
			p.AvgEntryPrice = price
		}
	}
}

// Balance is one asset's account balance. Refreshed by gateway queries and
// read-only to the OMS.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}
