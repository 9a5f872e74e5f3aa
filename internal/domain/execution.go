package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionEvent is an order/fill update produced by a Gateway, either from
// the private push stream or synchronously by the paper simulator. Either
// ClientOrderID or VenueOrderID may be empty, never both.
type ExecutionEvent struct {
	ClientOrderID string
	VenueOrderID  string
	ExecID        string // venue execution id, used to drop duplicate fills
	Symbol        string
	Status        OrderStatus
	DeltaQty      decimal.Decimal // quantity executed by this event
	CumQty        decimal.Decimal // cumulative executed quantity, zero if unknown
	ExecPrice     decimal.Decimal
	Fee           decimal.Decimal
	Ts            time.Time
}

// HasFill reports whether the event carries executed quantity.
func (e ExecutionEvent) HasFill() bool {
	return e.DeltaQty.Sign() > 0 || e.CumQty.Sign() > 0
}
