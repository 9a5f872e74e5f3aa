package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce follows the usual venue vocabulary.
type TimeInForce string

const (
	TifGTC TimeInForce = "GTC"
	TifIOC TimeInForce = "IOC"
	TifFOK TimeInForce = "FOK"
)

// OrderStatus is the order lifecycle state.
// NEW -> SENT -> PARTIALLY_FILLED -> {FILLED, CANCELED}; SENT may also jump
// straight to any terminal state. Terminal states never transition out.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusSent     OrderStatus = "SENT"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// rank orders the states for forward-only checks. Terminal states share the
// top rank; the exact filtering happens in CanTransition.
func (s OrderStatus) rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusSent:
		return 1
	case StatusPartial:
		return 2
	default:
		return 3
	}
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if to.rank() < from.rank() {
		return false
	}
	// A venue cannot reject or expire an order it already partially
	// executed; PARTIALLY_FILLED ends only in FILLED or CANCELED.
	if from == StatusPartial && (to == StatusRejected || to == StatusExpired) {
		return false
	}
	return true
}

// OrderRequest is the caller-supplied order intent, consumed once by
// Engine.Submit. Price is ignored for market orders.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   TimeInForce
	PostOnly      bool
	ReduceOnly    bool
	ClientOrderID string // assigned by the OMS when empty

	// RefPrice is a reference mark for market orders, used only for the
	// minimum-notional check. Zero skips the check.
	RefPrice decimal.Decimal
}

// Order is the OMS-owned authoritative order record. The gateway never
// mutates it; it only emits ExecutionEvents that the OMS folds in.
type Order struct {
	ClientOrderID string
	VenueOrderID  string // empty until acknowledged
	Symbol        string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Qty           decimal.Decimal
	ExecQty       decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        OrderStatus
	PostOnly      bool
	ReduceOnly    bool
	TimeInForce   TimeInForce
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the unexecuted quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.ExecQty)
}

// IsOpen reports whether the order can still execute.
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}
