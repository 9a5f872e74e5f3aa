// Package gateway abstracts venue access behind one interface with two
// implementations: a live REST+WebSocket client and a paper simulator.
// The order engine only ever talks to the interface.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
)

// PrivateStreamHandler receives private-stream callbacks. OnExecutionEvent
// is invoked from a single goroutine per gateway, so implementations see
// events in arrival order. OnStreamDown marks the start of a gap; the
// engine must reconcile on the following OnStreamUp before trusting
// deltas again.
type PrivateStreamHandler interface {
	OnExecutionEvent(ev domain.ExecutionEvent)
	OnStreamUp()
	OnStreamDown(err error)
}

// BookUpdateHandler receives normalized best-bid/offer updates from the
// public stream.
type BookUpdateHandler interface {
	OnBookUpdate(bbo domain.BboSnapshot)
}

// Gateway is the venue access surface consumed by the order engine.
// Synchronous calls return the venue acknowledgement; fills arrive on the
// private stream as ExecutionEvents.
type Gateway interface {
	// FetchInstruments lists tradable instrument specs.
	FetchInstruments(ctx context.Context) ([]domain.InstrumentSpec, error)

	// GetBalances returns current asset balances.
	GetBalances(ctx context.Context) ([]domain.Balance, error)

	// GetPositions returns current derivative positions.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetOpenOrders lists orders the venue still considers live. Used by
	// reconciliation after a private-stream gap.
	GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error)

	// GetBBO returns the freshest known best bid/offer for symbol.
	GetBBO(symbol string) (domain.BboSnapshot, error)

	// GetFundingInfo returns predicted funding for a perp symbol.
	GetFundingInfo(ctx context.Context, symbol string) (domain.FundingInfo, error)

	// PlaceOrder submits the already-quantized request and returns the
	// venue order id. Resubmitting a client order id the venue already
	// knows resolves to the existing order instead of erroring.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (venueOrderID string, err error)

	// CancelOrder requests cancellation by client order id. Terminal
	// orders cancel as a no-op on the venue side.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error

	// AmendOrder reprices a resting limit order in place.
	AmendOrder(ctx context.Context, symbol, clientOrderID string, newPrice decimal.Decimal) error

	// SubscribePublic starts the market data stream for the symbols.
	SubscribePublic(ctx context.Context, symbols []string, handler BookUpdateHandler) error

	// SubscribePrivate starts the execution stream.
	SubscribePrivate(ctx context.Context, handler PrivateStreamHandler) error

	// Close tears down streams and in-flight requests.
	Close() error
}
