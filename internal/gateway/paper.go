package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
)

// PaperGateway simulates a venue against streamed market data. Market
// orders fill immediately at the opposing best quote; limit orders rest
// and fill when a book update trades through their price. Execution
// events go out on a single dispatch goroutine, so the handler sees the
// same per-order ordering a live private stream gives.
type PaperGateway struct {
	mu sync.Mutex

	specs     map[string]domain.InstrumentSpec
	books     *BboCache
	resting   map[string]*domain.Order // client order id -> resting limit
	positions map[string]*domain.Position
	quote     domain.Balance
	funding   map[string]domain.FundingInfo

	bookHandler BookUpdateHandler

	events  chan domain.ExecutionEvent
	done    chan struct{}
	handler PrivateStreamHandler
	once    sync.Once
}

// NewPaperGateway creates a simulator seeded with instrument specs and an
// initial quote-asset balance.
func NewPaperGateway(specs []domain.InstrumentSpec, quoteAsset string, initialQuote decimal.Decimal) *PaperGateway {
	m := make(map[string]domain.InstrumentSpec, len(specs))
	for _, s := range specs {
		m[s.Symbol] = s
	}
	return &PaperGateway{
		specs:     m,
		books:     NewBboCache(0),
		resting:   make(map[string]*domain.Order),
		positions: make(map[string]*domain.Position),
		quote:     domain.Balance{Asset: quoteAsset, Free: initialQuote},
		funding:   make(map[string]domain.FundingInfo),
		events:    make(chan domain.ExecutionEvent, 1024),
		done:      make(chan struct{}),
	}
}

func (g *PaperGateway) FetchInstruments(ctx context.Context) ([]domain.InstrumentSpec, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.InstrumentSpec, 0, len(g.specs))
	for _, s := range g.specs {
		out = append(out, s)
	}
	return out, nil
}

func (g *PaperGateway) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return []domain.Balance{g.quote}, nil
}

func (g *PaperGateway) GetPositions(ctx context.Context) ([]domain.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (g *PaperGateway) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Order, 0, len(g.resting))
	for _, o := range g.resting {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (g *PaperGateway) GetBBO(symbol string) (domain.BboSnapshot, error) {
	return g.books.Get(symbol)
}

func (g *PaperGateway) GetFundingInfo(ctx context.Context, symbol string) (domain.FundingInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fi, ok := g.funding[symbol]
	if !ok {
		return domain.FundingInfo{}, fmt.Errorf("%w: no funding info for %s", domain.ErrUnknownInstrument, symbol)
	}
	return fi, nil
}

// SetFundingInfo seeds predicted funding for a symbol. Used by replay
// drivers and tests.
func (g *PaperGateway) SetFundingInfo(fi domain.FundingInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.funding[fi.Symbol] = fi
}

// PlaceOrder simulates submission. Market orders fill fully at the best
// opposing quote, or fail with ErrNoLiquidity when none is known. Limit
// orders rest; post-only limits that would cross come back as a venue
// rejection.
func (g *PaperGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.specs[req.Symbol]; !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, req.Symbol)
	}
	venueID := uuid.NewString()

	switch req.Type {
	case domain.OrderTypeMarket:
		return venueID, g.fillMarketLocked(req, venueID)
	case domain.OrderTypeLimit:
		bbo, _ := g.books.Peek(req.Symbol)
		if req.PostOnly && wouldCross(req.Side, req.Price, bbo) {
			return "", &domain.VenueRejection{Code: "POST_ONLY_REJECT", Reason: "price crosses the book"}
		}
		order := &domain.Order{
			ClientOrderID: req.ClientOrderID,
			VenueOrderID:  venueID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Price:         req.Price,
			Qty:           req.Qty,
			Status:        domain.StatusSent,
			PostOnly:      req.PostOnly,
			ReduceOnly:    req.ReduceOnly,
			TimeInForce:   req.TimeInForce,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}
		g.resting[req.ClientOrderID] = order
		return venueID, nil
	default:
		return "", fmt.Errorf("unsupported order type %q", req.Type)
	}
}

func (g *PaperGateway) fillMarketLocked(req domain.OrderRequest, venueID string) error {
	bbo, ok := g.books.Peek(req.Symbol)
	if !ok {
		return fmt.Errorf("%w: no book for %s", domain.ErrNoLiquidity, req.Symbol)
	}
	var px decimal.Decimal
	if req.Side == domain.SideBuy {
		if !bbo.HasAsk() {
			return fmt.Errorf("%w: no ask for %s", domain.ErrNoLiquidity, req.Symbol)
		}
		px = bbo.Ask
	} else {
		if !bbo.HasBid() {
			return fmt.Errorf("%w: no bid for %s", domain.ErrNoLiquidity, req.Symbol)
		}
		px = bbo.Bid
	}

	qty := req.Qty
	if req.ReduceOnly {
		qty = decimal.Min(qty, g.closableLocked(req.Symbol, req.Side))
		if !qty.IsPositive() {
			return &domain.VenueRejection{Code: "REDUCE_ONLY_REJECT", Reason: "order would not reduce the position"}
		}
	}

	g.applyFillLocked(req.Symbol, req.Side, qty, px)
	g.emit(domain.ExecutionEvent{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  venueID,
		ExecID:        uuid.NewString(),
		Symbol:        req.Symbol,
		Status:        domain.StatusFilled,
		DeltaQty:      qty,
		CumQty:        qty,
		ExecPrice:     px,
		Ts:            time.Now(),
	})
	return nil
}

// closableLocked is how much of the current position the given side can
// reduce: a sell reduces a long, a buy reduces a short, anything else is
// zero.
func (g *PaperGateway) closableLocked(symbol string, side domain.Side) decimal.Decimal {
	pos, ok := g.positions[symbol]
	if !ok {
		return decimal.Zero
	}
	if (side == domain.SideSell && pos.IsLong()) || (side == domain.SideBuy && pos.IsShort()) {
		return pos.Qty.Abs()
	}
	return decimal.Zero
}

// CancelOrder removes a resting order and emits the terminal CANCELED
// event. Orders the simulator no longer holds cancel as a no-op.
func (g *PaperGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.resting[clientOrderID]
	if !ok {
		return nil
	}
	delete(g.resting, clientOrderID)
	g.emit(domain.ExecutionEvent{
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  o.VenueOrderID,
		ExecID:        uuid.NewString(),
		Symbol:        o.Symbol,
		Status:        domain.StatusCanceled,
		CumQty:        o.ExecQty,
		Ts:            time.Now(),
	})
	return nil
}

// AmendOrder reprices a resting limit in place, keeping its queue entry.
func (g *PaperGateway) AmendOrder(ctx context.Context, symbol, clientOrderID string, newPrice decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.resting[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOrder, clientOrderID)
	}
	o.Price = newPrice
	o.UpdatedAt = time.Now()
	return nil
}

// SubscribePublic registers the handler fed by ApplyBookUpdate. The paper
// gateway has no upstream feed of its own; a replayer or live tap drives
// ApplyBookUpdate.
func (g *PaperGateway) SubscribePublic(ctx context.Context, symbols []string, handler BookUpdateHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bookHandler = handler
	return nil
}

// SubscribePrivate starts the event dispatch goroutine.
func (g *PaperGateway) SubscribePrivate(ctx context.Context, handler PrivateStreamHandler) error {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()

	go func() {
		handler.OnStreamUp()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.done:
				return
			case ev := <-g.events:
				handler.OnExecutionEvent(ev)
			}
		}
	}()
	return nil
}

func (g *PaperGateway) Close() error {
	g.once.Do(func() { close(g.done) })
	return nil
}

// ApplyBookUpdate feeds one normalized book update into the simulator:
// the cache advances, resting limit orders are matched, and the public
// handler (if any) is notified.
func (g *PaperGateway) ApplyBookUpdate(bbo domain.BboSnapshot) {
	g.books.Update(bbo)

	g.mu.Lock()
	g.matchRestingLocked(bbo)
	handler := g.bookHandler
	g.mu.Unlock()

	if handler != nil {
		handler.OnBookUpdate(bbo)
	}
}

// matchRestingLocked fills resting limits the update trades through. A
// buy fills when the ask reaches down to its price, a sell when the bid
// reaches up, for min(remaining, opposing size) at the resting price.
func (g *PaperGateway) matchRestingLocked(bbo domain.BboSnapshot) {
	for cid, o := range g.resting {
		if o.Symbol != bbo.Symbol {
			continue
		}

		var oppSize decimal.Decimal
		switch {
		case o.Side == domain.SideBuy && bbo.HasAsk() && bbo.Ask.LessThanOrEqual(o.Price):
			oppSize = bbo.AskSize
		case o.Side == domain.SideSell && bbo.HasBid() && bbo.Bid.GreaterThanOrEqual(o.Price):
			oppSize = bbo.BidSize
		default:
			continue
		}
		if !oppSize.IsPositive() {
			continue
		}

		fill := decimal.Min(o.Remaining(), oppSize)
		if o.ReduceOnly {
			fill = decimal.Min(fill, g.closableLocked(o.Symbol, o.Side))
			if !fill.IsPositive() {
				continue
			}
		}
		o.ExecQty = o.ExecQty.Add(fill)
		o.UpdatedAt = time.Now()

		status := domain.StatusPartial
		if o.Remaining().IsZero() {
			status = domain.StatusFilled
			delete(g.resting, cid)
		}
		o.Status = status

		g.applyFillLocked(o.Symbol, o.Side, fill, o.Price)
		g.emit(domain.ExecutionEvent{
			ClientOrderID: o.ClientOrderID,
			VenueOrderID:  o.VenueOrderID,
			ExecID:        uuid.NewString(),
			Symbol:        o.Symbol,
			Status:        status,
			DeltaQty:      fill,
			CumQty:        o.ExecQty,
			ExecPrice:     o.Price,
			Ts:            time.Now(),
		})
	}
}

func (g *PaperGateway) applyFillLocked(symbol string, side domain.Side, qty, price decimal.Decimal) {
	pos, ok := g.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol}
		g.positions[symbol] = pos
	}
	pos.ApplyFill(side, qty, price)

	notional := qty.Mul(price)
	if side == domain.SideBuy {
		g.quote.Free = g.quote.Free.Sub(notional)
	} else {
		g.quote.Free = g.quote.Free.Add(notional)
	}
}

func (g *PaperGateway) emit(ev domain.ExecutionEvent) {
	select {
	case g.events <- ev:
	default:
		slog.Error("paper event queue full, dropping event",
			slog.String("client_order_id", ev.ClientOrderID))
	}
}

func wouldCross(side domain.Side, price decimal.Decimal, bbo domain.BboSnapshot) bool {
	switch side {
	case domain.SideBuy:
		return bbo.HasAsk() && price.GreaterThanOrEqual(bbo.Ask)
	case domain.SideSell:
		return bbo.HasBid() && price.LessThanOrEqual(bbo.Bid)
	}
	return false
}
