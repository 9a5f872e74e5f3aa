// Package oms owns the authoritative order and position state. All
// mutations flow through one engine: strategy submissions, execution
// events from the gateway, reconciliation, and the risk guard's flatten
// path. A single mutex serializes state transitions so no two paths
// mutate the same order concurrently.
package oms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
	"github.com/yoyowasa/crypto-neutral-bot/internal/gateway"
	"github.com/yoyowasa/crypto-neutral-bot/internal/instrument"
	"github.com/yoyowasa/crypto-neutral-bot/internal/metrics"
)

// ErrHedgeDeferred means the hedge size rounds below the instrument
// minimum; the hedge is reported and skipped, not attempted.
var ErrHedgeDeferred = errors.New("hedge deferred: size below instrument minimum")

// Journal records order and execution history. The engine calls it on
// every state change; failures are logged, never allowed to block trading.
type Journal interface {
	RecordOrder(o domain.Order) error
	RecordExecution(ev domain.ExecutionEvent) error
}

// FaultSink receives data-integrity faults (overfill, reconciliation
// timeout) and venue rejections. The risk guard implements it.
type FaultSink interface {
	OnIntegrityFault(err error)
	OnVenueRejection(symbol string)
}

// Options are the engine's timing and safety knobs.
type Options struct {
	OrderTimeout         time.Duration // cancel SENT/PARTIAL limit orders older than this
	MaxHedgeRetries      int           // resubmit unfilled hedge remainders this many times
	ReconcileTimeout     time.Duration
	ReconcileGrace       time.Duration // wait before presuming a venue-missing order canceled
	PrivateStaleBlock    time.Duration // block new opens when the private stream is this stale
	RejectBurstThreshold int
	RejectWindow         time.Duration
	SymbolCooldown       time.Duration
	ChaseInterval        time.Duration
	ChaseMinRepriceBps   decimal.Decimal
	ChaseMaxAmendsPerMin int
	DrainTimeout         time.Duration
	MaintenanceInterval  time.Duration
}

// Engine is the order management core.
type Engine struct {
	opts    Options
	gw      gateway.Gateway
	reg     *instrument.Registry
	journal Journal
	faults  FaultSink
	stats   *metrics.Set // nil-safe
	log     *slog.Logger

	mu sync.Mutex

	orders    map[string]*domain.Order // client order id -> order
	byVenueID map[string]string        // venue order id -> client order id
	inflight  map[string]struct{}
	seenExec  map[string]map[string]struct{}
	positions map[string]*domain.Position

	// Orders locally non-terminal but missing from the venue's open list.
	// Presumed canceled after the grace deadline passes.
	presumedGone map[string]time.Time

	disableNew      bool
	needsReconcile  bool
	privateActive   bool
	lastPrivateBeat time.Time

	rejects       map[string][]time.Time // symbol -> recent rejection times
	cooldownUntil map[string]time.Time

	amendTimes map[string][]time.Time // per-order amend budget for the chase

	// hedgeRetries marks hedge orders; the value is how many resends the
	// chain has consumed so far.
	hedgeRetries map[string]int

	// journalQ hands snapshots to a single writer goroutine so journal
	// disk I/O never runs under the engine mutex. Enqueue order is the
	// mutation order because callers hold the mutex.
	journalQ chan func()
}

// NewEngine wires the engine. journal and faults may be nil.
func NewEngine(opts Options, gw gateway.Gateway, reg *instrument.Registry, journal Journal, faults FaultSink, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		opts:          opts,
		gw:            gw,
		reg:           reg,
		journal:       journal,
		faults:        faults,
		log:           log,
		orders:        make(map[string]*domain.Order),
		byVenueID:     make(map[string]string),
		inflight:      make(map[string]struct{}),
		seenExec:      make(map[string]map[string]struct{}),
		positions:     make(map[string]*domain.Position),
		presumedGone:  make(map[string]time.Time),
		rejects:       make(map[string][]time.Time),
		cooldownUntil: make(map[string]time.Time),
		amendTimes:    make(map[string][]time.Time),
		hedgeRetries:  make(map[string]int),
	}
	if journal != nil {
		e.journalQ = make(chan func(), 256)
		go func() {
			for write := range e.journalQ {
				write()
			}
		}()
	}
	return e
}

// SetMetrics attaches a metrics set. Call before trading starts.
func (e *Engine) SetMetrics(s *metrics.Set) {
	e.stats = s
}

// SetDisableNewOrders flips the submission gate. Flattening and cancels
// stay available while the gate is closed.
func (e *Engine) SetDisableNewOrders(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disableNew != v {
		e.log.Warn("new-order gate changed", slog.Bool("disabled", v))
	}
	e.disableNew = v
}

// Submit validates, quantizes, registers, and places one order. The
// returned Order is a snapshot; live state keeps evolving as events
// arrive.
func (e *Engine) Submit(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	e.mu.Lock()

	if e.disableNew {
		e.mu.Unlock()
		return domain.Order{}, domain.ErrTradingHalted
	}
	if err := e.gatesLocked(req); err != nil {
		e.mu.Unlock()
		return domain.Order{}, err
	}

	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	if _, held := e.inflight[req.ClientOrderID]; held {
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrDuplicateClientOrderID, req.ClientOrderID)
	}
	if existing, ok := e.orders[req.ClientOrderID]; ok && existing.IsOpen() {
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrDuplicateClientOrderID, req.ClientOrderID)
	}
	// Reserve the id before releasing the lock so a concurrent submit with
	// the same id cannot slip through the quantization window.
	e.inflight[req.ClientOrderID] = struct{}{}
	e.mu.Unlock()

	// Quantization reads the registry and, for market orders, the BBO
	// cache; neither needs the engine lock.
	if req.Type == domain.OrderTypeMarket && req.RefPrice.IsZero() {
		if bbo, err := e.gw.GetBBO(req.Symbol); err == nil {
			req.RefPrice = bbo.Mid()
		}
	}
	quantized, err := e.reg.Quantize(req)
	if err != nil {
		e.mu.Lock()
		delete(e.inflight, req.ClientOrderID)
		e.mu.Unlock()
		return domain.Order{}, err
	}

	// A post-only limit that would cross is pulled inside the opposing
	// quote instead of letting the venue reject it.
	if quantized.PostOnly && quantized.Type == domain.OrderTypeLimit {
		if bbo, bboErr := e.gw.GetBBO(quantized.Symbol); bboErr == nil {
			if spec, specErr := e.reg.Get(quantized.Symbol); specErr == nil {
				quantized.Price = instrument.AdjustPostOnlyPrice(spec, quantized.Side, quantized.Price, bbo)
			}
		}
	}

	e.mu.Lock()
	order := &domain.Order{
		ClientOrderID: quantized.ClientOrderID,
		Symbol:        quantized.Symbol,
		Side:          quantized.Side,
		Type:          quantized.Type,
		Price:         quantized.Price,
		Qty:           quantized.Qty,
		Status:        domain.StatusNew,
		PostOnly:      quantized.PostOnly,
		ReduceOnly:    quantized.ReduceOnly,
		TimeInForce:   quantized.TimeInForce,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	e.orders[order.ClientOrderID] = order
	e.inflight[order.ClientOrderID] = struct{}{}
	e.journalOrderLocked(*order)
	e.mu.Unlock()

	venueID, err := e.gw.PlaceOrder(ctx, quantized)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		if domain.IsRetryable(err) {
			// Retries exhausted with the venue-side outcome unknown. Keep
			// the order and the in-flight marker; reconciliation resolves it.
			e.needsReconcile = true
			e.log.Error("order outcome unknown after retries",
				slog.String("client_order_id", order.ClientOrderID),
				slog.Any("err", err))
			return *order, fmt.Errorf("place %s: %w", order.ClientOrderID, err)
		}
		e.transitionLocked(order, domain.StatusRejected)
		e.releaseLocked(order.ClientOrderID)
		var rej *domain.VenueRejection
		if errors.As(err, &rej) {
			e.recordRejectionLocked(order.Symbol)
		}
		return *order, err
	}

	order.VenueOrderID = venueID
	e.byVenueID[venueID] = order.ClientOrderID
	// Events can outrun the synchronous ack; only advance if nothing did.
	if order.Status == domain.StatusNew {
		e.transitionLocked(order, domain.StatusSent)
	}
	e.stats.OrderSubmitted(order.Symbol, string(order.Side))
	return *order, nil
}

// gatesLocked applies the pre-trade safety gates that do not depend on
// the instrument: reject-burst cooldown and private-stream liveness.
// Reduce-only orders pass both so the book can always be worked down.
func (e *Engine) gatesLocked(req domain.OrderRequest) error {
	if req.ReduceOnly {
		return nil
	}
	if until, ok := e.cooldownUntil[req.Symbol]; ok {
		if time.Now().Before(until) {
			return fmt.Errorf("%w: %s until %s", domain.ErrSymbolCooldown, req.Symbol, until.Format(time.RFC3339))
		}
		delete(e.cooldownUntil, req.Symbol)
	}
	if e.opts.PrivateStaleBlock > 0 && e.privateActive {
		if time.Since(e.lastPrivateBeat) > e.opts.PrivateStaleBlock {
			return fmt.Errorf("%w: last event %s ago", domain.ErrStreamStale,
				time.Since(e.lastPrivateBeat).Round(time.Millisecond))
		}
	}
	return nil
}

// Cancel requests cancellation of a live order. The terminal state lands
// via the execution stream, not here.
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) error {
	e.mu.Lock()
	order, ok := e.orders[clientOrderID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownOrder, clientOrderID)
	}
	if !order.IsOpen() {
		e.mu.Unlock()
		return nil
	}
	symbol := order.Symbol
	e.mu.Unlock()

	return e.gw.CancelOrder(ctx, symbol, clientOrderID)
}

// SubmitHedge sizes and submits a market order moving net delta toward
// zero. delta is the current net exposure in base units; positive delta
// hedges with a sell. A size below the instrument minimum defers the
// hedge with ErrHedgeDeferred instead of submitting dust.
func (e *Engine) SubmitHedge(ctx context.Context, symbol string, delta decimal.Decimal) (domain.Order, error) {
	if delta.IsZero() {
		return domain.Order{}, fmt.Errorf("%w: already neutral", ErrHedgeDeferred)
	}

	side := domain.SideSell
	if delta.IsNegative() {
		side = domain.SideBuy
	}
	req := domain.OrderRequest{
		Symbol: symbol,
		Side:   side,
		Type:   domain.OrderTypeMarket,
		Qty:    delta.Abs(),
	}

	order, err := e.Submit(ctx, req)
	if errors.Is(err, domain.ErrBelowMinimum) {
		e.stats.HedgeDeferred(symbol)
		e.log.Warn("hedge deferred below minimum",
			slog.String("symbol", symbol),
			slog.String("delta", delta.String()))
		return domain.Order{}, fmt.Errorf("%w: delta %s on %s", ErrHedgeDeferred, delta, symbol)
	}
	if err == nil {
		e.mu.Lock()
		e.hedgeRetries[order.ClientOrderID] = 0
		e.mu.Unlock()
	}
	return order, err
}

// Order returns a snapshot of the order, if tracked.
func (e *Engine) Order(clientOrderID string) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientOrderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// OpenOrders snapshots all non-terminal orders, optionally filtered by
// symbol.
func (e *Engine) OpenOrders(symbol string) []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Order
	for _, o := range e.orders {
		if o.IsOpen() && (symbol == "" || o.Symbol == symbol) {
			out = append(out, *o)
		}
	}
	return out
}

// Position returns the net position for symbol; a flat zero value when
// none exists.
func (e *Engine) Position(symbol string) domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.positions[symbol]; ok {
		return *p
	}
	return domain.Position{Symbol: symbol}
}

// Positions snapshots all tracked positions.
func (e *Engine) Positions() []domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// SyncPositions replaces local position state with the venue's view.
// Called once at startup, before trading.
func (e *Engine) SyncPositions(ctx context.Context) error {
	positions, err := e.gw.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions = make(map[string]*domain.Position, len(positions))
	for i := range positions {
		p := positions[i]
		e.positions[p.Symbol] = &p
	}
	return nil
}

func (e *Engine) transitionLocked(o *domain.Order, to domain.OrderStatus) bool {
	if !domain.CanTransition(o.Status, to) {
		return false
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	e.journalOrderLocked(*o)
	return true
}

func (e *Engine) releaseLocked(clientOrderID string) {
	delete(e.inflight, clientOrderID)
	delete(e.seenExec, clientOrderID)
	delete(e.presumedGone, clientOrderID)
}

func (e *Engine) recordRejectionLocked(symbol string) {
	e.stats.OrderRejected(symbol)
	if e.faults != nil {
		e.faults.OnVenueRejection(symbol)
	}
	if e.opts.RejectBurstThreshold <= 0 || e.opts.RejectWindow <= 0 {
		return
	}
	now := time.Now()
	recent := e.rejects[symbol][:0]
	for _, t := range e.rejects[symbol] {
		if now.Sub(t) <= e.opts.RejectWindow {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	e.rejects[symbol] = recent

	if len(recent) >= e.opts.RejectBurstThreshold {
		until := now.Add(e.opts.SymbolCooldown)
		e.cooldownUntil[symbol] = until
		e.rejects[symbol] = nil
		e.log.Warn("rejection burst, symbol cooling down",
			slog.String("symbol", symbol),
			slog.Time("until", until))
	}
}

func (e *Engine) journalOrderLocked(o domain.Order) {
	if e.journal == nil {
		return
	}
	e.enqueueJournal(func() {
		if err := e.journal.RecordOrder(o); err != nil {
			e.log.Error("journal order failed",
				slog.String("client_order_id", o.ClientOrderID),
				slog.Any("err", err))
		}
	})
}

// enqueueJournal is best-effort: when the writer falls this far behind,
// dropping a record beats stalling order processing on disk.
func (e *Engine) enqueueJournal(write func()) {
	select {
	case e.journalQ <- write:
	default:
		e.log.Warn("journal queue full, dropping record")
	}
}
