package oms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
)

// OnExecutionEvent folds one gateway event into the authoritative order
// state. Events are applied in arrival order under the engine mutex.
// Guards, in order: duplicate exec id, unknown order adoption, backward
// cumulative quantity (stale), overfill (integrity fault), and the
// lifecycle transition table.
func (e *Engine) OnExecutionEvent(ev domain.ExecutionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrivateBeat = time.Now()
	e.journalExecutionLocked(ev)

	order := e.lookupLocked(ev)
	if order == nil {
		order = e.adoptLocked(ev)
		if order == nil {
			return
		}
	}

	if ev.ExecID != "" {
		seen, ok := e.seenExec[order.ClientOrderID]
		if !ok {
			seen = make(map[string]struct{})
			e.seenExec[order.ClientOrderID] = seen
		}
		if _, dup := seen[ev.ExecID]; dup {
			e.log.Debug("dropping duplicate execution",
				slog.String("exec_id", ev.ExecID))
			return
		}
		seen[ev.ExecID] = struct{}{}
	}

	if order.VenueOrderID == "" && ev.VenueOrderID != "" {
		order.VenueOrderID = ev.VenueOrderID
		e.byVenueID[ev.VenueOrderID] = order.ClientOrderID
	}

	newCum := ev.CumQty
	if newCum.IsZero() && ev.DeltaQty.IsPositive() {
		newCum = order.ExecQty.Add(ev.DeltaQty)
	}

	if newCum.LessThan(order.ExecQty) {
		e.log.Warn("dropping stale execution event",
			slog.String("client_order_id", order.ClientOrderID),
			slog.String("event_cum", newCum.String()),
			slog.String("known_cum", order.ExecQty.String()))
		return
	}

	if order.Qty.IsPositive() && newCum.GreaterThan(order.Qty) {
		fault := fmt.Errorf("%w: order %s cum %s > requested %s",
			domain.ErrOverfillDetected, order.ClientOrderID, newCum, order.Qty)
		e.log.Error("integrity fault", slog.Any("err", fault))
		e.stats.IntegrityFault()
		if e.faults != nil {
			e.faults.OnIntegrityFault(fault)
		}
		return
	}

	fillDelta := newCum.Sub(order.ExecQty)
	if fillDelta.IsPositive() {
		if ev.ExecPrice.IsPositive() {
			prior := order.AvgFillPrice.Mul(order.ExecQty)
			order.AvgFillPrice = prior.Add(ev.ExecPrice.Mul(fillDelta)).Div(newCum)
		}
		order.ExecQty = newCum
		e.applyFillLocked(order.Symbol, order.Side, fillDelta, ev.ExecPrice)
	}

	target := ev.Status
	if order.Qty.IsPositive() && order.ExecQty.Equal(order.Qty) {
		target = domain.StatusFilled
	} else if fillDelta.IsPositive() && !target.IsTerminal() {
		target = domain.StatusPartial
	}

	if target != order.Status && !e.transitionLocked(order, target) {
		e.log.Warn("dropping illegal status transition",
			slog.String("client_order_id", order.ClientOrderID),
			slog.String("from", string(order.Status)),
			slog.String("to", string(target)))
		return
	}
	order.UpdatedAt = time.Now()

	if order.Status.IsTerminal() {
		if order.Status == domain.StatusRejected {
			e.recordRejectionLocked(order.Symbol)
		}
		e.releaseLocked(order.ClientOrderID)
	}
}

func (e *Engine) lookupLocked(ev domain.ExecutionEvent) *domain.Order {
	if ev.ClientOrderID != "" {
		if o, ok := e.orders[ev.ClientOrderID]; ok {
			return o
		}
	}
	if ev.VenueOrderID != "" {
		if cid, ok := e.byVenueID[ev.VenueOrderID]; ok {
			return e.orders[cid]
		}
	}
	return nil
}

// adoptLocked reconstructs an order the engine never submitted, e.g. one
// placed by a previous process instance. The event's cumulative quantity
// is the only size information available, so the requested quantity is
// unknown and the overfill check stays disarmed for adopted orders.
func (e *Engine) adoptLocked(ev domain.ExecutionEvent) *domain.Order {
	if ev.ClientOrderID == "" && ev.VenueOrderID == "" {
		e.log.Warn("dropping execution event with no identifiers")
		return nil
	}
	cid := ev.ClientOrderID
	if cid == "" {
		cid = "venue:" + ev.VenueOrderID
	}

	e.log.Warn("adopting order from stream",
		slog.String("client_order_id", cid),
		slog.String("venue_order_id", ev.VenueOrderID))

	order := &domain.Order{
		ClientOrderID: cid,
		VenueOrderID:  ev.VenueOrderID,
		Symbol:        ev.Symbol,
		Status:        domain.StatusSent,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	e.orders[cid] = order
	if ev.VenueOrderID != "" {
		e.byVenueID[ev.VenueOrderID] = cid
	}
	if !ev.Status.IsTerminal() {
		e.inflight[cid] = struct{}{}
	}
	e.stats.ReconcileAdopted()
	e.needsReconcile = true
	return order
}

// applyFillLocked mutates the position for one attributable fill.
func (e *Engine) applyFillLocked(symbol string, side domain.Side, qty, price decimal.Decimal) {
	pos, ok := e.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol}
		e.positions[symbol] = pos
	}
	pos.ApplyFill(side, qty, price)
	e.stats.Fill(symbol)
}

// OnStreamUp marks the private stream live. The first connect and every
// reconnect invalidate event continuity, so reconciliation is flagged.
func (e *Engine) OnStreamUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.privateActive = true
	e.lastPrivateBeat = time.Now()
	e.needsReconcile = true
}

// OnStreamDown marks the start of an event gap. New opening orders are
// blocked by the staleness gate until the stream returns and the book is
// reconciled.
func (e *Engine) OnStreamDown(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.needsReconcile = true
	e.stats.StreamGap()
	e.log.Warn("private stream down", slog.Any("err", err))
}

// NeedsReconcile reports whether a reconciliation barrier is pending.
func (e *Engine) NeedsReconcile() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsReconcile
}

// Reconcile diffs the venue's authoritative open-orders list against
// local state. Venue-only orders are adopted; local non-terminal orders
// missing from the venue enter a grace set and resolve to CANCELED when
// the grace deadline passes without a terminating event. A timeout is an
// integrity fault escalated to the risk guard.
func (e *Engine) Reconcile(ctx context.Context, symbols []string) error {
	if e.opts.ReconcileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ReconcileTimeout)
		defer cancel()
	}

	venueOrders := make(map[string]domain.Order)
	for _, symbol := range symbols {
		orders, err := e.gw.GetOpenOrders(ctx, symbol)
		if err != nil {
			fault := fmt.Errorf("%w: %s: %v", domain.ErrReconciliationTimeout, symbol, err)
			e.log.Error("reconciliation failed", slog.Any("err", fault))
			e.mu.Lock()
			e.needsReconcile = true
			e.mu.Unlock()
			e.stats.IntegrityFault()
			if e.faults != nil {
				e.faults.OnIntegrityFault(fault)
			}
			return fault
		}
		for _, o := range orders {
			venueOrders[o.ClientOrderID] = o
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	inSymbols := func(s string) bool {
		for _, sym := range symbols {
			if sym == s || sym == "" {
				return true
			}
		}
		return false
	}

	for cid, vo := range venueOrders {
		local, known := e.orders[cid]
		if !known {
			adopted := vo
			e.orders[cid] = &adopted
			if vo.VenueOrderID != "" {
				e.byVenueID[vo.VenueOrderID] = cid
			}
			if adopted.IsOpen() {
				e.inflight[cid] = struct{}{}
			}
			e.journalOrderLocked(adopted)
			e.stats.ReconcileAdopted()
			e.log.Warn("reconcile adopted venue order",
				slog.String("client_order_id", cid),
				slog.String("symbol", vo.Symbol))
			continue
		}

		// The venue's fill progress is authoritative when ahead of ours.
		if vo.ExecQty.GreaterThan(local.ExecQty) {
			fillDelta := vo.ExecQty.Sub(local.ExecQty)
			local.ExecQty = vo.ExecQty
			local.AvgFillPrice = vo.AvgFillPrice
			e.applyFillLocked(local.Symbol, local.Side, fillDelta, vo.AvgFillPrice)
		}
		if vo.Status != local.Status {
			e.transitionLocked(local, vo.Status)
		}
		delete(e.presumedGone, cid)
	}

	now := time.Now()
	for cid, local := range e.orders {
		// NEW orders are included: a placement that exhausted retries with
		// an unknown outcome stays NEW, and only the venue diff can say it
		// never landed.
		if !local.IsOpen() {
			continue
		}
		if !inSymbols(local.Symbol) {
			continue
		}
		if _, onVenue := venueOrders[cid]; onVenue {
			continue
		}
		if _, pending := e.presumedGone[cid]; !pending {
			e.presumedGone[cid] = now.Add(e.opts.ReconcileGrace)
			e.log.Warn("order missing from venue, presuming canceled after grace",
				slog.String("client_order_id", cid),
				slog.Duration("grace", e.opts.ReconcileGrace))
		}
	}

	e.needsReconcile = false
	return nil
}

func (e *Engine) journalExecutionLocked(ev domain.ExecutionEvent) {
	if e.journal == nil {
		return
	}
	e.enqueueJournal(func() {
		if err := e.journal.RecordExecution(ev); err != nil {
			e.log.Error("journal execution failed",
				slog.String("client_order_id", ev.ClientOrderID),
				slog.Any("err", err))
		}
	})
}
