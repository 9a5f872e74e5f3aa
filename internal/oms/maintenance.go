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
	"github.com/yoyowasa/crypto-neutral-bot/internal/instrument"
	"github.com/yoyowasa/crypto-neutral-bot/pkg/num"
)

// FlattenAll nets every nonzero position to zero with reduce-only market
// orders and concurrently cancels all open orders. It bypasses the
// new-order gate and cooldowns: closing risk always goes through. Safe to
// call repeatedly; flat symbols are no-ops.
func (e *Engine) FlattenAll(ctx context.Context) error {
	e.mu.Lock()
	// Reduce-only quantity already in flight counts against the position,
	// so a repeated call does not size a second full close.
	pendingClose := make(map[string]decimal.Decimal)
	var toCancel []domain.Order
	for _, o := range e.orders {
		if !o.IsOpen() {
			continue
		}
		if o.ReduceOnly {
			pendingClose[o.Symbol] = pendingClose[o.Symbol].Add(o.Remaining())
		}
		if o.Status != domain.StatusNew && !o.ReduceOnly {
			toCancel = append(toCancel, *o)
		}
	}
	var toFlatten []domain.Position
	for _, p := range e.positions {
		if p.IsFlat() {
			continue
		}
		remaining := p.Qty.Abs().Sub(pendingClose[p.Symbol])
		if !remaining.IsPositive() {
			continue
		}
		sized := *p
		sized.Qty = remaining
		if p.IsShort() {
			sized.Qty = remaining.Neg()
		}
		toFlatten = append(toFlatten, sized)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(toCancel)+len(toFlatten))

	for _, o := range toCancel {
		wg.Add(1)
		go func(o domain.Order) {
			defer wg.Done()
			if err := e.gw.CancelOrder(ctx, o.Symbol, o.ClientOrderID); err != nil {
				errs <- fmt.Errorf("cancel %s: %w", o.ClientOrderID, err)
			}
		}(o)
	}

	for _, p := range toFlatten {
		wg.Add(1)
		go func(p domain.Position) {
			defer wg.Done()
			if err := e.flattenPosition(ctx, p); err != nil {
				errs <- err
			}
		}(p)
	}

	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// flattenPosition submits one reduce-only market order closing p. It
// registers the order directly, skipping the submission gates.
func (e *Engine) flattenPosition(ctx context.Context, p domain.Position) error {
	side := domain.SideSell
	if p.IsShort() {
		side = domain.SideBuy
	}

	req := domain.OrderRequest{
		Symbol:        p.Symbol,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Qty:           p.Qty.Abs(),
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	}
	// Align to the step grid but skip minimum checks: dust that cannot be
	// closed is better reported by the venue than left unattempted.
	if spec, err := e.reg.Get(p.Symbol); err == nil {
		req.Qty = num.FloorToStep(req.Qty, spec.QtyStep)
		if req.Qty.IsZero() {
			e.log.Warn("position too small to flatten",
				slog.String("symbol", p.Symbol),
				slog.String("qty", p.Qty.String()))
			return nil
		}
	}

	e.mu.Lock()
	order := &domain.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Status:        domain.StatusNew,
		ReduceOnly:    true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	e.orders[order.ClientOrderID] = order
	e.inflight[order.ClientOrderID] = struct{}{}
	e.journalOrderLocked(*order)
	e.mu.Unlock()

	venueID, err := e.gw.PlaceOrder(ctx, req)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.transitionLocked(order, domain.StatusRejected)
		e.releaseLocked(order.ClientOrderID)
		return fmt.Errorf("flatten %s: %w", p.Symbol, err)
	}
	order.VenueOrderID = venueID
	e.byVenueID[venueID] = order.ClientOrderID
	if order.Status == domain.StatusNew {
		e.transitionLocked(order, domain.StatusSent)
	}
	return nil
}

// RunMaintenance drives the periodic sweeps until ctx ends: pending
// reconciliation, order timeouts, presumed-canceled expiry, and the
// post-only chase.
func (e *Engine) RunMaintenance(ctx context.Context, symbols []string) {
	interval := e.opts.MaintenanceInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.NeedsReconcile() {
				if err := e.Reconcile(ctx, symbols); err != nil {
					e.log.Error("reconcile sweep failed", slog.Any("err", err))
				}
			}
			e.sweepTimeouts(ctx)
			e.resendHedgeRemainders(ctx)
			e.expirePresumedGone()
			e.chasePostOnly(ctx)
		}
	}
}

// sweepTimeouts cancels acknowledged orders that outlived the order
// timeout without reaching a terminal state.
func (e *Engine) sweepTimeouts(ctx context.Context) {
	if e.opts.OrderTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-e.opts.OrderTimeout)

	e.mu.Lock()
	var stale []domain.Order
	for _, o := range e.orders {
		if o.IsOpen() && o.Status != domain.StatusNew && o.CreatedAt.Before(cutoff) && !o.PostOnly {
			stale = append(stale, *o)
		}
	}
	e.mu.Unlock()

	for _, o := range stale {
		e.log.Warn("canceling timed-out order",
			slog.String("client_order_id", o.ClientOrderID),
			slog.Duration("age", time.Since(o.CreatedAt).Round(time.Millisecond)))
		if err := e.gw.CancelOrder(ctx, o.Symbol, o.ClientOrderID); err != nil {
			e.log.Error("timeout cancel failed",
				slog.String("client_order_id", o.ClientOrderID),
				slog.Any("err", err))
		}
	}
}

// resendHedgeRemainders re-hedges the unfilled remainder of hedge orders
// that ended without filling. Each remainder goes back out as a market IOC
// order; a chain stops after MaxHedgeRetries resends.
func (e *Engine) resendHedgeRemainders(ctx context.Context) {
	if e.opts.MaxHedgeRetries <= 0 {
		return
	}

	type resend struct {
		prior   string
		symbol  string
		side    domain.Side
		qty     decimal.Decimal
		retries int
	}

	e.mu.Lock()
	var due []resend
	for cid, used := range e.hedgeRetries {
		order, ok := e.orders[cid]
		if !ok || order.IsOpen() {
			if !ok {
				delete(e.hedgeRetries, cid)
			}
			continue
		}
		remaining := order.Remaining()
		if order.Status == domain.StatusFilled || remaining.Sign() <= 0 {
			delete(e.hedgeRetries, cid)
			continue
		}
		if used >= e.opts.MaxHedgeRetries {
			e.log.Warn("hedge remainder abandoned",
				slog.String("client_order_id", cid),
				slog.String("remaining", remaining.String()),
				slog.Int("retries", used))
			delete(e.hedgeRetries, cid)
			continue
		}
		delete(e.hedgeRetries, cid)
		due = append(due, resend{
			prior:   cid,
			symbol:  order.Symbol,
			side:    order.Side,
			qty:     remaining,
			retries: used + 1,
		})
	}
	e.mu.Unlock()

	for _, r := range due {
		order, err := e.Submit(ctx, domain.OrderRequest{
			Symbol:      r.symbol,
			Side:        r.side,
			Type:        domain.OrderTypeMarket,
			TimeInForce: domain.TifIOC,
			Qty:         r.qty,
		})
		if err != nil {
			e.log.Warn("hedge remainder resend failed",
				slog.String("prior_order_id", r.prior),
				slog.Any("err", err))
			// Budget already consumed; the remainder stays eligible for the
			// next sweep under the prior order id.
			e.mu.Lock()
			e.hedgeRetries[r.prior] = r.retries
			e.mu.Unlock()
			continue
		}
		e.mu.Lock()
		e.hedgeRetries[order.ClientOrderID] = r.retries
		e.mu.Unlock()
		e.log.Info("hedge remainder resent",
			slog.String("prior_order_id", r.prior),
			slog.String("client_order_id", order.ClientOrderID),
			slog.String("qty", r.qty.String()))
	}
}

// expirePresumedGone resolves orders whose reconciliation grace deadline
// passed without a terminating event.
func (e *Engine) expirePresumedGone() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for cid, deadline := range e.presumedGone {
		if now.Before(deadline) {
			continue
		}
		order, ok := e.orders[cid]
		if !ok || !order.IsOpen() {
			delete(e.presumedGone, cid)
			continue
		}
		// An order the venue never acknowledged resolves to REJECTED; an
		// acknowledged one to CANCELED.
		status := domain.StatusCanceled
		if order.Status == domain.StatusNew {
			status = domain.StatusRejected
		}
		e.log.Warn("presuming order gone",
			slog.String("client_order_id", cid),
			slog.String("resolution", string(status)))
		e.transitionLocked(order, status)
		e.releaseLocked(cid)
	}
}

// chasePostOnly keeps resting post-only orders near the top of the book.
// An order drifted more than the reprice threshold from its target price
// is amended, within the per-order amend budget.
func (e *Engine) chasePostOnly(ctx context.Context) {
	if e.opts.ChaseInterval <= 0 {
		return
	}

	e.mu.Lock()
	var candidates []domain.Order
	for _, o := range e.orders {
		if o.IsOpen() && o.PostOnly && o.Type == domain.OrderTypeLimit && o.Status != domain.StatusNew {
			candidates = append(candidates, *o)
		}
	}
	e.mu.Unlock()

	for _, o := range candidates {
		spec, err := e.reg.Get(o.Symbol)
		if err != nil {
			continue
		}
		bbo, err := e.gw.GetBBO(o.Symbol)
		if err != nil {
			continue
		}

		target := chaseTarget(spec, o.Side, bbo)
		if target.IsZero() || target.Equal(o.Price) {
			continue
		}
		if !e.repriceWorthwhile(o.Price, target) {
			continue
		}
		if !e.amendBudgetOK(o.ClientOrderID) {
			continue
		}

		e.log.Info("chasing post-only order",
			slog.String("client_order_id", o.ClientOrderID),
			slog.String("from", o.Price.String()),
			slog.String("to", target.String()))
		if err := e.gw.AmendOrder(ctx, o.Symbol, o.ClientOrderID, target); err != nil {
			e.log.Warn("chase amend failed",
				slog.String("client_order_id", o.ClientOrderID),
				slog.Any("err", err))
			continue
		}
		e.mu.Lock()
		if live, ok := e.orders[o.ClientOrderID]; ok && live.IsOpen() {
			live.Price = target
			live.UpdatedAt = time.Now()
		}
		e.mu.Unlock()
	}
}

// chaseTarget is the best passive price for the order right now: joined
// to its own side of the book, pulled inside the opposing quote if that
// would cross.
func chaseTarget(spec domain.InstrumentSpec, side domain.Side, bbo domain.BboSnapshot) decimal.Decimal {
	var join decimal.Decimal
	switch side {
	case domain.SideBuy:
		if !bbo.HasBid() {
			return decimal.Zero
		}
		join = bbo.Bid
	case domain.SideSell:
		if !bbo.HasAsk() {
			return decimal.Zero
		}
		join = bbo.Ask
	}
	return instrument.AdjustPostOnlyPrice(spec, side, join, bbo)
}

func (e *Engine) repriceWorthwhile(current, target decimal.Decimal) bool {
	if e.opts.ChaseMinRepriceBps.IsZero() || current.IsZero() {
		return true
	}
	driftBps := target.Sub(current).Abs().Div(current).Mul(decimal.NewFromInt(10000))
	return driftBps.GreaterThanOrEqual(e.opts.ChaseMinRepriceBps)
}

func (e *Engine) amendBudgetOK(clientOrderID string) bool {
	if e.opts.ChaseMaxAmendsPerMin <= 0 {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	recent := e.amendTimes[clientOrderID][:0]
	for _, t := range e.amendTimes[clientOrderID] {
		if now.Sub(t) <= time.Minute {
			recent = append(recent, t)
		}
	}
	if len(recent) >= e.opts.ChaseMaxAmendsPerMin {
		e.amendTimes[clientOrderID] = recent
		return false
	}
	e.amendTimes[clientOrderID] = append(recent, now)
	return true
}

// DrainAndFlatten is the shutdown path: close the submission gate,
// cancel and flatten everything, then wait until positions are flat and
// orders terminal, up to the drain timeout.
func (e *Engine) DrainAndFlatten(ctx context.Context) error {
	e.SetDisableNewOrders(true)

	if err := e.FlattenAll(ctx); err != nil {
		e.log.Error("flatten during drain failed", slog.Any("err", err))
	}

	timeout := e.opts.DrainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("drain timed out after %s: %d orders open, %d positions nonzero",
				timeout, len(e.OpenOrders("")), e.nonFlatCount())
		case <-tick.C:
			if len(e.OpenOrders("")) == 0 && e.nonFlatCount() == 0 {
				return nil
			}
		}
	}
}

func (e *Engine) nonFlatCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.positions {
		if !p.IsFlat() {
			n++
		}
	}
	return n
}
