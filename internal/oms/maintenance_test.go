package oms

import (
	"context"
	"testing"
	"time"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
)

func TestSweepTimeoutsCancelsOldOrders(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, Options{OrderTimeout: 10 * time.Millisecond})

	e.Submit(context.Background(), domain.OrderRequest{
		ClientOrderID: "old", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Price: d("49000"), Qty: d("0.5"),
	})

	time.Sleep(30 * time.Millisecond)
	e.sweepTimeouts(context.Background())

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.canceled) != 1 || gw.canceled[0] != "old" {
		t.Errorf("canceled = %v, want [old]", gw.canceled)
	}
}

func TestSweepTimeoutsLeavesPostOnlyToTheChase(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, Options{OrderTimeout: 10 * time.Millisecond})

	e.Submit(context.Background(), domain.OrderRequest{
		ClientOrderID: "maker", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Price: d("49000"), Qty: d("0.5"), PostOnly: true,
	})

	time.Sleep(30 * time.Millisecond)
	e.sweepTimeouts(context.Background())

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.canceled) != 0 {
		t.Errorf("post-only order canceled by timeout sweep: %v", gw.canceled)
	}
}

func TestChaseRepricesDriftedPostOnly(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, Options{
		ChaseInterval:      time.Millisecond,
		ChaseMinRepriceBps: d("1"),
	})

	e.Submit(context.Background(), domain.OrderRequest{
		ClientOrderID: "maker", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Price: d("49000.0"), Qty: d("0.5"), PostOnly: true,
	})

	// Best bid sits at 49999.9; the order is 1000 off and gets re-joined.
	e.chasePostOnly(context.Background())

	gw.mu.Lock()
	newPrice, amended := gw.amended["maker"]
	gw.mu.Unlock()
	if !amended {
		t.Fatal("drifted post-only order was not amended")
	}
	if !newPrice.Equal(d("49999.9")) {
		t.Errorf("amended to %s, want join at 49999.9", newPrice)
	}

	got, _ := e.Order("maker")
	if !got.Price.Equal(d("49999.9")) {
		t.Errorf("local price = %s, want 49999.9", got.Price)
	}
}

func TestChaseRespectsAmendBudget(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, Options{
		ChaseInterval:        time.Millisecond,
		ChaseMaxAmendsPerMin: 1,
	})

	e.Submit(context.Background(), domain.OrderRequest{
		ClientOrderID: "maker", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Price: d("49000.0"), Qty: d("0.5"), PostOnly: true,
	})

	e.chasePostOnly(context.Background())

	// Move the book so a second reprice would be wanted.
	gw.mu.Lock()
	gw.bbo.Bid = d("50100.0")
	gw.bbo.Ask = d("50100.1")
	gw.bbo.ObservedAt = time.Now()
	amendsAfterFirst := len(gw.amended)
	gw.mu.Unlock()
	if amendsAfterFirst != 1 {
		t.Fatalf("first chase amends = %d, want 1", amendsAfterFirst)
	}

	e.chasePostOnly(context.Background())

	gw.mu.Lock()
	finalPrice := gw.amended["maker"]
	gw.mu.Unlock()
	if finalPrice.Equal(d("50100.0")) {
		t.Error("second amend went through despite the per-minute budget")
	}
}

func TestDrainAndFlatten(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, Options{DrainTimeout: time.Second})

	order, _ := e.Submit(context.Background(), marketBuy("seed", "1.0"))
	e.OnExecutionEvent(domain.ExecutionEvent{
		ClientOrderID: "seed", VenueOrderID: order.VenueOrderID, ExecID: "e1",
		Symbol: "BTCUSDT", Status: domain.StatusFilled,
		CumQty: d("1.0"), ExecPrice: d("50000"), Ts: time.Now(),
	})

	// Fill the flatten order as soon as it is placed.
	done := make(chan error, 1)
	go func() { done <- e.DrainAndFlatten(context.Background()) }()

	waitFor(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		for _, r := range gw.placed {
			if r.ReduceOnly {
				return true
			}
		}
		return false
	}, "flatten order placement")

	gw.mu.Lock()
	var flattenCid string
	for _, r := range gw.placed {
		if r.ReduceOnly {
			flattenCid = r.ClientOrderID
		}
	}
	gw.mu.Unlock()

	e.OnExecutionEvent(domain.ExecutionEvent{
		ClientOrderID: flattenCid, ExecID: "e2", Symbol: "BTCUSDT",
		Status: domain.StatusFilled, CumQty: d("1.0"), ExecPrice: d("50000"), Ts: time.Now(),
	})

	if err := <-done; err != nil {
		t.Fatalf("DrainAndFlatten: %v", err)
	}
	if !e.Position("BTCUSDT").IsFlat() {
		t.Error("position not flat after drain")
	}

	// The gate stays closed after draining.
	if _, err := e.Submit(context.Background(), marketBuy("late", "1.0")); err == nil {
		t.Error("submission allowed after drain")
	}
}

func TestHedgeRemainderResent(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, Options{MaxHedgeRetries: 2})

	hedge, err := e.SubmitHedge(context.Background(), "BTCUSDT", d("1.0"))
	if err != nil {
		t.Fatalf("SubmitHedge: %v", err)
	}

	// The hedge dies partially filled; 0.6 is still unhedged.
	e.OnExecutionEvent(domain.ExecutionEvent{
		ClientOrderID: hedge.ClientOrderID,
		ExecID:        "e1",
		Symbol:        "BTCUSDT",
		Status:        domain.StatusCanceled,
		CumQty:        d("0.4"),
		ExecPrice:     d("50000"),
		Ts:            time.Now(),
	})

	e.resendHedgeRemainders(context.Background())

	gw.mu.Lock()
	if len(gw.placed) != 2 {
		gw.mu.Unlock()
		t.Fatalf("placed %d orders, want hedge + resend", len(gw.placed))
	}
	resent := gw.placed[1]
	gw.mu.Unlock()
	if resent.Side != domain.SideSell || resent.Type != domain.OrderTypeMarket {
		t.Errorf("resend side/type = %s/%s", resent.Side, resent.Type)
	}
	if !resent.Qty.Equal(d("0.6")) {
		t.Errorf("resend qty = %s, want the 0.6 remainder", resent.Qty)
	}
	if resent.TimeInForce != domain.TifIOC {
		t.Errorf("resend tif = %s, want IOC", resent.TimeInForce)
	}

	// The resend fills completely; the chain ends.
	e.OnExecutionEvent(domain.ExecutionEvent{
		ClientOrderID: resent.ClientOrderID,
		ExecID:        "e2",
		Symbol:        "BTCUSDT",
		Status:        domain.StatusFilled,
		CumQty:        d("0.6"),
		ExecPrice:     d("50000"),
		Ts:            time.Now(),
	})
	e.resendHedgeRemainders(context.Background())
	if got := gw.placeCount(); got != 2 {
		t.Errorf("placed = %d after filled chain, want 2", got)
	}
}

func TestHedgeRemainderRetryCap(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, Options{MaxHedgeRetries: 1})

	hedge, _ := e.SubmitHedge(context.Background(), "BTCUSDT", d("1.0"))
	e.OnExecutionEvent(domain.ExecutionEvent{
		ClientOrderID: hedge.ClientOrderID,
		ExecID:        "e1",
		Symbol:        "BTCUSDT",
		Status:        domain.StatusCanceled,
		CumQty:        d("0.2"),
		ExecPrice:     d("50000"),
		Ts:            time.Now(),
	})

	e.resendHedgeRemainders(context.Background())
	if got := gw.placeCount(); got != 2 {
		t.Fatalf("placed = %d, want one resend", got)
	}

	// The resend is also killed without filling; the budget is spent.
	gw.mu.Lock()
	cid := gw.placed[1].ClientOrderID
	gw.mu.Unlock()
	e.OnExecutionEvent(domain.ExecutionEvent{
		ClientOrderID: cid,
		ExecID:        "e2",
		Symbol:        "BTCUSDT",
		Status:        domain.StatusCanceled,
		CumQty:        d("0"),
		ExecPrice:     d("0"),
		Ts:            time.Now(),
	})
	e.resendHedgeRemainders(context.Background())
	if got := gw.placeCount(); got != 2 {
		t.Errorf("placed = %d after exhausted budget, want 2", got)
	}
}
