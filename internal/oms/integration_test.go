package oms

import (
	"context"
	"testing"
	"time"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
	"github.com/yoyowasa/crypto-neutral-bot/internal/gateway"
	"github.com/yoyowasa/crypto-neutral-bot/internal/instrument"
)

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Full path against the paper simulator: submit, fill over the private
// stream, position update.
func TestPaperTradingRoundTrip(t *testing.T) {
	paper := gateway.NewPaperGateway([]domain.InstrumentSpec{testSpec()}, "USDT", d("100000"))
	t.Cleanup(func() { paper.Close() })

	reg := instrument.NewRegistry(paper)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("registry: %v", err)
	}
	e := NewEngine(Options{}, paper, reg, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := paper.SubscribePrivate(ctx, e); err != nil {
		t.Fatalf("SubscribePrivate: %v", err)
	}

	paper.ApplyBookUpdate(domain.BboSnapshot{
		Symbol: "BTCUSDT",
		Bid:    d("49999.9"), BidSize: d("1.0"),
		Ask: d("50000.0"), AskSize: d("2.0"),
		ObservedAt: time.Now(),
	})

	order, err := e.Submit(ctx, marketBuy("c1", "1.0"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The paper fill event may beat the synchronous ack.
	if order.Status != domain.StatusSent && order.Status != domain.StatusFilled {
		t.Errorf("ack status = %s", order.Status)
	}

	waitFor(t, func() bool {
		o, _ := e.Order("c1")
		return o.Status == domain.StatusFilled
	}, "market order to fill")

	got, _ := e.Order("c1")
	if !got.AvgFillPrice.Equal(d("50000.0")) {
		t.Errorf("avg fill price = %s, want 50000.0", got.AvgFillPrice)
	}
	pos := e.Position("BTCUSDT")
	if !pos.Qty.Equal(d("1.0")) {
		t.Errorf("position = %s, want +1.0", pos.Qty)
	}
}

// A resting limit partially fills twice; the engine sees monotonic
// cumulative quantity and lands on FILLED.
func TestPaperPartialFillLifecycle(t *testing.T) {
	paper := gateway.NewPaperGateway([]domain.InstrumentSpec{testSpec()}, "USDT", d("100000"))
	t.Cleanup(func() { paper.Close() })

	reg := instrument.NewRegistry(paper)
	reg.Load(context.Background())
	e := NewEngine(Options{}, paper, reg, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	paper.SubscribePrivate(ctx, e)

	paper.ApplyBookUpdate(domain.BboSnapshot{
		Symbol: "BTCUSDT",
		Bid:    d("49999.9"), BidSize: d("1.0"),
		Ask: d("50010.0"), AskSize: d("2.0"),
		ObservedAt: time.Now(),
	})

	if _, err := e.Submit(ctx, domain.OrderRequest{
		ClientOrderID: "c1", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Price: d("50000.0"), Qty: d("1.0"),
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	paper.ApplyBookUpdate(domain.BboSnapshot{
		Symbol: "BTCUSDT", Bid: d("49999.0"), BidSize: d("1"),
		Ask: d("50000.0"), AskSize: d("0.4"), ObservedAt: time.Now(),
	})
	waitFor(t, func() bool {
		o, _ := e.Order("c1")
		return o.Status == domain.StatusPartial
	}, "partial fill")

	paper.ApplyBookUpdate(domain.BboSnapshot{
		Symbol: "BTCUSDT", Bid: d("49999.0"), BidSize: d("1"),
		Ask: d("49999.5"), AskSize: d("5"), ObservedAt: time.Now(),
	})
	waitFor(t, func() bool {
		o, _ := e.Order("c1")
		return o.Status == domain.StatusFilled
	}, "full fill")

	pos := e.Position("BTCUSDT")
	if !pos.Qty.Equal(d("1.0")) {
		t.Errorf("position = %s", pos.Qty)
	}
}
