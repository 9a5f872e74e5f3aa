package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestNormalizeBookUpdateLevels(t *testing.T) {
	raw := json.RawMessage(`{"s":"BTCUSDT","b":[["49999.9","1.5"],["49999.8","3.0"]],"a":[["50000.0","2.0"]]}`)
	ts := time.Now()

	bbo, ok := NormalizeBookUpdate(raw, ts)
	if !ok {
		t.Fatal("levels shape not recognized")
	}
	if bbo.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q", bbo.Symbol)
	}
	if !bbo.Bid.Equal(d("49999.9")) || !bbo.BidSize.Equal(d("1.5")) {
		t.Errorf("bid = %s x %s", bbo.Bid, bbo.BidSize)
	}
	if !bbo.Ask.Equal(d("50000.0")) || !bbo.AskSize.Equal(d("2.0")) {
		t.Errorf("ask = %s x %s", bbo.Ask, bbo.AskSize)
	}
	if !bbo.ObservedAt.Equal(ts) {
		t.Errorf("observedAt = %v", bbo.ObservedAt)
	}
}

func TestNormalizeBookUpdateTicker(t *testing.T) {
	raw := json.RawMessage(`{"symbol":"ETHUSDT","bid1Price":"3000.10","bid1Size":"5","ask1Price":"3000.20","ask1Size":"4"}`)

	bbo, ok := NormalizeBookUpdate(raw, time.Now())
	if !ok {
		t.Fatal("ticker shape not recognized")
	}
	if bbo.Symbol != "ETHUSDT" {
		t.Errorf("symbol = %q", bbo.Symbol)
	}
	if !bbo.Bid.Equal(d("3000.10")) || !bbo.Ask.Equal(d("3000.20")) {
		t.Errorf("bbo = %s / %s", bbo.Bid, bbo.Ask)
	}
}

func TestNormalizeBookUpdateOneSided(t *testing.T) {
	raw := json.RawMessage(`{"s":"BTCUSDT","a":[["50000.0","2.0"]]}`)

	bbo, ok := NormalizeBookUpdate(raw, time.Now())
	if !ok {
		t.Fatal("one-sided book not recognized")
	}
	if bbo.HasBid() {
		t.Error("unexpected bid")
	}
	if !bbo.HasAsk() {
		t.Error("missing ask")
	}
}

func TestNormalizeBookUpdateUnknownShape(t *testing.T) {
	cases := []string{
		`{"topic":"trade","data":[1,2,3]}`,
		`"just a string"`,
		`{"s":"BTCUSDT","b":[["not-a-number","1"]]}`,
		`{}`,
	}
	for _, raw := range cases {
		if _, ok := NormalizeBookUpdate(json.RawMessage(raw), time.Now()); ok {
			t.Errorf("shape %s should be dropped", raw)
		}
	}
}

func TestBboCacheLastWriteWins(t *testing.T) {
	c := NewBboCache(0)
	now := time.Now()

	c.Update(bboAt("BTCUSDT", "50000", now))
	c.Update(bboAt("BTCUSDT", "49000", now.Add(-time.Second))) // late frame

	bbo, err := c.Get("BTCUSDT")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bbo.Bid.Equal(d("50000")) {
		t.Errorf("late frame overwrote newer quote: bid = %s", bbo.Bid)
	}
}

func TestBboCacheStaleness(t *testing.T) {
	c := NewBboCache(50 * time.Millisecond)
	c.Update(bboAt("BTCUSDT", "50000", time.Now().Add(-time.Second)))

	if _, err := c.Get("BTCUSDT"); err == nil {
		t.Error("expected staleness error")
	}
	if _, ok := c.Peek("BTCUSDT"); !ok {
		t.Error("Peek should ignore staleness")
	}
}

func bboAt(symbol, bid string, ts time.Time) domain.BboSnapshot {
	return domain.BboSnapshot{
		Symbol:     symbol,
		Bid:        d(bid),
		BidSize:    d("1"),
		ObservedAt: ts,
	}
}
