package backtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
	"github.com/yoyowasa/crypto-neutral-bot/internal/gateway"
	"github.com/yoyowasa/crypto-neutral-bot/internal/storage"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testJournal(t *testing.T) *storage.Journal {
	t.Helper()
	j, err := storage.NewJournal(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func recordBook(t *testing.T, j *storage.Journal, symbol, bid, ask string, ts time.Time) {
	t.Helper()
	err := j.RecordBookUpdate(domain.BboSnapshot{
		Symbol:     symbol,
		Bid:        d(bid),
		BidSize:    d("5"),
		Ask:        d(ask),
		AskSize:    d("5"),
		ObservedAt: ts,
	})
	if err != nil {
		t.Fatalf("RecordBookUpdate: %v", err)
	}
}

func TestReplayFeedsPaperBook(t *testing.T) {
	j := testJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recordBook(t, j, "BTCUSDT", "50000.0", "50001.0", base)
	recordBook(t, j, "BTCUSDT", "50010.0", "50011.0", base.Add(time.Second))
	recordBook(t, j, "BTCUSDT", "50020.0", "50021.0", base.Add(2*time.Second))

	paper := gateway.NewPaperGateway([]domain.InstrumentSpec{{
		Symbol:     "BTCUSDT",
		Category:   domain.CategoryLinearPerp,
		TickSize:   d("0.1"),
		QtyStep:    d("0.001"),
		MinQty:     d("0.001"),
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
	}}, "USDT", d("100000"))
	defer paper.Close()

	var seen []domain.BboSnapshot
	r := NewReplayer(j, paper, nil)
	err := r.Run(context.Background(), "BTCUSDT", base, base.Add(time.Minute),
		func(_ context.Context, bbo domain.BboSnapshot) {
			seen = append(seen, bbo)
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(seen) != 3 {
		t.Fatalf("replayed %d updates, want 3", len(seen))
	}
	if !seen[0].Bid.Equal(d("50000.0")) || !seen[2].Bid.Equal(d("50020.0")) {
		t.Fatalf("updates out of order: first bid %s, last bid %s", seen[0].Bid, seen[2].Bid)
	}

	bbo, err := paper.GetBBO("BTCUSDT")
	if err != nil {
		t.Fatalf("GetBBO: %v", err)
	}
	if !bbo.Ask.Equal(d("50021.0")) {
		t.Fatalf("paper book ask = %s, want 50021.0", bbo.Ask)
	}
}

func TestReplayWindowAndCancel(t *testing.T) {
	j := testJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		recordBook(t, j, "ETHUSDT", "3000.0", "3000.5", base.Add(time.Duration(i)*time.Second))
	}

	paper := gateway.NewPaperGateway([]domain.InstrumentSpec{{
		Symbol:     "ETHUSDT",
		Category:   domain.CategoryLinearPerp,
		TickSize:   d("0.01"),
		QtyStep:    d("0.01"),
		MinQty:     d("0.01"),
		BaseAsset:  "ETH",
		QuoteAsset: "USDT",
	}}, "USDT", d("100000"))
	defer paper.Close()

	var count int
	r := NewReplayer(j, paper, nil)
	err := r.Run(context.Background(), "ETHUSDT",
		base.Add(time.Second), base.Add(3*time.Second),
		func(_ context.Context, _ domain.BboSnapshot) { count++ })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if count != 3 {
		t.Fatalf("replayed %d updates in window, want 3", count)
	}

	ctx, cancel := context.WithCancel(context.Background())
	count = 0
	err = r.Run(ctx, "ETHUSDT", base, base.Add(time.Minute),
		func(_ context.Context, _ domain.BboSnapshot) {
			count++
			if count == 2 {
				cancel()
			}
		})
	if err == nil {
		t.Fatal("canceled replay returned nil error")
	}
	if count != 2 {
		t.Fatalf("replay continued after cancel: %d updates", count)
	}
}
