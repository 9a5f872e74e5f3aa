package storage

import (
	"context"
	"path/filepath"
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

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOrderHistoryRoundTrip(t *testing.T) {
	j := openTestJournal(t)

	o := domain.Order{
		ClientOrderID: "c1",
		VenueOrderID:  "v1",
		Symbol:        "BTCUSDT",
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeLimit,
		Price:         d("50000.1"),
		Qty:           d("1.5"),
		Status:        domain.StatusSent,
		UpdatedAt:     time.Now(),
	}
	if err := j.RecordOrder(o); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	o.ExecQty = d("1.5")
	o.AvgFillPrice = d("50000.1")
	o.Status = domain.StatusFilled
	if err := j.RecordOrder(o); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}

	hist, err := j.OrderHistory(context.Background(), "c1")
	if err != nil {
		t.Fatalf("OrderHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Status != domain.StatusSent || hist[1].Status != domain.StatusFilled {
		t.Errorf("statuses = %s, %s", hist[0].Status, hist[1].Status)
	}
	if !hist[1].ExecQty.Equal(d("1.5")) {
		t.Errorf("exec qty = %s", hist[1].ExecQty)
	}
}

func TestRecordExecution(t *testing.T) {
	j := openTestJournal(t)

	err := j.RecordExecution(domain.ExecutionEvent{
		ClientOrderID: "c1",
		ExecID:        "e1",
		Symbol:        "BTCUSDT",
		Status:        domain.StatusPartial,
		DeltaQty:      d("0.5"),
		CumQty:        d("0.5"),
		ExecPrice:     d("50000"),
		Ts:            time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
}

func TestBookUpdateReplayOrder(t *testing.T) {
	j := openTestJournal(t)
	base := time.Now().Truncate(time.Millisecond)

	for i := 0; i < 5; i++ {
		err := j.RecordBookUpdate(domain.BboSnapshot{
			Symbol:     "BTCUSDT",
			Bid:        d("50000").Add(decimal.NewFromInt(int64(i))),
			BidSize:    d("1"),
			Ask:        d("50001").Add(decimal.NewFromInt(int64(i))),
			AskSize:    d("1"),
			ObservedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordBookUpdate: %v", err)
		}
	}

	var got []domain.BboSnapshot
	err := j.LoadBookUpdates(context.Background(), "BTCUSDT",
		base.Add(time.Second), base.Add(3*time.Second),
		func(bbo domain.BboSnapshot) bool {
			got = append(got, bbo)
			return true
		})
	if err != nil {
		t.Fatalf("LoadBookUpdates: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("replayed %d updates, want 3 in window", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ObservedAt.Before(got[i-1].ObservedAt) {
			t.Error("replay out of observation order")
		}
	}
	if !got[0].Bid.Equal(d("50001")) {
		t.Errorf("first bid = %s, want 50001", got[0].Bid)
	}
}

func TestLoadBookUpdatesEarlyStop(t *testing.T) {
	j := openTestJournal(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		j.RecordBookUpdate(domain.BboSnapshot{
			Symbol: "BTCUSDT", Bid: d("1"), BidSize: d("1"),
			Ask: d("2"), AskSize: d("1"),
			ObservedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	count := 0
	err := j.LoadBookUpdates(context.Background(), "BTCUSDT",
		base.Add(-time.Hour), base.Add(time.Hour),
		func(domain.BboSnapshot) bool {
			count++
			return count < 2
		})
	if err != nil {
		t.Fatalf("LoadBookUpdates: %v", err)
	}
	if count != 2 {
		t.Errorf("callback ran %d times, want 2", count)
	}
}
