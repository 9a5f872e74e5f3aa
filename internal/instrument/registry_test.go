package instrument

import (
	"context"
	"errors"
	"testing"

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

func btcSpec() domain.InstrumentSpec {
	return domain.InstrumentSpec{
		Symbol:      "BTCUSDT",
		Category:    domain.CategoryLinearPerp,
		TickSize:    d("0.10"),
		QtyStep:     d("0.001"),
		MinQty:      d("0.001"),
		MinNotional: d("5"),
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
	}
}

type staticFetcher struct {
	specs []domain.InstrumentSpec
	err   error
}

func (f *staticFetcher) FetchInstruments(ctx context.Context) ([]domain.InstrumentSpec, error) {
	return f.specs, f.err
}

func TestRegistryLoadSkipsInvalidSpecs(t *testing.T) {
	bad := btcSpec()
	bad.Symbol = "BADUSDT"
	bad.MinQty = decimal.Zero
	bad.MinNotional = decimal.Zero

	r := NewRegistry(&staticFetcher{specs: []domain.InstrumentSpec{btcSpec(), bad}})
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := r.Get("BTCUSDT"); err != nil {
		t.Errorf("Get(BTCUSDT): %v", err)
	}
	if _, err := r.Get("BADUSDT"); !errors.Is(err, domain.ErrUnknownInstrument) {
		t.Errorf("Get(BADUSDT) err = %v, want ErrUnknownInstrument", err)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(&staticFetcher{})
	if _, err := r.Get("ETHUSDT"); !errors.Is(err, domain.ErrUnknownInstrument) {
		t.Errorf("err = %v, want ErrUnknownInstrument", err)
	}
}

func TestQuantizeLimitBuyFloorsPrice(t *testing.T) {
	got, err := QuantizeWith(btcSpec(), domain.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   domain.SideBuy,
		Type:   domain.OrderTypeLimit,
		Price:  d("50000.17"),
		Qty:    d("0.10"),
	})
	if err != nil {
		t.Fatalf("QuantizeWith: %v", err)
	}
	if !got.Price.Equal(d("50000.1")) {
		t.Errorf("buy price = %s, want 50000.1", got.Price)
	}
}

func TestQuantizeLimitSellCeilsPrice(t *testing.T) {
	got, err := QuantizeWith(btcSpec(), domain.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   domain.SideSell,
		Type:   domain.OrderTypeLimit,
		Price:  d("50000.11"),
		Qty:    d("0.10"),
	})
	if err != nil {
		t.Fatalf("QuantizeWith: %v", err)
	}
	if !got.Price.Equal(d("50000.2")) {
		t.Errorf("sell price = %s, want 50000.2", got.Price)
	}
}

func TestQuantizeQtyFloorsToStep(t *testing.T) {
	got, err := QuantizeWith(btcSpec(), domain.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   domain.SideBuy,
		Type:   domain.OrderTypeLimit,
		Price:  d("50000.0"),
		Qty:    d("0.0019"),
	})
	if err != nil {
		t.Fatalf("QuantizeWith: %v", err)
	}
	if !got.Qty.Equal(d("0.001")) {
		t.Errorf("qty = %s, want 0.001", got.Qty)
	}
}

func TestQuantizeRejectsBelowMinQty(t *testing.T) {
	_, err := QuantizeWith(btcSpec(), domain.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   domain.SideBuy,
		Type:   domain.OrderTypeLimit,
		Price:  d("50000.0"),
		Qty:    d("0.0009"),
	})
	if !errors.Is(err, domain.ErrBelowMinimum) {
		t.Errorf("err = %v, want ErrBelowMinimum", err)
	}
}

func TestQuantizeRejectsBelowMinNotional(t *testing.T) {
	// 0.001 BTC at 100 USDT = 0.1 USDT notional, under the 5 USDT floor.
	_, err := QuantizeWith(btcSpec(), domain.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   domain.SideBuy,
		Type:   domain.OrderTypeLimit,
		Price:  d("100"),
		Qty:    d("0.001"),
	})
	if !errors.Is(err, domain.ErrBelowMinimum) {
		t.Errorf("err = %v, want ErrBelowMinimum", err)
	}
}

func TestQuantizeMarketUsesRefPriceForNotional(t *testing.T) {
	_, err := QuantizeWith(btcSpec(), domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.SideSell,
		Type:     domain.OrderTypeMarket,
		Qty:      d("0.001"),
		RefPrice: d("100"),
	})
	if !errors.Is(err, domain.ErrBelowMinimum) {
		t.Errorf("err = %v, want ErrBelowMinimum", err)
	}

	ok, err := QuantizeWith(btcSpec(), domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.SideSell,
		Type:     domain.OrderTypeMarket,
		Qty:      d("0.001"),
		RefPrice: d("50000"),
	})
	if err != nil {
		t.Fatalf("QuantizeWith: %v", err)
	}
	if !ok.Qty.Equal(d("0.001")) {
		t.Errorf("qty = %s, want 0.001", ok.Qty)
	}
}

func TestAdjustPostOnlyPrice(t *testing.T) {
	spec := btcSpec()
	bbo := domain.BboSnapshot{
		Symbol:  "BTCUSDT",
		Bid:     d("49999.9"),
		BidSize: d("1"),
		Ask:     d("50000.0"),
		AskSize: d("1"),
	}

	tests := []struct {
		name  string
		side  domain.Side
		price string
		want  string
	}{
		{"buy crossing pulled inside ask", domain.SideBuy, "50010.00", "49999.9"},
		{"buy at ask pulled one tick", domain.SideBuy, "50000.0", "49999.9"},
		{"buy passive unchanged", domain.SideBuy, "49990.0", "49990.0"},
		{"sell crossing pushed above bid", domain.SideSell, "49980.0", "50000.0"},
		{"sell at bid pushed one tick", domain.SideSell, "49999.9", "50000.0"},
		{"sell passive unchanged", domain.SideSell, "50010.0", "50010.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdjustPostOnlyPrice(spec, tt.side, d(tt.price), bbo)
			if !got.Equal(d(tt.want)) {
				t.Errorf("AdjustPostOnlyPrice = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAdjustPostOnlyPriceNoOpposingQuote(t *testing.T) {
	spec := btcSpec()
	empty := domain.BboSnapshot{Symbol: "BTCUSDT"}
	p := d("50000.0")
	if got := AdjustPostOnlyPrice(spec, domain.SideBuy, p, empty); !got.Equal(p) {
		t.Errorf("price changed without an opposing quote: %s", got)
	}
}
