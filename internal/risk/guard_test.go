package risk

import (
	"context"
	"errors"
	"sync"
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

type stubController struct {
	mu        sync.Mutex
	disabled  bool
	flattens  int
	positions map[string]domain.Position
}

func (c *stubController) SetDisableNewOrders(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = v
}
func (c *stubController) FlattenAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flattens++
	return nil
}
func (c *stubController) Position(symbol string) domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.positions[symbol]; ok {
		return p
	}
	return domain.Position{Symbol: symbol}
}
func (c *stubController) state() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled, c.flattens
}

type stubFunding struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
}

func (f *stubFunding) GetFundingInfo(ctx context.Context, symbol string) (domain.FundingInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rates[symbol]
	if !ok {
		return domain.FundingInfo{}, errors.New("unknown symbol")
	}
	return domain.FundingInfo{Symbol: symbol, PredictedRate: r}, nil
}

func TestTripLatchesAndFlattens(t *testing.T) {
	ctrl := &stubController{}
	g := NewGuard(Options{}, ctrl, nil, nil)

	g.Trip(context.Background(), "test breach")
	disabled, flattens := ctrl.state()
	if !disabled || flattens != 1 {
		t.Fatalf("disabled=%v flattens=%d, want true/1", disabled, flattens)
	}
	if !g.Tripped() || g.TripReason() != "test breach" {
		t.Errorf("tripped=%v reason=%q", g.Tripped(), g.TripReason())
	}

	// Second trip is a no-op.
	g.Trip(context.Background(), "another")
	if _, flattens := ctrl.state(); flattens != 1 {
		t.Errorf("flattens = %d after repeat trip, want 1", flattens)
	}

	g.Reset()
	if g.Tripped() {
		t.Error("still tripped after Reset")
	}
	if disabled, _ := ctrl.state(); disabled {
		t.Error("gate still closed after Reset")
	}
}

func TestIntegrityFaultTrips(t *testing.T) {
	ctrl := &stubController{}
	g := NewGuard(Options{}, ctrl, nil, nil)

	g.OnIntegrityFault(domain.ErrOverfillDetected)
	if !g.Tripped() {
		t.Fatal("integrity fault did not trip the guard")
	}
}

func TestAPIErrorBurst(t *testing.T) {
	ctrl := &stubController{}
	g := NewGuard(Options{
		APIErrorMaxPerWindow: 3,
		APIErrorWindow:       time.Minute,
	}, ctrl, nil, nil)

	for i := 0; i < 3; i++ {
		g.RecordAPIError()
	}
	if g.Tripped() {
		t.Fatal("tripped at the limit, want only above it")
	}
	g.RecordAPIError()
	if !g.Tripped() {
		t.Fatal("burst above limit did not trip")
	}
}

func TestDailyLossLimit(t *testing.T) {
	ctrl := &stubController{}
	g := NewGuard(Options{DailyLossLimit: d("100")}, ctrl, nil, nil)

	g.RecordRealizedPnL(d("-60"))
	if g.Tripped() {
		t.Fatal("tripped below the limit")
	}
	g.RecordRealizedPnL(d("30")) // partial recovery
	g.RecordRealizedPnL(d("-80"))
	if !g.Tripped() {
		t.Fatal("cumulative loss past the limit did not trip")
	}
}

func TestHedgeLatencyP95(t *testing.T) {
	ctrl := &stubController{}
	g := NewGuard(Options{HedgeDelayP95Limit: 100 * time.Millisecond}, ctrl, nil, nil)

	for i := 0; i < 30; i++ {
		g.RecordHedgeLatency(10 * time.Millisecond)
	}
	if g.Tripped() {
		t.Fatal("fast hedges tripped the guard")
	}

	for i := 0; i < 30; i++ {
		g.RecordHedgeLatency(500 * time.Millisecond)
	}
	if !g.Tripped() {
		t.Fatal("slow hedge p95 did not trip")
	}
}

func TestStreamDisconnectDuration(t *testing.T) {
	ctrl := &stubController{}
	g := NewGuard(Options{WSDisconnectLimit: 10 * time.Millisecond}, ctrl, nil, nil)

	g.StreamDown()
	g.Evaluate(context.Background())
	if g.Tripped() {
		t.Fatal("tripped before the disconnect limit")
	}

	time.Sleep(30 * time.Millisecond)
	g.Evaluate(context.Background())
	if !g.Tripped() {
		t.Fatal("long disconnect did not trip")
	}
}

func TestStreamReconnectClearsTimer(t *testing.T) {
	ctrl := &stubController{}
	g := NewGuard(Options{WSDisconnectLimit: 10 * time.Millisecond}, ctrl, nil, nil)

	g.StreamDown()
	time.Sleep(30 * time.Millisecond)
	g.StreamUp()
	g.Evaluate(context.Background())
	if g.Tripped() {
		t.Fatal("tripped after the stream recovered")
	}
}

func TestFundingFlipHysteresis(t *testing.T) {
	ctrl := &stubController{positions: map[string]domain.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Qty: d("1")},
	}}
	funding := &stubFunding{rates: map[string]decimal.Decimal{"BTCUSDT": d("0.0001")}}
	g := NewGuard(Options{
		FundingFlipMinAbs: d("0.00005"),
		FundingFlipCount:  2,
	}, ctrl, funding, nil)
	g.WatchFunding("BTCUSDT", +1)

	// Healthy rate: nothing happens.
	g.Evaluate(context.Background())
	if g.Tripped() {
		t.Fatal("tripped on healthy funding")
	}

	// Tiny negative rate sits inside the hysteresis band.
	funding.mu.Lock()
	funding.rates["BTCUSDT"] = d("-0.00001")
	funding.mu.Unlock()
	g.Evaluate(context.Background())
	g.Evaluate(context.Background())
	if g.Tripped() {
		t.Fatal("tripped inside hysteresis band")
	}

	// A real flip needs two consecutive observations.
	funding.mu.Lock()
	funding.rates["BTCUSDT"] = d("-0.0002")
	funding.mu.Unlock()
	g.Evaluate(context.Background())
	if g.Tripped() {
		t.Fatal("tripped on first flipped observation")
	}
	g.Evaluate(context.Background())
	if !g.Tripped() {
		t.Fatal("two consecutive flips did not trip")
	}
}

func TestFundingFlipSkipWhenFlat(t *testing.T) {
	ctrl := &stubController{} // flat everywhere
	funding := &stubFunding{rates: map[string]decimal.Decimal{"BTCUSDT": d("-0.001")}}
	g := NewGuard(Options{
		FundingFlipCount:    1,
		FundingSkipWhenFlat: true,
	}, ctrl, funding, nil)
	g.WatchFunding("BTCUSDT", +1)

	g.Evaluate(context.Background())
	if g.Tripped() {
		t.Fatal("flat symbol with flipped funding should only skip entries")
	}
}

func TestFundingFlipCountAloneEnablesCheck(t *testing.T) {
	ctrl := &stubController{positions: map[string]domain.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Qty: d("1")},
	}}
	funding := &stubFunding{rates: map[string]decimal.Decimal{"BTCUSDT": d("-0.0002")}}
	g := NewGuard(Options{FundingFlipCount: 1}, ctrl, funding, nil)
	g.WatchFunding("BTCUSDT", +1)

	// No hysteresis floor configured: the flip count alone drives the check.
	g.Evaluate(context.Background())
	if !g.Tripped() {
		t.Fatal("flip did not trip with only the count configured")
	}
}
