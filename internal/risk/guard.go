// Package risk watches live trading conditions and fails safe: when a
// guard condition breaches, it latches the kill switch, disables new
// submissions, and flattens every position through the order engine.
package risk

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
	"github.com/yoyowasa/crypto-neutral-bot/internal/metrics"
)

// Controller is the slice of the order engine the guard drives.
type Controller interface {
	SetDisableNewOrders(v bool)
	FlattenAll(ctx context.Context) error
	Position(symbol string) domain.Position
}

// FundingSource supplies predicted funding for the flip check.
type FundingSource interface {
	GetFundingInfo(ctx context.Context, symbol string) (domain.FundingInfo, error)
}

// Options are the guard thresholds. Zero disables the matching check.
type Options struct {
	DailyLossLimit       decimal.Decimal // realized loss per UTC day
	WSDisconnectLimit    time.Duration   // private stream down this long trips
	HedgeDelayP95Limit   time.Duration
	APIErrorMaxPerWindow int
	APIErrorWindow       time.Duration
	FundingFlipMinAbs    decimal.Decimal // flips smaller than this are noise
	FundingFlipCount     int             // consecutive flipped observations to act
	FundingSkipWhenFlat  bool            // flat symbols log instead of tripping
	EvalInterval         time.Duration
}

// Guard evaluates the conditions and owns the kill latch. Once tripped it
// stays tripped until an operator calls Reset.
type Guard struct {
	opts    Options
	ctrl    Controller
	funding FundingSource
	stats   *metrics.Set // nil-safe
	log     *slog.Logger

	mu sync.Mutex

	tripped    bool
	tripReason string

	pnlDay      time.Time
	realizedPnL decimal.Decimal

	apiErrors []time.Time

	hedgeLatencies []time.Duration

	streamDownSince time.Time // zero while connected

	// expectedSign is +1 or -1 per watched symbol; flipStreak counts
	// consecutive observations against it.
	expectedSign map[string]int
	flipStreak   map[string]int
}

// NewGuard wires the guard. funding may be nil when no flip watch is
// configured.
func NewGuard(opts Options, ctrl Controller, funding FundingSource, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		opts:         opts,
		ctrl:         ctrl,
		funding:      funding,
		log:          log,
		pnlDay:       utcDay(time.Now()),
		expectedSign: make(map[string]int),
		flipStreak:   make(map[string]int),
	}
}

// SetMetrics attaches a metrics set. Call before Run.
func (g *Guard) SetMetrics(s *metrics.Set) {
	g.stats = s
}

// WatchFunding registers a symbol whose predicted funding rate must keep
// the given sign (+1 long-collects, -1 short-collects).
func (g *Guard) WatchFunding(symbol string, sign int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sign >= 0 {
		sign = 1
	} else {
		sign = -1
	}
	g.expectedSign[symbol] = sign
}

// Tripped reports whether the kill latch is set.
func (g *Guard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// TripReason returns the first breach that latched the guard.
func (g *Guard) TripReason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripReason
}

// Reset clears the latch and re-enables submissions. Operator action.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.tripped = false
	g.tripReason = ""
	g.apiErrors = nil
	g.hedgeLatencies = nil
	for s := range g.flipStreak {
		g.flipStreak[s] = 0
	}
	g.mu.Unlock()

	g.ctrl.SetDisableNewOrders(false)
	g.log.Warn("kill latch reset")
}

// Trip latches the guard: no new orders, flatten everything. Repeated
// trips are no-ops.
func (g *Guard) Trip(ctx context.Context, reason string) {
	g.mu.Lock()
	if g.tripped {
		g.mu.Unlock()
		return
	}
	g.tripped = true
	g.tripReason = reason
	g.mu.Unlock()

	g.stats.KillTrip()
	g.log.Error("risk guard tripped", slog.String("reason", reason))
	g.ctrl.SetDisableNewOrders(true)
	if err := g.ctrl.FlattenAll(ctx); err != nil {
		g.log.Error("flatten after trip failed", slog.Any("err", err))
	}
}

// OnIntegrityFault implements the engine's fault sink. Overfills and
// reconciliation timeouts mean the local book can no longer be trusted.
func (g *Guard) OnIntegrityFault(err error) {
	g.Trip(context.Background(), "integrity fault: "+err.Error())
}

// OnVenueRejection counts toward the API error window.
func (g *Guard) OnVenueRejection(symbol string) {
	g.RecordAPIError()
}

// RecordAPIError notes one failed venue interaction. A burst beyond the
// window limit trips the guard.
func (g *Guard) RecordAPIError() {
	if g.opts.APIErrorMaxPerWindow <= 0 || g.opts.APIErrorWindow <= 0 {
		return
	}
	g.mu.Lock()
	now := time.Now()
	recent := g.apiErrors[:0]
	for _, t := range g.apiErrors {
		if now.Sub(t) <= g.opts.APIErrorWindow {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	g.apiErrors = recent
	breach := len(recent) > g.opts.APIErrorMaxPerWindow
	g.mu.Unlock()

	if breach {
		g.Trip(context.Background(), "api error burst")
	}
}

// RecordRealizedPnL folds one realized profit or loss delta into the
// daily accumulator. The day boundary is UTC midnight.
func (g *Guard) RecordRealizedPnL(delta decimal.Decimal) {
	if g.opts.DailyLossLimit.IsZero() {
		return
	}
	g.mu.Lock()
	today := utcDay(time.Now())
	if !today.Equal(g.pnlDay) {
		g.pnlDay = today
		g.realizedPnL = decimal.Zero
	}
	g.realizedPnL = g.realizedPnL.Add(delta)
	breach := g.realizedPnL.IsNegative() && g.realizedPnL.Abs().GreaterThanOrEqual(g.opts.DailyLossLimit)
	g.mu.Unlock()

	if breach {
		g.Trip(context.Background(), "daily loss limit")
	}
}

// RecordHedgeLatency samples the submit-to-hedge delay. The p95 of the
// rolling window tripping the limit means the hedge leg is lagging too
// far behind the primary leg.
func (g *Guard) RecordHedgeLatency(d time.Duration) {
	if g.opts.HedgeDelayP95Limit <= 0 {
		return
	}
	g.mu.Lock()
	g.hedgeLatencies = append(g.hedgeLatencies, d)
	if len(g.hedgeLatencies) > 200 {
		g.hedgeLatencies = g.hedgeLatencies[len(g.hedgeLatencies)-200:]
	}
	breach := len(g.hedgeLatencies) >= 20 && p95(g.hedgeLatencies) > g.opts.HedgeDelayP95Limit
	g.mu.Unlock()

	if breach {
		g.Trip(context.Background(), "hedge latency p95")
	}
}

// StreamUp and StreamDown track private stream connectivity for the
// disconnect-duration check.
func (g *Guard) StreamUp() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streamDownSince = time.Time{}
}

func (g *Guard) StreamDown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.streamDownSince.IsZero() {
		g.streamDownSince = time.Now()
	}
}

// Run evaluates the periodic conditions until ctx ends.
func (g *Guard) Run(ctx context.Context) {
	interval := g.opts.EvalInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Evaluate(ctx)
		}
	}
}

// Evaluate runs one pass of the periodic checks.
func (g *Guard) Evaluate(ctx context.Context) {
	g.checkStream(ctx)
	g.checkFunding(ctx)
}

func (g *Guard) checkStream(ctx context.Context) {
	if g.opts.WSDisconnectLimit <= 0 {
		return
	}
	g.mu.Lock()
	down := !g.streamDownSince.IsZero() && time.Since(g.streamDownSince) > g.opts.WSDisconnectLimit
	g.mu.Unlock()
	if down {
		g.Trip(ctx, "private stream disconnected too long")
	}
}

// checkFunding polls predicted funding for each watched symbol. A rate
// flipped against the expected sign for FundingFlipCount consecutive
// observations means the carry is gone; if the symbol is flat and
// FundingSkipWhenFlat is set this only logs, otherwise the guard trips.
func (g *Guard) checkFunding(ctx context.Context) {
	if g.funding == nil || g.opts.FundingFlipCount <= 0 {
		return
	}

	g.mu.Lock()
	symbols := make(map[string]int, len(g.expectedSign))
	for s, sign := range g.expectedSign {
		symbols[s] = sign
	}
	g.mu.Unlock()

	for symbol, expected := range symbols {
		fi, err := g.funding.GetFundingInfo(ctx, symbol)
		if err != nil {
			g.log.Warn("funding query failed", slog.String("symbol", symbol), slog.Any("err", err))
			continue
		}
		g.observeFunding(ctx, symbol, expected, fi.PredictedRate)
	}
}

func (g *Guard) observeFunding(ctx context.Context, symbol string, expected int, rate decimal.Decimal) {
	flipped := (expected > 0 && rate.IsNegative()) || (expected < 0 && rate.IsPositive())
	if flipped && !g.opts.FundingFlipMinAbs.IsZero() && rate.Abs().LessThan(g.opts.FundingFlipMinAbs) {
		flipped = false // inside the hysteresis band
	}

	g.mu.Lock()
	if flipped {
		g.flipStreak[symbol]++
	} else {
		g.flipStreak[symbol] = 0
	}
	streak := g.flipStreak[symbol]
	g.mu.Unlock()

	if streak < g.opts.FundingFlipCount {
		return
	}

	if g.opts.FundingSkipWhenFlat && g.ctrl.Position(symbol).IsFlat() {
		g.log.Warn("funding flipped but symbol is flat, skipping entries only",
			slog.String("symbol", symbol),
			slog.String("rate", rate.String()))
		return
	}
	g.Trip(ctx, "funding rate flipped on "+symbol)
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func p95(samples []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
