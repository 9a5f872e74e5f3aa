// Package app assembles the trading process: configuration, journal,
// gateway, order engine, risk guard, and metrics, plus the shutdown
// sequence that drains and flattens before exit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
	"github.com/yoyowasa/crypto-neutral-bot/internal/gateway"
	"github.com/yoyowasa/crypto-neutral-bot/internal/infra"
	"github.com/yoyowasa/crypto-neutral-bot/internal/instrument"
	"github.com/yoyowasa/crypto-neutral-bot/internal/metrics"
	"github.com/yoyowasa/crypto-neutral-bot/internal/oms"
	"github.com/yoyowasa/crypto-neutral-bot/internal/risk"
	"github.com/yoyowasa/crypto-neutral-bot/internal/storage"
	"github.com/yoyowasa/crypto-neutral-bot/pkg/num"
)

// App owns every long-lived component and their lifecycle.
type App struct {
	cfg      *infra.Config
	log      *slog.Logger
	journal  *storage.Journal
	gw       gateway.Gateway
	registry *instrument.Registry
	engine   *oms.Engine
	guard    *risk.Guard
	stats    *metrics.Set
}

// faultRelay breaks the construction cycle between the engine and the
// guard: the engine needs a FaultSink before the guard exists.
type faultRelay struct {
	guard *risk.Guard
}

func (r *faultRelay) OnIntegrityFault(err error) {
	if r.guard != nil {
		r.guard.OnIntegrityFault(err)
	}
}

func (r *faultRelay) OnVenueRejection(symbol string) {
	if r.guard != nil {
		r.guard.OnVenueRejection(symbol)
	}
}

// streamTap fans private stream lifecycle out to the engine and the
// guard, and records book updates into the journal for later replay.
type streamTap struct {
	engine  *oms.Engine
	guard   *risk.Guard
	journal *storage.Journal
	log     *slog.Logger
}

func (t *streamTap) OnExecutionEvent(ev domain.ExecutionEvent) {
	t.engine.OnExecutionEvent(ev)
}

func (t *streamTap) OnStreamUp() {
	t.guard.StreamUp()
	t.engine.OnStreamUp()
}

func (t *streamTap) OnStreamDown(err error) {
	t.guard.StreamDown()
	t.engine.OnStreamDown(err)
}

func (t *streamTap) OnBookUpdate(bbo domain.BboSnapshot) {
	if err := t.journal.RecordBookUpdate(bbo); err != nil {
		t.log.Warn("book journal write failed",
			slog.String("symbol", bbo.Symbol), slog.Any("error", err))
	}
}

// New builds the full component graph from cfg. Nothing talks to the
// venue yet; Run does.
func New(cfg *infra.Config) (*App, error) {
	log := infra.NewLogger(cfg)

	journal, err := storage.NewJournal(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	gw, err := buildGateway(cfg)
	if err != nil {
		journal.Close()
		return nil, err
	}

	registry := instrument.NewRegistry(gw)
	stats := metrics.NewSet()

	relay := &faultRelay{}
	engine := oms.NewEngine(engineOptions(cfg), gw, registry, journal, relay, log)
	engine.SetMetrics(stats)

	guard := risk.NewGuard(guardOptions(cfg), engine, gw, log)
	guard.SetMetrics(stats)
	relay.guard = guard

	// The carry strategy holds the short perp leg, so predicted funding
	// must stay positive for every traded symbol.
	if cfg.Risk.FundingFlipConsecutive > 0 {
		for _, sym := range cfg.Trading.Symbols {
			guard.WatchFunding(sym, +1)
		}
	}

	return &App{
		cfg:      cfg,
		log:      log,
		journal:  journal,
		gw:       gw,
		registry: registry,
		engine:   engine,
		guard:    guard,
		stats:    stats,
	}, nil
}

// Engine exposes the order engine for strategy code and tooling.
func (a *App) Engine() *oms.Engine { return a.engine }

// Guard exposes the risk guard for operator tooling (Reset, Tripped).
func (a *App) Guard() *risk.Guard { return a.guard }

// Run connects streams, reconciles state, and blocks until ctx is
// canceled, then drains open orders and flattens positions before
// returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting",
		slog.String("app", a.cfg.App.Name),
		slog.String("mode", a.cfg.Trading.Mode),
		slog.Any("symbols", a.cfg.Trading.Symbols))

	if err := a.registry.Load(ctx); err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}

	if a.cfg.Metrics.Addr != "" {
		go func() {
			if err := a.stats.Serve(ctx, a.cfg.Metrics.Addr, a.log); err != nil {
				a.log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	tap := &streamTap{engine: a.engine, guard: a.guard, journal: a.journal, log: a.log}
	symbols := a.cfg.Trading.Symbols

	if err := a.gw.SubscribePublic(ctx, symbols, tap); err != nil {
		return fmt.Errorf("subscribe public stream: %w", err)
	}
	if err := a.gw.SubscribePrivate(ctx, tap); err != nil {
		return fmt.Errorf("subscribe private stream: %w", err)
	}

	if err := a.engine.SyncPositions(ctx); err != nil {
		a.log.Warn("position sync failed", slog.Any("error", err))
	}
	if err := a.engine.Reconcile(ctx, symbols); err != nil {
		// The barrier stays armed; the maintenance loop retries.
		a.log.Error("startup reconcile failed", slog.Any("error", err))
	}

	go a.engine.RunMaintenance(ctx, symbols)
	go a.guard.Run(ctx)

	<-ctx.Done()
	a.log.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), a.drainBudget())
	defer cancel()
	if err := a.engine.DrainAndFlatten(drainCtx); err != nil {
		a.log.Error("drain incomplete", slog.Any("error", err))
	}

	if err := a.gw.Close(); err != nil {
		a.log.Warn("gateway close", slog.Any("error", err))
	}
	if err := a.journal.Close(); err != nil {
		a.log.Warn("journal close", slog.Any("error", err))
	}
	return nil
}

func (a *App) drainBudget() time.Duration {
	if d := a.cfg.DrainTimeout(); d > 0 {
		return d + 5*time.Second
	}
	return 35 * time.Second
}

func buildGateway(cfg *infra.Config) (gateway.Gateway, error) {
	switch strings.ToLower(cfg.Trading.Mode) {
	case "paper":
		specs, err := paperSpecs(cfg.Paper.Instruments)
		if err != nil {
			return nil, err
		}
		quote := "USDT"
		if len(specs) > 0 && specs[0].QuoteAsset != "" {
			quote = specs[0].QuoteAsset
		}
		return gateway.NewPaperGateway(specs, quote, decimal.NewFromFloat(cfg.Paper.InitialQuote)), nil

	case "live":
		return gateway.NewLiveGateway(gateway.LiveConfig{
			RestURL:        cfg.Venue.RestURL,
			PublicWSURL:    cfg.Venue.PublicWSURL,
			PrivateWSURL:   cfg.Venue.PrivateWSURL,
			AccessKey:      cfg.Venue.AccessKey,
			SecretKey:      cfg.Venue.SecretKey,
			RequestTimeout: cfg.RequestTimeout(),
			BboMaxAge:      cfg.BboMaxAge(),
			Retry: infra.RetryPolicy{
				MaxAttempts: cfg.Gateway.RetryMaxAttempts,
				BaseDelay:   time.Duration(cfg.Gateway.RetryBaseMS) * time.Millisecond,
				MaxDelay:    time.Duration(cfg.Gateway.RetryMaxMS) * time.Millisecond,
				Jitter:      true,
			},
			OrderLimiter:  infra.NewRateLimiter(cfg.Gateway.OrderBurst, cfg.Gateway.OrderRatePerSec),
			MarketLimiter: infra.NewRateLimiter(cfg.Gateway.MarketBurst, cfg.Gateway.MarketRatePerSec),
		}), nil

	default:
		return nil, fmt.Errorf("unknown trading mode %q", cfg.Trading.Mode)
	}
}

func paperSpecs(defs []infra.InstrumentYAML) ([]domain.InstrumentSpec, error) {
	specs := make([]domain.InstrumentSpec, 0, len(defs))
	for _, d := range defs {
		spec := domain.InstrumentSpec{
			Symbol:      d.Symbol,
			Category:    parseCategory(d.Category),
			TickSize:    num.MustParse(d.TickSize),
			QtyStep:     num.MustParse(d.QtyStep),
			MinQty:      num.MustParse(d.MinQty),
			MinNotional: num.MustParse(d.MinNotional),
			BaseAsset:   d.BaseAsset,
			QuoteAsset:  d.QuoteAsset,
		}
		if !spec.Valid() {
			return nil, fmt.Errorf("paper instrument %q has no usable minimums", d.Symbol)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("paper mode requires at least one instrument definition")
	}
	return specs, nil
}

func parseCategory(s string) domain.Category {
	switch strings.ToUpper(s) {
	case "SPOT":
		return domain.CategorySpot
	case "INVERSE_PERP":
		return domain.CategoryInversePerp
	default:
		return domain.CategoryLinearPerp
	}
}

func engineOptions(cfg *infra.Config) oms.Options {
	return oms.Options{
		OrderTimeout:         cfg.OrderTimeout(),
		MaxHedgeRetries:      cfg.OMS.MaxRetries,
		ReconcileTimeout:     cfg.ReconcileTimeout(),
		ReconcileGrace:       cfg.ReconcileGrace(),
		PrivateStaleBlock:    cfg.PrivateStaleBlock(),
		RejectBurstThreshold: cfg.OMS.RejectBurstThreshold,
		RejectWindow:         time.Duration(cfg.OMS.RejectWindowMS) * time.Millisecond,
		SymbolCooldown:       time.Duration(cfg.OMS.SymbolCooldownMS) * time.Millisecond,
		ChaseInterval:        time.Duration(cfg.OMS.ChaseIntervalMS) * time.Millisecond,
		ChaseMinRepriceBps:   decimal.NewFromInt(int64(cfg.OMS.ChaseMinRepriceBps)),
		ChaseMaxAmendsPerMin: cfg.OMS.ChaseMaxAmendsPerMin,
		DrainTimeout:         cfg.DrainTimeout(),
		MaintenanceInterval:  time.Duration(cfg.OMS.ChaseIntervalMS) * time.Millisecond,
	}
}

func guardOptions(cfg *infra.Config) risk.Options {
	return risk.Options{
		DailyLossLimit:       decimal.NewFromFloat(cfg.Risk.DailyLossLimit),
		WSDisconnectLimit:    time.Duration(cfg.Risk.WSDisconnectThresholdMS) * time.Millisecond,
		HedgeDelayP95Limit:   time.Duration(cfg.Risk.HedgeDelayP95ThresholdMS) * time.Millisecond,
		APIErrorMaxPerWindow: cfg.Risk.APIErrorMaxPerWindow,
		APIErrorWindow:       time.Duration(cfg.Risk.APIErrorWindowMS) * time.Millisecond,
		FundingFlipMinAbs:    decimal.NewFromFloat(cfg.Risk.FundingFlipMinAbs),
		FundingFlipCount:     cfg.Risk.FundingFlipConsecutive,
		FundingSkipWhenFlat:  cfg.Risk.FundingFlipSkipWhenFlat,
	}
}
