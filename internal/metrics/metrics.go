// Package metrics exposes Prometheus counters for the execution core.
// All methods are nil-safe so components can run without a metrics set.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the execution-core collectors.
type Set struct {
	registry *prometheus.Registry

	ordersSubmitted *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	fills           *prometheus.CounterVec
	hedgeDeferrals  *prometheus.CounterVec
	killTrips       prometheus.Counter
	reconcileAdopts prometheus.Counter
	integrityFaults prometheus.Counter
	streamGaps      prometheus.Counter
}

// NewSet creates the collectors on a fresh registry.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		registry: reg,
		ordersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_orders_submitted_total",
			Help: "Orders accepted by the venue, by symbol and side.",
		}, []string{"symbol", "side"}),
		ordersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_orders_rejected_total",
			Help: "Terminal venue rejections, by symbol.",
		}, []string{"symbol"}),
		fills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_fills_total",
			Help: "Execution events that moved cumulative quantity, by symbol.",
		}, []string{"symbol"}),
		hedgeDeferrals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_hedge_deferrals_total",
			Help: "Hedges skipped because the size was below the instrument minimum.",
		}, []string{"symbol"}),
		killTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_kill_trips_total",
			Help: "Risk guard kill latch activations.",
		}),
		reconcileAdopts: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_reconcile_adoptions_total",
			Help: "Orders adopted from the venue during reconciliation.",
		}),
		integrityFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_integrity_faults_total",
			Help: "Overfills and reconciliation timeouts.",
		}),
		streamGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_stream_gaps_total",
			Help: "Private stream disconnects.",
		}),
	}
}

func (s *Set) OrderSubmitted(symbol, side string) {
	if s == nil {
		return
	}
	s.ordersSubmitted.WithLabelValues(symbol, side).Inc()
}

func (s *Set) OrderRejected(symbol string) {
	if s == nil {
		return
	}
	s.ordersRejected.WithLabelValues(symbol).Inc()
}

func (s *Set) Fill(symbol string) {
	if s == nil {
		return
	}
	s.fills.WithLabelValues(symbol).Inc()
}

func (s *Set) HedgeDeferred(symbol string) {
	if s == nil {
		return
	}
	s.hedgeDeferrals.WithLabelValues(symbol).Inc()
}

func (s *Set) KillTrip() {
	if s == nil {
		return
	}
	s.killTrips.Inc()
}

func (s *Set) ReconcileAdopted() {
	if s == nil {
		return
	}
	s.reconcileAdopts.Inc()
}

func (s *Set) IntegrityFault() {
	if s == nil {
		return
	}
	s.integrityFaults.Inc()
}

func (s *Set) StreamGap() {
	if s == nil {
		return
	}
	s.streamGaps.Inc()
}

// Serve exposes /metrics on addr until ctx ends.
func (s *Set) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	if s == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
