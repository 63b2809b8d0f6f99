// Package metrics exposes process metrics on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the instrument set for the trading process. All fields are
// safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	SignalsEmitted   *prometheus.CounterVec // by regime
	SignalsRejected  *prometheus.CounterVec // by reason
	GateApprovals    prometheus.Counter
	GateRejections   *prometheus.CounterVec // by reason
	OrdersPlaced     *prometheus.CounterVec // by order type
	OrdersFailed     *prometheus.CounterVec // by order type
	AuctionOpens     prometheus.Counter
	AuctionCloses    prometheus.Counter
	ReconcileAdopted prometheus.Counter
	ReconcileZombies prometheus.Counter
	ReconcileGhosts  prometheus.Counter

	OpenPositions  prometheus.Gauge
	AccountEquity  prometheus.Gauge
	MarginUsedPct  prometheus.Gauge
	KillSwitchOn   prometheus.Gauge
	CycleDuration  prometheus.Histogram
	VenueLatency   *prometheus.HistogramVec // by endpoint
}

// New builds a Metrics set on a private registry so tests never collide on
// the global default.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_emitted_total",
			Help: "Signals produced by the pipeline, by regime.",
		}, []string{"regime"}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_rejected_total",
			Help: "Signals dropped before the auction, by reason.",
		}, []string{"reason"}),
		GateApprovals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_gate_approvals_total",
			Help: "Risk gate approvals.",
		}),
		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_gate_rejections_total",
			Help: "Risk gate rejections, by first reason.",
		}, []string{"reason"}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_placed_total",
			Help: "Orders accepted by the venue, by type.",
		}, []string{"type"}),
		OrdersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_failed_total",
			Help: "Order submissions that errored, by type.",
		}, []string{"type"}),
		AuctionOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_auction_opens_total",
			Help: "New positions the auction elected to open.",
		}),
		AuctionCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_auction_closes_total",
			Help: "Positions the auction displaced.",
		}),
		ReconcileAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_reconcile_adopted_total",
			Help: "Venue positions adopted into local state.",
		}),
		ReconcileZombies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_reconcile_zombies_total",
			Help: "Local positions deleted because the venue is flat.",
		}),
		ReconcileGhosts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_reconcile_ghosts_total",
			Help: "Unowned reduce-only orders detected.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Currently tracked positions.",
		}),
		AccountEquity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_account_equity_usd",
			Help: "Last observed portfolio value.",
		}),
		MarginUsedPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_margin_used_pct",
			Help: "Initial margin over portfolio value, 0-1.",
		}),
		KillSwitchOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_kill_switch_active",
			Help: "1 while the kill switch blocks trading.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_cycle_duration_seconds",
			Help:    "Wall time of one full trading cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		VenueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trader_venue_request_seconds",
			Help:    "Venue REST round-trip time, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.SignalsEmitted, m.SignalsRejected,
		m.GateApprovals, m.GateRejections,
		m.OrdersPlaced, m.OrdersFailed,
		m.AuctionOpens, m.AuctionCloses,
		m.ReconcileAdopted, m.ReconcileZombies, m.ReconcileGhosts,
		m.OpenPositions, m.AccountEquity, m.MarginUsedPct, m.KillSwitchOn,
		m.CycleDuration, m.VenueLatency,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records one cycle duration.
func (m *Metrics) ObserveCycle(d time.Duration) {
	m.CycleDuration.Observe(d.Seconds())
}

// TimeVenue returns a done func that records elapsed time for an endpoint.
func (m *Metrics) TimeVenue(endpoint string) func() {
	start := time.Now()
	return func() {
		m.VenueLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
