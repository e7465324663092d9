// Package metrics defines the Prometheus metrics exposed by the engine:
// order flow, risk decisions, reconciliation activity, stream health and
// account equity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Order flow
	OrdersTotal            prometheus.Counter
	OrderRetries           prometheus.Counter
	OrderTimeouts          prometheus.Counter
	OrderExecutionDuration prometheus.Histogram

	// Risk and state
	RiskRejections   prometheus.Counter
	VersionConflicts prometheus.Counter
	StuckPositions   prometheus.Counter
	EquityValue      prometheus.Gauge
	DailyPnL         prometheus.Gauge

	// Reconciliation
	ReconcileRuns    prometheus.Counter
	ReconcileRepairs prometheus.Counter

	// Streams
	WSReconnects   prometheus.Counter
	EventsReceived prometheus.Counter
	ErrorsTotal    prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry, which keeps test
// runs isolated from the global registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OrdersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Total number of orders submitted to the exchange",
		}),
		OrderRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "order_retries_total",
			Help: "Total number of order submissions retried after status check",
		}),
		OrderTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "order_timeouts_total",
			Help: "Total number of orders that never reached a terminal state in time",
		}),
		OrderExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_execution_duration_seconds",
			Help:    "Duration of order plan execution in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RiskRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_rejections_total",
			Help: "Total number of proposals rejected by the risk policy",
		}),
		VersionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "state_version_conflicts_total",
			Help: "Total number of compare-and-swap conflicts on the state store",
		}),
		StuckPositions: factory.NewCounter(prometheus.CounterOpts{
			Name: "stuck_positions_total",
			Help: "Total number of flatten steps that timed out and halted an instrument",
		}),
		EquityValue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "account_equity",
			Help: "Last observed account equity",
		}),
		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "daily_realized_pnl",
			Help: "Realized profit and loss since the daily boundary",
		}),
		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Total number of reconciliation passes",
		}),
		ReconcileRepairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_repairs_total",
			Help: "Total number of divergences repaired from exchange truth",
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of stream reconnections",
		}),
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_received_total",
			Help: "Total number of stream events processed",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
