// Package metrics exposes the engine's Prometheus counters and gauges:
// cycle throughput, order/fill flow, strategy decisions, risk and
// protection events, improvement canary outcomes, and ask-question
// dispatches. Grounded on chidi150c-coinbase's metrics.go (a CounterVec
// per event family, a package-level Registry instead of the default
// global one so tests can construct isolated instances).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the engine updates. Unlike
// chidi150c-coinbase's package-level vars registered via init() against
// the global default registerer, Registry carries its own
// *prometheus.Registry so multiple engines (or tests) never collide on
// global metric names.
type Registry struct {
	reg *prometheus.Registry

	CyclesTotal      prometheus.Counter
	CycleDurationSec prometheus.Histogram

	OrdersSubmittedTotal prometheus.CounterVec
	OrdersRejectedTotal  prometheus.CounterVec
	FillsTotal           prometheus.CounterVec
	CancelsTotal         prometheus.CounterVec

	StrategyDecisionsTotal prometheus.CounterVec
	NoTradeTotal           prometheus.CounterVec

	RiskBreachesTotal  prometheus.CounterVec
	DrawdownBps        prometheus.Gauge
	EquityUsd          prometheus.Gauge
	EmergencyStopTotal prometheus.Counter

	ProtectionPlansTotal     prometheus.CounterVec
	ProtectionFailedTotal    prometheus.CounterVec
	EmergencyFlattenTotal    prometheus.CounterVec

	CanaryAcceptedTotal   prometheus.Counter
	CanaryRolledBackTotal prometheus.Counter
	CanaryQuarantinedTotal prometheus.Counter

	AskQuestionDispatchedTotal prometheus.CounterVec
	AskQuestionExpiredTotal    prometheus.Counter

	BudgetQuotaRatio prometheus.GaugeVec
}

// New builds a Registry with every metric registered against a fresh
// *prometheus.Registry, ready for /metrics exposition via Handler.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,

		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Trading cycles executed.",
		}),
		CycleDurationSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_cycle_duration_seconds",
			Help:    "Wall-clock duration of one trading cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		OrdersSubmittedTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_submitted_total",
			Help: "Orders submitted, by coin and side.",
		}, []string{"coin", "side"}),
		OrdersRejectedTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders rejected by a preflight guard, by reason.",
		}, []string{"reason"}),
		FillsTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fills_total",
			Help: "Fills processed, by coin and side.",
		}, []string{"coin", "side"}),
		CancelsTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_cancels_total",
			Help: "Cancel requests submitted, by coin.",
		}, []string{"coin"}),
		StrategyDecisionsTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_strategy_decisions_total",
			Help: "Strategy decisions, by coin, regime and action.",
		}, []string{"coin", "regime", "action"}),
		NoTradeTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_no_trade_total",
			Help: "Skipped cycles, by no-trade/entry-guard reason.",
		}, []string{"reason"}),
		RiskBreachesTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_risk_breaches_total",
			Help: "Hard risk-limit breaches, by limit name.",
		}, []string{"limit"}),
		DrawdownBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_drawdown_bps",
			Help: "Current drawdown from equity high-water mark, in bps.",
		}),
		EquityUsd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_equity_usd",
			Help: "Current account equity in USD.",
		}),
		EmergencyStopTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_emergency_stop_total",
			Help: "Number of times the emergency stop has tripped.",
		}),
		ProtectionPlansTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_protection_plans_total",
			Help: "TP/SL protection plans computed, by coin.",
		}, []string{"coin"}),
		ProtectionFailedTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_protection_failed_total",
			Help: "TP/SL protection failures, by tpsl_* reason.",
		}, []string{"reason"}),
		EmergencyFlattenTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_emergency_flatten_total",
			Help: "Emergency flattens submitted outside the normal exit path, by reason.",
		}, []string{"coin", "reason"}),
		CanaryAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_canary_accepted_total",
			Help: "Improvement canaries accepted.",
		}),
		CanaryRolledBackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_canary_rolled_back_total",
			Help: "Improvement canaries rolled back.",
		}),
		CanaryQuarantinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_canary_quarantined_total",
			Help: "Improvement canaries quarantined after repeated rollback.",
		}),
		AskQuestionDispatchedTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_ask_question_dispatched_total",
			Help: "Ask-question prompts dispatched, by reason code.",
		}, []string{"reason"}),
		AskQuestionExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ask_question_expired_total",
			Help: "Ask-question prompts that expired before an operator responded.",
		}),
		BudgetQuotaRatio: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_budget_quota_ratio",
			Help: "Current quota usage ratio, by quota name.",
		}, []string{"quota"}),
	}

	reg.MustRegister(
		m.CyclesTotal, m.CycleDurationSec,
		&m.OrdersSubmittedTotal, &m.OrdersRejectedTotal, &m.FillsTotal, &m.CancelsTotal,
		&m.StrategyDecisionsTotal, &m.NoTradeTotal,
		&m.RiskBreachesTotal, m.DrawdownBps, m.EquityUsd, m.EmergencyStopTotal,
		&m.ProtectionPlansTotal, &m.ProtectionFailedTotal, &m.EmergencyFlattenTotal,
		m.CanaryAcceptedTotal, m.CanaryRolledBackTotal, m.CanaryQuarantinedTotal,
		&m.AskQuestionDispatchedTotal, m.AskQuestionExpiredTotal,
		&m.BudgetQuotaRatio,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry, to be
// mounted by cmd/trader the way chidi150c-coinbase mounts
// promhttp.Handler() on its own mux.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
