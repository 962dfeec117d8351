// Package metrics exposes stabilization cycle telemetry to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the cycle collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Finalised cycles by pair and profile status
	Cycles *prometheus.CounterVec

	// Last observed price and absolute deviation from target
	Price     *prometheus.GaugeVec
	Deviation *prometheus.GaugeVec

	RiskScore     *prometheus.HistogramVec
	CycleDuration *prometheus.HistogramVec

	// Action failures by pair, action and kind (transient / security)
	ActionFailures *prometheus.CounterVec

	LedgerAppendErrors *prometheus.CounterVec
	LockSkips          *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pegstab_cycles_total",
			Help: "Finalised stabilization cycles by pair and profile status",
		}, []string{"pair", "status"}),

		Price: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pegstab_price",
			Help: "Last observed oracle price",
		}, []string{"pair"}),

		Deviation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pegstab_deviation",
			Help: "Absolute distance between the last price and the target",
		}, []string{"pair"}),

		RiskScore: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pegstab_risk_score",
			Help:    "Risk scores of correction proposals",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"pair"}),

		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pegstab_cycle_duration_seconds",
			Help:    "Wall time of a full stabilization cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"pair"}),

		ActionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pegstab_action_failures_total",
			Help: "Failed corrective actions by pair, action and failure kind",
		}, []string{"pair", "action", "kind"}),

		LedgerAppendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pegstab_ledger_append_errors_total",
			Help: "Profiles that could not be appended to the ledger",
		}, []string{"pair"}),

		LockSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pegstab_lock_skips_total",
			Help: "Scheduled cycles skipped because another process held the pair lock",
		}, []string{"pair"}),
	}
}

// ObserveCycle records a finalised cycle.
func (m *Metrics) ObserveCycle(pair, status string, d time.Duration) {
	if m != nil {
		m.Cycles.WithLabelValues(pair, status).Inc()
		m.CycleDuration.WithLabelValues(pair).Observe(d.Seconds())
	}
}

// ObserveSample records the latest price and its deviation.
func (m *Metrics) ObserveSample(pair string, price, deviation float64) {
	if m != nil {
		m.Price.WithLabelValues(pair).Set(price)
		m.Deviation.WithLabelValues(pair).Set(deviation)
	}
}

// ObserveRisk records a proposal's risk score.
func (m *Metrics) ObserveRisk(pair string, score float64) {
	if m != nil {
		m.RiskScore.WithLabelValues(pair).Observe(score)
	}
}

// IncrementActionFailure records one failed action.
func (m *Metrics) IncrementActionFailure(pair, action string, security bool) {
	if m != nil {
		kind := "transient"
		if security {
			kind = "security"
		}
		m.ActionFailures.WithLabelValues(pair, action, kind).Inc()
	}
}

// IncrementLedgerAppendError records a failed ledger append.
func (m *Metrics) IncrementLedgerAppendError(pair string) {
	if m != nil {
		m.LedgerAppendErrors.WithLabelValues(pair).Inc()
	}
}

// IncrementLockSkip records a tick skipped for lock contention.
func (m *Metrics) IncrementLockSkip(pair string) {
	if m != nil {
		m.LockSkips.WithLabelValues(pair).Inc()
	}
}
