package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCycle("PI-USD", "committed", 120*time.Millisecond)
	m.ObserveCycle("PI-USD", "rejected", time.Second)
	m.ObserveCycle("PI-USD", "committed", time.Millisecond)
	m.ObserveSample("PI-USD", 314000, 159)
	m.IncrementActionFailure("PI-USD", "supply_adjustment", true)
	m.IncrementLedgerAppendError("PI-USD")
	m.IncrementLockSkip("PI-USD")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles.WithLabelValues("PI-USD", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("PI-USD", "rejected")))
	assert.Equal(t, 159.0, testutil.ToFloat64(m.Deviation.WithLabelValues("PI-USD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionFailures.WithLabelValues("PI-USD", "supply_adjustment", "security")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerAppendErrors.WithLabelValues("PI-USD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockSkips.WithLabelValues("PI-USD")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCycle("PI-USD", "committed", time.Second)
		m.ObserveSample("PI-USD", 1, 0)
		m.ObserveRisk("PI-USD", 0.3)
		m.IncrementActionFailure("PI-USD", "x", false)
		m.IncrementLedgerAppendError("PI-USD")
		m.IncrementLockSkip("PI-USD")
	})
}
