package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Decision("free", "admitted")
	m.Decision("free", "admitted")
	m.Decision("pro", "denied_rate_limit")
	m.Settlement("committed")
	m.Expired(3)
	m.Expired(0)
	m.Undercharged(15)
	m.UsageDropped()
	m.BreakerState("ledger", 2)
	m.LimiterPurged(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("free", "admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("pro", "denied_rate_limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("committed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.expired))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.underchargeUnits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.usageDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("ledger")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.limiterPurged))
}

func TestMetrics_LedgerCallResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	rejected := errors.New("insufficient")
	m.LedgerCall("reserve", time.Millisecond, nil)
	m.LedgerCall("reserve", time.Millisecond, rejected, rejected)
	m.LedgerCall("reserve", time.Millisecond, errors.New("timeout"), rejected)

	assert.Equal(t, 3, testutil.CollectAndCount(m.ledgerCalls))
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Decision("free", "admitted")
		m.LedgerCall("reserve", time.Second, nil)
		m.UsageDropped()
		m.BreakerState("ledger", 1)
	})
}
