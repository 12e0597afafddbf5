// Package metrics exports the engine's counters to Prometheus. A nil
// *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quotagate"

type Metrics struct {
	decisions        *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	expired          prometheus.Counter
	undercharged     prometheus.Counter
	underchargeUnits prometheus.Counter
	usageDropped     prometheus.Counter
	ledgerCalls      *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	limiterPurged    prometheus.Counter
	limiterErrors    prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Authorization decisions by tier and decision.",
		}, []string{"tier", "decision"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Reservations finalized, by final state.",
		}, []string{"state"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_expired_total",
			Help:      "Pending reservations released because they outlived their expiry.",
		}),
		undercharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undercharged_settlements_total",
			Help:      "Settlements whose actual cost did not fit above the balance floor.",
		}),
		underchargeUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undercharged_units_total",
			Help:      "Quota units that could not be charged on settlement.",
		}),
		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_dropped_total",
			Help:      "Usage events dropped because the tracker buffer was full.",
		}),
		ledgerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_call_duration_seconds",
			Help:      "Latency of ledger store calls.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"op", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		limiterPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_windows_purged_total",
			Help:      "Idle rate windows evicted from memory.",
		}),
		limiterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_backend_errors_total",
			Help:      "Rate limiter backend calls that failed.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.decisions, m.settlements, m.expired, m.undercharged, m.underchargeUnits,
		m.usageDropped, m.ledgerCalls, m.breakerState, m.limiterPurged, m.limiterErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Decision(tier, decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(tier, decision).Inc()
}

func (m *Metrics) Settlement(state string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(state).Inc()
}

func (m *Metrics) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) Undercharged(units int64) {
	if m == nil {
		return
	}
	m.undercharged.Inc()
	m.underchargeUnits.Add(float64(units))
}

func (m *Metrics) UsageDropped() {
	if m == nil {
		return
	}
	m.usageDropped.Inc()
}

// LedgerCall records one store round trip. Business outcomes such as an
// insufficient balance are reported separately from backend errors.
func (m *Metrics) LedgerCall(op string, took time.Duration, err error, business ...error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		for _, b := range business {
			if errors.Is(err, b) {
				result = "rejected"
				break
			}
		}
	}
	m.ledgerCalls.WithLabelValues(op, result).Observe(took.Seconds())
}

func (m *Metrics) BreakerState(name string, value float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(value)
}

func (m *Metrics) LimiterPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.limiterPurged.Add(float64(n))
}

func (m *Metrics) LimiterError() {
	if m == nil {
		return
	}
	m.limiterErrors.Inc()
}
