package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Checks      *prometheus.CounterVec
	Violations  *prometheus.CounterVec
	StoreErrors prometheus.Counter
	Degraded    prometheus.Gauge
}

// New registers rate limit metrics with reg; nil leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Checks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalis_ratelimit_checks_total",
			Help: "Total number of rate limit checks by route class and outcome",
		}, []string{"class", "outcome"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalis_ratelimit_violations_total",
			Help: "Total number of requests rejected for exceeding their route class quota",
		}, []string{"class"}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalis_ratelimit_store_errors_total",
			Help: "Total number of primary window store errors",
		}),
		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitalis_ratelimit_degraded",
			Help: "1 while rate limiting runs on the in-memory fallback store",
		}),
	}
}

func (m *Metrics) ObserveCheck(class string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
		m.Violations.WithLabelValues(class).Inc()
	}
	m.Checks.WithLabelValues(class, outcome).Inc()
}

func (m *Metrics) IncrementStoreErrors() {
	if m == nil {
		return
	}
	m.StoreErrors.Inc()
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.Degraded.Set(1)
		return
	}
	m.Degraded.Set(0)
}
