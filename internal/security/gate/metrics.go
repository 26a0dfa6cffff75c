package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the request gate.
type Metrics struct {
	Decisions     *prometheus.CounterVec
	Threats       *prometheus.CounterVec
	SuspiciousIPs prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalis_gate_decisions_total",
			Help: "Total number of gate decisions by outcome",
		}, []string{"outcome"}),
		Threats: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalis_gate_threats_total",
			Help: "Total number of detected threat patterns by category",
		}, []string{"category"}),
		SuspiciousIPs: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitalis_gate_suspicious_ips",
			Help: "Current number of client IPs marked suspicious",
		}),
	}
}

func (m *Metrics) observe(d Decision) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(d.outcome()).Inc()
	for _, c := range d.Threats {
		m.Threats.WithLabelValues(string(c)).Inc()
	}
}

func (m *Metrics) setSuspicious(n int) {
	if m == nil {
		return
	}
	m.SuspiciousIPs.Set(float64(n))
}
