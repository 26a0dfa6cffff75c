package batcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the audit batcher.
type Metrics struct {
	Accepted     prometheus.Counter
	Deduplicated prometheus.Counter
	RateLimited  prometheus.Counter
	Flushed      prometheus.Counter
	FlushErrors  prometheus.Counter
	Requeued     prometheus.Counter
	DeadLettered prometheus.Counter
	Dropped      prometheus.Counter
	Pending      prometheus.Gauge
	FlushSeconds prometheus.Histogram
}

// NewMetrics registers batcher metrics with reg. A nil registerer creates
// unregistered collectors, which keeps tests free of duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Accepted: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalis_audit_events_accepted_total",
			Help: "Total number of audit events queued for flush",
		}),
		Deduplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalis_audit_events_deduplicated_total",
			Help: "Total number of audit events dropped as duplicates within the dedup TTL",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalis_audit_events_rate_limited_total",
			Help: "Total number of security events dropped by the per-subject emission limit",
		}),
		Flushed: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalis_audit_events_flushed_total",
			Help: "Total number of audit events written to the store",
		}),
		FlushErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalis_audit_flush_failures_total",
			Help: "Total number of failed batch flushes",
		}),
		Requeued: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalis_audit_events_requeued_total",
			Help: "Total number of retained events requeued after a failed flush",
		}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalis_audit_events_dead_lettered_total",
			Help: "Total number of retained events moved to the dead-letter sink",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalis_audit_events_dropped_total",
			Help: "Total number of low-value events dropped after a failed flush or on overflow",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitalis_audit_events_pending",
			Help: "Current number of audit events waiting to be flushed",
		}),
		FlushSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitalis_audit_flush_duration_seconds",
			Help:    "Duration of audit store batch writes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
