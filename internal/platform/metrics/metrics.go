package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide Prometheus registry. Packages register their
// own Metrics structs against it.
type Registry struct {
	*prometheus.Registry
	build *prometheus.GaugeVec
}

// New creates a registry carrying the Go runtime and process collectors.
func New(version string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vitalis_build_info",
		Help: "Build information; always 1",
	}, []string{"version"})
	reg.MustRegister(build)
	build.WithLabelValues(version).Set(1)
	return &Registry{Registry: reg, build: build}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{Registry: r.Registry})
}
