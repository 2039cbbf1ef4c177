// Package metrics collects and exposes Prometheus counters for the routing
// path. All record methods are nil-safe so components can run without a
// collector wired in.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the routing metrics for one process.
type Collector struct {
	reg *prometheus.Registry

	jobsRouted       *prometheus.CounterVec
	jobsDelayed      *prometheus.CounterVec
	jobsRequeued     *prometheus.CounterVec
	jobsDeadLettered prometheus.Counter
	rateDenied       *prometheus.CounterVec
	jobsInFlight     prometheus.Gauge
}

// NewCollector creates a collector with its own registry, so multiple
// collectors can coexist in one test binary.
func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		jobsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "laneq_jobs_routed_total",
			Help: "Jobs published to a lane primary queue.",
		}, []string{"lane"}),
		jobsDelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "laneq_jobs_delayed_total",
			Help: "Jobs parked on a lane delay queue by the rate check.",
		}, []string{"lane"}),
		jobsRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "laneq_jobs_requeued_total",
			Help: "Jobs returned to their lane queue by the worker safety net.",
		}, []string{"lane"}),
		jobsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "laneq_jobs_dead_lettered_total",
			Help: "Jobs moved to the dead-letter queue.",
		}),
		rateDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "laneq_rate_denied_total",
			Help: "Rate-limit denials by tier and lane.",
		}, []string{"tier", "lane"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "laneq_jobs_in_flight",
			Help: "Jobs currently being handled by this process.",
		}),
	}
	c.reg.MustRegister(c.jobsRouted, c.jobsDelayed, c.jobsRequeued,
		c.jobsDeadLettered, c.rateDenied, c.jobsInFlight)
	return c
}

func (c *Collector) RecordRouted(lane string) {
	if c == nil {
		return
	}
	c.jobsRouted.WithLabelValues(lane).Inc()
}

func (c *Collector) RecordDelayed(lane string) {
	if c == nil {
		return
	}
	c.jobsDelayed.WithLabelValues(lane).Inc()
}

func (c *Collector) RecordRequeued(lane string) {
	if c == nil {
		return
	}
	c.jobsRequeued.WithLabelValues(lane).Inc()
}

func (c *Collector) RecordDeadLettered() {
	if c == nil {
		return
	}
	c.jobsDeadLettered.Inc()
}

func (c *Collector) RecordRateDenied(tier, lane string) {
	if c == nil {
		return
	}
	c.rateDenied.WithLabelValues(tier, lane).Inc()
}

func (c *Collector) InFlightAdd(delta float64) {
	if c == nil {
		return
	}
	c.jobsInFlight.Add(delta)
}

// Handler returns the HTTP handler serving this collector's registry in
// Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr. The returned server
// should be shut down by the caller.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
