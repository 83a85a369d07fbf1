// Package metrics exposes gateway counters and gauges in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are request duration buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector holds the gateway collectors in a private registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  prometheus.Histogram
	jobsRunning      prometheus.Gauge
	jobsPending      prometheus.Gauge
	jobsTimedOut     prometheus.Counter
	logsDropped      prometheus.Counter
	logFlushFailures prometheus.Counter
	sandboxDuration  *prometheus.HistogramVec
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appgate_requests_total",
			Help: "Total number of requests by response code",
		}, []string{"code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "appgate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: DefaultBuckets,
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appgate_jobs_running",
			Help: "Function invocations currently holding an execution slot",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appgate_jobs_pending",
			Help: "Function invocations waiting for an execution slot",
		}),
		jobsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appgate_jobs_timed_out_total",
			Help: "Function invocations that exceeded their timeout",
		}),
		logsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appgate_access_logs_dropped_total",
			Help: "Access log entries dropped because the buffer was full",
		}),
		logFlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appgate_access_log_flush_failures_total",
			Help: "Access log batches that failed to persist",
		}),
		sandboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "appgate_sandbox_duration_seconds",
			Help:    "Sandbox run time by runtime",
			Buckets: DefaultBuckets,
		}, []string{"runtime"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDuration,
		c.jobsRunning,
		c.jobsPending,
		c.jobsTimedOut,
		c.logsDropped,
		c.logFlushFailures,
		c.sandboxDuration,
	)
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.requestDuration.Observe(duration.Seconds())
}

// SetJobs publishes the execution queue occupancy.
func (c *Collector) SetJobs(running, pending int64) {
	c.jobsRunning.Set(float64(running))
	c.jobsPending.Set(float64(pending))
}

// RecordJobTimeout counts one invocation that hit its deadline.
func (c *Collector) RecordJobTimeout() {
	c.jobsTimedOut.Inc()
}

// RecordSandbox records how long a sandbox ran.
func (c *Collector) RecordSandbox(runtime string, d time.Duration) {
	c.sandboxDuration.WithLabelValues(runtime).Observe(d.Seconds())
}

// RecordLogsDropped counts access log entries lost to back-pressure.
func (c *Collector) RecordLogsDropped(n int) {
	c.logsDropped.Add(float64(n))
}

// RecordFlushFailure counts one failed access log batch.
func (c *Collector) RecordFlushFailure() {
	c.logFlushFailures.Inc()
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry: c.registry,
	})
}
