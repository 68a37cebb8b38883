// Package metrics exposes prometheus collectors for rate resolution and
// snapshot recomputation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trm-dispatch-stats/internal/fetcher"
	"trm-dispatch-stats/internal/trm"
)

const (
	metricPrefix = "trmstats_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Collector owns the service metrics and the registry they are exposed from.
type Collector struct {
	registry *prometheus.Registry

	resolutions     *prometheus.CounterVec
	sourceFailures  *prometheus.CounterVec
	lastRate        prometheus.Gauge
	recomputeTotal  *prometheus.CounterVec
	recomputeTiming *prometheus.HistogramVec
	exportTotal     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rate_resolutions_total",
				Help: "Total reference-rate resolutions by answering tier",
			},
			[]string{"source"},
		),
		sourceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "source_failures_total",
				Help: "Total external rate source failures by source and kind",
			},
			[]string{"source", "kind"},
		),
		lastRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "last_resolved_rate",
				Help: "Most recently resolved reference rate",
			},
		),
		recomputeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "recompute_total",
				Help: "Total snapshot recomputations by result",
			},
			[]string{"result"},
		),
		recomputeTiming: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "recompute_duration_seconds",
				Help:    "Snapshot recomputation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		exportTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total snapshot exports by format and result",
			},
			[]string{"format", "result"},
		),
	}
	c.registry.MustRegister(
		c.resolutions,
		c.sourceFailures,
		c.lastRate,
		c.recomputeTotal,
		c.recomputeTiming,
		c.exportTotal,
	)
	return c
}

// RateResolved counts a resolution by its answering tier.
func (c *Collector) RateResolved(q trm.Quote) {
	if c == nil {
		return
	}
	c.resolutions.WithLabelValues(string(q.Source)).Inc()
	v, _ := q.Value.Float64()
	c.lastRate.Set(v)
}

// SourceFailed counts an external source failure.
func (c *Collector) SourceFailed(source trm.Source, kind fetcher.ErrorKind) {
	if c == nil {
		return
	}
	c.sourceFailures.WithLabelValues(string(source), string(kind)).Inc()
}

// ObserveRecompute records one recomputation attempt.
func (c *Collector) ObserveRecompute(result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.recomputeTotal.WithLabelValues(result).Inc()
	if result == ResultSkipped {
		return
	}
	c.recomputeTiming.WithLabelValues(result).Observe(elapsed.Seconds())
}

// ObserveExport records one export.
func (c *Collector) ObserveExport(format string, err error) {
	if c == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	c.exportTotal.WithLabelValues(format, result).Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
