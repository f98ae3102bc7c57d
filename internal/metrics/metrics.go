// Package metrics exposes Prometheus collectors for the detection pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

const namespace = "fraudwatch"

// Collector holds the pipeline metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	detections    *prometheus.CounterVec
	detectionErrs prometheus.Counter
	fraudScore    prometheus.Histogram
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
	reports       *prometheus.CounterVec
	ruleCount     prometheus.Gauge
}

// NewCollector registers the pipeline metrics and the Go runtime collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		detections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detection results by fraud source and verdict.",
		}, []string{"source", "fraud"}),
		detectionErrs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_errors_total",
			Help:      "Transactions that could not be detected.",
		}),
		fraudScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fraud_score",
			Help:      "Distribution of model fraud scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Transactions per batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time to detect and report a batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		reports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Report attempts by source and outcome.",
		}, []string{"source", "acknowledged"}),
		ruleCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enabled_rules",
			Help:      "Enabled rules in the last snapshot.",
		}),
	}
}

// ObserveDetection records one batch entry.
func (c *Collector) ObserveDetection(entry domain.BatchEntry) {
	if c == nil {
		return
	}
	if !entry.OK() {
		c.detectionErrs.Inc()
		return
	}
	fraud := "false"
	if entry.Result.IsFraud {
		fraud = "true"
	}
	c.detections.WithLabelValues(entry.Result.FraudSource, fraud).Inc()
	c.fraudScore.Observe(entry.Result.FraudScore)
}

// ObserveBatch records the size and duration of a batch.
func (c *Collector) ObserveBatch(size int, duration time.Duration) {
	if c == nil {
		return
	}
	c.batchSize.Observe(float64(size))
	c.batchDuration.Observe(duration.Seconds())
}

// ObserveReport records one report attempt.
func (c *Collector) ObserveReport(source string, acknowledged bool) {
	if c == nil {
		return
	}
	ack := "false"
	if acknowledged {
		ack = "true"
	}
	c.reports.WithLabelValues(source, ack).Inc()
}

// SetEnabledRules records the size of the current rule snapshot.
func (c *Collector) SetEnabledRules(n int) {
	if c == nil {
		return
	}
	c.ruleCount.Set(float64(n))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
