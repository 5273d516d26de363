// Package metrics holds the Prometheus instruments for extractions and serve mode.
package metrics

import (
	"net/http"
	"time"

	"github.com/agleyzer/hlsclip/internal/segment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Metrics holds Prometheus counters and gauges for extractions. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	extractionsTotal   *prometheus.CounterVec
	extractionDuration prometheus.Histogram
	activeExtractions  prometheus.Gauge
	manifestFetches    prometheus.Counter
	segmentsFetched    prometheus.Counter
	segmentsMissing    *prometheus.CounterVec
	bytesWritten       prometheus.Counter
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
}

// New creates and registers the instruments on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		extractionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsclip_extractions_total",
			Help: "Total number of extractions by outcome",
		}, []string{"outcome"}),
		extractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hlsclip_extraction_duration_seconds",
			Help:    "Wall-clock duration of extractions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		activeExtractions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hlsclip_active_extractions",
			Help: "Number of extractions in progress",
		}),
		manifestFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsclip_manifest_fetches_total",
			Help: "Total number of live playlist fetches",
		}),
		segmentsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsclip_segments_fetched_total",
			Help: "Total number of media segments written to outputs",
		}),
		segmentsMissing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsclip_segments_missing_total",
			Help: "Total number of requested segments left out of outputs by reason",
		}, []string{"reason"}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsclip_bytes_written_total",
			Help: "Total number of bytes written to outputs",
		}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsclip_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsclip_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
	}

	registry.MustRegister(
		m.extractionsTotal,
		m.extractionDuration,
		m.activeExtractions,
		m.manifestFetches,
		m.segmentsFetched,
		m.segmentsMissing,
		m.bytesWritten,
		m.requestsTotal,
		m.errorsTotal,
	)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartExtraction marks an extraction active and returns a function that records its
// outcome and duration.
func (m *Metrics) StartExtraction() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.activeExtractions.Inc()
	return func(outcome string) {
		m.activeExtractions.Dec()
		m.extractionsTotal.WithLabelValues(outcome).Inc()
		m.extractionDuration.Observe(time.Since(start).Seconds())
	}
}

// IncManifestFetches increments the live playlist fetch counter.
func (m *Metrics) IncManifestFetches() {
	if m == nil {
		return
	}
	m.manifestFetches.Inc()
}

// AddSegments records segments and bytes written to an output.
func (m *Metrics) AddSegments(n int, bytes int64) {
	if m == nil {
		return
	}
	m.segmentsFetched.Add(float64(n))
	m.bytesWritten.Add(float64(bytes))
}

// AddMissing records the segments of a partial window.
func (m *Metrics) AddMissing(w *segment.PartialWindowWarning) {
	if m == nil || w.Empty() {
		return
	}
	for _, reason := range []segment.Reason{segment.Evicted, segment.NotYetProduced, segment.FetchFailed} {
		if n := w.Count(reason); n > 0 {
			m.segmentsMissing.WithLabelValues(reason.String()).Add(float64(n))
		}
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
