// Package metrics provides Prometheus instrumentation for the characterization cache.
//
// All methods are safe to call on a nil *Metrics, so components can be constructed
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "charcache"

// Metrics holds the collectors for one cache instance.
type Metrics struct {
	registry *prometheus.Registry

	upserts            prometheus.Counter
	embeddingsComputed prometheus.Counter
	embeddingFailures  prometheus.Counter
	embeddingDuration  prometheus.Histogram
	saves              *prometheus.CounterVec
	saveRetries        prometheus.Counter
	maintenancePasses  *prometheus.CounterVec
	searchDuration     *prometheus.HistogramVec
	records            prometheus.Gauge
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "upserts_total",
			Help:      "Total number of record upserts",
		}),
		embeddingsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "computed_total",
			Help:      "Total number of embeddings returned by the backend",
		}),
		embeddingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "failures_total",
			Help:      "Total number of failed backend calls",
		}),
		embeddingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "duration_seconds",
			Help:      "Backend call latency",
			Buckets:   prometheus.DefBuckets,
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "saves_total",
			Help:      "Save attempts by result (ok, error, skipped)",
		}, []string{"result"}),
		saveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "save_retries_total",
			Help:      "Retries after transient I/O failures",
		}),
		maintenancePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "passes_total",
			Help:      "Maintenance passes by outcome (completed, aborted, cleared, skipped)",
		}, []string{"outcome"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Similarity search latency by kind (text, vector)",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "records",
			Help:      "Current number of records in the store",
		}),
	}

	m.registry.MustRegister(
		m.upserts,
		m.embeddingsComputed,
		m.embeddingFailures,
		m.embeddingDuration,
		m.saves,
		m.saveRetries,
		m.maintenancePasses,
		m.searchDuration,
		m.records,
	)
	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Upserted counts one upsert.
func (m *Metrics) Upserted() {
	if m == nil {
		return
	}
	m.upserts.Inc()
}

// EmbeddingComputed counts one successful backend call.
func (m *Metrics) EmbeddingComputed() {
	if m == nil {
		return
	}
	m.embeddingsComputed.Inc()
}

// EmbeddingFailed counts one failed backend call.
func (m *Metrics) EmbeddingFailed() {
	if m == nil {
		return
	}
	m.embeddingFailures.Inc()
}

// EmbeddingTimer starts timing a backend call; call the returned func when it returns.
func (m *Metrics) EmbeddingTimer() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.embeddingDuration.Observe(time.Since(start).Seconds())
	}
}

// SaveFinished counts a save by result.
func (m *Metrics) SaveFinished(result string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result).Inc()
}

// SaveRetried counts one retry.
func (m *Metrics) SaveRetried() {
	if m == nil {
		return
	}
	m.saveRetries.Inc()
}

// MaintenanceFinished counts a maintenance pass by outcome.
func (m *Metrics) MaintenanceFinished(outcome string) {
	if m == nil {
		return
	}
	m.maintenancePasses.WithLabelValues(outcome).Inc()
}

// SearchObserved records the latency of one search.
func (m *Metrics) SearchObserved(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.searchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetRecords updates the record gauge.
func (m *Metrics) SetRecords(n int) {
	if m == nil {
		return
	}
	m.records.Set(float64(n))
}
