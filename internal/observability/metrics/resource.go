package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ResourceMetrics contains Prometheus metrics for external buffer loading.
// It satisfies the resource cache Observer interface.
type ResourceMetrics struct {
	registry *prometheus.Registry

	fetchesTotal  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchBytes    prometheus.Histogram
	entries       prometheus.Gauge

	collectors []prometheus.Collector
}

// NewResourceMetrics creates and registers new resource metrics
func NewResourceMetrics(registry *prometheus.Registry) (*ResourceMetrics, error) {
	m := &ResourceMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ResourceMetrics) initMetrics() error {
	m.fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiograph_resource_fetches_total",
			Help: "Total number of buffer fetch-and-decode operations",
		},
		[]string{"scheme", "status"},
	)

	m.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audiograph_resource_fetch_duration_seconds",
			Help:    "Time taken to fetch and decode a buffer",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12), // 1ms to ~4s
		},
		[]string{"scheme"},
	)

	m.fetchBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audiograph_resource_fetch_bytes",
			Help:    "Size of fetched buffer files",
			Buckets: prometheus.ExponentialBuckets(BucketStart1KB, BucketFactor4, BucketCount12),
		},
	)

	m.entries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audiograph_resource_entries",
			Help: "Number of URLs currently held by at least one node",
		},
	)

	m.collectors = []prometheus.Collector{
		m.fetchesTotal,
		m.fetchDuration,
		m.fetchBytes,
		m.entries,
	}
	return nil
}

// Describe implements the Collector interface
func (m *ResourceMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *ResourceMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// FetchCompleted records one fetch-and-decode
func (m *ResourceMetrics) FetchCompleted(scheme string, bytes int, d time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.fetchesTotal.WithLabelValues(scheme, status).Inc()
	m.fetchDuration.WithLabelValues(scheme).Observe(d.Seconds())
	if bytes > 0 {
		m.fetchBytes.Observe(float64(bytes))
	}
}

// EntriesChanged records the live entry count
func (m *ResourceMetrics) EntriesChanged(n int) {
	m.entries.Set(float64(n))
}
