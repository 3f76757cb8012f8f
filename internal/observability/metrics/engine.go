// Package metrics provides Prometheus metrics for the graph engine
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphakala/audiograph/internal/logger"
)

// Playback states reported by SetPlaybackState.
var playbackStates = []string{"stopped", "playing", "pausing", "closed"}

// EngineMetrics contains Prometheus metrics for graph reconciliation and playback
type EngineMetrics struct {
	registry *prometheus.Registry

	// Operation metrics
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec

	// Live graph metrics
	liveUnits       prometheus.Gauge
	liveConnections prometheus.Gauge

	// Playback metrics
	playbackState *prometheus.GaugeVec
	underruns     prometheus.Gauge
	outputLevel   *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewEngineMetrics creates and registers new engine metrics
func NewEngineMetrics(registry *prometheus.Registry) (*EngineMetrics, error) {
	m := &EngineMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *EngineMetrics) initMetrics() error {
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiograph_operations_total",
			Help: "Total number of engine and reconciler operations",
		},
		[]string{"operation", "status"},
	)

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audiograph_operation_duration_seconds",
			Help:    "Time taken by engine operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount15), // 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiograph_errors_total",
			Help: "Total number of engine errors by category",
		},
		[]string{"operation", "error_type"},
	)

	m.liveUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audiograph_live_units",
			Help: "Number of processing units in the live graph",
		},
	)

	m.liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audiograph_live_connections",
			Help: "Number of connections in the live graph",
		},
	)

	m.playbackState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiograph_playback_state",
			Help: "Current playback state (1 for the active state)",
		},
		[]string{"state"},
	)

	m.underruns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audiograph_render_underruns",
			Help: "Device periods played as silence because rendering fell behind, for the current context",
		},
	)

	m.outputLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiograph_output_level",
			Help: "Master output level in linear amplitude",
		},
		[]string{"channel", "kind"},
	)

	m.collectors = []prometheus.Collector{
		m.operationsTotal,
		m.operationDuration,
		m.errorsTotal,
		m.liveUnits,
		m.liveConnections,
		m.playbackState,
		m.underruns,
		m.outputLevel,
	}
	return nil
}

// Describe implements the Collector interface
func (m *EngineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *EngineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordOperation implements Recorder
func (m *EngineMetrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder
func (m *EngineMetrics) RecordDuration(operation string, seconds float64) {
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder
func (m *EngineMetrics) RecordError(operation, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetLiveGraph updates the live unit and connection counts
func (m *EngineMetrics) SetLiveGraph(units, connections int) {
	m.liveUnits.Set(float64(units))
	m.liveConnections.Set(float64(connections))
}

// SetPlaybackState marks state as the active playback state
func (m *EngineMetrics) SetPlaybackState(state string) {
	known := false
	for _, s := range playbackStates {
		v := 0.0
		if s == state {
			v, known = 1, true
		}
		m.playbackState.WithLabelValues(s).Set(v)
	}
	if !known {
		log.Debug("unknown playback state reported", logger.String("state", state))
	}
}

// SetUnderruns reports the underrun count of the current context
func (m *EngineMetrics) SetUnderruns(n uint64) {
	m.underruns.Set(float64(n))
}

// SetLevels reports per-channel RMS and peak levels
func (m *EngineMetrics) SetLevels(rms, peak []float64) {
	for ch, v := range rms {
		m.outputLevel.WithLabelValues(strconv.Itoa(ch), "rms").Set(v)
	}
	for ch, v := range peak {
		m.outputLevel.WithLabelValues(strconv.Itoa(ch), "peak").Set(v)
	}
}
