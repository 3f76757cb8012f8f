// Package observability provides Prometheus metrics for the audio graph engine.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry
	Engine   *metrics.EngineMetrics
	Resource *metrics.ResourceMetrics
	HTTP     *metrics.HTTPMetrics
}

// NewMetrics creates a new instance of Metrics on a fresh registry.
// It returns an error if any metric collector fails to initialize.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	engineMetrics, err := metrics.NewEngineMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}

	resourceMetrics, err := metrics.NewResourceMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Engine:   engineMetrics,
		Resource: resourceMetrics,
		HTTP:     httpMetrics,
	}, nil
}

// Registry returns the registry every collector is registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      handlerLog{},
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// handlerLog adapts the module logger to promhttp.Logger.
type handlerLog struct{}

func (handlerLog) Println(v ...any) {
	log.Error("metrics handler error", logger.String("error", fmt.Sprint(v...)))
}
