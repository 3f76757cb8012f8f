package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics counts and times control API requests by matched route.
type HTTPMetrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpErrorsTotal     *prometheus.CounterVec
}

// NewHTTPMetrics registers the control API metrics on registry.
func NewHTTPMetrics(registry prometheus.Registerer) (*HTTPMetrics, error) {
	m := &HTTPMetrics{
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiograph_http_requests_total",
			Help: "Control API requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiograph_http_request_duration_seconds",
			Help:    "Control API request latency",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount15),
		}, []string{"method", "route"}),
		httpErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiograph_http_errors_total",
			Help: "Control API responses with a 4xx or 5xx status, by class",
		}, []string{"route", "class"}),
	}

	for _, c := range []prometheus.Collector{m.httpRequestsTotal, m.httpRequestDuration, m.httpErrorsTotal} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordHTTPRequest records a served request. route is the matched route
// pattern, not the raw path.
func (m *HTTPMetrics) RecordHTTPRequest(method, route string, status int, seconds float64) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(seconds)

	switch {
	case status >= 500:
		m.httpErrorsTotal.WithLabelValues(route, "5xx").Inc()
	case status >= 400:
		m.httpErrorsTotal.WithLabelValues(route, "4xx").Inc()
	}
}
