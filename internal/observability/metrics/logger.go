// Package metrics provides Prometheus metrics for observability.
package metrics

import "github.com/tphakala/audiograph/internal/logger"

// Package-level cached logger instance.
var log = logger.Global().Module("metrics")
