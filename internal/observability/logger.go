// Package observability provides Prometheus metrics for the audio graph engine.
package observability

import "github.com/tphakala/audiograph/internal/logger"

// Package-level cached logger instance.
var log = logger.Global().Module("metrics")
