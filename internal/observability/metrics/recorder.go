// Package metrics provides custom Prometheus metrics for the audio graph engine.
package metrics

// Recorder defines a minimal interface for recording metrics.
// Components depend on it rather than on concrete collectors so tests can
// substitute a recorder of their own.
type Recorder interface {
	// RecordOperation records an operation (e.g. "node_add") with its status.
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its category.
	RecordError(operation, errorType string)
}

// NoOpRecorder discards everything.
type NoOpRecorder struct{}

// RecordOperation implements Recorder.
func (NoOpRecorder) RecordOperation(string, string) {}

// RecordDuration implements Recorder.
func (NoOpRecorder) RecordDuration(string, float64) {}

// RecordError implements Recorder.
func (NoOpRecorder) RecordError(string, string) {}

var (
	_ Recorder = NoOpRecorder{}
	_ Recorder = (*EngineMetrics)(nil)
)
