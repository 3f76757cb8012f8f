// Package metrics provides constants used across metric definitions.
package metrics

// Operation type constants recorded by the engine and its reconciler.
const (
	// OpNodeAdd represents unit construction for a new node.
	OpNodeAdd = "node_add"
	// OpNodeUpdate represents parameter reconciliation of a changed node.
	OpNodeUpdate = "node_update"
	// OpNodeRemove represents teardown of a removed node.
	OpNodeRemove = "node_remove"
	// OpConnect represents a connection between two units.
	OpConnect = "connect"
	// OpDisconnect represents removal of a connection.
	OpDisconnect = "disconnect"
	// OpUpdate represents a whole graph update.
	OpUpdate = "update"
	// OpReady represents engine readiness (module loading and initial graph).
	OpReady = "ready"
	// OpPlay represents a play transition.
	OpPlay = "play"
	// OpPause represents a pause transition.
	OpPause = "pause"
	// OpStop represents a stop transition including the context swap.
	OpStop = "stop"
	// OpClose represents engine close.
	OpClose = "close"
	// OpBufferLoad represents an external buffer load delivered to a node.
	OpBufferLoad = "buffer_load"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Histogram bucket configuration constants.
const (
	// BucketStart100us is the starting bucket for 0.1ms histograms (0.1ms to ~400ms range).
	BucketStart100us = 0.0001
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~4s range).
	BucketStart1ms = 0.001
	// BucketStart1KB is the starting bucket for 1KB histograms (1KB to ~1GB range).
	BucketStart1KB = 1024.0

	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2
	// BucketFactor4 grows byte buckets quickly.
	BucketFactor4 = 4

	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
	// BucketCount15 defines 15 exponential buckets.
	BucketCount15 = 15
)
