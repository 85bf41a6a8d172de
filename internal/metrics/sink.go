package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Ingestion metrics
	EventReceived(eventType string)
	IngestRejected(reason string)

	// Dispatcher metrics
	EventOutcome(eventType, status string)
	EventsInFlightIncr()
	EventsInFlightDecr()
	EventLatencyObserve(latencySeconds float64)

	// Pipeline metrics
	JobRunCompleted(result string, duration time.Duration)
	GroupHalted()
	CircuitRejected()

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Reconciler metrics
	OrphanedEventsUpdate(count int)
	EventsReemitted(count int)
}

// Reasons for IngestRejected.
const (
	RejectBadRequest     = "bad_request"
	RejectBadSignature   = "bad_signature"
	RejectUnknownProject = "unknown_project"
	RejectDuplicate      = "duplicate"
	RejectStoreError     = "store_error"
)

// LabelOther replaces label values outside the allowed set.
const LabelOther = "other"

// BoundedLabel returns v when it is one of allowed and LabelOther otherwise.
// Event types come from the network; this keeps label cardinality bounded.
func BoundedLabel(v string, allowed []string) string {
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return LabelOther
}
