package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventReceived(eventType string)                        {}
func (n *NoopSink) IngestRejected(reason string)                          {}
func (n *NoopSink) EventOutcome(eventType, status string)                 {}
func (n *NoopSink) EventsInFlightIncr()                                   {}
func (n *NoopSink) EventsInFlightDecr()                                   {}
func (n *NoopSink) EventLatencyObserve(latencySeconds float64)            {}
func (n *NoopSink) JobRunCompleted(result string, duration time.Duration) {}
func (n *NoopSink) GroupHalted()                                          {}
func (n *NoopSink) CircuitRejected()                                      {}
func (n *NoopSink) BufferSizeUpdate(size int)                             {}
func (n *NoopSink) BufferCapacitySet(capacity int)                        {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)             {}
func (n *NoopSink) EmitError()                                            {}
func (n *NoopSink) OrphanedEventsUpdate(count int)                        {}
func (n *NoopSink) EventsReemitted(count int)                             {}
