package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Ingestion metrics
	eventsReceivedTotal *prometheus.CounterVec
	ingestRejectedTotal *prometheus.CounterVec

	// Dispatcher metrics
	eventOutcomesTotal *prometheus.CounterVec
	eventsInFlight     prometheus.Gauge
	eventLatency       prometheus.Histogram

	// Pipeline metrics
	jobRunsTotal         *prometheus.CounterVec
	jobDuration          prometheus.Histogram
	groupHaltsTotal      prometheus.Counter
	circuitRejectedTotal prometheus.Counter

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Reconciler metrics
	orphanedEvents       prometheus.Gauge
	eventsReemittedTotal prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initIngestMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initPipelineMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initReconcilerMetrics(reg)
	return s
}

func (s *PrometheusSink) initIngestMetrics(reg prometheus.Registerer) {
	s.eventsReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygitops_api_events_received_total",
		Help: "Total number of events accepted by the ingestion endpoint.",
	}, []string{"type"})
	s.ingestRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygitops_api_events_rejected_total",
		Help: "Total number of inbound events rejected before dispatch.",
	}, []string{"reason"})

	s.register(reg, s.eventsReceivedTotal, "easygitops_api_events_received_total")
	s.register(reg, s.ingestRejectedTotal, "easygitops_api_events_rejected_total")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.eventOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygitops_dispatcher_event_outcomes_total",
		Help: "Total number of handled events by type and final status.",
	}, []string{"type", "status"})
	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easygitops_dispatcher_events_in_flight",
		Help: "Number of events currently being processed.",
	})
	s.eventLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easygitops_dispatcher_event_latency_seconds",
		Help:    "Time from event receipt to the start of handling.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	})

	s.register(reg, s.eventOutcomesTotal, "easygitops_dispatcher_event_outcomes_total")
	s.register(reg, s.eventsInFlight, "easygitops_dispatcher_events_in_flight")
	s.register(reg, s.eventLatency, "easygitops_dispatcher_event_latency_seconds")
}

func (s *PrometheusSink) initPipelineMetrics(reg prometheus.Registerer) {
	s.jobRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygitops_pipeline_job_runs_total",
		Help: "Total number of job executions by result class.",
	}, []string{"result"})
	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easygitops_pipeline_job_duration_seconds",
		Help:    "Job execution time in seconds, container start to exit.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
	})
	s.groupHaltsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygitops_pipeline_group_halts_total",
		Help: "Total number of sequential groups halted by a failed job.",
	})
	s.circuitRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygitops_executor_circuit_rejections_total",
		Help: "Total number of jobs refused because their image circuit was open.",
	})

	s.register(reg, s.jobRunsTotal, "easygitops_pipeline_job_runs_total")
	s.register(reg, s.jobDuration, "easygitops_pipeline_job_duration_seconds")
	s.register(reg, s.groupHaltsTotal, "easygitops_pipeline_group_halts_total")
	s.register(reg, s.circuitRejectedTotal, "easygitops_executor_circuit_rejections_total")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easygitops_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easygitops_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easygitops_eventbus_buffer_saturation",
		Help: "Fraction of the event bus buffer in use (0-1).",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygitops_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full or timeout).",
	})

	s.register(reg, s.bufferSize, "easygitops_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "easygitops_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "easygitops_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "easygitops_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.orphanedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easygitops_reconciler_orphaned_events",
		Help: "Number of received events never claimed by a dispatcher, as of the last sweep.",
	})
	s.eventsReemittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygitops_reconciler_events_reemitted_total",
		Help: "Total number of orphaned events re-emitted onto the bus.",
	})

	s.register(reg, s.orphanedEvents, "easygitops_reconciler_orphaned_events")
	s.register(reg, s.eventsReemittedTotal, "easygitops_reconciler_events_reemitted_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Ingestion metrics implementation

func (s *PrometheusSink) EventReceived(eventType string) {
	s.eventsReceivedTotal.WithLabelValues(eventType).Inc()
}

func (s *PrometheusSink) IngestRejected(reason string) {
	s.ingestRejectedTotal.WithLabelValues(reason).Inc()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) EventOutcome(eventType, status string) {
	s.eventOutcomesTotal.WithLabelValues(eventType, status).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

func (s *PrometheusSink) EventLatencyObserve(latencySeconds float64) {
	s.eventLatency.Observe(latencySeconds)
}

// Pipeline metrics implementation

func (s *PrometheusSink) JobRunCompleted(result string, duration time.Duration) {
	s.jobRunsTotal.WithLabelValues(result).Inc()
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) GroupHalted() {
	s.groupHaltsTotal.Inc()
}

func (s *PrometheusSink) CircuitRejected() {
	s.circuitRejectedTotal.Inc()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) OrphanedEventsUpdate(count int) {
	s.orphanedEvents.Set(float64(count))
}

func (s *PrometheusSink) EventsReemitted(count int) {
	s.eventsReemittedTotal.Add(float64(count))
}
