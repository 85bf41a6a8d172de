package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-gitops/internal/domain"
	"github.com/djlord-it/easy-gitops/internal/metrics"
	"github.com/djlord-it/easy-gitops/internal/pipeline"
	"github.com/djlord-it/easy-gitops/internal/router"
)

// ErrStatusTransitionDenied is returned when a status update does not start
// from the expected state: the event was already claimed, or already reached
// a terminal state.
var ErrStatusTransitionDenied = errors.New("status transition denied: event already claimed or terminal")

var ErrUnknownProject = errors.New("unknown project")

// DefaultDrainTimeout is the maximum time to wait for buffered events during shutdown.
const DefaultDrainTimeout = 30 * time.Second

type Store interface {
	// ClaimEvent moves an event from received to handling. Implementations
	// MUST return ErrStatusTransitionDenied when the event is in any other
	// state, so that a re-delivered event is handled at most once.
	ClaimEvent(ctx context.Context, id uuid.UUID) error
	// CompleteEvent moves a claimed event to a terminal status.
	// Implementations MUST return ErrStatusTransitionDenied unless the event
	// is in handling.
	CompleteEvent(ctx context.Context, id uuid.UUID, status domain.EventStatus, reason, errMsg string) error
	InsertJobRun(ctx context.Context, run domain.JobRun) error
	FinishJobRun(ctx context.Context, run domain.JobRun) error
}

type ProjectSource interface {
	Lookup(name string) (domain.Project, bool)
}

type Router interface {
	Route(ctx context.Context, event domain.Event, project domain.Project, runner pipeline.Runner) (router.Outcome, error)
}

type AnalyticsSink interface {
	Record(ctx context.Context, event domain.Event, status domain.EventStatus)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	EventOutcome(eventType, status string)
	EventsInFlightIncr()
	EventsInFlightDecr()
	EventLatencyObserve(latencySeconds float64)
	JobRunCompleted(result string, duration time.Duration)
	GroupHalted()
}

type Dispatcher struct {
	store     Store
	projects  ProjectSource
	router    Router
	runner    pipeline.Runner
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled

	workers      int
	drainTimeout time.Duration
	now          func() time.Time
}

func New(store Store, projects ProjectSource, r Router, runner pipeline.Runner) *Dispatcher {
	return &Dispatcher{
		store:        store,
		projects:     projects,
		router:       r,
		runner:       runner,
		workers:      1,
		drainTimeout: DefaultDrainTimeout,
		now:          time.Now,
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithWorkers sets how many events are handled concurrently.
func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

func (d *Dispatcher) WithDrainTimeout(timeout time.Duration) *Dispatcher {
	d.drainTimeout = timeout
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run processes events from the channel until context is cancelled.
// Handlers run on a context detached from ctx so that a shutdown signal does
// not abort pipelines halfway; job timeouts still bound them. After
// cancellation, remaining buffered events are drained with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.Event) {
	handleCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.loop(ctx, handleCtx, ch, worker)
		}(i)
	}
	wg.Wait()

	d.drain(ch)
}

func (d *Dispatcher) loop(ctx, handleCtx context.Context, ch <-chan domain.Event, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := d.Dispatch(handleCtx, event); err != nil {
				log.Printf("dispatcher: worker=%d error: %v", worker, err)
			}
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
// Events still buffered at the deadline are left unclaimed for the reconciler.
func (d *Dispatcher) drain(ch <-chan domain.Event) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		// select picks randomly among ready cases, so the deadline is
		// checked first.
		if drainCtx.Err() != nil {
			log.Printf("dispatcher: drain timeout, processed %d events", count)
			return
		}
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("dispatcher: drain timeout, processed %d events", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				log.Printf("dispatcher: drain complete, processed %d events", count)
				return
			}
			if err := d.Dispatch(drainCtx, event); err != nil {
				log.Printf("dispatcher: drain error: %v", err)
			}
			count++
		default:
			// No more buffered events
			if count > 0 {
				log.Printf("dispatcher: drain complete, processed %d events", count)
			}
			return
		}
	}
}

// Dispatch claims one event, routes it, and records the outcome. Events that
// another worker already claimed are skipped without error. A handler
// failure is recorded on the event and also returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.Event) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	if err := d.store.ClaimEvent(ctx, event.ID); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			log.Printf("dispatcher: event=%s already claimed, skipping", event.ID)
			return nil
		}
		return fmt.Errorf("claim event %s: %w", event.ID, err)
	}

	if d.metrics != nil && !event.ReceivedAt.IsZero() {
		d.metrics.EventLatencyObserve(d.now().Sub(event.ReceivedAt).Seconds())
	}

	log.Printf("dispatcher: event=%s type=%s project=%s build=%s handling",
		event.ID, event.Type, event.Project, event.BuildID)

	status, reason, handleErr := d.handle(ctx, event)

	errMsg := ""
	if handleErr != nil {
		errMsg = handleErr.Error()
	}
	switch status {
	case domain.EventStatusFiltered:
		log.Printf("dispatcher: event=%s filtered reason=%q", event.ID, reason)
	case domain.EventStatusIgnored:
		log.Printf("dispatcher: event=%s type=%q ignored: no handler", event.ID, event.Type)
	case domain.EventStatusFailed:
		log.Printf("dispatcher: event=%s failed: %v", event.ID, handleErr)
	default:
		log.Printf("dispatcher: event=%s %s", event.ID, status)
	}

	// The outcome is recorded even when ctx expired during handling, otherwise
	// the event would stay in handling where the reconciler never looks.
	if err := d.store.CompleteEvent(context.WithoutCancel(ctx), event.ID, status, reason, errMsg); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			log.Printf("dispatcher: event=%s already terminal, skipping status update", event.ID)
		} else {
			return fmt.Errorf("complete event %s: %w", event.ID, err)
		}
	}

	if d.metrics != nil {
		d.metrics.EventOutcome(typeLabel(event.Type), string(status))
	}
	if d.analytics != nil {
		d.analytics.Record(ctx, event, status)
	}

	if handleErr != nil {
		return fmt.Errorf("event %s: %w", event.ID, handleErr)
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, event domain.Event) (domain.EventStatus, string, error) {
	project, ok := d.projects.Lookup(event.Project)
	if !ok {
		return domain.EventStatusFailed, "", fmt.Errorf("%w: %q", ErrUnknownProject, event.Project)
	}

	outcome, err := d.router.Route(ctx, event, project, d.recorder(event))
	if err != nil {
		var halt *pipeline.HaltError
		if errors.As(err, &halt) && d.metrics != nil {
			d.metrics.GroupHalted()
		}
		return domain.EventStatusFailed, "", err
	}

	switch outcome.Status {
	case router.StatusFiltered:
		return domain.EventStatusFiltered, outcome.Reason, nil
	case router.StatusUnroutable:
		return domain.EventStatusIgnored, "no handler for event type", nil
	default:
		return domain.EventStatusHandled, "", nil
	}
}

var knownTypeLabels = func() []string {
	var labels []string
	for _, t := range domain.KnownEventTypes() {
		labels = append(labels, string(t))
	}
	return labels
}()

func typeLabel(t domain.EventType) string {
	return metrics.BoundedLabel(string(t), knownTypeLabels)
}
