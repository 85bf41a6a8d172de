// Package reconciler detects and re-emits orphaned events.
//
// An event is orphaned when it was persisted with status='received' but never
// reached the dispatcher (the bus was full, or the process stopped before the
// event was consumed).
//
// The reconciler periodically scans for orphaned events and re-emits them to
// the event bus. Idempotency comes from the dispatcher's claim guard: an
// event that was already claimed is skipped on re-delivery.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/djlord-it/easy-gitops/internal/domain"
)

// Store defines the interface for fetching orphaned events.
type Store interface {
	GetOrphanedEvents(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Event, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.Event) error
}

// MetricsSink records reconciler metrics. Methods must not block.
type MetricsSink interface {
	OrphanedEventsUpdate(count int)
	EventsReemitted(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 1 minute.
	Interval time.Duration

	// Threshold is the age after which a received event is considered orphaned.
	// Default: 2 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of orphans to process per cycle.
	// Default: 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Threshold: 2 * time.Minute,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config  Config
	store   Store
	emitter EventEmitter
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store, emitter EventEmitter) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()

	orphans, err := r.store.GetOrphanedEvents(ctx, now.Add(-r.config.Threshold), r.config.BatchSize)
	if err != nil {
		// Retried next interval.
		log.Printf("reconciler: failed to fetch orphans: %v", err)
		return
	}

	if r.metrics != nil {
		r.metrics.OrphanedEventsUpdate(len(orphans))
	}
	if len(orphans) == 0 {
		return
	}

	log.Printf("reconciler: found %d orphaned events", len(orphans))

	emitted := 0
	failed := 0
	defer func() {
		if r.metrics != nil && emitted > 0 {
			r.metrics.EventsReemitted(emitted)
		}
	}()

	for _, event := range orphans {
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d orphans", emitted+failed, len(orphans))
			return
		}

		if err := r.emitter.Emit(ctx, event); err != nil {
			log.Printf("reconciler: failed to re-emit event=%s project=%s: %v",
				event.ID, event.Project, err)
			failed++
			continue
		}

		log.Printf("reconciler: re-emitted event=%s type=%s project=%s build=%s (age=%s)",
			event.ID, event.Type, event.Project, event.BuildID,
			now.Sub(event.ReceivedAt).Round(time.Second))
		emitted++
	}

	log.Printf("reconciler: cycle complete, re-emitted=%d, failed=%d", emitted, failed)
}
