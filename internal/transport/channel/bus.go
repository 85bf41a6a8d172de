// Package channel is an in-process event bus between ingestion and the
// dispatcher.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/easy-gitops/internal/domain"
)

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 5 * time.Second

var ErrBufferFull = errors.New("event bus buffer full")

// MetricsSink records bus metrics. Methods must not block.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*EventBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

func WithMetrics(sink MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = sink
	}
}

type EventBus struct {
	ch          chan domain.Event
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.Event, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Emit enqueues event. It returns ErrBufferFull when no space frees up within
// the emit timeout, and ctx.Err() when ctx ends first.
func (b *EventBus) Emit(ctx context.Context, event domain.Event) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.recordSize()
		return nil
	case <-ctx.Done():
		b.recordError()
		return ctx.Err()
	case <-timer.C:
		b.recordError()
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.Event {
	return b.ch
}

func (b *EventBus) Len() int {
	return len(b.ch)
}

func (b *EventBus) Cap() int {
	return cap(b.ch)
}

func (b *EventBus) recordSize() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}

func (b *EventBus) recordError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
