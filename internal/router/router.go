// Package router dispatches an inbound event by its declared type to exactly
// one handler.
//
// The set of routable types is closed: Handler has one method per known
// event type, so a handler that misses a type does not compile. Events of any
// other type are unroutable and produce no side effects.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/djlord-it/easy-gitops/internal/domain"
	"github.com/djlord-it/easy-gitops/internal/pipeline"
)

// ErrMalformedEvent is returned when an event payload is missing required
// fields. Handlers wrap it; callers compare with errors.Is.
var ErrMalformedEvent = domain.ErrMalformedEvent

var ErrNilRunner = errors.New("router: nil runner")

// Context carries everything a handler may touch for one event. It is built
// fresh for every Route call and must not be retained after the handler
// returns.
type Context struct {
	Event   domain.Event
	Project domain.Project
	Runner  pipeline.Runner
}

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, ec *Context) (Outcome, error)

// Handler implements every known event type.
type Handler interface {
	ImagePush(ctx context.Context, ec *Context) (Outcome, error)
	PullRequest(ctx context.Context, ec *Context) (Outcome, error)
	Push(ctx context.Context, ec *Context) (Outcome, error)
	Error(ctx context.Context, ec *Context) (Outcome, error)
}

type Router struct {
	table map[domain.EventType]HandlerFunc
}

func New(h Handler) *Router {
	return &Router{
		table: map[domain.EventType]HandlerFunc{
			domain.EventTypeImagePush:   h.ImagePush,
			domain.EventTypePullRequest: h.PullRequest,
			domain.EventTypePush:        h.Push,
			domain.EventTypeError:       h.Error,
		},
	}
}

// Routable reports whether a handler is registered for t.
func (r *Router) Routable(t domain.EventType) bool {
	_, ok := r.table[t]
	return ok
}

// Route invokes the handler registered for event.Type at most once. It never
// retries. An unregistered type returns an Unroutable outcome without
// touching the runner.
func (r *Router) Route(ctx context.Context, event domain.Event, project domain.Project, runner pipeline.Runner) (Outcome, error) {
	fn, ok := r.table[event.Type]
	if !ok {
		log.Printf("router: event=%s type=%q unroutable", event.ID, event.Type)
		return Unroutable(), nil
	}
	if runner == nil {
		return Outcome{}, ErrNilRunner
	}

	ec := &Context{Event: event, Project: project, Runner: runner}
	outcome, err := fn(ctx, ec)
	if err != nil {
		return outcome, fmt.Errorf("handle %s event %s: %w", event.Type, event.ID, err)
	}
	if outcome.Status == "" {
		outcome = Handled()
	}
	return outcome, nil
}
