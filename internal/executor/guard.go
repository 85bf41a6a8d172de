package executor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/djlord-it/easy-gitops/internal/circuitbreaker"
	"github.com/djlord-it/easy-gitops/internal/pipeline"
)

// MetricsSink records executor metrics. Methods must not block.
type MetricsSink interface {
	CircuitRejected()
}

// GuardedRunner refuses to start jobs whose image has failed repeatedly at
// the infrastructure level. Non-zero exits mean the container ran and do not
// count against the image.
type GuardedRunner struct {
	next    pipeline.Runner
	breaker *circuitbreaker.CircuitBreaker
	metrics MetricsSink
}

func NewGuardedRunner(next pipeline.Runner, breaker *circuitbreaker.CircuitBreaker) *GuardedRunner {
	return &GuardedRunner{next: next, breaker: breaker}
}

func (g *GuardedRunner) WithMetrics(sink MetricsSink) *GuardedRunner {
	g.metrics = sink
	return g
}

func (g *GuardedRunner) Run(ctx context.Context, req pipeline.RunRequest) (pipeline.RunResult, error) {
	if err := g.breaker.Allow(req.Image); err != nil {
		log.Printf("executor: job=%s image=%s rejected: %v", req.JobName, req.Image, err)
		if g.metrics != nil {
			g.metrics.CircuitRejected()
		}
		return pipeline.RunResult{}, fmt.Errorf("job %s: %w", req.JobName, err)
	}

	result, err := g.next.Run(ctx, req)

	var exitErr *pipeline.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
		g.breaker.RecordSuccess(req.Image)
	case ctx.Err() != nil:
		// Cancellation says nothing about the image.
	default:
		g.breaker.RecordFailure(req.Image)
	}
	return result, err
}
