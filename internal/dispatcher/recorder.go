package dispatcher

import (
	"context"
	"errors"
	"log"

	"github.com/djlord-it/easy-gitops/internal/domain"
	"github.com/djlord-it/easy-gitops/internal/executor"
	"github.com/djlord-it/easy-gitops/internal/pipeline"
)

// recorder wraps the dispatcher's runner so every job execution of event is
// persisted as a JobRun. Recording is best-effort: a store failure is logged
// and never changes the job outcome.
func (d *Dispatcher) recorder(event domain.Event) pipeline.Runner {
	return pipeline.RunnerFunc(func(ctx context.Context, req pipeline.RunRequest) (pipeline.RunResult, error) {
		// Runs are recorded even when ctx ends, so the timeout is visible.
		recordCtx := context.WithoutCancel(ctx)

		run := domain.JobRun{
			ID:        req.RunID,
			EventID:   event.ID,
			BuildID:   event.BuildID,
			JobName:   req.JobName,
			Image:     req.Image,
			Status:    domain.JobRunRunning,
			StartedAt: d.now().UTC(),
		}
		if err := d.store.InsertJobRun(recordCtx, run); err != nil {
			log.Printf("dispatcher: event=%s job=%s failed to record run: %v", event.ID, req.JobName, err)
		}

		result, err := d.runner.Run(ctx, req)

		run.FinishedAt = d.now().UTC()
		run.Status = domain.JobRunSucceeded
		if err != nil {
			run.Status = domain.JobRunFailed
			run.Error = err.Error()
			var exitErr *pipeline.ExitError
			if errors.As(err, &exitErr) {
				run.ExitCode = exitErr.Code
			}
		}
		if err := d.store.FinishJobRun(recordCtx, run); err != nil {
			log.Printf("dispatcher: event=%s job=%s failed to record outcome: %v", event.ID, req.JobName, err)
		}

		if d.metrics != nil {
			d.metrics.JobRunCompleted(executor.Classify(err), run.FinishedAt.Sub(run.StartedAt))
		}
		return result, err
	})
}
