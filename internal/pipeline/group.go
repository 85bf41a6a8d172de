package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Group composes jobs into a pipeline. A group is single-use: once RunEach or
// RunAll has been called, further runs and additions are rejected.
type Group struct {
	mu      sync.Mutex
	jobs    []*Job
	results []Result
	ran     atomic.Bool
}

// Result is the recorded outcome of one job in a group run.
type Result struct {
	Job     string
	Err     error
	Skipped bool
}

func (r Result) Succeeded() bool {
	return r.Err == nil && !r.Skipped
}

func NewGroup(jobs ...*Job) (*Group, error) {
	g := &Group{}
	for _, j := range jobs {
		if err := g.Add(j); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Add appends a job. The job is consumed by the group and cannot be run
// standalone afterwards.
func (g *Group) Add(j *Job) error {
	if j == nil {
		return errors.New("nil job")
	}
	if g.ran.Load() {
		return ErrGroupAlreadyRun
	}
	if err := j.claim(); err != nil {
		return err
	}
	g.mu.Lock()
	g.jobs = append(g.jobs, j)
	g.mu.Unlock()
	return nil
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.jobs)
}

// RunEach runs the jobs sequentially in insertion order. The first failure
// halts the group: remaining jobs are skipped and a *HaltError is returned.
// Job i+1 never starts before job i has finished successfully.
func (g *Group) RunEach(ctx context.Context, runner Runner) error {
	jobs, err := g.start()
	if err != nil {
		return err
	}

	results := make([]Result, len(jobs))
	for i, j := range jobs {
		results[i].Job = j.Name
	}

	for i, j := range jobs {
		if err := ctx.Err(); err != nil {
			return g.halt(results, i, fmt.Errorf("job %s not started: %w", j.Name, err))
		}
		if err := j.execute(ctx, runner); err != nil {
			return g.halt(results, i, err)
		}
	}

	g.finish(results)
	return nil
}

func (g *Group) halt(results []Result, failed int, err error) error {
	results[failed].Err = err

	var skipped []string
	for k := failed + 1; k < len(results); k++ {
		results[k].Skipped = true
		skipped = append(skipped, results[k].Job)
	}
	g.finish(results)

	log.Printf("pipeline: group halted at job=%s skipped=%d", results[failed].Job, len(skipped))
	return &HaltError{Failed: results[failed].Job, Skipped: skipped, Err: err}
}

// RunAll starts every job concurrently and waits for all of them. It returns
// the join of all job errors, or nil when every job succeeded. No ordering
// between jobs is guaranteed.
func (g *Group) RunAll(ctx context.Context, runner Runner) error {
	jobs, err := g.start()
	if err != nil {
		return err
	}

	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		results[i].Job = j.Name
		wg.Add(1)
		go func(i int, j *Job) {
			defer wg.Done()
			results[i].Err = j.execute(ctx, runner)
		}(i, j)
	}
	wg.Wait()

	g.finish(results)

	errs := make([]error, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// Results returns the per-job outcomes of the completed run, in insertion
// order. It is empty before the group has run.
func (g *Group) Results() []Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Result(nil), g.results...)
}

func (g *Group) start() ([]*Job, error) {
	if !g.ran.CompareAndSwap(false, true) {
		return nil, ErrGroupAlreadyRun
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Job(nil), g.jobs...), nil
}

func (g *Group) finish(results []Result) {
	g.mu.Lock()
	g.results = results
	g.mu.Unlock()
}
