package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/djlord-it/easy-gitops/internal/pipeline"
)

// FakeRunner records every RunRequest and returns scripted outcomes keyed by
// job name. Jobs without a scripted outcome succeed.
type FakeRunner struct {
	mu       sync.Mutex
	requests []pipeline.RunRequest
	errs     map[string]error
	delays   map[string]time.Duration
	inFlight int
	maxSeen  int
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		errs:   make(map[string]error),
		delays: make(map[string]time.Duration),
	}
}

// FailJob makes the named job return err.
func (r *FakeRunner) FailJob(name string, err error) *FakeRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[name] = err
	return r
}

// DelayJob makes the named job block for d, or until ctx is done.
func (r *FakeRunner) DelayJob(name string, d time.Duration) *FakeRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays[name] = d
	return r
}

func (r *FakeRunner) Run(ctx context.Context, req pipeline.RunRequest) (pipeline.RunResult, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	err := r.errs[req.JobName]
	delay := r.delays[req.JobName]
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return pipeline.RunResult{}, ctx.Err()
		}
	}

	if err != nil {
		return pipeline.RunResult{ExitCode: exitCode(err)}, err
	}
	return pipeline.RunResult{Duration: delay}, nil
}

// Requests returns the recorded requests in start order.
func (r *FakeRunner) Requests() []pipeline.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.RunRequest(nil), r.requests...)
}

// JobNames returns the names of started jobs in start order.
func (r *FakeRunner) JobNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.requests))
	for i, req := range r.requests {
		names[i] = req.JobName
	}
	return names
}

// Request returns the first request for the named job.
func (r *FakeRunner) Request(name string) (pipeline.RunRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.JobName == name {
			return req, true
		}
	}
	return pipeline.RunRequest{}, false
}

// MaxConcurrent returns the highest number of simultaneously running jobs.
func (r *FakeRunner) MaxConcurrent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxSeen
}

func exitCode(err error) int {
	if e, ok := err.(*pipeline.ExitError); ok {
		return e.Code
	}
	return 0
}
