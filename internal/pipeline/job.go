// Package pipeline defines jobs, the unit of containerized work, and groups,
// which compose jobs into ordered or concurrent pipelines.
//
// A Job is consumed by exactly one execution path: either it is run
// standalone with Run, or it is added to a Group. A second submission is
// rejected with ErrJobAlreadySubmitted, so a job never executes twice by
// accident.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Job struct {
	Name           string
	Image          string
	Tasks          []string
	Env            map[string]string
	StorageEnabled bool

	// Timeout bounds a single execution; zero means no limit beyond ctx.
	Timeout time.Duration

	submitted atomic.Bool
}

type JobOption func(*Job) error

// WithEnv sets one environment variable. Setting a key twice is an error.
func WithEnv(key, value string) JobOption {
	return func(j *Job) error {
		if _, ok := j.Env[key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateEnv, key)
		}
		j.Env[key] = value
		return nil
	}
}

// WithEnvMap sets every entry of env, failing on the first duplicate key.
func WithEnvMap(env map[string]string) JobOption {
	return func(j *Job) error {
		for k, v := range env {
			if err := WithEnv(k, v)(j); err != nil {
				return err
			}
		}
		return nil
	}
}

func WithStorage(enabled bool) JobOption {
	return func(j *Job) error {
		j.StorageEnabled = enabled
		return nil
	}
}

func WithTimeout(d time.Duration) JobOption {
	return func(j *Job) error {
		j.Timeout = d
		return nil
	}
}

// NewJob validates and builds a job. Tasks run in order inside one container.
func NewJob(name, image string, tasks []string, opts ...JobOption) (*Job, error) {
	if name == "" {
		return nil, ErrEmptyJobName
	}
	if image == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyImage, name)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTasks, name)
	}

	j := &Job{
		Name:  name,
		Image: image,
		Tasks: append([]string(nil), tasks...),
		Env:   make(map[string]string),
	}
	for _, opt := range opts {
		if err := opt(j); err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
	}
	return j, nil
}

// claim marks the job as submitted to an execution path.
func (j *Job) claim() error {
	if !j.submitted.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrJobAlreadySubmitted, j.Name)
	}
	return nil
}

// Run executes the job standalone. It performs exactly one container
// execution and never retries.
func (j *Job) Run(ctx context.Context, runner Runner) error {
	if err := j.claim(); err != nil {
		return err
	}
	return j.execute(ctx, runner)
}

func (j *Job) execute(ctx context.Context, runner Runner) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	req := RunRequest{
		RunID:          uuid.New(),
		JobName:        j.Name,
		Image:          j.Image,
		Tasks:          append([]string(nil), j.Tasks...),
		Env:            copyEnv(j.Env),
		StorageEnabled: j.StorageEnabled,
	}

	log.Printf("pipeline: job=%s run=%s image=%s started", j.Name, req.RunID, j.Image)
	result, err := runner.Run(ctx, req)
	if err != nil {
		jobErr := &JobError{Job: j.Name, Err: err}
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			jobErr.ExitCode = exitErr.Code
		}
		log.Printf("pipeline: job=%s run=%s failed: %v", j.Name, req.RunID, err)
		return jobErr
	}

	log.Printf("pipeline: job=%s run=%s succeeded duration=%s", j.Name, req.RunID, result.Duration)
	return nil
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
