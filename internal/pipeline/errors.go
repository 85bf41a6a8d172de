package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyJobName        = errors.New("job name is required")
	ErrEmptyImage          = errors.New("job image is required")
	ErrNoTasks             = errors.New("job has no tasks")
	ErrDuplicateEnv        = errors.New("env variable already set")
	ErrJobAlreadySubmitted = errors.New("job already submitted")
	ErrGroupAlreadyRun     = errors.New("group already run")
)

// JobError is a job execution failure: the container exited non-zero or the
// runner could not execute it.
type JobError struct {
	Job      string
	ExitCode int
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.Job, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Infrastructure reports whether the job failed before producing an exit code.
func (e *JobError) Infrastructure() bool {
	var exitErr *ExitError
	return !errors.As(e.Err, &exitErr)
}

// HaltError is returned by Group.RunEach when a job fails and the remaining
// jobs are skipped.
type HaltError struct {
	Failed  string
	Skipped []string
	Err     error
}

func (e *HaltError) Error() string {
	if len(e.Skipped) == 0 {
		return fmt.Sprintf("group halted at %s: %v", e.Failed, e.Err)
	}
	return fmt.Sprintf("group halted at %s (skipped %s): %v", e.Failed, strings.Join(e.Skipped, ", "), e.Err)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}
