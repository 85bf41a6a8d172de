package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Runner is the external execution substrate: it starts one container from
// Image, runs Tasks in order inside it with Env applied, and reports the
// outcome. Implementations must be safe for concurrent use.
//
// A non-zero exit is reported as *ExitError; any other error is an
// infrastructure failure.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

type RunRequest struct {
	RunID uuid.UUID

	JobName        string
	Image          string
	Tasks          []string
	Env            map[string]string
	StorageEnabled bool
}

type RunResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// ExitError reports a container that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req RunRequest) (RunResult, error)

func (f RunnerFunc) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	return f(ctx, req)
}
