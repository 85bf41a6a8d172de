package executor

import (
	"context"
	"errors"

	"github.com/djlord-it/easy-gitops/internal/circuitbreaker"
	"github.com/djlord-it/easy-gitops/internal/pipeline"
)

// Result classes for job-run metrics. The set is closed to keep label
// cardinality bounded.
const (
	ResultSucceeded      = "succeeded"
	ResultFailed         = "failed"
	ResultTimeout        = "timeout"
	ResultCanceled       = "canceled"
	ResultCircuitOpen    = "circuit_open"
	ResultInfrastructure = "infrastructure"
)

// Classify maps a runner error to a result class.
func Classify(err error) string {
	var exitErr *pipeline.ExitError
	switch {
	case err == nil:
		return ResultSucceeded
	case errors.As(err, &exitErr):
		return ResultFailed
	case errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, context.Canceled):
		return ResultCanceled
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return ResultCircuitOpen
	default:
		return ResultInfrastructure
	}
}
