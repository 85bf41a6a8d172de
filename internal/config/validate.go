package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/djlord-it/easy-gitops/internal/gitops"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.ProjectsFile == "" {
		add("PROJECTS_FILE", "required")
	}

	if cfg.Executor != ExecutorDocker && cfg.Executor != ExecutorDryRun {
		add("EXECUTOR", "must be %q or %q, got %q", ExecutorDocker, ExecutorDryRun, cfg.Executor)
	}
	if cfg.Executor == ExecutorDocker && cfg.DockerBinary == "" {
		add("DOCKER_BINARY", "required when EXECUTOR=docker")
	}
	if cfg.NotifyMode != NotifyContainer && cfg.NotifyMode != NotifyNative {
		add("NOTIFY_MODE", "must be %q or %q, got %q", NotifyContainer, NotifyNative, cfg.NotifyMode)
	}

	for _, d := range cfg.durations() {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			add(d.env, "invalid duration: %v", err)
			continue
		}
		// JOB_TIMEOUT=0 disables the per-job limit.
		if v < 0 || (v == 0 && d.env != "JOB_TIMEOUT") {
			add(d.env, "must be positive")
		}
	}

	if !gitops.ImageDeletePolicy(cfg.ImageDeletePolicy).Valid() {
		add("IMAGE_DELETE_POLICY", "must be %q or %q, got %q",
			gitops.DeletePolicyUpdate, gitops.DeletePolicyIgnore, cfg.ImageDeletePolicy)
	}

	if cfg.MetricsEnabled && !strings.HasPrefix(cfg.MetricsPath, "/") {
		add("METRICS_PATH", "must start with '/', got %q", cfg.MetricsPath)
	}

	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}

	// Field-level checks passed, so durations are parsed.
	if err := cfg.GitOps().Validate(); err != nil {
		return ValidationErrors{{Field: "GITOPS", Message: strings.ReplaceAll(err.Error(), "\n", "; ")}}
	}
	return nil
}
