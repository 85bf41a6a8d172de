package executor

import (
	"context"
	"log"
	"strings"

	"github.com/djlord-it/easy-gitops/internal/pipeline"
	"github.com/djlord-it/easy-gitops/internal/script"
)

// LogRunner logs what a job would execute and reports success. Only the
// command skeleton and env key names are logged; heredoc bodies and env
// values may hold secrets.
type LogRunner struct{}

func NewLogRunner() *LogRunner {
	return &LogRunner{}
}

func (LogRunner) Run(_ context.Context, req pipeline.RunRequest) (pipeline.RunResult, error) {
	log.Printf("executor: dry-run job=%s run=%s image=%s storage=%t env=[%s]",
		req.JobName, req.RunID, req.Image, req.StorageEnabled, strings.Join(sortedKeys(req.Env), ","))
	for i, task := range req.Tasks {
		for _, c := range script.Commands(task) {
			log.Printf("executor: dry-run job=%s task=%d $ %s", req.JobName, i, c)
		}
	}
	return pipeline.RunResult{}, nil
}
