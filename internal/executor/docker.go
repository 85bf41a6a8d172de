// Package executor implements pipeline.Runner on top of real execution
// substrates: the docker CLI, a dry-run logger, and a native chat webhook
// poster for notification jobs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/djlord-it/easy-gitops/internal/pipeline"
)

// dockerErrorExit is the exit status docker run uses when the daemon could
// not create or start the container. A script may exit with it too, so the
// status only counts as a docker failure when the CLI reported one.
const dockerErrorExit = 125

// SharedMountPath is where a job's storage volume is mounted.
const SharedMountPath = "/mnt/gitops/share"

const maxOutputBytes = 64 << 10

var ErrDockerFailed = errors.New("docker run failed")

type DockerRunner struct {
	binary        string
	storageVolume string
	extraArgs     []string
}

func NewDockerRunner(binary string) *DockerRunner {
	if binary == "" {
		binary = "docker"
	}
	return &DockerRunner{binary: binary}
}

// WithStorageVolume sets the named volume mounted for jobs with storage
// enabled. Without it, such jobs run without shared storage.
func (r *DockerRunner) WithStorageVolume(volume string) *DockerRunner {
	r.storageVolume = volume
	return r
}

// WithExtraArgs appends operator flags (network, pull policy) to docker run.
func (r *DockerRunner) WithExtraArgs(args ...string) *DockerRunner {
	r.extraArgs = append(r.extraArgs, args...)
	return r
}

// Run starts one container and feeds it the job script on stdin. Env values
// travel only through the child process environment, never on the command
// line.
func (r *DockerRunner) Run(ctx context.Context, req pipeline.RunRequest) (pipeline.RunResult, error) {
	start := time.Now()
	name := containerName(req)

	cmd := exec.CommandContext(ctx, r.binary, r.args(name, req)...)
	cmd.Stdin = strings.NewReader(Script(req.Tasks))
	cmd.Env = os.Environ()
	for _, k := range sortedKeys(req.Env) {
		cmd.Env = append(cmd.Env, k+"="+req.Env[k])
	}
	out := &tailBuffer{limit: maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	result := pipeline.RunResult{Output: out.String(), Duration: time.Since(start)}

	if ctx.Err() != nil {
		r.remove(name)
		return result, fmt.Errorf("container %s: %w", name, ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() > 0 &&
		(exitErr.ExitCode() != dockerErrorExit || !cliReportedError(result.Output)):
		result.ExitCode = exitErr.ExitCode()
		return result, &pipeline.ExitError{Code: result.ExitCode}
	default:
		log.Printf("executor: job=%s run=%s docker error: %v", req.JobName, req.RunID, err)
		return result, fmt.Errorf("%w: %v: %s", ErrDockerFailed, err, lastLine(result.Output))
	}
}

func (r *DockerRunner) args(name string, req pipeline.RunRequest) []string {
	args := []string{"run", "--rm", "-i", "--name", name}
	if req.StorageEnabled && r.storageVolume != "" {
		args = append(args, "-v", r.storageVolume+":"+SharedMountPath)
	}
	for _, k := range sortedKeys(req.Env) {
		args = append(args, "-e", k)
	}
	args = append(args, r.extraArgs...)
	return append(args, req.Image, "/bin/sh", "-s")
}

// remove force-removes a container left behind by a cancelled client.
func (r *DockerRunner) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, r.binary, "rm", "-f", name).Run(); err != nil {
		log.Printf("executor: container=%s cleanup failed: %v", name, err)
	}
}

// Script joins tasks into the program run by the container shell. Any failing
// task stops the job.
func Script(tasks []string) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, t := range tasks {
		b.WriteString(t)
		if !strings.HasSuffix(t, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func containerName(req pipeline.RunRequest) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, req.JobName)
	return "easygitops-" + name + "-" + req.RunID.String()[:8]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cliReportedError reports whether the last output line came from the docker
// CLI itself rather than from the container.
func cliReportedError(output string) bool {
	line := lastLine(output)
	return strings.HasPrefix(line, "docker: ") ||
		strings.Contains(line, "Error response from daemon") ||
		strings.HasPrefix(line, "Unable to find image")
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
