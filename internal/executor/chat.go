package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/djlord-it/easy-gitops/internal/notify"
	"github.com/djlord-it/easy-gitops/internal/pipeline"
)

var ErrNotNotification = errors.New("job is not a notification job")

// ChatRunner executes notification jobs in-process by posting the message
// to the chat incoming webhook, the same request the notification image
// would send.
type ChatRunner struct {
	client  *http.Client
	timeout time.Duration
}

func NewChatRunner() *ChatRunner {
	return &ChatRunner{
		client:  &http.Client{},
		timeout: 30 * time.Second,
	}
}

func (c *ChatRunner) WithTimeout(d time.Duration) *ChatRunner {
	c.timeout = d
	return c
}

type chatMessage struct {
	Attachments []chatAttachment `json:"attachments"`
}

type chatAttachment struct {
	Color    string   `json:"color"`
	Title    string   `json:"title"`
	Text     string   `json:"text"`
	Fallback string   `json:"fallback"`
	MrkdwnIn []string `json:"mrkdwn_in"`
}

// IsNotification reports whether req is a job built by notify.NewJob.
func IsNotification(req pipeline.RunRequest) bool {
	return len(req.Tasks) == 1 && req.Tasks[0] == notify.Task && req.Env[notify.EnvWebhook] != ""
}

// Run posts the message. A non-2xx answer is reported as exit code 1, like
// the container would; transport errors are infrastructure failures.
func (c *ChatRunner) Run(ctx context.Context, req pipeline.RunRequest) (pipeline.RunResult, error) {
	start := time.Now()
	if !IsNotification(req) {
		return pipeline.RunResult{}, fmt.Errorf("%w: %s", ErrNotNotification, req.JobName)
	}

	body, err := json.Marshal(chatMessage{Attachments: []chatAttachment{{
		Color:    req.Env[notify.EnvColor],
		Title:    req.Env[notify.EnvTitle],
		Text:     req.Env[notify.EnvMessage],
		Fallback: req.Env[notify.EnvTitle],
		MrkdwnIn: []string{"text"},
	}}})
	if err != nil {
		return pipeline.RunResult{}, fmt.Errorf("marshal: %w", err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.Env[notify.EnvWebhook], bytes.NewReader(body))
	if err != nil {
		return pipeline.RunResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-EasyGitops-Run-ID", req.RunID.String())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return pipeline.RunResult{Duration: time.Since(start)}, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	answer, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	result := pipeline.RunResult{Output: string(answer), Duration: time.Since(start)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("executor: job=%s run=%s chat webhook status=%d", req.JobName, req.RunID, resp.StatusCode)
		result.ExitCode = 1
		return result, &pipeline.ExitError{Code: 1}
	}
	return result, nil
}

// Route sends notification jobs to notifications and everything else to next.
func Route(next, notifications pipeline.Runner) pipeline.Runner {
	return pipeline.RunnerFunc(func(ctx context.Context, req pipeline.RunRequest) (pipeline.RunResult, error) {
		if IsNotification(req) {
			return notifications.Run(ctx, req)
		}
		return next.Run(ctx, req)
	})
}
