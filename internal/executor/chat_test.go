package executor

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/djlord-it/easy-gitops/internal/notify"
	"github.com/djlord-it/easy-gitops/internal/pipeline"
	"github.com/djlord-it/easy-gitops/internal/testutil"
)

func notifyRequest(t *testing.T, webhook string) pipeline.RunRequest {
	t.Helper()
	job, err := notify.NewJob("notify-deploy", "technosophos/slack-notify", notify.Notification{
		Class:    notify.ClassSuccess,
		Title:    "Deploy Production",
		Webhook:  webhook,
		Project:  notify.ProjectLink("github.com/acme/app"),
		Artifact: "Commit",
		Subject:  notify.CommitLink("github.com/acme/app", "0123456789"),
		Build:    notify.BuildLink("https://kashti.example", "b1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return pipeline.RunRequest{JobName: job.Name, Image: job.Image, Tasks: job.Tasks, Env: job.Env}
}

func TestChatRunner_Posts(t *testing.T) {
	var (
		mu   sync.Mutex
		body chatMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r := notifyRequest(t, srv.URL)
	res, err := NewChatRunner().Run(testutil.TestContext(t), r)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("output = %q", res.Output)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(body.Attachments) != 1 {
		t.Fatalf("attachments = %+v", body.Attachments)
	}
	a := body.Attachments[0]
	if a.Color != "#c3e88d" || a.Title != "Deploy Production" || a.Text != r.Env[notify.EnvMessage] {
		t.Errorf("attachment = %+v", a)
	}
}

func TestChatRunner_Non2xxIsExitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewChatRunner().Run(testutil.TestContext(t), notifyRequest(t, srv.URL))
	var exitErr *pipeline.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("expected ExitError{1}, got %v", err)
	}
}

func TestChatRunner_RejectsOtherJobs(t *testing.T) {
	_, err := NewChatRunner().Run(testutil.TestContext(t), req("deploy", "kubectl"))
	if !errors.Is(err, ErrNotNotification) {
		t.Fatalf("expected ErrNotNotification, got %v", err)
	}
}

func TestRoute(t *testing.T) {
	containers := testutil.NewFakeRunner()
	chat := testutil.NewFakeRunner()
	r := Route(containers, chat)
	ctx := testutil.TestContext(t)

	if _, err := r.Run(ctx, notifyRequest(t, "https://hooks.example/x")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(ctx, req("deploy", "kubectl")); err != nil {
		t.Fatal(err)
	}
	if got := chat.JobNames(); len(got) != 1 || got[0] != "notify-deploy" {
		t.Errorf("chat runner saw %v", got)
	}
	if got := containers.JobNames(); len(got) != 1 || got[0] != "deploy" {
		t.Errorf("container runner saw %v", got)
	}
}
