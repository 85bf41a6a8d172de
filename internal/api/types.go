package api

import (
	"encoding/json"
	"time"

	"github.com/djlord-it/easy-gitops/internal/domain"
)

// IngestRequest is the inbound event body.
type IngestRequest struct {
	Type     string          `json:"type"`
	BuildID  string          `json:"buildID"`
	Revision domain.Revision `json:"revision"`
	Payload  json.RawMessage `json:"payload"`
}

type IngestResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type EventResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Project    string          `json:"project"`
	BuildID    string          `json:"build_id"`
	Revision   domain.Revision `json:"revision"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	ReceivedAt string          `json:"received_at"`
	UpdatedAt  string          `json:"updated_at"`

	JobRuns []JobRunResponse `json:"job_runs,omitempty"`
}

type JobRunResponse struct {
	ID         string `json:"id"`
	JobName    string `json:"job_name"`
	Image      string `json:"image"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type ListEventsResponse struct {
	Events []EventResponse `json:"events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func newEventResponse(rec domain.EventRecord) EventResponse {
	return EventResponse{
		ID:         rec.Event.ID.String(),
		Type:       string(rec.Event.Type),
		Project:    rec.Event.Project,
		BuildID:    rec.Event.BuildID,
		Revision:   rec.Event.Revision,
		Status:     string(rec.Status),
		Reason:     rec.Reason,
		Error:      rec.Error,
		ReceivedAt: formatTime(rec.Event.ReceivedAt),
		UpdatedAt:  formatTime(rec.UpdatedAt),
	}
}

func newJobRunResponse(run domain.JobRun) JobRunResponse {
	resp := JobRunResponse{
		ID:        run.ID.String(),
		JobName:   run.JobName,
		Image:     run.Image,
		Status:    string(run.Status),
		ExitCode:  run.ExitCode,
		Error:     run.Error,
		StartedAt: formatTime(run.StartedAt),
	}
	if !run.FinishedAt.IsZero() {
		resp.FinishedAt = formatTime(run.FinishedAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
