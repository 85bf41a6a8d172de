package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-gitops/internal/domain"
)

// filterStore records the filters the handler passes to ListEvents.
type filterStore struct {
	mu      sync.Mutex
	filters []EventFilter
	records []domain.EventRecord
	err     error
}

func (s *filterStore) InsertEvent(context.Context, domain.Event) error { return nil }

func (s *filterStore) GetEvent(context.Context, uuid.UUID) (domain.EventRecord, error) {
	return domain.EventRecord{}, domain.ErrEventNotFound
}

func (s *filterStore) ListEvents(_ context.Context, f EventFilter) ([]domain.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, f)
	return s.records, s.err
}

func (s *filterStore) ListJobRuns(context.Context, uuid.UUID) ([]domain.JobRun, error) {
	return nil, nil
}

func (s *filterStore) calls() []EventFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventFilter(nil), s.filters...)
}

func listEvents(t *testing.T, store *filterStore, query string) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(store, nil, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events"+query, nil))
	return rr
}

func TestListEvents_QueryBecomesFilter(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  EventFilter
	}{
		{"defaults", "", EventFilter{Limit: DefaultLimit}},
		{"zero limit uses default", "?limit=0", EventFilter{Limit: DefaultLimit}},
		{"limit at max", "?limit=1000", EventFilter{Limit: MaxLimit}},
		{
			"project and status with paging",
			"?project=github.com%2Facme%2Fapp&status=failed&limit=20&offset=40",
			EventFilter{Project: "github.com/acme/app", Status: domain.EventStatusFailed, Limit: 20, Offset: 40},
		},
		{
			"status only, second page",
			"?status=filtered&offset=100",
			EventFilter{Status: domain.EventStatusFiltered, Limit: DefaultLimit, Offset: 100},
		},
		{
			"in-flight events of one project",
			"?status=handling&project=acme",
			EventFilter{Project: "acme", Status: domain.EventStatusHandling, Limit: DefaultLimit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &filterStore{}
			rr := listEvents(t, store, tt.query)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
			}
			calls := store.calls()
			if len(calls) != 1 {
				t.Fatalf("ListEvents calls = %d, want 1", len(calls))
			}
			if calls[0] != tt.want {
				t.Errorf("filter = %+v, want %+v", calls[0], tt.want)
			}
		})
	}
}

func TestListEvents_InvalidQueryNeverReachesStore(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantMsg string
	}{
		{"limit over max", "?limit=2000&status=failed", "limit exceeds maximum of 1000"},
		{"negative limit", "?limit=-1", ""},
		{"negative offset", "?project=acme&offset=-1", ""},
		{"non-numeric limit", "?limit=abc", ""},
		{"non-numeric offset", "?offset=xyz", ""},
		{"unknown status", "?status=done&limit=10", "invalid status"},
		{"status is case sensitive", "?status=FAILED", "invalid status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &filterStore{}
			rr := listEvents(t, store, tt.query)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if n := len(store.calls()); n != 0 {
				t.Errorf("ListEvents called %d times for a rejected query", n)
			}
			if tt.wantMsg == "" {
				return
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error != tt.wantMsg {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantMsg)
			}
		})
	}
}

func TestListEvents_EmptyPageIsEmptyArray(t *testing.T) {
	rr := listEvents(t, &filterStore{}, "?status=ignored&offset=500")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(rr.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["events"]) != "[]" {
		t.Errorf("events = %s, want []", raw["events"])
	}
}

func TestListEvents_RendersRecords(t *testing.T) {
	received := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	rec := domain.EventRecord{
		Event: domain.Event{
			ID:         uuid.New(),
			Type:       domain.EventTypeImagePush,
			Project:    "github.com/acme/app",
			BuildID:    "01H8XGJW",
			Revision:   domain.Revision{Commit: "0123456789", Ref: "refs/heads/master"},
			ReceivedAt: received,
		},
		Status:    domain.EventStatusFiltered,
		Reason:    "image delete ignored by policy",
		UpdatedAt: received.Add(time.Second),
	}
	store := &filterStore{records: []domain.EventRecord{rec}}

	rr := listEvents(t, store, "?project=github.com%2Facme%2Fapp&status=filtered")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp ListEventsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(resp.Events))
	}
	got := resp.Events[0]
	if got.ID != rec.Event.ID.String() || got.Status != "filtered" || got.Reason != rec.Reason {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.ReceivedAt != "2026-03-01T08:00:00Z" {
		t.Errorf("received_at = %s, want UTC RFC3339", got.ReceivedAt)
	}
	if got.JobRuns != nil {
		t.Errorf("listing must not include job runs, got %v", got.JobRuns)
	}
}

func TestListEvents_StoreError(t *testing.T) {
	store := &filterStore{err: errors.New("connection refused")}

	rr := listEvents(t, store, "?status=received")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestNewJobRunResponse_RunningHasNoFinishTime(t *testing.T) {
	run := domain.JobRun{
		ID:        uuid.New(),
		JobName:   "update-infra-config-pr",
		Image:     "gcr.io/hightowerlabs/hub",
		Status:    domain.JobRunRunning,
		StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if got := newJobRunResponse(run); got.FinishedAt != "" {
		t.Errorf("finished_at = %q, want empty for a running job", got.FinishedAt)
	}

	run.Status = domain.JobRunFailed
	run.ExitCode = 2
	run.FinishedAt = run.StartedAt.Add(time.Minute)
	got := newJobRunResponse(run)
	if got.FinishedAt != "2026-03-01T09:01:00Z" || got.ExitCode != 2 {
		t.Errorf("unexpected finished run: %+v", got)
	}
}
