package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-gitops/internal/domain"
	"github.com/djlord-it/easy-gitops/internal/pipeline"
	"github.com/djlord-it/easy-gitops/internal/router"
	"github.com/djlord-it/easy-gitops/internal/testutil"
)

// mockStore tracks event status transitions and enforces the claim and
// terminal state guards.
type mockStore struct {
	mu          sync.Mutex
	status      map[uuid.UUID]domain.EventStatus
	reasons     map[uuid.UUID]string
	errs        map[uuid.UUID]string
	runs        map[uuid.UUID]domain.JobRun
	runOrder    []uuid.UUID
	claimErr    error
	insertRunFn func(domain.JobRun) error

	// honorCtx makes CompleteEvent fail on a done context, as a database
	// driver would.
	honorCtx bool
}

func newMockStore() *mockStore {
	return &mockStore{
		status:  make(map[uuid.UUID]domain.EventStatus),
		reasons: make(map[uuid.UUID]string),
		errs:    make(map[uuid.UUID]string),
		runs:    make(map[uuid.UUID]domain.JobRun),
	}
}

func (s *mockStore) ClaimEvent(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return s.claimErr
	}
	if s.status[id] != domain.EventStatusReceived {
		return ErrStatusTransitionDenied
	}
	s.status[id] = domain.EventStatusHandling
	return nil
}

func (s *mockStore) CompleteEvent(ctx context.Context, id uuid.UUID, status domain.EventStatus, reason, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.honorCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	if s.status[id] != domain.EventStatusHandling {
		return ErrStatusTransitionDenied
	}
	s.status[id] = status
	s.reasons[id] = reason
	s.errs[id] = errMsg
	return nil
}

func (s *mockStore) InsertJobRun(ctx context.Context, run domain.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertRunFn != nil {
		if err := s.insertRunFn(run); err != nil {
			return err
		}
	}
	s.runs[run.ID] = run
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *mockStore) FinishJobRun(ctx context.Context, run domain.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.ID]; !ok || existing.Status != domain.JobRunRunning {
		return ErrStatusTransitionDenied
	}
	s.runs[run.ID] = run
	return nil
}

func (s *mockStore) receive(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = domain.EventStatusReceived
}

func (s *mockStore) setStatus(id uuid.UUID, status domain.EventStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = status
}

func (s *mockStore) getStatus(id uuid.UUID) domain.EventStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

func (s *mockStore) getReason(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reasons[id]
}

func (s *mockStore) getError(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[id]
}

func (s *mockStore) jobRuns() []domain.JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.JobRun, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		out = append(out, s.runs[id])
	}
	return out
}

type projectMap map[string]domain.Project

func (m projectMap) Lookup(name string) (domain.Project, bool) {
	p, ok := m[name]
	return p, ok
}

// routerFunc adapts a function to the Router interface.
type routerFunc func(ctx context.Context, event domain.Event, project domain.Project, runner pipeline.Runner) (router.Outcome, error)

func (f routerFunc) Route(ctx context.Context, event domain.Event, project domain.Project, runner pipeline.Runner) (router.Outcome, error) {
	return f(ctx, event, project, runner)
}

// runJobs routes every event by running the named jobs in sequence.
func runJobs(names ...string) routerFunc {
	return func(ctx context.Context, event domain.Event, project domain.Project, runner pipeline.Runner) (router.Outcome, error) {
		var jobs []*pipeline.Job
		for _, name := range names {
			job, err := pipeline.NewJob(name, "alpine:3", []string{"true"})
			if err != nil {
				return router.Outcome{}, err
			}
			jobs = append(jobs, job)
		}
		group, err := pipeline.NewGroup(jobs...)
		if err != nil {
			return router.Outcome{}, err
		}
		if err := group.RunEach(ctx, runner); err != nil {
			return router.Outcome{}, err
		}
		return router.Handled(names...), nil
	}
}

type mockDispatcherMetrics struct {
	mu           sync.Mutex
	outcomes     []string
	inFlightIncr int
	inFlightDecr int
	latencies    []float64
	jobResults   []string
	groupsHalted int
}

func (m *mockDispatcherMetrics) EventOutcome(eventType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, eventType+"/"+status)
}

func (m *mockDispatcherMetrics) EventsInFlightIncr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlightIncr++
}

func (m *mockDispatcherMetrics) EventsInFlightDecr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlightDecr++
}

func (m *mockDispatcherMetrics) EventLatencyObserve(latencySeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latencySeconds)
}

func (m *mockDispatcherMetrics) JobRunCompleted(result string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobResults = append(m.jobResults, result)
}

func (m *mockDispatcherMetrics) GroupHalted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupsHalted++
}

type mockAnalyticsSink struct {
	mu       sync.Mutex
	statuses []domain.EventStatus
}

func (m *mockAnalyticsSink) Record(ctx context.Context, event domain.Event, status domain.EventStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

var testProjects = projectMap{"github.com/acme/app": {Name: "github.com/acme/app"}}

func newEvent(store *mockStore) domain.Event {
	e := domain.Event{
		ID:         uuid.New(),
		Type:       domain.EventTypePush,
		Project:    "github.com/acme/app",
		BuildID:    "build-1",
		ReceivedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	store.receive(e.ID)
	return e
}

func TestDispatch_HandledEventRecordsJobRuns(t *testing.T) {
	store := newMockStore()
	runner := testutil.NewFakeRunner()
	d := New(store, testProjects, runJobs("deploy", "notify-deploy"), runner)

	event := newEvent(store)
	if err := d.Dispatch(testutil.TestContext(t), event); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got := store.getStatus(event.ID); got != domain.EventStatusHandled {
		t.Fatalf("status = %s, want handled", got)
	}

	runs := store.jobRuns()
	if len(runs) != 2 {
		t.Fatalf("job runs = %d, want 2", len(runs))
	}
	for i, want := range []string{"deploy", "notify-deploy"} {
		run := runs[i]
		if run.JobName != want {
			t.Errorf("run[%d].JobName = %q, want %q", i, run.JobName, want)
		}
		if run.Status != domain.JobRunSucceeded {
			t.Errorf("run[%d].Status = %s, want succeeded", i, run.Status)
		}
		if run.EventID != event.ID || run.BuildID != event.BuildID {
			t.Errorf("run[%d] not linked to event: %+v", i, run)
		}
		if run.FinishedAt.IsZero() {
			t.Errorf("run[%d].FinishedAt not set", i)
		}
	}

	reqs := runner.Requests()
	if len(reqs) != 2 || reqs[0].RunID != runs[0].ID {
		t.Errorf("run IDs should match runner requests")
	}
}

func TestDispatch_FailedJobMarksEventFailed(t *testing.T) {
	store := newMockStore()
	runner := testutil.NewFakeRunner().FailJob("deploy", &pipeline.ExitError{Code: 2})
	metrics := &mockDispatcherMetrics{}
	d := New(store, testProjects, runJobs("deploy", "notify-deploy"), runner).WithMetrics(metrics)

	event := newEvent(store)
	err := d.Dispatch(testutil.TestContext(t), event)
	if err == nil {
		t.Fatal("expected error for failed job")
	}

	var halt *pipeline.HaltError
	if !errors.As(err, &halt) {
		t.Fatalf("expected HaltError, got %T: %v", err, err)
	}
	if got := store.getStatus(event.ID); got != domain.EventStatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if store.getError(event.ID) == "" {
		t.Error("failed event should carry an error message")
	}

	runs := store.jobRuns()
	if len(runs) != 1 {
		t.Fatalf("job runs = %d, want 1 (notify must not run)", len(runs))
	}
	if runs[0].Status != domain.JobRunFailed || runs[0].ExitCode != 2 {
		t.Errorf("run = %+v, want failed with exit code 2", runs[0])
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.groupsHalted != 1 {
		t.Errorf("GroupHalted = %d, want 1", metrics.groupsHalted)
	}
	if len(metrics.jobResults) != 1 || metrics.jobResults[0] != "failed" {
		t.Errorf("JobRunCompleted = %v, want [failed]", metrics.jobResults)
	}
}

func TestDispatch_OutcomeMapping(t *testing.T) {
	tests := []struct {
		name       string
		outcome    router.Outcome
		wantStatus domain.EventStatus
		wantReason string
	}{
		{"handled", router.Handled(), domain.EventStatusHandled, ""},
		{"filtered", router.Filtered("ref refs/heads/dev is not master"), domain.EventStatusFiltered, "ref refs/heads/dev is not master"},
		{"unroutable", router.Unroutable(), domain.EventStatusIgnored, "no handler for event type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			r := routerFunc(func(ctx context.Context, event domain.Event, project domain.Project, runner pipeline.Runner) (router.Outcome, error) {
				return tt.outcome, nil
			})
			d := New(store, testProjects, r, testutil.NewFakeRunner())

			event := newEvent(store)
			if err := d.Dispatch(testutil.TestContext(t), event); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			if got := store.getStatus(event.ID); got != tt.wantStatus {
				t.Errorf("status = %s, want %s", got, tt.wantStatus)
			}
			if got := store.getReason(event.ID); got != tt.wantReason {
				t.Errorf("reason = %q, want %q", got, tt.wantReason)
			}
		})
	}
}

func TestDispatch_UnknownProject(t *testing.T) {
	store := newMockStore()
	called := false
	r := routerFunc(func(ctx context.Context, event domain.Event, project domain.Project, runner pipeline.Runner) (router.Outcome, error) {
		called = true
		return router.Handled(), nil
	})
	d := New(store, projectMap{}, r, testutil.NewFakeRunner())

	event := newEvent(store)
	err := d.Dispatch(testutil.TestContext(t), event)
	if !errors.Is(err, ErrUnknownProject) {
		t.Fatalf("expected ErrUnknownProject, got %v", err)
	}
	if called {
		t.Error("router should not be called for an unknown project")
	}
	if got := store.getStatus(event.ID); got != domain.EventStatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

// An event already claimed or terminal must not be handled again.
func TestDispatch_SkipsClaimedEvents(t *testing.T) {
	for _, status := range []domain.EventStatus{
		domain.EventStatusHandling,
		domain.EventStatusHandled,
		domain.EventStatusFailed,
	} {
		t.Run(string(status), func(t *testing.T) {
			store := newMockStore()
			runner := testutil.NewFakeRunner()
			d := New(store, testProjects, runJobs("deploy"), runner)

			event := newEvent(store)
			store.setStatus(event.ID, status)

			if err := d.Dispatch(testutil.TestContext(t), event); err != nil {
				t.Fatalf("dispatch should succeed on replay: %v", err)
			}
			if len(runner.Requests()) != 0 {
				t.Error("runner should not be called on replay")
			}
			if got := store.getStatus(event.ID); got != status {
				t.Errorf("status = %s, want %s unchanged", got, status)
			}
		})
	}
}

func TestDispatch_ClaimError(t *testing.T) {
	store := newMockStore()
	store.claimErr = errors.New("connection refused")
	d := New(store, testProjects, runJobs("deploy"), testutil.NewFakeRunner())

	err := d.Dispatch(testutil.TestContext(t), newEvent(store))
	if err == nil {
		t.Fatal("expected claim error")
	}
}

// Store failures while recording job runs must not change the job outcome.
func TestDispatch_JobRunRecordingBestEffort(t *testing.T) {
	store := newMockStore()
	store.insertRunFn = func(domain.JobRun) error { return errors.New("disk full") }
	runner := testutil.NewFakeRunner()
	d := New(store, testProjects, runJobs("deploy", "notify-deploy"), runner)

	event := newEvent(store)
	if err := d.Dispatch(testutil.TestContext(t), event); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := len(runner.Requests()); got != 2 {
		t.Errorf("runner calls = %d, want 2", got)
	}
	if got := store.getStatus(event.ID); got != domain.EventStatusHandled {
		t.Errorf("status = %s, want handled", got)
	}
}

func TestDispatch_MetricsRecording(t *testing.T) {
	store := newMockStore()
	metrics := &mockDispatcherMetrics{}
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 3, 0, time.UTC))
	d := New(store, testProjects, runJobs("deploy"), testutil.NewFakeRunner()).
		WithMetrics(metrics).
		WithClock(clock.Now)

	if err := d.Dispatch(testutil.TestContext(t), newEvent(store)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	if metrics.inFlightIncr != 1 || metrics.inFlightDecr != 1 {
		t.Errorf("in-flight incr/decr = %d/%d, want 1/1", metrics.inFlightIncr, metrics.inFlightDecr)
	}
	if len(metrics.latencies) != 1 || metrics.latencies[0] != 3 {
		t.Errorf("latencies = %v, want [3]", metrics.latencies)
	}
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != "push/handled" {
		t.Errorf("outcomes = %v, want [push/handled]", metrics.outcomes)
	}
	if len(metrics.jobResults) != 1 || metrics.jobResults[0] != "succeeded" {
		t.Errorf("job results = %v, want [succeeded]", metrics.jobResults)
	}
}

// Unknown event types must not create new label values.
func TestDispatch_MetricsTypeLabelBounded(t *testing.T) {
	store := newMockStore()
	metrics := &mockDispatcherMetrics{}
	r := routerFunc(func(ctx context.Context, event domain.Event, project domain.Project, runner pipeline.Runner) (router.Outcome, error) {
		return router.Unroutable(), nil
	})
	d := New(store, testProjects, r, testutil.NewFakeRunner()).WithMetrics(metrics)

	event := newEvent(store)
	event.Type = "exec"
	if err := d.Dispatch(testutil.TestContext(t), event); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != "other/ignored" {
		t.Errorf("outcomes = %v, want [other/ignored]", metrics.outcomes)
	}
}

func TestDispatch_AnalyticsRecorded(t *testing.T) {
	store := newMockStore()
	analytics := &mockAnalyticsSink{}
	d := New(store, testProjects, runJobs("deploy"), testutil.NewFakeRunner()).WithAnalytics(analytics)

	if err := d.Dispatch(testutil.TestContext(t), newEvent(store)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	analytics.mu.Lock()
	defer analytics.mu.Unlock()
	if len(analytics.statuses) != 1 || analytics.statuses[0] != domain.EventStatusHandled {
		t.Errorf("analytics = %v, want [handled]", analytics.statuses)
	}
}

func TestRun_ProcessesEventsAndDrains(t *testing.T) {
	store := newMockStore()
	runner := testutil.NewFakeRunner()
	d := New(store, testProjects, runJobs("deploy"), runner).WithWorkers(2)

	ch := make(chan domain.Event, 10)
	var events []domain.Event
	for i := 0; i < 5; i++ {
		e := newEvent(store)
		e.BuildID = fmt.Sprintf("build-%d", i)
		events = append(events, e)
		ch <- e
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for len(runner.Requests()) < len(events) {
		select {
		case <-deadline:
			t.Fatalf("timed out, %d of %d events handled", len(runner.Requests()), len(events))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	for _, e := range events {
		if got := store.getStatus(e.ID); got != domain.EventStatusHandled {
			t.Errorf("event %s status = %s, want handled", e.BuildID, got)
		}
	}
}

// Events still buffered when ctx is cancelled are handled during drain.
func TestRun_DrainsBufferedEventsAfterCancel(t *testing.T) {
	store := newMockStore()
	runner := testutil.NewFakeRunner()
	d := New(store, testProjects, runJobs("deploy"), runner)

	ch := make(chan domain.Event, 3)
	for i := 0; i < 3; i++ {
		ch <- newEvent(store)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx, ch)

	if got := len(runner.Requests()); got != 3 {
		t.Errorf("runner calls = %d, want 3", got)
	}
	if len(ch) != 0 {
		t.Errorf("channel should be empty after drain, has %d", len(ch))
	}
}

// A handler that outlives its context still gets its outcome recorded.
func TestDispatch_CompletesAfterContextExpires(t *testing.T) {
	store := newMockStore()
	store.honorCtx = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := routerFunc(func(context.Context, domain.Event, domain.Project, pipeline.Runner) (router.Outcome, error) {
		cancel()
		return router.Handled("deploy"), nil
	})
	d := New(store, testProjects, slow, testutil.NewFakeRunner())

	event := newEvent(store)
	if err := d.Dispatch(ctx, event); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := store.getStatus(event.ID); got != domain.EventStatusHandled {
		t.Errorf("status = %s, want handled", got)
	}
}

// Events left in the buffer at the drain deadline are not claimed, so the
// reconciler can pick them up on the next start.
func TestRun_DrainStopsAtDeadline(t *testing.T) {
	store := newMockStore()
	store.honorCtx = true
	slow := routerFunc(func(context.Context, domain.Event, domain.Project, pipeline.Runner) (router.Outcome, error) {
		time.Sleep(100 * time.Millisecond)
		return router.Handled("deploy"), nil
	})
	d := New(store, testProjects, slow, testutil.NewFakeRunner()).
		WithDrainTimeout(20 * time.Millisecond)

	ch := make(chan domain.Event, 3)
	var events []domain.Event
	for i := 0; i < 3; i++ {
		e := newEvent(store)
		events = append(events, e)
		ch <- e
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx, ch)

	if got := store.getStatus(events[0].ID); got != domain.EventStatusHandled {
		t.Errorf("first event status = %s, want handled", got)
	}
	for _, e := range events[1:] {
		if got := store.getStatus(e.ID); got != domain.EventStatusReceived {
			t.Errorf("event %s status = %s, want received", e.ID, got)
		}
	}
	if len(ch) != 2 {
		t.Errorf("buffered events = %d, want 2", len(ch))
	}
}

// Cancelling Run must not abort a pipeline that is already executing.
func TestRun_InFlightPipelineSurvivesCancel(t *testing.T) {
	store := newMockStore()
	runner := testutil.NewFakeRunner().DelayJob("deploy", 100*time.Millisecond)
	d := New(store, testProjects, runJobs("deploy"), runner)

	ch := make(chan domain.Event, 1)
	event := newEvent(store)
	ch <- event

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()

	for len(runner.Requests()) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := store.getStatus(event.ID); got != domain.EventStatusHandled {
		t.Errorf("status = %s, want handled", got)
	}
	runs := store.jobRuns()
	if len(runs) != 1 || runs[0].Status != domain.JobRunSucceeded {
		t.Errorf("runs = %+v, want one succeeded run", runs)
	}
}

func TestNew_Defaults(t *testing.T) {
	d := New(newMockStore(), testProjects, runJobs(), testutil.NewFakeRunner())
	if d.workers != 1 {
		t.Errorf("workers = %d, want 1", d.workers)
	}
	if d.drainTimeout != DefaultDrainTimeout {
		t.Errorf("drainTimeout = %v, want %v", d.drainTimeout, DefaultDrainTimeout)
	}
	d.WithWorkers(0)
	if d.workers != 1 {
		t.Errorf("WithWorkers(0) should be ignored, got %d", d.workers)
	}
}
