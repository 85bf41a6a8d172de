// Package memory is an in-process store used when no database is configured.
// Records do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-gitops/internal/api"
	"github.com/djlord-it/easy-gitops/internal/dispatcher"
	"github.com/djlord-it/easy-gitops/internal/domain"
	"github.com/djlord-it/easy-gitops/internal/reconciler"
)

type buildKey struct {
	project string
	typ     domain.EventType
	buildID string
}

type Store struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*domain.EventRecord
	builds map[buildKey]uuid.UUID
	runs   map[uuid.UUID][]domain.JobRun
	now    func() time.Time
}

func New() *Store {
	return &Store{
		events: make(map[uuid.UUID]*domain.EventRecord),
		builds: make(map[buildKey]uuid.UUID),
		runs:   make(map[uuid.UUID][]domain.JobRun),
		now:    time.Now,
	}
}

// WithClock replaces the time source used for UpdatedAt.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) InsertEvent(_ context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := buildKey{project: e.Project, typ: e.Type, buildID: e.BuildID}
	if _, ok := s.builds[key]; ok {
		return domain.ErrDuplicateEvent
	}
	if _, ok := s.events[e.ID]; ok {
		return domain.ErrDuplicateEvent
	}
	s.builds[key] = e.ID
	s.events[e.ID] = &domain.EventRecord{
		Event:     e,
		Status:    domain.EventStatusReceived,
		UpdatedAt: e.ReceivedAt,
	}
	return nil
}

func (s *Store) GetEvent(_ context.Context, id uuid.UUID) (domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[id]
	if !ok {
		return domain.EventRecord{}, domain.ErrEventNotFound
	}
	return *rec, nil
}

func (s *Store) ListEvents(_ context.Context, f api.EventFilter) ([]domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.EventRecord
	for _, rec := range s.events {
		if f.Project != "" && rec.Event.Project != f.Project {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		matched = append(matched, *rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Event.ReceivedAt.After(matched[j].Event.ReceivedAt)
	})

	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *Store) ClaimEvent(_ context.Context, id uuid.UUID) error {
	return s.transition(id, domain.EventStatusReceived, func(rec *domain.EventRecord) {
		rec.Status = domain.EventStatusHandling
	})
}

func (s *Store) CompleteEvent(_ context.Context, id uuid.UUID, status domain.EventStatus, reason, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete event %s: status %q is not terminal", id, status)
	}
	return s.transition(id, domain.EventStatusHandling, func(rec *domain.EventRecord) {
		rec.Status = status
		rec.Reason = reason
		rec.Error = errMsg
	})
}

func (s *Store) transition(id uuid.UUID, from domain.EventStatus, apply func(*domain.EventRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	if rec.Status != from {
		return dispatcher.ErrStatusTransitionDenied
	}
	apply(rec)
	rec.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) GetOrphanedEvents(_ context.Context, olderThan time.Time, maxResults int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Event
	for _, rec := range s.events {
		if rec.Status == domain.EventStatusReceived && rec.Event.ReceivedAt.Before(olderThan) {
			result = append(result, rec.Event)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ReceivedAt.Before(result[j].ReceivedAt)
	})
	if maxResults > 0 && len(result) > maxResults {
		result = result[:maxResults]
	}
	return result, nil
}

func (s *Store) InsertJobRun(_ context.Context, run domain.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[run.EventID]; !ok {
		return domain.ErrEventNotFound
	}
	s.runs[run.EventID] = append(s.runs[run.EventID], run)
	return nil
}

func (s *Store) FinishJobRun(_ context.Context, run domain.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.runs[run.EventID]
	for i := range runs {
		if runs[i].ID != run.ID {
			continue
		}
		if runs[i].Status != domain.JobRunRunning {
			return fmt.Errorf("finish job run %s: %w", run.ID, dispatcher.ErrStatusTransitionDenied)
		}
		runs[i].Status = run.Status
		runs[i].ExitCode = run.ExitCode
		runs[i].Error = run.Error
		runs[i].FinishedAt = run.FinishedAt
		return nil
	}
	return fmt.Errorf("finish job run %s: not found", run.ID)
}

func (s *Store) ListJobRuns(_ context.Context, eventID uuid.UUID) ([]domain.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.JobRun(nil), s.runs[eventID]...), nil
}

var (
	_ api.Store        = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
)
