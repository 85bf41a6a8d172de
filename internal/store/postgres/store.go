package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/easy-gitops/internal/api"
	"github.com/djlord-it/easy-gitops/internal/dispatcher"
	"github.com/djlord-it/easy-gitops/internal/domain"
	"github.com/djlord-it/easy-gitops/internal/reconciler"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store implements api.Store, dispatcher.Store and reconciler.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertEvent stores a newly received event in status received.
// Returns domain.ErrDuplicateEvent if the build was already received for
// this project and type.
func (s *Store) InsertEvent(ctx context.Context, e domain.Event) error {
	_, err := s.db.ExecContext(ctx, queryInsertEvent,
		e.ID,
		string(e.Type),
		e.Project,
		e.BuildID,
		e.Revision.Commit,
		e.Revision.Ref,
		nullPayload(e.Payload),
		e.ReceivedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateEvent
	}
	return err
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.EventRecord, error) {
	rec, err := scanEventRecord(s.db.QueryRowContext(ctx, queryGetEvent, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EventRecord{}, domain.ErrEventNotFound
	}
	return rec, err
}

// ListEvents returns events newest first, optionally filtered by project and status.
func (s *Store) ListEvents(ctx context.Context, f api.EventFilter) ([]domain.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryListEvents, f.Project, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.EventRecord
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimEvent moves an event from received to handling.
// Returns dispatcher.ErrStatusTransitionDenied if another worker already
// claimed it. This uses an atomic UPDATE with WHERE clause to prevent TOCTOU
// race conditions.
func (s *Store) ClaimEvent(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, queryClaimEvent, id)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, result, id)
}

// CompleteEvent records the terminal status of a claimed event.
func (s *Store) CompleteEvent(ctx context.Context, id uuid.UUID, status domain.EventStatus, reason, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete event %s: status %q is not terminal", id, status)
	}
	result, err := s.db.ExecContext(ctx, queryCompleteEvent, id, string(status), reason, errMsg)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, result, id)
}

func (s *Store) checkTransition(ctx context.Context, result sql.Result, id uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	// Either: (a) event not found, or (b) it is past the expected state.
	var currentStatus string
	err = s.db.QueryRowContext(ctx, queryGetEventStatus, id).Scan(&currentStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrEventNotFound
	}
	if err != nil {
		return err
	}
	return dispatcher.ErrStatusTransitionDenied
}

// GetOrphanedEvents returns events still in received status that arrived
// before olderThan, oldest first, at most maxResults.
func (s *Store) GetOrphanedEvents(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, queryGetOrphanedEvents, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Event
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec.Event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) InsertJobRun(ctx context.Context, run domain.JobRun) error {
	_, err := s.db.ExecContext(ctx, queryInsertJobRun,
		run.ID,
		run.EventID,
		run.BuildID,
		run.JobName,
		run.Image,
		string(run.Status),
		run.ExitCode,
		run.Error,
		run.StartedAt,
		nullTime(run.FinishedAt),
	)
	return err
}

// FinishJobRun records the outcome of a running job run. Finished runs are
// never rewritten.
func (s *Store) FinishJobRun(ctx context.Context, run domain.JobRun) error {
	result, err := s.db.ExecContext(ctx, queryFinishJobRun,
		run.ID,
		string(run.Status),
		run.ExitCode,
		run.Error,
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finish job run %s: %w", run.ID, dispatcher.ErrStatusTransitionDenied)
	}
	return nil
}

func (s *Store) ListJobRuns(ctx context.Context, eventID uuid.UUID) ([]domain.JobRun, error) {
	rows, err := s.db.QueryContext(ctx, queryListJobRuns, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.JobRun
	for rows.Next() {
		var run domain.JobRun
		var status string
		var finishedAt sql.NullTime

		err := rows.Scan(
			&run.ID,
			&run.EventID,
			&run.BuildID,
			&run.JobName,
			&run.Image,
			&status,
			&run.ExitCode,
			&run.Error,
			&run.StartedAt,
			&finishedAt,
		)
		if err != nil {
			return nil, err
		}
		run.Status = domain.JobRunStatus(status)
		if finishedAt.Valid {
			run.FinishedAt = finishedAt.Time
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRecord(row rowScanner) (domain.EventRecord, error) {
	var rec domain.EventRecord
	var typ, status string
	var payload []byte

	err := row.Scan(
		&rec.Event.ID,
		&typ,
		&rec.Event.Project,
		&rec.Event.BuildID,
		&rec.Event.Revision.Commit,
		&rec.Event.Revision.Ref,
		&payload,
		&status,
		&rec.Reason,
		&rec.Error,
		&rec.Event.ReceivedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.EventRecord{}, err
	}
	rec.Event.Type = domain.EventType(typ)
	rec.Status = domain.EventStatus(status)
	if payload != nil {
		rec.Event.Payload = json.RawMessage(payload)
	}
	return rec, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// nullPayload passes the payload as text: lib/pq would send []byte as bytea.
func nullPayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Compile-time interface assertions
var (
	_ api.Store        = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
)
