package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEventNotFound  = errors.New("event not found")
	ErrDuplicateEvent = errors.New("event already received for this build")
)

type EventStatus string

const (
	EventStatusReceived EventStatus = "received"
	EventStatusHandling EventStatus = "handling"
	EventStatusHandled  EventStatus = "handled"
	EventStatusFiltered EventStatus = "filtered"
	EventStatusIgnored  EventStatus = "ignored"
	EventStatusFailed   EventStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventStatusHandled, EventStatusFiltered, EventStatusIgnored, EventStatusFailed:
		return true
	default:
		return false
	}
}

// ParseEventStatus returns the status named s, or false.
func ParseEventStatus(s string) (EventStatus, bool) {
	switch st := EventStatus(s); st {
	case EventStatusReceived, EventStatusHandling, EventStatusHandled,
		EventStatusFiltered, EventStatusIgnored, EventStatusFailed:
		return st, true
	}
	return "", false
}

// EventRecord tracks an event through dispatch.
type EventRecord struct {
	Event  Event
	Status EventStatus
	Reason string
	Error  string

	UpdatedAt time.Time
}

type JobRunStatus string

const (
	JobRunRunning   JobRunStatus = "running"
	JobRunSucceeded JobRunStatus = "succeeded"
	JobRunFailed    JobRunStatus = "failed"
)

// JobRun records one container execution of a job.
type JobRun struct {
	ID      uuid.UUID
	EventID uuid.UUID
	BuildID string

	JobName string
	Image   string

	Status   JobRunStatus
	ExitCode int
	Error    string

	StartedAt  time.Time
	FinishedAt time.Time
}
