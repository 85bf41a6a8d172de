package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTypeImagePush   EventType = "image_push"
	EventTypePullRequest EventType = "pull_request"
	EventTypePush        EventType = "push"
	EventTypeError       EventType = "error"
)

// eventTypeAliases maps provider-specific names onto the closed set.
var eventTypeAliases = map[string]EventType{
	"gcr_image_push": EventTypeImagePush,
}

// KnownEventTypes returns every event type a router must handle.
func KnownEventTypes() []EventType {
	return []EventType{
		EventTypeImagePush,
		EventTypePullRequest,
		EventTypePush,
		EventTypeError,
	}
}

// ParseEventType normalizes a raw type token. Unknown tokens are returned
// verbatim so they can still be logged; Known reports whether it is routable.
func ParseEventType(s string) EventType {
	if t, ok := eventTypeAliases[s]; ok {
		return t
	}
	return EventType(s)
}

// Known reports whether t is one of KnownEventTypes.
func (t EventType) Known() bool {
	switch t {
	case EventTypeImagePush, EventTypePullRequest, EventTypePush, EventTypeError:
		return true
	default:
		return false
	}
}

type Revision struct {
	Commit string `json:"commit"`
	Ref    string `json:"ref,omitempty"`
}

// Event is an inbound webhook event. It is immutable once received and is
// consumed by exactly one handler.
type Event struct {
	ID      uuid.UUID
	Type    EventType
	Project string

	BuildID  string
	Revision Revision
	Payload  json.RawMessage

	ReceivedAt time.Time
}
