package domain

import "testing"

func TestParseEventType(t *testing.T) {
	tests := []struct {
		raw   string
		want  EventType
		known bool
	}{
		{"image_push", EventTypeImagePush, true},
		{"gcr_image_push", EventTypeImagePush, true},
		{"pull_request", EventTypePullRequest, true},
		{"push", EventTypePush, true},
		{"error", EventTypeError, true},
		{"release", EventType("release"), false},
		{"", EventType(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseEventType(tt.raw)
			if got != tt.want {
				t.Errorf("ParseEventType(%q) = %q, want %q", tt.raw, got, tt.want)
			}
			if got.Known() != tt.known {
				t.Errorf("Known() = %v, want %v", got.Known(), tt.known)
			}
		})
	}
}

func TestKnownEventTypes_AllKnown(t *testing.T) {
	for _, typ := range KnownEventTypes() {
		if !typ.Known() {
			t.Errorf("%q listed in KnownEventTypes but Known() = false", typ)
		}
	}
}

func TestEventStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   EventStatus
		terminal bool
	}{
		{EventStatusReceived, false},
		{EventStatusHandling, false},
		{EventStatusHandled, true},
		{EventStatusFiltered, true},
		{EventStatusIgnored, true},
		{EventStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if tt.status.Terminal() != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", tt.status.Terminal(), tt.terminal)
			}
		})
	}
}
