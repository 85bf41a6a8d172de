package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEvent is returned when an event payload is missing fields its
// handler requires.
var ErrMalformedEvent = errors.New("malformed event")

const branchRefPrefix = "refs/heads/"

// ImageAction values reported by the registry.
const (
	ImageActionInsert = "INSERT"
	ImageActionDelete = "DELETE"
)

type ImagePush struct {
	Action string
	Tag    string
}

type PullRequest struct {
	Title   string
	HTMLURL string
}

type Push struct {
	Ref string
}

// Branch returns the branch name of a refs/heads/ ref, or "" for any other ref
// (tags, notes, malformed refs).
func (p Push) Branch() string {
	if !strings.HasPrefix(p.Ref, branchRefPrefix) {
		return ""
	}
	return p.Ref[len(branchRefPrefix):]
}

func ParseImagePush(raw json.RawMessage) (ImagePush, error) {
	var body struct {
		ImageData *struct {
			Action string `json:"action"`
			Tag    string `json:"tag"`
		} `json:"imageData"`
	}
	if err := decodePayload(raw, &body); err != nil {
		return ImagePush{}, err
	}
	if body.ImageData == nil {
		return ImagePush{}, fmt.Errorf("%w: missing imageData", ErrMalformedEvent)
	}
	if body.ImageData.Tag == "" {
		return ImagePush{}, fmt.Errorf("%w: missing imageData.tag", ErrMalformedEvent)
	}
	if body.ImageData.Action == "" {
		return ImagePush{}, fmt.Errorf("%w: missing imageData.action", ErrMalformedEvent)
	}
	return ImagePush{Action: body.ImageData.Action, Tag: body.ImageData.Tag}, nil
}

func ParsePullRequest(raw json.RawMessage) (PullRequest, error) {
	var body struct {
		PullRequest *struct {
			Title   string `json:"title"`
			HTMLURL string `json:"html_url"`
		} `json:"pull_request"`
	}
	if err := decodePayload(raw, &body); err != nil {
		return PullRequest{}, err
	}
	if body.PullRequest == nil {
		return PullRequest{}, fmt.Errorf("%w: missing pull_request", ErrMalformedEvent)
	}
	if body.PullRequest.HTMLURL == "" {
		return PullRequest{}, fmt.Errorf("%w: missing pull_request.html_url", ErrMalformedEvent)
	}
	if body.PullRequest.Title == "" {
		return PullRequest{}, fmt.Errorf("%w: missing pull_request.title", ErrMalformedEvent)
	}
	return PullRequest{Title: body.PullRequest.Title, HTMLURL: body.PullRequest.HTMLURL}, nil
}

func ParsePush(raw json.RawMessage) (Push, error) {
	var body struct {
		Ref string `json:"ref"`
	}
	if err := decodePayload(raw, &body); err != nil {
		return Push{}, err
	}
	if body.Ref == "" {
		return Push{}, fmt.Errorf("%w: missing ref", ErrMalformedEvent)
	}
	return Push{Ref: body.Ref}, nil
}

// decodePayload accepts either a JSON object or a JSON string that itself
// holds the object, which is how some CI gateways forward payloads.
func decodePayload(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		raw = json.RawMessage(inner)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
