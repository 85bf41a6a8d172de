// Package notify builds chat notification jobs from event metadata.
package notify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/djlord-it/easy-gitops/internal/pipeline"
)

// Class selects the attachment color of a notification.
type Class string

const (
	ClassUpdate          Class = "update"
	ClassPendingApproval Class = "pending_approval"
	ClassSuccess         Class = "success"
)

var colors = map[Class]string{
	ClassUpdate:          "#89ddff",
	ClassPendingApproval: "#ffcb6b",
	ClassSuccess:         "#c3e88d",
}

// Color returns the hex color for c, or "" for an unknown class.
func (c Class) Color() string {
	return colors[c]
}

const Task = "/slack-notify"

// Env keys read by the notification image.
const (
	EnvWebhook = "SLACK_WEBHOOK"
	EnvTitle   = "SLACK_TITLE"
	EnvMessage = "SLACK_MESSAGE"
	EnvColor   = "SLACK_COLOR"
)

var (
	ErrUnknownClass = errors.New("unknown notification class")
	ErrNoWebhook    = errors.New("notification webhook is required")
)

// Link is a chat markup link rendered as <url|label>.
type Link struct {
	URL   string
	Label string
}

// Line breaks are flattened so a label can never add a line to the message.
var labelEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "|", "¦", "\r", " ", "\n", " ")

func (l Link) String() string {
	label := labelEscaper.Replace(l.Label)
	if l.URL == "" {
		return label
	}
	return "<" + urlEscaper.Replace(l.URL) + "|" + label + ">"
}

var urlEscaper = strings.NewReplacer("<", "%3C", ">", "%3E", "|", "%7C", " ", "%20", "\r", "%0D", "\n", "%0A")

// Notification is the content of one chat message.
type Notification struct {
	Class   Class
	Title   string
	Webhook string

	Project  Link
	Artifact string // "Image", "Pull request", "Commit"
	Subject  Link
	Build    Link
}

// Message renders the three-line body.
func (n Notification) Message() string {
	return fmt.Sprintf("Project %s\n%s %s\nBuild %s", n.Project, n.Artifact, n.Subject, n.Build)
}

// NewJob builds a notification job. Notifications never use shared storage.
func NewJob(name, image string, n Notification, opts ...pipeline.JobOption) (*pipeline.Job, error) {
	color := n.Class.Color()
	if color == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, n.Class)
	}
	if n.Webhook == "" {
		return nil, ErrNoWebhook
	}

	opts = append([]pipeline.JobOption{
		pipeline.WithEnv(EnvWebhook, n.Webhook),
		pipeline.WithEnv(EnvTitle, n.Title),
		pipeline.WithEnv(EnvMessage, n.Message()),
		pipeline.WithEnv(EnvColor, color),
	}, opts...)
	opts = append(opts, pipeline.WithStorage(false))

	return pipeline.NewJob(name, image, []string{Task}, opts...)
}
