package gitops

import (
	"errors"
	"fmt"
	"time"
)

// ImageDeletePolicy decides what an image push with action DELETE does.
type ImageDeletePolicy string

const (
	// DeletePolicyUpdate runs the same update pipeline as an insert.
	DeletePolicyUpdate ImageDeletePolicy = "update"
	// DeletePolicyIgnore filters delete events.
	DeletePolicyIgnore ImageDeletePolicy = "ignore"
)

func (p ImageDeletePolicy) Valid() bool {
	return p == DeletePolicyUpdate || p == DeletePolicyIgnore
}

// Config holds the deployment layout and job images used by the handlers.
type Config struct {
	DeployBranch string

	ManifestPath string
	ManifestDir  string
	Container    string
	SourceDir    string

	HubImage     string
	KubectlImage string
	NotifyImage  string

	BotEmail         string
	BotName          string
	CommitTitle      string
	CredentialHelper string
	GitHost          string

	ImageDeletePolicy ImageDeletePolicy

	// JobTimeout bounds each job; zero disables the limit.
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DeployBranch:      "master",
		ManifestPath:      "kubernetes/deployment.yaml",
		ManifestDir:       "kubernetes",
		Container:         "gitops-hello-world-brigade",
		SourceDir:         "src",
		HubImage:          "gcr.io/hightowerlabs/hub",
		KubectlImage:      "gcr.io/cloud-builders/kubectl",
		NotifyImage:       "technosophos/slack-notify",
		BotEmail:          "gitops-bot@crowdynews.com",
		BotName:           "GitOps Bot",
		CommitTitle:       "Update hello world REST API",
		CredentialHelper:  "/usr/local/bin/hub-credential-helper",
		GitHost:           "github.com",
		ImageDeletePolicy: DeletePolicyUpdate,
		JobTimeout:        15 * time.Minute,
	}
}

func (c Config) Validate() error {
	var errs []error
	required := []struct{ name, value string }{
		{"deploy branch", c.DeployBranch},
		{"manifest path", c.ManifestPath},
		{"manifest dir", c.ManifestDir},
		{"container", c.Container},
		{"source dir", c.SourceDir},
		{"hub image", c.HubImage},
		{"kubectl image", c.KubectlImage},
		{"notify image", c.NotifyImage},
		{"bot email", c.BotEmail},
		{"bot name", c.BotName},
		{"commit title", c.CommitTitle},
		{"credential helper", c.CredentialHelper},
		{"git host", c.GitHost},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("gitops: %s is required", r.name))
		}
	}
	if !c.ImageDeletePolicy.Valid() {
		errs = append(errs, fmt.Errorf("gitops: image delete policy %q must be %q or %q",
			c.ImageDeletePolicy, DeletePolicyUpdate, DeletePolicyIgnore))
	}
	if c.JobTimeout < 0 {
		errs = append(errs, errors.New("gitops: job timeout must not be negative"))
	}
	return errors.Join(errs...)
}
