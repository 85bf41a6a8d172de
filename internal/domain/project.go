package domain

import (
	"errors"
	"fmt"
	"sort"
)

// Secret keys consumed from Project.Secrets.
const (
	SecretGitHubUsername = "GITHUB_USERNAME"
	SecretGitHubToken    = "GITHUB_TOKEN"
	SecretSlackWebhook   = "SLACK_WEBHOOK"
	SecretDashboardURL   = "KASHTI_URL"
)

var ErrMissingSecret = errors.New("missing project secret")

type Repo struct {
	CloneURL string `yaml:"cloneURL" json:"cloneURL"`
}

// Project is read-only input supplied per event. Secrets are opaque values.
type Project struct {
	Name    string            `yaml:"name" json:"name"`
	Repo    Repo              `yaml:"repo" json:"repo"`
	Secrets map[string]string `yaml:"secrets" json:"-"`
}

// Secret returns the named secret or ErrMissingSecret.
func (p Project) Secret(key string) (string, error) {
	v, ok := p.Secrets[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: project=%s key=%s", ErrMissingSecret, p.Name, key)
	}
	return v, nil
}

// RequireSecrets checks that every key is present, reporting all missing keys at once.
func (p Project) RequireSecrets(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if p.Secrets[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: project=%s keys=%v", ErrMissingSecret, p.Name, missing)
}

// SecretKeys lists the configured secret names without their values.
func (p Project) SecretKeys() []string {
	keys := make([]string, 0, len(p.Secrets))
	for k := range p.Secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
