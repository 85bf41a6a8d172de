package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/djlord-it/easy-gitops/internal/domain"
)

// Projects is the read-only set of projects events may target, loaded from
// a YAML file:
//
//	projects:
//	  - name: github.com/acme/app
//	    repo:
//	      cloneURL: https://github.com/acme/app.git
//	    secrets:
//	      GITHUB_TOKEN: ${GITHUB_TOKEN}
//
// Secret values may reference environment variables as ${VAR}.
type Projects struct {
	byName map[string]domain.Project
}

type projectsFile struct {
	Projects []domain.Project `yaml:"projects"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadProjects reads and parses the projects file at path, expanding
// secret references from the process environment.
func LoadProjects(path string) (*Projects, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read projects file: %w", err)
	}
	p, err := ParseProjects(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseProjects parses a projects document. lookup resolves ${VAR}
// references; an unresolved reference is an error.
func ParseProjects(data []byte, lookup func(string) (string, bool)) (*Projects, error) {
	var file projectsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse projects: %w", err)
	}

	var errs []error
	p := &Projects{byName: make(map[string]domain.Project, len(file.Projects))}
	for i, proj := range file.Projects {
		if proj.Name == "" {
			errs = append(errs, fmt.Errorf("project %d: name is required", i))
			continue
		}
		if _, dup := p.byName[proj.Name]; dup {
			errs = append(errs, fmt.Errorf("project %s: duplicate name", proj.Name))
			continue
		}

		secrets := make(map[string]string, len(proj.Secrets))
		for k, v := range proj.Secrets {
			expanded, missing := expand(v, lookup)
			for _, name := range missing {
				errs = append(errs, fmt.Errorf("project %s: secret %s references unset variable %s", proj.Name, k, name))
			}
			secrets[k] = expanded
		}
		proj.Secrets = secrets
		p.byName[proj.Name] = proj
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

func expand(v string, lookup func(string) (string, bool)) (string, []string) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(v, func(ref string) string {
		name := ref[2 : len(ref)-1]
		val, ok := lookup(name)
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return val
	})
	return out, missing
}

// Lookup returns the named project.
func (p *Projects) Lookup(name string) (domain.Project, bool) {
	proj, ok := p.byName[name]
	return proj, ok
}

// Names returns the configured project names, sorted.
func (p *Projects) Names() []string {
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Projects) Len() int {
	return len(p.byName)
}

// Summary describes each project without secret values.
func (p *Projects) Summary() string {
	var b strings.Builder
	for _, name := range p.Names() {
		proj := p.byName[name]
		fmt.Fprintf(&b, "%s repo=%s secrets=%v\n", name, proj.Repo.CloneURL, proj.SecretKeys())
	}
	return b.String()
}
