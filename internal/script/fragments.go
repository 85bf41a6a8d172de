package script

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/djlord-it/easy-gitops/internal/manifest"
)

// BranchPrefix prefixes every branch created by ManifestUpdate. Downstream
// tooling matches on update-deployment-<buildID>.
const BranchPrefix = "update-deployment-"

const (
	hubConfigPath = `"$HOME/.config/hub"`
	gitConfigPath = `"$HOME/.gitconfig-gitops"`

	branchFile   = StateDir + "/branch"
	remoteFile   = StateDir + "/remote"
	patchFile    = StateDir + "/patch.yaml"
	manifestFile = StateDir + "/manifest.yaml"
)

// BranchName returns the branch for a build. Uniqueness follows from build ID
// uniqueness, which is the caller's responsibility.
func BranchName(buildID string) (string, error) {
	if buildID == "" {
		return "", fmt.Errorf("%w: build ID", ErrMissingValue)
	}
	if strings.IndexFunc(buildID, isRefUnsafe) >= 0 || strings.Contains(buildID, "..") ||
		strings.Contains(buildID, "@{") || strings.HasSuffix(buildID, ".lock") ||
		strings.HasSuffix(buildID, "/") || strings.HasSuffix(buildID, ".") {
		return "", fmt.Errorf("%w: build ID %q is not a valid branch component", ErrUnsafeValue, Encode(buildID))
	}
	return BranchPrefix + buildID, nil
}

func isRefUnsafe(r rune) bool {
	switch r {
	case ' ', '~', '^', ':', '?', '*', '[', '\\', 0x7f:
		return true
	}
	return r < 0x20
}

type hubHost struct {
	Protocol   string `yaml:"protocol"`
	User       string `yaml:"user"`
	OAuthToken string `yaml:"oauth_token"`
}

// Credentials writes the hub credential file for host.
func Credentials(host, username, token string) (string, error) {
	if err := require(map[string]string{"host": host, "username": username, "token": token}); err != nil {
		return "", err
	}

	body, err := marshalYAML(map[string][]hubHost{
		Encode(host): {{Protocol: "https", User: Encode(username), OAuthToken: Encode(token)}},
	})
	if err != nil {
		return "", fmt.Errorf("render hub credentials: %w", err)
	}

	var f fragment
	f.cmd(`mkdir -p "$HOME/.config"`)
	f.writeFile(hubConfigPath, body)
	f.cmd("chmod 600 " + hubConfigPath)
	return f.render()
}

// Identity describes the commit author and how git authenticates to the host.
type Identity struct {
	Email            string
	Name             string
	Host             string
	CredentialHelper string
}

// IdentityConfig writes a git config include file carrying the commit
// identity and credential helper, and registers it globally.
func IdentityConfig(id Identity) (string, error) {
	if err := require(map[string]string{
		"email": id.Email, "name": id.Name, "host": id.Host, "credential helper": id.CredentialHelper,
	}); err != nil {
		return "", err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "[credential %s]\n", gitQuote("https://"+id.Host))
	fmt.Fprintf(&body, "\thelper = %s\n", gitQuote(id.CredentialHelper))
	body.WriteString("[hub]\n\tprotocol = https\n")
	fmt.Fprintf(&body, "[user]\n\temail = %s\n\tname = %s\n", gitQuote(id.Email), gitQuote(id.Name))

	var f fragment
	f.writeFile(gitConfigPath, body.String())
	f.cmd("git config --global include.path " + gitConfigPath)
	return f.render()
}

// gitQuote renders v as a double-quoted git config value.
func gitQuote(v string) string {
	v = strings.ReplaceAll(Encode(v), `\`, `\\`)
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

// ManifestUpdate patches a container image in a deployment manifest and
// commits the result on a fresh branch.
type ManifestUpdate struct {
	Image        string
	BuildID      string
	ManifestPath string
	Container    string
	Title        string
}

func (m ManifestUpdate) Render() (string, error) {
	if err := require(map[string]string{
		"image": m.Image, "manifest path": m.ManifestPath, "container": m.Container, "title": m.Title,
	}); err != nil {
		return "", err
	}
	branch, err := BranchName(m.BuildID)
	if err != nil {
		return "", err
	}
	patch, err := manifest.ContainerImagePatch(Encode(m.Container), Encode(m.Image))
	if err != nil {
		return "", fmt.Errorf("render patch: %w", err)
	}

	path := Quote(m.ManifestPath)

	var f fragment
	f.cmd("mkdir -p " + StateDir)
	f.writeFile(patchFile, string(patch))
	f.cmd("kubectl patch --local -o yaml -f " + path + ` -p "$(cat ` + patchFile + `)" > ` + manifestFile)
	f.cmd("mv " + manifestFile + " " + path)
	f.writeFile(branchFile, branch)
	f.cmd(`git checkout -b "$(cat ` + branchFile + `)"`)
	f.cmd("git add " + path)
	f.heredoc("git commit -F-", changeMessage(m.Title, m.Image, m.BuildID))
	return f.render()
}

// Push registers the origin remote and pushes the build's branch.
func Push(cloneURL, buildID string) (string, error) {
	if err := require(map[string]string{"clone URL": cloneURL}); err != nil {
		return "", err
	}
	if strings.HasPrefix(cloneURL, "-") {
		return "", fmt.Errorf("%w: clone URL may not start with '-'", ErrUnsafeValue)
	}
	branch, err := BranchName(buildID)
	if err != nil {
		return "", err
	}

	var f fragment
	f.cmd("mkdir -p " + StateDir)
	f.writeFile(remoteFile, Encode(cloneURL))
	f.writeFile(branchFile, branch)
	f.cmd(`git remote add origin "$(cat ` + remoteFile + `)"`)
	f.cmd(`git push origin "$(cat ` + branchFile + `)"`)
	return f.render()
}

// PullRequest opens a pull request for the current branch.
type PullRequest struct {
	Image   string
	BuildID string
	Title   string
}

func (p PullRequest) Render() (string, error) {
	if err := require(map[string]string{"image": p.Image, "build ID": p.BuildID, "title": p.Title}); err != nil {
		return "", err
	}

	var f fragment
	f.heredoc("hub pull-request -F-", changeMessage(p.Title, p.Image, p.BuildID))
	return f.render()
}

// changeMessage is shared by the commit and the pull request so both carry
// the image and build ID verbatim.
func changeMessage(title, image, buildID string) string {
	return Encode(title) + "\n\n" +
		"This commit updates the deployment container image to:\n" +
		"  " + Encode(image) + "\n\n" +
		"Build ID:\n" +
		"  " + Encode(buildID) + "\n"
}

func marshalYAML(v any) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
