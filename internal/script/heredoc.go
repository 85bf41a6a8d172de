// Package script renders the shell fragments executed inside job containers.
//
// Every value that originates from an event or a project (image references,
// build IDs, credentials, commit text) is placed in the body of a quoted
// heredoc after Encode, never on a command line. A rendered fragment therefore
// has the same command skeleton regardless of the values it carries; Commands
// extracts that skeleton.
package script

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Delimiter terminates every heredoc emitted by this package. It is always
// quoted on the opening line so the shell performs no expansion in the body.
const Delimiter = "GITOPS_EOF"

// StateDir holds intermediate files shared between fragments of one job.
const StateDir = "/tmp/gitops"

var (
	ErrUnsafeValue  = errors.New("unsafe value")
	ErrMissingValue = errors.New("missing value")
)

// Encode makes v safe to embed in a heredoc body: control characters,
// including line breaks, are rendered as visible escapes so that v always
// stays within the line it was placed on.
func Encode(v string) string {
	if strings.IndexFunc(v, unicode.IsControl) < 0 {
		return v
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case unicode.IsControl(r):
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Quote single-quotes s for use as one shell word. It is meant for trusted
// operator configuration; event data goes through heredocs instead.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// fragment accumulates the lines of one script fragment. The first error
// sticks and is reported by render.
type fragment struct {
	lines []string
	err   error
}

func (f *fragment) cmd(line string) {
	f.lines = append(f.lines, line)
}

// heredoc emits command fed by a quoted heredoc holding body.
func (f *fragment) heredoc(command, body string) {
	body = strings.TrimSuffix(body, "\n")
	for _, line := range strings.Split(body, "\n") {
		if line == Delimiter {
			f.fail(fmt.Errorf("%w: body line equals heredoc delimiter", ErrUnsafeValue))
			return
		}
	}
	f.lines = append(f.lines, command+" <<'"+Delimiter+"'", body, Delimiter)
}

// writeFile emits a heredoc that writes body to path.
func (f *fragment) writeFile(path, body string) {
	f.heredoc("cat > "+path, body)
}

func (f *fragment) fail(err error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *fragment) render() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "\n" + strings.Join(f.lines, "\n") + "\n", nil
}

var heredocOpen = regexp.MustCompile(`<<-?\s*(?:'([^']+)'|"([^"]+)"|([A-Za-z0-9_]+))\s*$`)

// Commands returns the command lines of a fragment with heredoc bodies
// removed. Blank lines are dropped.
func Commands(fragment string) []string {
	var cmds []string
	lines := strings.Split(fragment, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		cmds = append(cmds, line)

		m := heredocOpen.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		delim := m[1] + m[2] + m[3]
		stripTabs := strings.Contains(line, "<<-")
		for i++; i < len(lines); i++ {
			body := lines[i]
			if stripTabs {
				body = strings.TrimLeft(body, "\t")
			}
			if body == delim {
				break
			}
		}
	}
	return cmds
}

func require(values map[string]string) error {
	var missing []string
	for name, v := range values {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrMissingValue, strings.Join(missing, ", "))
}
