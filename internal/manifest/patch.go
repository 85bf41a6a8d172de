// Package manifest applies container image updates to Kubernetes deployment
// manifests.
//
// Updates are structural: the container is selected by name under
// spec.template.spec.containers and only the source bytes of its image scalar
// are replaced. Every other byte of the manifest, including comments and
// formatting, is preserved.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidManifest    = errors.New("invalid manifest")
	ErrContainerNotFound  = errors.New("container not found")
	ErrNoImageField       = errors.New("container has no image field")
	ErrInvalidImage       = errors.New("invalid image reference")
	ErrUnsupportedScalar  = errors.New("unsupported image scalar style")
	ErrEmptyContainerName = errors.New("container name is required")
)

// containerPath is the location of the pod containers list in a Deployment.
var containerPath = []string{"spec", "template", "spec", "containers"}

type patchContainer struct {
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
}

type patchDocument struct {
	Spec struct {
		Template struct {
			Spec struct {
				Containers []patchContainer `yaml:"containers"`
			} `yaml:"spec"`
		} `yaml:"template"`
	} `yaml:"spec"`
}

// ContainerImagePatch renders a strategic-merge patch that sets the image of
// the named container. The output is suitable for `kubectl patch -p`.
func ContainerImagePatch(container, image string) ([]byte, error) {
	if container == "" {
		return nil, ErrEmptyContainerName
	}
	if err := validateImage(image); err != nil {
		return nil, err
	}

	var doc patchDocument
	doc.Spec.Template.Spec.Containers = []patchContainer{{Name: container, Image: image}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	return buf.Bytes(), nil
}

// ApplyPatch merges a container image patch (as produced by
// ContainerImagePatch) into doc, matching containers by name.
func ApplyPatch(doc, patch []byte) ([]byte, error) {
	var p patchDocument
	if err := yaml.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	out := doc
	for _, c := range p.Spec.Template.Spec.Containers {
		var err error
		out, err = SetContainerImage(out, c.Name, c.Image)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SetContainerImage returns a copy of doc where the image of the named
// container is replaced. Only the image scalar's bytes change.
func SetContainerImage(doc []byte, container, image string) ([]byte, error) {
	if container == "" {
		return nil, ErrEmptyContainerName
	}
	if err := validateImage(image); err != nil {
		return nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidManifest)
	}

	node := root.Content[0]
	for _, key := range containerPath {
		node = mappingValue(node, key)
		if node == nil {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidManifest, strings.Join(containerPath, "."))
		}
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: %s is not a list", ErrInvalidManifest, strings.Join(containerPath, "."))
	}

	var targets []*yaml.Node
	for _, item := range node.Content {
		name := mappingValue(item, "name")
		if name == nil || name.Value != container {
			continue
		}
		img := mappingValue(item, "image")
		if img == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoImageField, container)
		}
		if img.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedScalar, container)
		}
		targets = append(targets, img)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, container)
	}

	replacement, err := encodeScalar(image)
	if err != nil {
		return nil, err
	}

	lines := bytes.Split(doc, []byte("\n"))
	for _, img := range targets {
		idx := img.Line - 1
		if idx < 0 || idx >= len(lines) {
			return nil, fmt.Errorf("%w: image position out of range", ErrInvalidManifest)
		}
		line := lines[idx]
		start := byteOffset(line, img.Column-1)
		end, err := scalarEnd(line, start, img)
		if err != nil {
			return nil, err
		}

		patched := make([]byte, 0, len(line)-end+start+len(replacement))
		patched = append(patched, line[:start]...)
		patched = append(patched, replacement...)
		patched = append(patched, line[end:]...)
		lines[idx] = patched
	}

	return bytes.Join(lines, []byte("\n")), nil
}

func validateImage(image string) error {
	if image == "" {
		return fmt.Errorf("%w: empty", ErrInvalidImage)
	}
	if strings.ContainsAny(image, "\r\n") {
		return fmt.Errorf("%w: contains a line break", ErrInvalidImage)
	}
	return nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// encodeScalar renders image as a single-line YAML scalar, quoting it when
// the plain form would be ambiguous.
func encodeScalar(image string) ([]byte, error) {
	out, err := yaml.Marshal(image)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	out = bytes.TrimSuffix(out, []byte("\n"))
	if bytes.ContainsAny(out, "\r\n") {
		return nil, fmt.Errorf("%w: does not fit on one line", ErrInvalidImage)
	}
	return out, nil
}

// byteOffset converts a 0-based character column into a byte offset.
func byteOffset(line []byte, column int) int {
	off := 0
	for i := 0; i < column && off < len(line); i++ {
		_, size := utf8.DecodeRune(line[off:])
		off += size
	}
	return off
}

// scalarEnd returns the byte offset just past the source text of a
// single-line scalar starting at start.
func scalarEnd(line []byte, start int, node *yaml.Node) (int, error) {
	rest := line[start:]
	switch node.Style {
	case 0:
		if !bytes.HasPrefix(rest, []byte(node.Value)) {
			return 0, fmt.Errorf("%w: multi-line or tagged plain scalar", ErrUnsupportedScalar)
		}
		return start + len(node.Value), nil
	case yaml.SingleQuotedStyle:
		for i := 1; i < len(rest); i++ {
			if rest[i] != '\'' {
				continue
			}
			if i+1 < len(rest) && rest[i+1] == '\'' {
				i++
				continue
			}
			return start + i + 1, nil
		}
	case yaml.DoubleQuotedStyle:
		for i := 1; i < len(rest); i++ {
			switch rest[i] {
			case '\\':
				i++
			case '"':
				return start + i + 1, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: style %v", ErrUnsupportedScalar, node.Style)
}
