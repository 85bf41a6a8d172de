package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testManifest = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: hello-world
spec:
  template:
    spec:
      containers:
        - name: hello-world
          image: gcr.io/x/hello:v1 # current release
`

func writeManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployment.yaml")
	if err := os.WriteFile(path, []byte(testManifest), 0o640); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestRunPatch_InPlace(t *testing.T) {
	path := writeManifest(t)
	var stdout, stderr bytes.Buffer

	code := runPatch([]string{path, "hello-world", "gcr.io/x/hello:v2"}, &stdout, &stderr)
	if code != exitSuccess {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	want := strings.Replace(testManifest, "gcr.io/x/hello:v1", "gcr.io/x/hello:v2", 1)
	if string(got) != want {
		t.Errorf("manifest mismatch\n--- got ---\n%s\n--- want ---\n%s", got, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("file mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestRunPatch_Stdout(t *testing.T) {
	path := writeManifest(t)
	var stdout, stderr bytes.Buffer

	code := runPatch([]string{"-stdout", path, "hello-world", "gcr.io/x/hello:v2"}, &stdout, &stderr)
	if code != exitSuccess {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "image: gcr.io/x/hello:v2 # current release") {
		t.Errorf("expected patched manifest on stdout, got:\n%s", stdout.String())
	}

	got, _ := os.ReadFile(path)
	if string(got) != testManifest {
		t.Error("expected file to be left unchanged with -stdout")
	}
}

func TestRunPatch_Errors(t *testing.T) {
	path := writeManifest(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"missing arguments", []string{path, "hello-world"}, exitInvalidConfig},
		{"unknown flag", []string{"-inplace", path, "hello-world", "x:v2"}, exitInvalidConfig},
		{"missing file", []string{filepath.Join(t.TempDir(), "nope.yaml"), "hello-world", "x:v2"}, exitRuntimeError},
		{"unknown container", []string{path, "sidecar", "x:v2"}, exitRuntimeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := runPatch(tt.args, &stdout, &stderr); code != tt.want {
				t.Errorf("exit code = %d, want %d (stderr: %s)", code, tt.want, stderr.String())
			}
		})
	}

	got, _ := os.ReadFile(path)
	if string(got) != testManifest {
		t.Error("expected failed patches to leave the file unchanged")
	}
}
