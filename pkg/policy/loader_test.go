package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const validRego = `# Rejects probes that create IAM users.
package stackprobe.policies.custom

import rego.v1

deny contains violation if {
	contains(input.probe.deploy, "aws_iam_user")
	violation := {
		"message": "probes must not create IAM users",
		"severity": "error",
	}
}
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "no-iam-users.rego", validRego)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths([]string{path})
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}

	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "no-iam-users" {
		t.Errorf("expected name from file, got %s", p.Name)
	}
	if p.Description != "Rejects probes that create IAM users." {
		t.Errorf("expected description from comment, got %q", p.Description)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("expected default severity warning, got %s", p.Severity)
	}
	if !p.Enabled {
		t.Error("expected loaded policy to be enabled")
	}
	if p.Source != path {
		t.Errorf("expected source path, got %s", p.Source)
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "one.rego", validRego)
	writePolicy(t, dir, "two.rego", validRego)
	writePolicy(t, dir, "ignored.txt", "not a policy")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("failed to load directory: %v", err)
	}

	if len(policies) != 2 {
		t.Errorf("expected 2 policies, got %d", len(policies))
	}
}

func TestLoadMissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths([]string{"/no/such/path"}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestLoadRejectsNonRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "policy.yaml", "name: nope")

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths([]string{path}); err == nil {
		t.Error("expected error for non-rego file")
	}
}

func TestLoadDirectorySkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "good.rego", validRego)

	// Unreadable files are skipped, not fatal
	if err := os.Symlink(filepath.Join(dir, "missing.rego"), filepath.Join(dir, "broken.rego")); err != nil {
		t.Fatalf("failed to create dangling symlink: %v", err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("failed to load directory: %v", err)
	}
	if len(policies) != 1 {
		t.Errorf("expected broken file skipped, got %d policies", len(policies))
	}
}

func TestLeadingComment(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"no comment", "package p\n", ""},
		{"single line", "# First line.\npackage p\n", "First line."},
		{"multi line", "# First.\n# Second.\npackage p\n", "First. Second."},
		{"stops at code", "# Top.\npackage p\n# later comment\n", "Top."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := leadingComment(tt.source); got != tt.want {
				t.Errorf("leadingComment() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "one.rego", validRego)

	loader := NewLoader(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Policy
	applied := make(chan struct{}, 1)

	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		mu.Lock()
		got = policies
		mu.Unlock()
		select {
		case applied <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer loader.StopWatching()

	writePolicy(t, dir, "two.rego", validRego)

	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("expected 2 policies after reload, got %d", len(got))
	}
}
