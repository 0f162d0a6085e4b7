package intake

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stackprobe/stackprobe/pkg/processor"
)

// memCache is a mutex-guarded in-memory probe cache for tests.
type memCache struct {
	mu     sync.Mutex
	probes map[string]*processor.ProbeApp
}

func newMemCache() *memCache {
	return &memCache{probes: make(map[string]*processor.ProbeApp)}
}

func (c *memCache) Get(hash string) (*processor.ProbeApp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.probes[hash]
	return p, ok
}

func (c *memCache) Put(hash string, probe *processor.ProbeApp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[hash] = probe
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

const singleManifest = `
architectures:
  - id: arch-2
    name: SQS worker
    services: [sqs, lambda]
    definition:
      resources:
        - sqs_queue
        - lambda_function
  - id: arch-1
    name: S3 static site
    description: Static website on S3
    services: [s3]
    definition:
      resources:
        - s3_bucket
`

func TestLoadSingleManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "architectures.yaml")
	writeFile(t, path, singleManifest)

	loader := NewLoader(zerolog.Nop())
	items, err := loader.Load(path)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	// Sorted by ID
	if items[0].Arch.ID != "arch-1" || items[1].Arch.ID != "arch-2" {
		t.Errorf("unexpected order: %s, %s", items[0].Arch.ID, items[1].Arch.ID)
	}

	arch := items[0].Arch
	if arch.Name != "S3 static site" {
		t.Errorf("unexpected name: %s", arch.Name)
	}
	if len(arch.Services) != 1 || arch.Services[0] != "s3" {
		t.Errorf("unexpected services: %v", arch.Services)
	}
	if arch.ContentHash == "" {
		t.Error("expected content hash to be computed")
	}
	if len(arch.Definition) == 0 {
		t.Error("expected definition to be carried as JSON")
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "arch-b.yaml"), "name: B\nservices: [sns]\n")
	writeFile(t, filepath.Join(dir, "arch-a.yml"), "name: A\nservices: [s3]\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	loader := NewLoader(zerolog.Nop())
	items, err := loader.Load(dir)
	if err != nil {
		t.Fatalf("failed to load directory: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	// ID defaults to the file name without extension
	if items[0].Arch.ID != "arch-a" || items[1].Arch.ID != "arch-b" {
		t.Errorf("unexpected ids: %s, %s", items[0].Arch.ID, items[1].Arch.ID)
	}
}

func TestLoadNameDefaultsToID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.yaml")
	writeFile(t, path, "architectures:\n  - id: arch-1\n")

	loader := NewLoader(zerolog.Nop())
	items, err := loader.Load(path)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}
	if items[0].Arch.Name != "arch-1" {
		t.Errorf("expected name to default to id, got %s", items[0].Arch.Name)
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.yaml")
	writeFile(t, path, "architectures:\n  - id: arch-1\n  - id: arch-1\n")

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.Load(path); err == nil {
		t.Error("expected error for duplicate ids")
	}
}

func TestLoadRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.yaml")
	writeFile(t, path, "architectures:\n  - name: no id here\n")

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.Load(path); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestLoadRejectsEmptyManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.yaml")
	writeFile(t, path, "architectures: []\n")

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.Load(path); err == nil {
		t.Error("expected error for empty manifest")
	}
}

func TestLoadPreSuppliedProbe(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "probes", "main.tf"), `resource "aws_s3_bucket" "b" {}`)
	writeFile(t, filepath.Join(dir, "probes", "test_probe.py"), "def test_bucket(): pass")
	writeFile(t, filepath.Join(dir, "m.yaml"), `
architectures:
  - id: arch-1
    name: S3 static site
    deploy_file: probes/main.tf
    test_file: probes/test_probe.py
`)

	loader := NewLoader(zerolog.Nop())
	items, err := loader.Load(filepath.Join(dir, "m.yaml"))
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}

	probe := items[0].Probe
	if probe == nil {
		t.Fatal("expected pre-supplied probe")
	}
	if probe.Source != "manifest" {
		t.Errorf("expected source manifest, got %s", probe.Source)
	}
	if probe.Deploy == "" || probe.TestCode == "" {
		t.Error("expected deploy and test code from files")
	}
}

func TestLoadTestFileWithoutDeployFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "m.yaml"), `
architectures:
  - id: arch-1
    test_file: probes/test_probe.py
`)

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.Load(filepath.Join(dir, "m.yaml")); err == nil {
		t.Error("expected error for test_file without deploy_file")
	}
}

func TestContentHashStableAcrossRename(t *testing.T) {
	a := processor.Architecture{
		ID:       "arch-1",
		Name:     "S3 static site",
		Services: []string{"s3"},
	}
	b := a
	b.ID = "arch-renamed"

	if ContentHash(a) != ContentHash(b) {
		t.Error("expected hash to ignore the id")
	}

	c := a
	c.Services = []string{"s3", "cloudfront"}
	if ContentHash(a) == ContentHash(c) {
		t.Error("expected hash to change with content")
	}
}

func TestRegisterAll(t *testing.T) {
	machine, err := processor.NewProcessingMachine(nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create machine: %v", err)
	}

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "probes", "main.tf"), `resource "aws_s3_bucket" "b" {}`)
	writeFile(t, filepath.Join(dir, "m.yaml"), `
architectures:
  - id: arch-1
    name: S3 static site
    deploy_file: probes/main.tf
  - id: arch-2
    name: SQS worker
`)

	loader := NewLoader(zerolog.Nop())
	items, err := loader.Load(filepath.Join(dir, "m.yaml"))
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}

	cache := newMemCache()
	registered, err := loader.RegisterAll(machine, items, cache)
	if err != nil {
		t.Fatalf("failed to register items: %v", err)
	}
	if registered != 2 {
		t.Errorf("expected 2 registered, got %d", registered)
	}

	// All items end up MINED
	mined := machine.ItemsInState(processor.StateMined)
	if len(mined) != 2 {
		t.Errorf("expected 2 items in MINED, got %d", len(mined))
	}

	// The pre-supplied probe is cached under the content hash
	if _, ok := cache.Get(items[0].Arch.ContentHash); !ok {
		t.Error("expected manifest probe in cache")
	}

	// Re-registration is a no-op
	registered, err = loader.RegisterAll(machine, items, cache)
	if err != nil {
		t.Fatalf("failed to re-register items: %v", err)
	}
	if registered != 0 {
		t.Errorf("expected 0 newly registered, got %d", registered)
	}
}
