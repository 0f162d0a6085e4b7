package stores

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackprobe/stackprobe/pkg/processor"
)

func testSnapshot() *processor.Snapshot {
	return &processor.Snapshot{
		SavedAt: time.Now().UTC().Truncate(time.Second),
		Items: map[string]*processor.ItemState{
			"arch-1": {
				Arch: processor.Architecture{
					ID:   "arch-1",
					Name: "S3 static site",
				},
				Current: processor.StateGenerated,
			},
			"arch-2": {
				Arch: processor.Architecture{
					ID:   "arch-2",
					Name: "SQS worker",
				},
				Current: processor.StatePassed,
			},
		},
		Stats: processor.RunStats{
			Total:     2,
			Mined:     2,
			Generated: 2,
			Passed:    1,
		},
	}
}

func TestStateFileSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	sf := NewStateFile(path, zerolog.Nop())

	snap := testSnapshot()
	if err := sf.Save(snap); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	loaded, err := sf.Load()
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected snapshot, got nil")
	}

	if len(loaded.Items) != 2 {
		t.Errorf("expected 2 items, got %d", len(loaded.Items))
	}
	item, ok := loaded.Items["arch-1"]
	if !ok {
		t.Fatal("expected arch-1 in restored snapshot")
	}
	if item.Current != processor.StateGenerated {
		t.Errorf("expected GENERATED, got %s", item.Current)
	}
	if loaded.Stats.Passed != 1 {
		t.Errorf("expected 1 passed, got %d", loaded.Stats.Passed)
	}
	if !loaded.SavedAt.Equal(snap.SavedAt) {
		t.Errorf("expected SavedAt %v, got %v", snap.SavedAt, loaded.SavedAt)
	}
}

func TestStateFileMissingIsFreshStart(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), "absent.json"), zerolog.Nop())

	snap, err := sf.Load()
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if snap != nil {
		t.Error("expected nil snapshot for missing file")
	}
}

func TestStateFileCorruptIsFreshStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	sf := NewStateFile(path, zerolog.Nop())
	snap, err := sf.Load()
	if err != nil {
		t.Fatalf("expected no error for corrupt state file, got %v", err)
	}
	if snap != nil {
		t.Error("expected nil snapshot for corrupt state file")
	}

	// A save after the fresh start replaces the corrupt file.
	if err := sf.Save(testSnapshot()); err != nil {
		t.Fatalf("failed to save over corrupt file: %v", err)
	}
	loaded, err := sf.Load()
	if err != nil || loaded == nil {
		t.Fatalf("expected snapshot after rewrite, got snap=%v err=%v", loaded, err)
	}
}

func TestStateFileOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	sf := NewStateFile(path, zerolog.Nop())

	first := testSnapshot()
	if err := sf.Save(first); err != nil {
		t.Fatalf("failed to save first snapshot: %v", err)
	}

	second := testSnapshot()
	second.Stats.Passed = 2
	if err := sf.Save(second); err != nil {
		t.Fatalf("failed to save second snapshot: %v", err)
	}

	loaded, err := sf.Load()
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded.Stats.Passed != 2 {
		t.Errorf("expected latest snapshot, got passed=%d", loaded.Stats.Passed)
	}

	// No temp files left behind
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the state file, found %d entries", len(entries))
	}
}

func TestStateFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "state.json")
	sf := NewStateFile(path, zerolog.Nop())

	if err := sf.Save(testSnapshot()); err != nil {
		t.Fatalf("failed to save into missing directory: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected state file to exist: %v", err)
	}
}

func TestStateFileRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	sf := NewStateFile(path, zerolog.Nop())

	// Removing a missing file is fine
	if err := sf.Remove(); err != nil {
		t.Fatalf("expected remove of missing file to succeed: %v", err)
	}

	if err := sf.Save(testSnapshot()); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	if err := sf.Remove(); err != nil {
		t.Fatalf("failed to remove state file: %v", err)
	}

	snap, err := sf.Load()
	if err != nil || snap != nil {
		t.Errorf("expected fresh start after remove, got snap=%v err=%v", snap, err)
	}
}

func TestProbeCacheRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	cache := NewProbeCache(store, zerolog.Nop())

	probe := &processor.ProbeApp{
		ArchID:      "arch-1",
		Deploy:      `resource "aws_s3_bucket" "b" {}`,
		TestCode:    "def test_bucket(): pass",
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := cache.Put("hash-1", probe); err != nil {
		t.Fatalf("failed to cache probe: %v", err)
	}

	got, ok := cache.Get("hash-1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Deploy != probe.Deploy {
		t.Errorf("expected deploy to round-trip, got %q", got.Deploy)
	}
	if got.Source != "generated" {
		t.Errorf("expected default source generated, got %q", got.Source)
	}

	if _, ok := cache.Get("no-such-hash"); ok {
		t.Error("expected cache miss for unknown hash")
	}
}
