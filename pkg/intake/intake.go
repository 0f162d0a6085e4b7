package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stackprobe/stackprobe/pkg/processor"
)

// archManifest is the YAML shape of one architecture entry.
type archManifest struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Services    []string `yaml:"services"`
	Definition  any      `yaml:"definition"`

	// DeployFile and TestFile point at pre-supplied probe files relative
	// to the manifest. When set the probe skips generation entirely.
	DeployFile string `yaml:"deploy_file"`
	TestFile   string `yaml:"test_file"`
}

// manifestFile is the YAML shape of a multi-architecture manifest.
type manifestFile struct {
	Architectures []archManifest `yaml:"architectures"`
}

// Item is one loaded architecture, optionally carrying a pre-supplied probe.
type Item struct {
	Arch  processor.Architecture
	Probe *processor.ProbeApp
}

// Loader reads architecture manifests from the external producer boundary.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a manifest loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "intake").Logger(),
	}
}

// Load reads architectures from the given path. A directory is treated as a
// set of per-architecture YAML files; a file as a single manifest with an
// architectures list. Items come back sorted by architecture ID.
func (l *Loader) Load(path string) ([]Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest path: %w", err)
	}

	var items []Item
	if info.IsDir() {
		items, err = l.loadDir(path)
	} else {
		items, err = l.loadFile(path)
	}
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no architectures found at %s", path)
	}

	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if seen[item.Arch.ID] {
			return nil, fmt.Errorf("duplicate architecture id %q", item.Arch.ID)
		}
		seen[item.Arch.ID] = true
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Arch.ID < items[j].Arch.ID
	})

	l.logger.Info().Int("count", len(items)).Str("path", path).Msg("Architectures loaded")
	return items, nil
}

// loadDir reads every .yaml/.yml file in the directory as one architecture.
func (l *Loader) loadDir(dir string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	var items []Item
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
		}

		var m archManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
		if m.ID == "" {
			m.ID = strings.TrimSuffix(entry.Name(), ext)
		}

		item, err := l.buildItem(m, dir)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
		items = append(items, item)
	}

	return items, nil
}

// loadFile reads a single manifest carrying an architectures list.
func (l *Loader) loadFile(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifestFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	baseDir := filepath.Dir(path)
	items := make([]Item, 0, len(m.Architectures))
	for i, am := range m.Architectures {
		if am.ID == "" {
			return nil, fmt.Errorf("architecture %d has no id", i)
		}

		item, err := l.buildItem(am, baseDir)
		if err != nil {
			return nil, fmt.Errorf("architecture %s: %w", am.ID, err)
		}
		items = append(items, item)
	}

	return items, nil
}

// buildItem converts a parsed manifest entry into an intake item, resolving
// any pre-supplied probe files against baseDir.
func (l *Loader) buildItem(m archManifest, baseDir string) (Item, error) {
	if m.Name == "" {
		m.Name = m.ID
	}

	var definition json.RawMessage
	if m.Definition != nil {
		data, err := json.Marshal(m.Definition)
		if err != nil {
			return Item{}, fmt.Errorf("definition is not encodable: %w", err)
		}
		definition = data
	}

	arch := processor.Architecture{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Services:    m.Services,
		Definition:  definition,
	}
	arch.ContentHash = ContentHash(arch)

	item := Item{Arch: arch}

	if m.DeployFile != "" {
		deploy, err := os.ReadFile(filepath.Join(baseDir, m.DeployFile))
		if err != nil {
			return Item{}, fmt.Errorf("failed to read deploy file: %w", err)
		}

		probe := &processor.ProbeApp{
			ArchID:      arch.ID,
			Deploy:      string(deploy),
			Source:      "manifest",
			GeneratedAt: time.Now(),
		}

		if m.TestFile != "" {
			tests, err := os.ReadFile(filepath.Join(baseDir, m.TestFile))
			if err != nil {
				return Item{}, fmt.Errorf("failed to read test file: %w", err)
			}
			probe.TestCode = string(tests)
		}

		item.Probe = probe
	} else if m.TestFile != "" {
		return Item{}, fmt.Errorf("test_file without deploy_file")
	}

	return item, nil
}

// ContentHash fingerprints an architecture's content for probe cache
// lookups. The ID is deliberately excluded so renaming an item does not
// invalidate its cached probe.
func ContentHash(arch processor.Architecture) string {
	h := sha256.New()
	fmt.Fprintln(h, arch.Name)
	for _, svc := range arch.Services {
		fmt.Fprintln(h, svc)
	}
	h.Write(arch.Definition)
	return hex.EncodeToString(h.Sum(nil))
}

// RegisterAll feeds loaded items into the machine, walking each one through
// intake to MINED. Pre-supplied probes are stored in the cache under the
// architecture's content hash so the driver can fast-forward generation.
// Returns the number of newly registered items; already-known items are
// left untouched.
func (l *Loader) RegisterAll(machine *processor.ProcessingMachine, items []Item, cache processor.ProbeCache) (int, error) {
	registered := 0
	for _, item := range items {
		fresh, err := machine.Register(item.Arch)
		if err != nil {
			return registered, err
		}
		if !fresh {
			l.logger.Debug().Str("arch_id", item.Arch.ID).Msg("Architecture already registered, resuming")
			continue
		}

		if err := machine.Transition(item.Arch.ID, processor.StateMining); err != nil {
			return registered, err
		}
		if err := machine.Transition(item.Arch.ID, processor.StateMined); err != nil {
			return registered, err
		}
		registered++

		if item.Probe != nil && cache != nil {
			if err := cache.Put(item.Arch.ContentHash, item.Probe); err != nil {
				l.logger.Warn().Err(err).Str("arch_id", item.Arch.ID).Msg("Failed to cache manifest probe")
			}
		}
	}

	return registered, nil
}
