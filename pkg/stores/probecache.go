package stores

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackprobe/stackprobe/pkg/processor"
)

// ProbeCache adapts the archive store's probes table to the cache interface
// the driver consumes. Lookups that fail for any reason behave as misses so a
// degraded archive never blocks generation.
type ProbeCache struct {
	store  Store
	logger zerolog.Logger
}

var _ processor.ProbeCache = (*ProbeCache)(nil)

// NewProbeCache creates a probe cache backed by the archive store.
func NewProbeCache(store Store, logger zerolog.Logger) *ProbeCache {
	return &ProbeCache{
		store:  store,
		logger: logger.With().Str("component", "probe-cache").Logger(),
	}
}

// Get resolves a cached probe by architecture content hash.
func (c *ProbeCache) Get(contentHash string) (*processor.ProbeApp, bool) {
	rec, err := c.store.GetProbe(context.Background(), contentHash)
	if err != nil {
		return nil, false
	}

	return &processor.ProbeApp{
		ArchID:      rec.ArchID,
		Deploy:      rec.Deploy,
		TestCode:    rec.TestCode,
		Source:      rec.Source,
		GeneratedAt: rec.GeneratedAt,
	}, true
}

// Put stores a probe under the given content hash.
func (c *ProbeCache) Put(contentHash string, probe *processor.ProbeApp) error {
	rec := &ProbeRecord{
		ContentHash: contentHash,
		ArchID:      probe.ArchID,
		Deploy:      probe.Deploy,
		TestCode:    probe.TestCode,
		Source:      probe.Source,
		GeneratedAt: probe.GeneratedAt,
		CreatedAt:   time.Now(),
	}
	if rec.Source == "" {
		rec.Source = "generated"
	}

	if err := c.store.UpsertProbe(context.Background(), rec); err != nil {
		c.logger.Warn().Err(err).Str("content_hash", contentHash).Msg("Failed to cache probe")
		return err
	}
	return nil
}
