package geomcache

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/segrep/pkg/geometry"
	"github.com/matzehuels/segrep/pkg/observability"
)

// BoundsCache holds bounding volumes keyed by source surface id.
type BoundsCache struct {
	mu     sync.RWMutex
	bounds map[string]geometry.Bounds
	tier   *Tier
	logger *log.Logger
}

// NewBoundsCache returns an empty cache. tier may be nil.
func NewBoundsCache(tier *Tier, logger *log.Logger) *BoundsCache {
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	return &BoundsCache{bounds: make(map[string]geometry.Bounds), tier: tier, logger: logger}
}

// Get returns the bounding volume of a surface.
func (c *BoundsCache) Get(ctx context.Context, surfaceID string) (geometry.Bounds, bool) {
	c.mu.RLock()
	b, ok := c.bounds[surfaceID]
	c.mu.RUnlock()
	if !ok {
		b, ok = c.readTier(ctx, surfaceID)
	}
	if ok {
		observability.Cache().OnCacheHit(ctx, "bounds")
	} else {
		observability.Cache().OnCacheMiss(ctx, "bounds")
	}
	return b, ok
}

// Missing returns the ids without a cached volume, sorted and deduplicated.
func (c *BoundsCache) Missing(ctx context.Context, ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := c.Get(ctx, id); !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Merge stores computed volumes by surface id, replacing existing ones.
func (c *BoundsCache) Merge(ctx context.Context, computed map[string]geometry.Bounds) {
	c.mu.Lock()
	for id, b := range computed {
		c.bounds[id] = b
	}
	c.mu.Unlock()
	if !c.tier.enabled() {
		return
	}
	for id, b := range computed {
		raw, err := json.Marshal(b)
		if err != nil {
			continue
		}
		if err := c.tier.Backend.Set(ctx, c.tier.keyer().BoundsKey(id), raw, c.tier.TTL); err != nil {
			c.logger.Warn("secondary bounds cache write failed", "surface", id, "err", err)
			continue
		}
		observability.Cache().OnCacheSet(ctx, "bounds", len(raw))
	}
}

// Invalidate drops the volumes of the given surfaces.
func (c *BoundsCache) Invalidate(ctx context.Context, ids ...string) {
	c.mu.Lock()
	n := 0
	for _, id := range ids {
		if _, ok := c.bounds[id]; ok {
			delete(c.bounds, id)
			n++
		}
	}
	c.mu.Unlock()
	if c.tier.enabled() {
		for _, id := range ids {
			_ = c.tier.Backend.Delete(ctx, c.tier.keyer().BoundsKey(id))
		}
	}
	if n > 0 {
		observability.Cache().OnCacheInvalidate(ctx, "bounds", n)
	}
}

// Len returns the number of resident volumes.
func (c *BoundsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bounds)
}

func (c *BoundsCache) readTier(ctx context.Context, id string) (geometry.Bounds, bool) {
	if !c.tier.enabled() {
		return geometry.Bounds{}, false
	}
	raw, ok, err := c.tier.Backend.Get(ctx, c.tier.keyer().BoundsKey(id))
	if err != nil || !ok {
		if err != nil {
			c.logger.Warn("secondary bounds cache read failed", "surface", id, "err", err)
		}
		return geometry.Bounds{}, false
	}
	var b geometry.Bounds
	if err := json.Unmarshal(raw, &b); err != nil {
		c.logger.Warn("discarding bounds cache entry", "surface", id, "err", corrupt(err))
		_ = c.tier.Backend.Delete(ctx, c.tier.keyer().BoundsKey(id))
		return geometry.Bounds{}, false
	}
	c.mu.Lock()
	c.bounds[id] = b
	c.mu.Unlock()
	return b, true
}
