// Package geomcache memoizes clipped slice geometry and surface bounding
// volumes.
//
// [SliceCache] is a two-level map: the outer key is the actor identity (one
// per rendered surface), the inner key is built by [SliceKey] from the
// viewport id, the slice-plane normal and the slice index. Entries are never
// evicted; they are dropped explicitly by [SliceCache.InvalidateActor] and
// [SliceCache.InvalidateSegmentation] when the source data changes.
//
// Both caches optionally write through to a secondary [cache.Cache] tier and
// read through from it on memory misses.
package geomcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/matzehuels/segrep/pkg/cache"
	"github.com/matzehuels/segrep/pkg/geometry"
	"github.com/matzehuels/segrep/pkg/observability"
)

// SliceKey formats the inner key "<viewportId>:<nx>,<ny>,<nz>:<slice>".
func SliceKey(viewportID string, normal r3.Vec, slice int) string {
	return fmt.Sprintf("%s:%s,%s,%s:%d", viewportID,
		formatComponent(normal.X), formatComponent(normal.Y), formatComponent(normal.Z), slice)
}

func formatComponent(v float64) string {
	if v == 0 {
		v = 0 // normalize negative zero
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// Entry is the clipped geometry of one slice: polylines per segment index.
type Entry struct {
	Segments map[int]geometry.PolyData `json:"segments"`
}

// NumCells returns the total number of polyline cells.
func (e *Entry) NumCells() int {
	n := 0
	for _, pd := range e.Segments {
		n += pd.NumCells()
	}
	return n
}

func (e *Entry) clone() *Entry {
	c := &Entry{Segments: make(map[int]geometry.PolyData, len(e.Segments))}
	for k, v := range e.Segments {
		c.Segments[k] = v
	}
	return c
}

// Tier is an optional secondary store behind a memory cache.
type Tier struct {
	Backend cache.Cache
	Keyer   cache.Keyer
	// TTL applies to every tier write; zero means no expiry.
	TTL time.Duration
}

func (t *Tier) enabled() bool { return t != nil && t.Backend != nil }

func (t *Tier) keyer() cache.Keyer {
	if t.Keyer == nil {
		return cache.NewDefaultKeyer()
	}
	return t.Keyer
}

type actorEntries struct {
	segmentationID string
	slices         map[string]*Entry
	tiered         map[string]bool // inner keys written to the tier
}

// SliceCache is the clipped geometry cache. It is safe for concurrent use.
type SliceCache struct {
	mu     sync.RWMutex
	actors map[string]*actorEntries
	tier   *Tier
	logger *log.Logger
}

// NewSliceCache returns an empty cache. tier may be nil.
func NewSliceCache(tier *Tier, logger *log.Logger) *SliceCache {
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	return &SliceCache{actors: make(map[string]*actorEntries), tier: tier, logger: logger}
}

// Get returns a copy of the entry for (actor, key).
func (c *SliceCache) Get(ctx context.Context, actor, key string) (*Entry, bool) {
	c.mu.RLock()
	var e *Entry
	if a, ok := c.actors[actor]; ok {
		e = a.slices[key]
	}
	if e != nil {
		e = e.clone()
	}
	c.mu.RUnlock()

	if e != nil {
		observability.Cache().OnCacheHit(ctx, "slice")
		return e, true
	}
	if e, ok := c.readTier(ctx, actor, key); ok {
		observability.Cache().OnCacheHit(ctx, "slice")
		return e, true
	}
	observability.Cache().OnCacheMiss(ctx, "slice")
	return nil, false
}

// Has reports whether (actor, key) is resident in memory.
func (c *SliceCache) Has(actor, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.actors[actor]
	return ok && a.slices[key] != nil
}

// Set replaces the entry for (actor, key). segmentationID binds the actor to
// its segmentation for [SliceCache.InvalidateSegmentation].
func (c *SliceCache) Set(ctx context.Context, segmentationID, actor, key string, e *Entry) {
	e = e.clone()
	c.mu.Lock()
	c.actorLocked(segmentationID, actor).slices[key] = e
	c.mu.Unlock()
	c.writeTier(ctx, segmentationID, actor, key, e)
}

// Merge stores the polylines of one segment into the entry for (actor, key),
// creating the entry if needed. Merging the same segment twice replaces it.
func (c *SliceCache) Merge(ctx context.Context, segmentationID, actor, key string, segmentIndex int, pd geometry.PolyData) {
	c.mu.Lock()
	a := c.actorLocked(segmentationID, actor)
	e, ok := a.slices[key]
	if !ok {
		e = &Entry{Segments: make(map[int]geometry.PolyData)}
	} else {
		e = e.clone()
	}
	e.Segments[segmentIndex] = pd
	a.slices[key] = e
	c.mu.Unlock()
	c.writeTier(ctx, segmentationID, actor, key, e)
}

// InvalidateActor drops every entry of an actor and returns the count.
func (c *SliceCache) InvalidateActor(ctx context.Context, actor string) int {
	c.mu.Lock()
	a, ok := c.actors[actor]
	delete(c.actors, actor)
	c.mu.Unlock()
	if !ok {
		return 0
	}
	c.dropTier(ctx, actor, a)
	observability.Cache().OnCacheInvalidate(ctx, "slice", len(a.slices))
	return len(a.slices)
}

// InvalidateSegmentation drops the entries of every actor bound to the
// segmentation and returns the count.
func (c *SliceCache) InvalidateSegmentation(ctx context.Context, segmentationID string) int {
	c.mu.Lock()
	dropped := make(map[string]*actorEntries)
	for id, a := range c.actors {
		if a.segmentationID == segmentationID {
			dropped[id] = a
			delete(c.actors, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for id, a := range dropped {
		c.dropTier(ctx, id, a)
		n += len(a.slices)
	}
	if n > 0 {
		observability.Cache().OnCacheInvalidate(ctx, "slice", n)
		c.logger.Debug("slice geometry invalidated", "segmentation", segmentationID, "entries", n)
	}
	return n
}

// Len returns the number of resident entries.
func (c *SliceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, a := range c.actors {
		n += len(a.slices)
	}
	return n
}

func (c *SliceCache) actorLocked(segmentationID, actor string) *actorEntries {
	a, ok := c.actors[actor]
	if !ok {
		a = &actorEntries{
			segmentationID: segmentationID,
			slices:         make(map[string]*Entry),
			tiered:         make(map[string]bool),
		}
		c.actors[actor] = a
	}
	return a
}

func (c *SliceCache) readTier(ctx context.Context, actor, key string) (*Entry, bool) {
	if !c.tier.enabled() {
		return nil, false
	}
	raw, ok, err := c.tier.Backend.Get(ctx, c.tier.keyer().SliceKey(actor, key))
	if err != nil {
		c.logger.Warn("secondary slice cache read failed", "actor", actor, "key", key, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var stored struct {
		SegmentationID string `json:"segmentationId"`
		Entry
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		c.logger.Warn("discarding slice cache entry", "actor", actor, "key", key, "err", corrupt(err))
		_ = c.tier.Backend.Delete(ctx, c.tier.keyer().SliceKey(actor, key))
		return nil, false
	}
	e := &stored.Entry
	c.mu.Lock()
	a := c.actorLocked(stored.SegmentationID, actor)
	a.slices[key] = e
	a.tiered[key] = true
	c.mu.Unlock()
	return e.clone(), true
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", cache.ErrCorrupt, err)
}

func (c *SliceCache) writeTier(ctx context.Context, segmentationID, actor, key string, e *Entry) {
	if !c.tier.enabled() {
		return
	}
	raw, err := json.Marshal(struct {
		SegmentationID string `json:"segmentationId"`
		*Entry
	}{segmentationID, e})
	if err != nil {
		c.logger.Warn("encode slice cache entry", "err", err)
		return
	}
	if err := c.tier.Backend.Set(ctx, c.tier.keyer().SliceKey(actor, key), raw, c.tier.TTL); err != nil {
		c.logger.Warn("secondary slice cache write failed", "actor", actor, "key", key, "err", err)
		return
	}
	c.mu.Lock()
	if a, ok := c.actors[actor]; ok {
		a.tiered[key] = true
	}
	c.mu.Unlock()
	observability.Cache().OnCacheSet(ctx, "slice", len(raw))
}

func (c *SliceCache) dropTier(ctx context.Context, actor string, a *actorEntries) {
	if !c.tier.enabled() {
		return
	}
	for key := range a.tiered {
		if err := c.tier.Backend.Delete(ctx, c.tier.keyer().SliceKey(actor, key)); err != nil {
			c.logger.Warn("secondary slice cache delete failed", "actor", actor, "key", key, "err", err)
		}
	}
}
