// Package convert derives one segmentation representation from another and
// commits the result to the store.
//
// [Converter.ComputeAndAddRepresentation] is the single entry point. It runs
// a [ComputeFunc] (usually one of the source-selection helpers such as
// [Converter.ContourFromSource]), commits the produced data, marks the kind
// as tracked, installs a debounced re-conversion for later edits and fires
// segmentation-modified once.
//
// Concurrent calls for the same (segmentation, kind) share one computation:
// a caller arriving while a conversion is in flight waits for it and
// receives its result. The shared computation does not observe the
// cancellation of any single caller.
package convert

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/events"
	"github.com/matzehuels/segrep/pkg/geomcache"
	"github.com/matzehuels/segrep/pkg/notify"
	"github.com/matzehuels/segrep/pkg/observability"
	"github.com/matzehuels/segrep/pkg/segmentation"
	"github.com/matzehuels/segrep/pkg/worker"
)

// ComputeFunc produces the data of a target representation.
type ComputeFunc func(ctx context.Context) (segmentation.Data, error)

// Config holds the collaborators of a Converter. Store and Pool are required.
type Config struct {
	Store    *segmentation.Store
	Pool     *worker.Pool
	Slices   *geomcache.SliceCache
	Bounds   *geomcache.BoundsCache
	Tracking *Tracking
	Notifier *notify.Notifier
	Images   ImageCache
	Bus      *events.Bus
	Logger   *log.Logger
}

// Converter converts and commits representations. It is safe for concurrent use.
type Converter struct {
	store    *segmentation.Store
	pool     *worker.Pool
	slices   *geomcache.SliceCache
	bounds   *geomcache.BoundsCache
	tracking *Tracking
	notifier *notify.Notifier
	images   ImageCache
	bus      *events.Bus
	logger   *log.Logger

	tasksOnce sync.Once
	tasksErr  error
	flight    singleflight.Group

	mu       sync.Mutex
	surfaces map[string]map[string]bool // segmentation id → surface ids with cached geometry
}

// New creates a converter. Missing optional collaborators are replaced by
// private instances.
func New(cfg Config) *Converter {
	if cfg.Logger == nil {
		cfg.Logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	if cfg.Slices == nil {
		cfg.Slices = geomcache.NewSliceCache(nil, cfg.Logger)
	}
	if cfg.Bounds == nil {
		cfg.Bounds = geomcache.NewBoundsCache(nil, cfg.Logger)
	}
	if cfg.Tracking == nil {
		cfg.Tracking = NewTracking()
	}
	if cfg.Images == nil {
		cfg.Images = NewMemoryImageCache()
	}
	return &Converter{
		store:    cfg.Store,
		pool:     cfg.Pool,
		slices:   cfg.Slices,
		bounds:   cfg.Bounds,
		tracking: cfg.Tracking,
		notifier: cfg.Notifier,
		images:   cfg.Images,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		surfaces: make(map[string]map[string]bool),
	}
}

// Tracking returns the kinds-computed registry.
func (c *Converter) Tracking() *Tracking { return c.tracking }

// Images returns the image residency cache used for stack targets.
func (c *Converter) Images() ImageCache { return c.images }

// ComputeAndAddRepresentation computes the target representation of a
// segmentation and commits it. update is installed as the debounced
// re-conversion; when nil, compute itself is re-run and committed.
//
// Configuration errors are returned as is. Any other compute error is logged
// and returned as COMPUTE_FAILED; nothing is committed on failure.
//
// In-flight calls are keyed by (segmentationID, target) only. A caller that
// joins one receives its result even when its own compute, update or
// options differ. Cancelling ctx ends this caller's wait but not the shared
// computation.
func (c *Converter) ComputeAndAddRepresentation(ctx context.Context, segmentationID string, target segmentation.Kind, compute ComputeFunc, update notify.UpdateFunc) (segmentation.Data, error) {
	if err := segmentation.ValidateKind(target); err != nil {
		return nil, err
	}
	if compute == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "no compute function for %s of %s", target, segmentationID)
	}
	if err := c.ensureTasks(); err != nil {
		return nil, err
	}

	key := segmentationID + "\x00" + string(target)
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		return c.computeAndCommit(flightCtx, segmentationID, target, compute, update)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			c.logger.Debug("conversion shared with concurrent callers", "segmentation", segmentationID, "kind", target)
		}
		return r.Val.(segmentation.Data), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Converter) computeAndCommit(ctx context.Context, segmentationID string, target segmentation.Kind, compute ComputeFunc, update notify.UpdateFunc) (segmentation.Data, error) {
	hooks := observability.Conversion()
	hooks.OnConversionStart(ctx, segmentationID, string(target))
	start := time.Now()

	data, err := compute(ctx)
	if err == nil && data == nil {
		err = errors.New(errors.ErrCodeInvalidData, "compute produced no %s data", target)
	}
	if err == nil {
		err = c.store.AddRepresentationData(segmentationID, target, data)
	}
	if err != nil {
		err = c.classify(segmentationID, target, err)
		hooks.OnConversionComplete(ctx, segmentationID, string(target), time.Since(start), err)
		return nil, err
	}

	c.tracking.Track(segmentationID, target)
	if c.notifier != nil {
		if update == nil {
			update = c.recompute(target, compute)
		}
		c.notifier.Install(segmentationID, update)
	}
	hooks.OnConversionComplete(ctx, segmentationID, string(target), time.Since(start), nil)
	c.logger.Info("representation computed", "segmentation", segmentationID, "kind", target, "elapsed", time.Since(start).Round(time.Millisecond))

	if c.bus != nil {
		c.bus.Trigger(events.SegmentationModified, events.SegmentationPayload{SegmentationID: segmentationID})
	}
	return data, nil
}

func (c *Converter) classify(segmentationID string, target segmentation.Kind, err error) error {
	if errors.IsConfiguration(err) || errors.Is(err, errors.ErrCodeSegmentationNotFound) {
		c.logger.Warn("conversion rejected", "segmentation", segmentationID, "kind", target, "err", err)
		return err
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	c.logger.Error("conversion failed", "segmentation", segmentationID, "kind", target, "err", err)
	if errors.Is(err, errors.ErrCodeComputeFailed) {
		return err
	}
	return errors.Wrap(errors.ErrCodeComputeFailed, err, "compute %s for %s", target, segmentationID)
}

// recompute re-runs compute and commits without re-firing events.
func (c *Converter) recompute(target segmentation.Kind, compute ComputeFunc) notify.UpdateFunc {
	return func(ctx context.Context, segmentationID string) error {
		data, err := compute(ctx)
		if err != nil {
			return c.classify(segmentationID, target, err)
		}
		return c.store.AddRepresentationData(segmentationID, target, data)
	}
}

// InvalidateSegmentation drops the cached slice geometry and bounding volumes
// derived from a segmentation.
func (c *Converter) InvalidateSegmentation(ctx context.Context, segmentationID string) int {
	n := c.slices.InvalidateSegmentation(ctx, segmentationID)
	c.mu.Lock()
	ids := make([]string, 0, len(c.surfaces[segmentationID]))
	for id := range c.surfaces[segmentationID] {
		ids = append(ids, id)
	}
	delete(c.surfaces, segmentationID)
	c.mu.Unlock()
	c.bounds.Invalidate(ctx, ids...)
	return n + len(ids)
}

// Forget drops every trace of a removed segmentation: tracking, the installed
// re-conversion and cached geometry.
func (c *Converter) Forget(ctx context.Context, segmentationID string) {
	c.tracking.Untrack(segmentationID)
	if c.notifier != nil {
		c.notifier.Uninstall(segmentationID)
	}
	c.InvalidateSegmentation(ctx, segmentationID)
}

func (c *Converter) noteSurfaces(segmentationID string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.surfaces[segmentationID]
	if !ok {
		m = make(map[string]bool)
		c.surfaces[segmentationID] = m
	}
	for _, id := range ids {
		m[id] = true
	}
}

// Tracking records, per segmentation, the kinds computed at least once.
type Tracking struct {
	mu    sync.RWMutex
	kinds map[string]map[segmentation.Kind]bool
}

// NewTracking returns an empty registry.
func NewTracking() *Tracking {
	return &Tracking{kinds: make(map[string]map[segmentation.Kind]bool)}
}

// Track marks kind as computed for the segmentation.
func (t *Tracking) Track(segmentationID string, kind segmentation.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.kinds[segmentationID]
	if !ok {
		m = make(map[segmentation.Kind]bool)
		t.kinds[segmentationID] = m
	}
	m[kind] = true
}

// Tracked returns the computed kinds in the order of segmentation.Kinds.
func (t *Tracking) Tracked(segmentationID string) []segmentation.Kind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []segmentation.Kind
	for _, k := range segmentation.Kinds {
		if t.kinds[segmentationID][k] {
			out = append(out, k)
		}
	}
	return out
}

// Untrack forgets a segmentation.
func (t *Tracking) Untrack(segmentationID string) {
	t.mu.Lock()
	delete(t.kinds, segmentationID)
	t.mu.Unlock()
}

var (
	_ notify.Tracker     = (*Tracking)(nil)
	_ notify.Invalidator = (*Converter)(nil)
)
