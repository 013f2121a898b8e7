// Package engine wires the representation pipeline into one unit.
//
// An [Engine] owns the segmentation store, style resolver, computation pool,
// geometry caches, converter, change notifier and render scheduler, built
// from a [config.Config]. It connects them through the event bus:
//
//   - segmentation-modified schedules a redraw of every viewport showing the
//     segmentation.
//   - Removing a segmentation drops its cached geometry, conversion tracking,
//     installed re-conversion, style overrides and rendered actors.
//
// [Default] returns a lazily created process-wide engine; tests and tools
// that need isolation call [New].
package engine

import (
	"context"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matzehuels/segrep/pkg/cache"
	"github.com/matzehuels/segrep/pkg/config"
	"github.com/matzehuels/segrep/pkg/convert"
	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/events"
	"github.com/matzehuels/segrep/pkg/geomcache"
	"github.com/matzehuels/segrep/pkg/notify"
	"github.com/matzehuels/segrep/pkg/observability"
	"github.com/matzehuels/segrep/pkg/render"
	"github.com/matzehuels/segrep/pkg/segmentation"
	"github.com/matzehuels/segrep/pkg/style"
	"github.com/matzehuels/segrep/pkg/worker"
)

// Engine is a fully wired pipeline.
type Engine struct {
	Config    config.Config
	Bus       *events.Bus
	Store     *segmentation.Store
	Styles    *style.Resolver
	Pool      *worker.Pool
	Slices    *geomcache.SliceCache
	Bounds    *geomcache.BoundsCache
	Converter *convert.Converter
	Notifier  *notify.Notifier
	Scheduler *render.Scheduler

	backend   cache.Cache
	logger    *log.Logger
	listener  events.ListenerID
	closeOnce sync.Once
}

type options struct {
	logger   *log.Logger
	frames   render.FrameSource
	backend  cache.Cache
	images   convert.ImageCache
	registry prometheus.Registerer
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger shared by every service.
func WithLogger(l *log.Logger) Option { return func(o *options) { o.logger = l } }

// WithFrames replaces the ticker frame source, e.g. with render.ManualFrames.
func WithFrames(f render.FrameSource) Option { return func(o *options) { o.frames = f } }

// WithBackend supplies the secondary cache tier instead of building one from
// the cache config section.
func WithBackend(c cache.Cache) Option { return func(o *options) { o.backend = c } }

// WithImages supplies the image residency cache used for stack targets.
func WithImages(c convert.ImageCache) Option { return func(o *options) { o.images = c } }

// WithMetrics registers Prometheus collectors with reg and installs them as
// the process-wide observability hooks.
func WithMetrics(reg prometheus.Registerer) Option { return func(o *options) { o.registry = reg } }

// New validates cfg and builds an engine. The engine listens for edits until
// Close.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	logger := o.logger

	backend := o.backend
	if backend == nil {
		var err error
		if backend, err = openBackend(ctx, cfg.Cache); err != nil {
			return nil, err
		}
	}
	var tier *geomcache.Tier
	if backend != nil {
		tier = &geomcache.Tier{
			Backend: backend,
			Keyer:   cache.NewScopedKeyer(cache.NewDefaultKeyer(), cfg.Cache.Prefix),
			TTL:     cfg.Cache.TTL.Duration,
		}
	}

	if o.registry != nil {
		hooks := observability.NewPrometheusHooks(o.registry)
		observability.SetConversionHooks(hooks)
		observability.SetCacheHooks(hooks)
		observability.SetRenderHooks(hooks)
	}

	e := &Engine{
		Config:  cfg,
		Bus:     events.NewBus(logger.WithPrefix("events")),
		Styles:  style.NewResolver(logger.WithPrefix("style")),
		Slices:  geomcache.NewSliceCache(tier, logger.WithPrefix("geomcache")),
		Bounds:  geomcache.NewBoundsCache(tier, logger.WithPrefix("geomcache")),
		backend: backend,
		logger:  logger,
	}
	if err := e.Styles.Load(cfg.Styles); err != nil {
		e.closeBackend()
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "load styles")
	}
	e.Store = segmentation.NewStore(e.Bus, logger.WithPrefix("store"))
	e.Pool = worker.New(
		worker.WithIdleTimeout(cfg.Worker.IdleTimeout.Duration),
		worker.WithBus(e.Bus),
		worker.WithLogger(logger.WithPrefix("worker")),
	)

	tracking := convert.NewTracking()
	e.Notifier = notify.New(notify.Config{
		Bus:     e.Bus,
		Tracker: tracking,
		Invalidators: []notify.Invalidator{notify.InvalidatorFunc(func(ctx context.Context, id string) int {
			return e.Converter.InvalidateSegmentation(ctx, id)
		})},
		Delay:  cfg.Notify.Debounce.Duration,
		Logger: logger.WithPrefix("notify"),
	})
	e.Converter = convert.New(convert.Config{
		Store:    e.Store,
		Pool:     e.Pool,
		Slices:   e.Slices,
		Bounds:   e.Bounds,
		Tracking: tracking,
		Notifier: e.Notifier,
		Images:   o.images,
		Bus:      e.Bus,
		Logger:   logger.WithPrefix("convert"),
	})

	frames := o.frames
	if frames == nil {
		frames = render.NewTickerFrames(cfg.Render.FrameInterval.Duration)
	}
	e.Scheduler = render.New(render.Config{
		Store:  e.Store,
		Styles: e.Styles,
		Frames: frames,
		Bus:    e.Bus,
		Logger: logger.WithPrefix("render"),
	})

	e.listener = e.Bus.AddListener(events.SegmentationModified, func(payload any) {
		if p, ok := payload.(events.SegmentationPayload); ok {
			e.Scheduler.RenderSegmentation(p.SegmentationID)
		}
	})
	e.Store.OnRemove(e.forget)
	e.Store.OnReplace(e.replaced)
	e.Notifier.Start()

	logger.Debug("engine ready", "cache", cfg.Cache.Backend, "debounce", cfg.Notify.Debounce.Duration)
	return e, nil
}

func openBackend(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case config.BackendFile:
		c, err := cache.NewFileCache(cfg.Dir)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "open file cache %s", cfg.Dir)
		}
		return c, nil
	case config.BackendRedis:
		c, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "open redis cache")
		}
		return c, nil
	}
	return nil, nil
}

func (e *Engine) forget(id string) {
	ctx := context.Background()
	e.Converter.Forget(ctx, id)
	e.Styles.RemoveSegmentation(id)
	e.Scheduler.RemoveSegmentation(id)
}

// replaced drops cached geometry derived from a replaced Surface or Labelmap.
func (e *Engine) replaced(id string, kind segmentation.Kind) {
	if kind == segmentation.Surface || kind == segmentation.Labelmap {
		e.Converter.InvalidateSegmentation(context.Background(), id)
	}
}

// Logger returns the engine logger.
func (e *Engine) Logger() *log.Logger { return e.logger }

// Backend returns the secondary cache tier, nil for the memory backend.
func (e *Engine) Backend() cache.Cache { return e.backend }

// Convert computes the target representation of a segmentation from its
// other representations and commits it. Edits reported afterwards through
// segmentation-data-modified re-run the same conversion. A call made while a
// conversion of the same segmentation and kind is running returns that
// conversion's result, computed with its opts.
func (e *Engine) Convert(ctx context.Context, segmentationID string, target segmentation.Kind, opts convert.Options) (segmentation.Data, error) {
	var compute convert.ComputeFunc
	switch target {
	case segmentation.Labelmap:
		compute = e.Converter.LabelmapFromSource(segmentationID, opts)
	case segmentation.Contour:
		compute = e.Converter.ContourFromSource(segmentationID, opts)
	case segmentation.Surface:
		compute = e.Converter.SurfaceFromSource(segmentationID, opts)
	default:
		return nil, segmentation.ValidateKind(target)
	}
	return e.Converter.ComputeAndAddRepresentation(ctx, segmentationID, target, compute, nil)
}

// Show associates a representation with a viewport and schedules a redraw.
func (e *Engine) Show(viewportID, segmentationID string, kind segmentation.Kind, active bool) error {
	if err := e.Store.AddAssociation(segmentation.Association{
		ViewportID:     viewportID,
		SegmentationID: segmentationID,
		Kind:           kind,
		Active:         active,
	}); err != nil {
		return err
	}
	e.Scheduler.RenderSegmentationsForViewport(viewportID)
	return nil
}

// RegisterViewport makes a viewport renderable.
func (e *Engine) RegisterViewport(vp render.Viewport) error {
	return e.Scheduler.RegisterViewport(vp)
}

// UnregisterViewport removes a viewport with its associations and style layer.
func (e *Engine) UnregisterViewport(id string) {
	e.Scheduler.UnregisterViewport(id)
	e.Store.RemoveViewport(id)
	e.Styles.RemoveViewport(id)
}

// NotifyDataModified reports an edit of a segmentation's source data.
func (e *Engine) NotifyDataModified(segmentationID string) {
	e.Bus.Trigger(events.SegmentationDataModified, events.SegmentationPayload{SegmentationID: segmentationID})
}

// Close stops the notifier and scheduler and closes the cache tier.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.Bus.RemoveListener(events.SegmentationModified, e.listener)
		e.Notifier.Stop()
		e.Scheduler.Stop()
		err = e.closeBackend()
	})
	return err
}

func (e *Engine) closeBackend() error {
	if e.backend == nil {
		return nil
	}
	return e.backend.Close()
}

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
)

// Default returns the process-wide engine, created on first use from
// config.Default.
func Default() *Engine {
	defaultOnce.Do(func() {
		e, err := New(context.Background(), config.Default())
		if err != nil {
			panic("engine: default configuration rejected: " + err.Error())
		}
		defaultEngine = e
	})
	return defaultEngine
}
