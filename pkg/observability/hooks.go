// Package observability provides hooks for metrics, tracing and logging.
//
// Services call the registered hooks at well-defined points; main registers
// concrete implementations at startup. The defaults are no-ops, so library
// code never depends on a particular backend. [PrometheusHooks] is the
// backend shipped with the CLI server.
//
// # Usage
//
//	func main() {
//	    h := observability.NewPrometheusHooks(prometheus.DefaultRegisterer)
//	    observability.SetConversionHooks(h)
//	    observability.SetCacheHooks(h)
//	    observability.SetRenderHooks(h)
//	}
//
// Libraries emit events through the accessors:
//
//	observability.Conversion().OnConversionStart(ctx, segID, kind)
package observability

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// Conversion Hooks
// =============================================================================

// ConversionHooks receives events from representation conversion and the
// background computation pool.
type ConversionHooks interface {
	OnConversionStart(ctx context.Context, segmentationID, kind string)
	OnConversionComplete(ctx context.Context, segmentationID, kind string, duration time.Duration, err error)

	// OnTaskComplete records one pool task execution.
	OnTaskComplete(ctx context.Context, task string, duration time.Duration, err error)
}

// =============================================================================
// Cache Hooks
// =============================================================================

// CacheHooks receives events from the geometry caches. cache names the
// cache, e.g. "slice" or "bounds".
type CacheHooks interface {
	OnCacheHit(ctx context.Context, cache string)
	OnCacheMiss(ctx context.Context, cache string)
	OnCacheSet(ctx context.Context, cache string, size int)
	OnCacheInvalidate(ctx context.Context, cache string, entries int)
}

// =============================================================================
// Render Hooks
// =============================================================================

// RenderHooks receives events from the render scheduler.
type RenderHooks interface {
	// OnFrame records one frame callback that rendered the given number of viewports.
	OnFrame(ctx context.Context, viewports int, duration time.Duration)

	// OnRenderError records a failed renderer invocation.
	OnRenderError(ctx context.Context, viewportID, kind string, err error)
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NoopConversionHooks is a no-op implementation of ConversionHooks.
type NoopConversionHooks struct{}

func (NoopConversionHooks) OnConversionStart(context.Context, string, string) {}
func (NoopConversionHooks) OnConversionComplete(context.Context, string, string, time.Duration, error) {
}
func (NoopConversionHooks) OnTaskComplete(context.Context, string, time.Duration, error) {}

// NoopCacheHooks is a no-op implementation of CacheHooks.
type NoopCacheHooks struct{}

func (NoopCacheHooks) OnCacheHit(context.Context, string)             {}
func (NoopCacheHooks) OnCacheMiss(context.Context, string)            {}
func (NoopCacheHooks) OnCacheSet(context.Context, string, int)        {}
func (NoopCacheHooks) OnCacheInvalidate(context.Context, string, int) {}

// NoopRenderHooks is a no-op implementation of RenderHooks.
type NoopRenderHooks struct{}

func (NoopRenderHooks) OnFrame(context.Context, int, time.Duration)               {}
func (NoopRenderHooks) OnRenderError(context.Context, string, string, error) {}

// =============================================================================
// Global Hook Registry
// =============================================================================

var (
	conversionHooks ConversionHooks = NoopConversionHooks{}
	cacheHooks      CacheHooks      = NoopCacheHooks{}
	renderHooks     RenderHooks     = NoopRenderHooks{}
	hooksMu         sync.RWMutex
)

// SetConversionHooks registers conversion hooks. Nil is ignored.
func SetConversionHooks(h ConversionHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		conversionHooks = h
	}
}

// SetCacheHooks registers cache hooks. Nil is ignored.
func SetCacheHooks(h CacheHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		cacheHooks = h
	}
}

// SetRenderHooks registers render hooks. Nil is ignored.
func SetRenderHooks(h RenderHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		renderHooks = h
	}
}

// Conversion returns the registered conversion hooks.
func Conversion() ConversionHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return conversionHooks
}

// Cache returns the registered cache hooks.
func Cache() CacheHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return cacheHooks
}

// Render returns the registered render hooks.
func Render() RenderHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return renderHooks
}

// Reset restores all hooks to their no-op defaults.
// This is primarily useful for testing.
func Reset() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	conversionHooks = NoopConversionHooks{}
	cacheHooks = NoopCacheHooks{}
	renderHooks = NoopRenderHooks{}
}
