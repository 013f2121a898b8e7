package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNoopHooksDoNotPanic(t *testing.T) {
	ctx := context.Background()

	c := NoopConversionHooks{}
	c.OnConversionStart(ctx, "S1", "Contour")
	c.OnConversionComplete(ctx, "S1", "Contour", time.Second, nil)
	c.OnTaskComplete(ctx, "rasterizeContours", time.Second, errors.New("boom"))

	ca := NoopCacheHooks{}
	ca.OnCacheHit(ctx, "slice")
	ca.OnCacheMiss(ctx, "slice")
	ca.OnCacheSet(ctx, "bounds", 24)
	ca.OnCacheInvalidate(ctx, "slice", 3)

	r := NoopRenderHooks{}
	r.OnFrame(ctx, 2, time.Millisecond)
	r.OnRenderError(ctx, "vp1", "Labelmap", nil)
}

func TestGlobalHooksRegistry(t *testing.T) {
	Reset()
	defer Reset()

	if _, ok := Conversion().(NoopConversionHooks); !ok {
		t.Error("Conversion() should return NoopConversionHooks by default")
	}
	if _, ok := Cache().(NoopCacheHooks); !ok {
		t.Error("Cache() should return NoopCacheHooks by default")
	}
	if _, ok := Render().(NoopRenderHooks); !ok {
		t.Error("Render() should return NoopRenderHooks by default")
	}

	custom := &countingCacheHooks{}
	SetCacheHooks(custom)
	Cache().OnCacheHit(context.Background(), "slice")
	if custom.hits != 1 {
		t.Errorf("custom hooks hits = %d, want 1", custom.hits)
	}

	SetCacheHooks(nil)
	if Cache() != custom {
		t.Error("SetCacheHooks(nil) should keep the current hooks")
	}

	Reset()
	if _, ok := Cache().(NoopCacheHooks); !ok {
		t.Error("Reset should restore no-op hooks")
	}
}

func TestPrometheusHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewPrometheusHooks(reg)
	ctx := context.Background()

	h.OnCacheHit(ctx, "slice")
	h.OnCacheHit(ctx, "slice")
	h.OnCacheMiss(ctx, "slice")
	h.OnConversionComplete(ctx, "S1", "Contour", time.Millisecond, nil)
	h.OnConversionComplete(ctx, "S1", "Contour", time.Millisecond, errors.New("fail"))
	h.OnFrame(ctx, 3, time.Millisecond)
	h.OnRenderError(ctx, "vp1", "Surface", errors.New("fail"))

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"slice hits", h.cacheLookups.WithLabelValues("slice", "hit"), 2},
		{"slice misses", h.cacheLookups.WithLabelValues("slice", "miss"), 1},
		{"contour ok", h.conversions.WithLabelValues("Contour", "ok"), 1},
		{"contour error", h.conversions.WithLabelValues("Contour", "error"), 1},
		{"frames", h.frames, 1},
		{"render errors", h.renderErrors.WithLabelValues("Surface"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

type countingCacheHooks struct {
	NoopCacheHooks
	hits int
}

func (c *countingCacheHooks) OnCacheHit(context.Context, string) { c.hits++ }
