package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "segrep"

// PrometheusHooks implements every hook interface on Prometheus collectors.
type PrometheusHooks struct {
	conversions        *prometheus.CounterVec
	conversionDuration *prometheus.HistogramVec
	tasks              *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	cacheLookups       *prometheus.CounterVec
	cacheBytes         *prometheus.CounterVec
	cacheInvalidated   *prometheus.CounterVec
	frames             prometheus.Counter
	frameViewports     prometheus.Histogram
	frameDuration      prometheus.Histogram
	renderErrors       *prometheus.CounterVec
}

// NewPrometheusHooks creates the collectors and registers them with reg.
// It panics if registration fails, e.g. when called twice with one registry.
func NewPrometheusHooks(reg prometheus.Registerer) *PrometheusHooks {
	h := &PrometheusHooks{
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "convert",
			Name:      "conversions_total",
			Help:      "Representation conversions by target kind and result.",
		}, []string{"kind", "result"}),
		conversionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "convert",
			Name:      "conversion_duration_seconds",
			Help:      "Representation conversion duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Background pool task executions by task and result.",
		}, []string{"task", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Background pool task duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Geometry cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		cacheBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "written_entries_size_total",
			Help:      "Sum of the sizes of cache writes.",
		}, []string{"cache"}),
		cacheInvalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidated_entries_total",
			Help:      "Cache entries dropped by invalidation.",
		}, []string{"cache"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "frames_total",
			Help:      "Frame callbacks executed.",
		}),
		frameViewports: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "frame_viewports",
			Help:      "Viewports rendered per frame.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}),
		frameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "frame_duration_seconds",
			Help:      "Frame callback duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		renderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "errors_total",
			Help:      "Failed renderer invocations by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		h.conversions, h.conversionDuration, h.tasks, h.taskDuration,
		h.cacheLookups, h.cacheBytes, h.cacheInvalidated,
		h.frames, h.frameViewports, h.frameDuration, h.renderErrors,
	)
	return h
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (h *PrometheusHooks) OnConversionStart(context.Context, string, string) {}

func (h *PrometheusHooks) OnConversionComplete(_ context.Context, _ string, kind string, d time.Duration, err error) {
	h.conversions.WithLabelValues(kind, result(err)).Inc()
	h.conversionDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (h *PrometheusHooks) OnTaskComplete(_ context.Context, task string, d time.Duration, err error) {
	h.tasks.WithLabelValues(task, result(err)).Inc()
	h.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (h *PrometheusHooks) OnCacheHit(_ context.Context, cache string) {
	h.cacheLookups.WithLabelValues(cache, "hit").Inc()
}

func (h *PrometheusHooks) OnCacheMiss(_ context.Context, cache string) {
	h.cacheLookups.WithLabelValues(cache, "miss").Inc()
}

func (h *PrometheusHooks) OnCacheSet(_ context.Context, cache string, size int) {
	h.cacheBytes.WithLabelValues(cache).Add(float64(size))
}

func (h *PrometheusHooks) OnCacheInvalidate(_ context.Context, cache string, entries int) {
	h.cacheInvalidated.WithLabelValues(cache).Add(float64(entries))
}

func (h *PrometheusHooks) OnFrame(_ context.Context, viewports int, d time.Duration) {
	h.frames.Inc()
	h.frameViewports.Observe(float64(viewports))
	h.frameDuration.Observe(d.Seconds())
}

func (h *PrometheusHooks) OnRenderError(_ context.Context, _ string, kind string, _ error) {
	h.renderErrors.WithLabelValues(kind).Inc()
}

var (
	_ ConversionHooks = (*PrometheusHooks)(nil)
	_ CacheHooks      = (*PrometheusHooks)(nil)
	_ RenderHooks     = (*PrometheusHooks)(nil)
)
