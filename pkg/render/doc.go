// Package render coalesces redraw requests into batched frames.
//
// # Overview
//
// Editing tools and conversions ask for redraws far more often than a display
// can present them. The [Scheduler] collects the affected viewport ids into a
// pending set and requests at most one frame from its [FrameSource]. When the
// frame runs, every pending viewport renders its segmentation associations
// once, flushes once and emits a segmentation-rendered event.
//
//	s := render.New(render.Config{Store: store, Styles: styles, Bus: bus})
//	s.SetRenderer(segmentation.Contour, contourRenderer)
//	_ = s.RegisterViewport(vp)
//	s.RenderSegmentation("S1")
//
// # Scheduling
//
// The scheduler is either Idle or Scheduled. A request moves it from Idle to
// Scheduled with a compare-and-swap and asks the frame source for a callback;
// further requests only grow the pending set. The frame snapshots the pending
// set when it starts. Requests that arrive while it runs are kept for the next
// frame, which is requested once the current one has released the latch.
//
// # Renderers
//
// A [Renderer] draws one representation into a viewport. Renderer errors and
// panics are logged and isolated to that representation; the remaining
// associations and viewports still render.
//
// The [svg] subpackage provides a headless viewport and renderer that produce
// SVG documents, used by the CLI demo and tests.
package render
