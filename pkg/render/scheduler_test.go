package render

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/matzehuels/segrep/pkg/events"
	"github.com/matzehuels/segrep/pkg/geometry"
	"github.com/matzehuels/segrep/pkg/observability"
	"github.com/matzehuels/segrep/pkg/segmentation"
	"github.com/matzehuels/segrep/pkg/style"
)

var testGeometry = geometry.VolumeGeometry{
	Dimensions: [3]int{4, 4, 4},
	Spacing:    r3.Vec{X: 1, Y: 1, Z: 1},
	Direction:  geometry.IdentityDirection,
}

type fakeTools struct {
	mu    sync.Mutex
	names map[string]int
}

func (t *fakeTools) HasTool(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.names[name] > 0
}

func (t *fakeTools) AddTool(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[name]++
	return nil
}

type fakeViewport struct {
	id      string
	tools   *fakeTools
	mu      sync.Mutex
	flushes int
}

func newFakeViewport(id string) *fakeViewport {
	return &fakeViewport{id: id, tools: &fakeTools{names: make(map[string]int)}}
}

func (v *fakeViewport) ID() string           { return v.id }
func (v *fakeViewport) ToolGroup() ToolGroup { return v.tools }
func (v *fakeViewport) Flush() {
	v.mu.Lock()
	v.flushes++
	v.mu.Unlock()
}

func (v *fakeViewport) flushCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flushes
}

type call struct {
	viewport string
	desc     Descriptor
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) Render(vp Viewport, d Descriptor) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{viewport: vp.ID(), desc: d})
	return vp.ID() + "/" + d.SegmentationID, nil
}

func (r *recorder) viewports() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, c := range r.calls {
		out[c.viewport]++
	}
	return out
}

type harness struct {
	bus       *events.Bus
	store     *segmentation.Store
	styles    *style.Resolver
	frames    *ManualFrames
	sched     *Scheduler
	rec       *recorder
	vps       map[string]*fakeViewport
	mu        sync.Mutex
	renderedN map[string]int
}

func newHarness(t *testing.T, viewports ...string) *harness {
	t.Helper()
	h := &harness{
		bus:       events.NewBus(nil),
		styles:    style.NewResolver(nil),
		frames:    NewManualFrames(),
		rec:       &recorder{},
		vps:       make(map[string]*fakeViewport),
		renderedN: make(map[string]int),
	}
	h.store = segmentation.NewStore(h.bus, nil)
	h.sched = New(Config{
		Store:  h.store,
		Styles: h.styles,
		Frames: h.frames,
		Bus:    h.bus,
		Renderers: map[segmentation.Kind]Renderer{
			segmentation.Labelmap: h.rec,
			segmentation.Contour:  h.rec,
			segmentation.Surface:  h.rec,
		},
	})
	h.bus.AddListener(events.SegmentationRendered, func(p any) {
		h.mu.Lock()
		h.renderedN[p.(events.ViewportPayload).ViewportID]++
		h.mu.Unlock()
	})
	for _, id := range viewports {
		vp := newFakeViewport(id)
		h.vps[id] = vp
		if err := h.sched.RegisterViewport(vp); err != nil {
			t.Fatal(err)
		}
	}
	return h
}

func (h *harness) show(t *testing.T, vp, seg string, kind segmentation.Kind, active bool) {
	t.Helper()
	if !h.store.Has(seg) {
		if err := h.store.AddRepresentationData(seg, segmentation.Contour, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := h.store.RepresentationData(seg, kind); !ok {
		var d segmentation.Data
		switch kind {
		case segmentation.Labelmap:
			d = segmentation.NewVolumeLabelmap(testGeometry)
		case segmentation.Surface:
			d = segmentation.NewSurfaceData()
		default:
			d = segmentation.NewContourData()
		}
		if err := h.store.AddRepresentationData(seg, kind, d); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.store.AddAssociation(segmentation.Association{ViewportID: vp, SegmentationID: seg, Kind: kind, Active: active}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) rendered(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.renderedN[id]
}

func TestRequestsCoalesceIntoOneFrame(t *testing.T) {
	h := newHarness(t, "vp1", "vp2", "vp3")
	h.show(t, "vp1", "S1", segmentation.Contour, true)
	h.show(t, "vp2", "S1", segmentation.Contour, true)
	h.show(t, "vp3", "S2", segmentation.Contour, true)

	h.sched.RenderSegmentation("S1")
	h.sched.RenderSegmentation("S2")
	h.sched.RenderSegmentation("S1")
	h.sched.RenderSegmentationsForViewport("vp1")

	if got := h.frames.Requests(); got != 1 {
		t.Fatalf("frame requested %d times, want 1", got)
	}
	if !h.sched.Scheduled() {
		t.Error("scheduler should be Scheduled")
	}
	if got := h.sched.Pending(); len(got) != 3 {
		t.Errorf("Pending = %v, want 3 viewports", got)
	}

	h.frames.Step()

	for id, vp := range h.vps {
		if vp.flushCount() != 1 {
			t.Errorf("%s flushed %d times, want 1", id, vp.flushCount())
		}
		if h.rendered(id) != 1 {
			t.Errorf("%s segmentation-rendered fired %d times, want 1", id, h.rendered(id))
		}
	}
	if h.sched.Scheduled() || len(h.sched.Pending()) != 0 {
		t.Error("latch and pending set should be released after the frame")
	}
	if got := h.rec.viewports(); got["vp1"] != 1 || got["vp2"] != 1 || got["vp3"] != 1 {
		t.Errorf("render calls per viewport = %v", got)
	}
}

func TestRenderAllViewports(t *testing.T) {
	h := newHarness(t, "a", "b", "idle")
	h.show(t, "a", "S1", segmentation.Labelmap, true)
	h.show(t, "b", "S2", segmentation.Surface, true)

	h.sched.RenderSegmentationsForViewport("")
	h.frames.Step()

	if h.vps["a"].flushCount() != 1 || h.vps["b"].flushCount() != 1 {
		t.Error("every viewport with an association should render")
	}
	if h.vps["idle"].flushCount() != 0 {
		t.Error("viewports without associations should not render")
	}
}

func TestInactiveAssociations(t *testing.T) {
	h := newHarness(t, "vp1")
	h.show(t, "vp1", "S1", segmentation.Contour, true)
	h.show(t, "vp1", "S2", segmentation.Contour, false)

	h.sched.RenderSegmentationsForViewport("vp1")
	h.frames.Step()
	if n := len(h.rec.calls); n != 1 {
		t.Fatalf("rendered %d representations, want only the active one", n)
	}

	h.styles.SetRenderInactiveSegmentations("vp1", true)
	h.sched.RenderSegmentationsForViewport("vp1")
	h.frames.Step()
	if n := len(h.rec.calls); n != 3 {
		t.Fatalf("rendered %d representations in total, want 3", n)
	}
	last := h.rec.calls[2].desc
	if last.SegmentationID != "S2" || last.Active {
		t.Errorf("last descriptor = %+v, want inactive S2", last)
	}
}

func TestDescriptorStyles(t *testing.T) {
	h := newHarness(t, "vp1")
	cd := segmentation.NewContourData()
	cd.Add(&segmentation.ContourAnnotation{UID: "a", SegmentIndex: 1})
	cd.Add(&segmentation.ContourAnnotation{UID: "b", SegmentIndex: 2})
	cd.Add(&segmentation.ContourAnnotation{UID: "c", SegmentIndex: 3})
	_ = h.store.AddRepresentationData("S1", segmentation.Contour, cd)
	_ = h.store.AddAssociation(segmentation.Association{
		ViewportID: "vp1", SegmentationID: "S1", Kind: segmentation.Contour, Active: true,
		HiddenSegments: map[int]bool{3: true},
	})
	if err := h.styles.SetSegmentStyle("vp1", "S1", segmentation.Contour, 2, style.Style{style.OutlineWidth: 4}); err != nil {
		t.Fatal(err)
	}

	h.sched.RenderSegmentation("S1")
	h.frames.Step()

	d := h.rec.calls[0].desc
	if _, ok := d.Segments[3]; ok {
		t.Error("hidden segment should have no style")
	}
	if w, _ := d.Segments[1].Float(style.OutlineWidth); w != 1 {
		t.Errorf("segment 1 width = %v, want default 1", w)
	}
	if w, _ := d.Segments[2].Float(style.OutlineWidth); w != 4 {
		t.Errorf("segment 2 width = %v, want 4", w)
	}
	if d.Data != segmentation.Data(cd) {
		t.Error("descriptor should carry the stored payload")
	}
}

type renderHooks struct {
	mu     sync.Mutex
	frames int
	errors []string
}

func (r *renderHooks) OnFrame(context.Context, int, time.Duration) {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
}

func (r *renderHooks) OnRenderError(_ context.Context, vp, kind string, _ error) {
	r.mu.Lock()
	r.errors = append(r.errors, vp+":"+kind)
	r.mu.Unlock()
}

func TestRendererFaultsAreIsolated(t *testing.T) {
	hooks := &renderHooks{}
	observability.SetRenderHooks(hooks)
	defer observability.Reset()

	h := newHarness(t, "vp1", "vp2")
	_ = h.sched.SetRenderer(segmentation.Labelmap, RendererFunc(func(Viewport, Descriptor) (string, error) {
		panic("boom")
	}))
	_ = h.sched.SetRenderer(segmentation.Surface, RendererFunc(func(Viewport, Descriptor) (string, error) {
		return "", stderrors.New("no mesh")
	}))
	h.show(t, "vp1", "S1", segmentation.Labelmap, true)
	h.show(t, "vp1", "S1", segmentation.Surface, true)
	h.show(t, "vp1", "S1", segmentation.Contour, true)
	h.show(t, "vp2", "S1", segmentation.Contour, true)

	h.sched.RenderSegmentation("S1")
	h.frames.Step()

	if got := h.rec.viewports(); got["vp1"] != 1 || got["vp2"] != 1 {
		t.Errorf("contour renders = %v, want one per viewport", got)
	}
	if h.vps["vp1"].flushCount() != 1 || h.vps["vp2"].flushCount() != 1 {
		t.Error("each viewport should still flush once")
	}
	if len(hooks.errors) != 2 || hooks.frames != 1 {
		t.Errorf("hooks saw errors=%v frames=%d", hooks.errors, hooks.frames)
	}
}

func TestContourToolRegisteredOnce(t *testing.T) {
	h := newHarness(t, "vp1")
	h.show(t, "vp1", "S1", segmentation.Contour, true)
	h.show(t, "vp1", "S2", segmentation.Contour, true)

	for i := 0; i < 3; i++ {
		h.sched.RenderSegmentationsForViewport("vp1")
		h.frames.Step()
	}
	if n := h.vps["vp1"].tools.names[FreehandContourTool]; n != 1 {
		t.Errorf("contour tool added %d times, want 1", n)
	}
}

func TestRequestsDuringFrameGoToNextFrame(t *testing.T) {
	h := newHarness(t, "vp1", "vp2")
	h.show(t, "vp1", "S1", segmentation.Contour, true)
	h.show(t, "vp2", "S2", segmentation.Contour, true)

	var once sync.Once
	_ = h.sched.SetRenderer(segmentation.Contour, RendererFunc(func(vp Viewport, d Descriptor) (string, error) {
		once.Do(func() { h.sched.RenderSegmentation("S2") })
		return h.rec.Render(vp, d)
	}))

	h.sched.RenderSegmentation("S1")
	if n := h.frames.Step(); n != 1 {
		t.Fatalf("ran %d frames, want 1", n)
	}
	if h.vps["vp2"].flushCount() != 0 {
		t.Error("vp2 was requested mid-frame and must wait for the next frame")
	}
	if h.frames.Pending() != 1 {
		t.Fatalf("next frame not requested")
	}
	h.frames.Step()
	if h.vps["vp2"].flushCount() != 1 {
		t.Error("vp2 should render in the next frame")
	}
	if h.frames.Requests() != 2 {
		t.Errorf("frame requested %d times, want 2", h.frames.Requests())
	}
}

func TestUnregisteredViewports(t *testing.T) {
	h := newHarness(t, "vp1")
	h.show(t, "vp1", "S1", segmentation.Contour, true)
	h.show(t, "ghost", "S1", segmentation.Contour, true)

	h.sched.RenderSegmentation("S1")
	if !h.sched.UnregisterViewport("vp1") {
		t.Fatal("vp1 should have been registered")
	}
	h.frames.Step()
	if h.vps["vp1"].flushCount() != 0 || len(h.rec.calls) != 0 {
		t.Error("unregistered viewports must not render")
	}
	if h.sched.UnregisterViewport("vp1") {
		t.Error("second unregister should report false")
	}
}

func TestRegisterViewportValidation(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.RegisterViewport(nil); err == nil {
		t.Error("nil viewport accepted")
	}
	if err := h.sched.RegisterViewport(newFakeViewport("")); err == nil {
		t.Error("empty id accepted")
	}
	if err := h.sched.RegisterViewport(newFakeViewport("vp")); err != nil {
		t.Fatal(err)
	}
	if got := h.sched.Viewports(); len(got) != 1 || got[0] != "vp" {
		t.Errorf("Viewports = %v", got)
	}
}

func TestTickerFrames(t *testing.T) {
	tf := NewTickerFrames(0)
	if tf.Interval() != DefaultFrameInterval {
		t.Errorf("Interval = %v, want default", tf.Interval())
	}
	done := make(chan struct{})
	tf.RequestFrame(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("frame never ran")
	}

	tf.Stop()
	ran := make(chan struct{}, 1)
	tf.RequestFrame(func() { ran <- struct{}{} })
	select {
	case <-ran:
		t.Error("stopped frame source ran a callback")
	case <-time.After(3 * DefaultFrameInterval):
	}
}

type keepingViewport struct {
	*fakeViewport
	removed []string
}

func (v *keepingViewport) RemoveSegmentation(id string) { v.removed = append(v.removed, id) }

func TestRemoveSegmentation(t *testing.T) {
	h := newHarness(t, "plain")
	kv := &keepingViewport{fakeViewport: newFakeViewport("keeping")}
	if err := h.sched.RegisterViewport(kv); err != nil {
		t.Fatal(err)
	}

	h.sched.RemoveSegmentation("S1")
	if len(kv.removed) != 1 || kv.removed[0] != "S1" {
		t.Errorf("removed = %v", kv.removed)
	}
	if got := h.sched.Pending(); len(got) != 1 || got[0] != "keeping" {
		t.Errorf("Pending = %v, want [keeping]", got)
	}
	h.frames.Step()
	if kv.flushCount() != 1 || h.vps["plain"].flushCount() != 0 {
		t.Error("only the viewport keeping actors should redraw")
	}
}
