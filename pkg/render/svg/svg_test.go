package svg

import (
	"bytes"
	"strings"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/events"
	"github.com/matzehuels/segrep/pkg/geometry"
	"github.com/matzehuels/segrep/pkg/render"
	"github.com/matzehuels/segrep/pkg/segmentation"
	"github.com/matzehuels/segrep/pkg/style"
)

var grid = geometry.VolumeGeometry{
	Dimensions: [3]int{6, 6, 6},
	Spacing:    r3.Vec{X: 1, Y: 1, Z: 1},
	Direction:  geometry.IdentityDirection,
}

func cube(lo, hi int) *segmentation.LabelmapData {
	lm := segmentation.NewVolumeLabelmap(grid)
	for k := lo; k <= hi; k++ {
		for j := lo; j <= hi; j++ {
			for i := lo; i <= hi; i++ {
				lm.Voxels[grid.Offset(i, j, k)] = 1
			}
		}
	}
	return lm
}

func descriptor(kind segmentation.Kind, data segmentation.Data) render.Descriptor {
	return render.Descriptor{
		SegmentationID: "S1",
		Kind:           kind,
		Data:           data,
		Style:          style.Defaults(kind),
		Segments:       map[int]style.Style{1: style.Defaults(kind)},
		Active:         true,
	}
}

func TestRenderLabelmap(t *testing.T) {
	vp := NewViewport("vp", grid, WithSlice(2))
	id, err := NewRenderer().Render(vp, descriptor(segmentation.Labelmap, cube(1, 3)))
	if err != nil {
		t.Fatal(err)
	}
	if id != "S1-labelmap" {
		t.Errorf("actor id = %q", id)
	}
	vp.Flush()

	doc := vp.SVG()
	if !bytes.HasPrefix(doc, []byte("<svg")) {
		t.Fatalf("document does not start with <svg: %q", doc[:20])
	}
	// one background rect plus nine voxels
	if n := bytes.Count(doc, []byte("<rect")); n != 10 {
		t.Errorf("rect count = %d, want 10", n)
	}
	if !bytes.Contains(doc, []byte(`fill="rgb(221,84,84)" fill-opacity="0.50"`)) {
		t.Error("labelmap fill should use the segment color and fillAlpha")
	}
	if bytes.Count(doc, []byte("<path")) != 1 {
		t.Error("expected one outline path")
	}
}

func TestRenderLabelmapWithoutFill(t *testing.T) {
	vp := NewViewport("vp", grid, WithSlice(2))
	d := descriptor(segmentation.Labelmap, cube(1, 3))
	d.Segments[1][style.RenderFill] = false
	d.Segments[1][style.RenderOutline] = false
	if _, err := NewRenderer().Render(vp, d); err != nil {
		t.Fatal(err)
	}
	vp.Flush()
	if n := bytes.Count(vp.SVG(), []byte("<rect")); n != 1 {
		t.Errorf("rect count = %d, want only the background", n)
	}
}

func TestRenderContoursOnSlice(t *testing.T) {
	cd := segmentation.NewContourData()
	ring := func(z float64) []r3.Vec {
		return []r3.Vec{{X: 1, Y: 1, Z: z}, {X: 4, Y: 1, Z: z}, {X: 4, Y: 4, Z: z}, {X: 1, Y: 4, Z: z}}
	}
	cd.Add(&segmentation.ContourAnnotation{UID: "on", SegmentIndex: 1, Polyline: ring(2)})
	cd.Add(&segmentation.ContourAnnotation{UID: "off", SegmentIndex: 1, Polyline: ring(4)})

	vp := NewViewport("vp", grid, WithSlice(2))
	d := descriptor(segmentation.Contour, cd)
	d.Segments[1][style.OutlineDash] = "4 2"
	if _, err := NewRenderer().Render(vp, d); err != nil {
		t.Fatal(err)
	}
	vp.Flush()
	doc := string(vp.SVG())
	if !strings.Contains(doc, `data-uid="on"`) || strings.Contains(doc, `data-uid="off"`) {
		t.Errorf("only the on-slice contour should be drawn:\n%s", doc)
	}
	if !strings.Contains(doc, `stroke-dasharray="4 2"`) {
		t.Error("dash style not applied")
	}
	if !strings.Contains(doc, `points="12.0,12.0 36.0,12.0 36.0,36.0 12.0,36.0"`) {
		t.Errorf("unexpected projection:\n%s", doc)
	}
}

func TestRenderSurfaceOutline(t *testing.T) {
	lm := cube(1, 3)
	sd := segmentation.NewSurfaceData()
	sd.Surfaces[1] = &segmentation.SurfaceMesh{ID: "S1.surface.1", SegmentIndex: 1, Mesh: geometry.BoundaryMesh(grid, lm.Voxels, 1)}

	tests := []struct {
		slice int
		lines int
	}{
		{slice: 2, lines: 1},
		{slice: 5, lines: 0},
	}
	for _, tt := range tests {
		vp := NewViewport("vp", grid, WithSlice(tt.slice))
		if _, err := NewRenderer().Render(vp, descriptor(segmentation.Surface, sd)); err != nil {
			t.Fatal(err)
		}
		vp.Flush()
		if n := bytes.Count(vp.SVG(), []byte(`data-surface="S1.surface.1"`)); n != tt.lines {
			t.Errorf("slice %d: %d outlines, want %d", tt.slice, n, tt.lines)
		}
	}
}

func TestInactiveIsFaded(t *testing.T) {
	vp := NewViewport("vp", grid, WithSlice(2))
	d := descriptor(segmentation.Labelmap, cube(1, 3))
	d.Active = false
	_, _ = NewRenderer().Render(vp, d)
	vp.Flush()
	if !bytes.Contains(vp.SVG(), []byte(`fill-opacity="0.25"`)) {
		t.Error("inactive labelmap should be drawn at half the fill alpha")
	}
}

type otherViewport struct{}

func (otherViewport) ID() string                  { return "other" }
func (otherViewport) ToolGroup() render.ToolGroup { return nil }
func (otherViewport) Flush()                      {}

func TestRenderErrors(t *testing.T) {
	r := NewRenderer()
	if _, err := r.Render(otherViewport{}, descriptor(segmentation.Labelmap, cube(1, 2))); !errors.Is(err, errors.ErrCodeUnsupported) {
		t.Errorf("foreign viewport: %v", err)
	}

	small := segmentation.NewVolumeLabelmap(geometry.VolumeGeometry{Dimensions: [3]int{2, 2, 2}, Spacing: r3.Vec{X: 1, Y: 1, Z: 1}, Direction: geometry.IdentityDirection})
	if _, err := r.Render(NewViewport("vp", grid), descriptor(segmentation.Labelmap, small)); !errors.Is(err, errors.ErrCodeInvalidData) {
		t.Errorf("mismatched geometry: %v", err)
	}
}

func TestViewportState(t *testing.T) {
	var flushed []string
	vp := NewViewport("vp", grid, WithAxis(0), WithFlushHook(func(id string, _ []byte) { flushed = append(flushed, id) }))
	if vp.Slice() != 3 {
		t.Errorf("default slice = %d, want middle (3)", vp.Slice())
	}
	vp.SetSlice(99)
	if vp.Slice() != 5 {
		t.Errorf("SetSlice should clamp, got %d", vp.Slice())
	}
	if r := vp.SliceRange(); r.Count != 6 || r.Current != 5 || r.Normal != (r3.Vec{X: 1}) {
		t.Errorf("SliceRange = %+v", r)
	}
	vp.Flush()
	vp.Flush()
	if vp.Flushes() != 2 || len(flushed) != 2 {
		t.Errorf("flushes = %d, hook calls = %d", vp.Flushes(), len(flushed))
	}
}

func TestSchedulerIntegration(t *testing.T) {
	bus := events.NewBus(nil)
	store := segmentation.NewStore(bus, nil)
	frames := render.NewManualFrames()
	s := render.New(render.Config{
		Store:  store,
		Frames: frames,
		Bus:    bus,
		Renderers: map[segmentation.Kind]render.Renderer{
			segmentation.Labelmap: NewRenderer(),
			segmentation.Contour:  NewRenderer(),
		},
	})
	vp := NewViewport("vp", grid, WithSlice(2))
	if err := s.RegisterViewport(vp); err != nil {
		t.Fatal(err)
	}
	_ = store.AddRepresentationData("S1", segmentation.Labelmap, cube(1, 3))
	_ = store.AddRepresentationData("S1", segmentation.Contour, nil)
	_ = store.AddAssociation(segmentation.Association{ViewportID: "vp", SegmentationID: "S1", Kind: segmentation.Labelmap, Active: true})
	_ = store.AddAssociation(segmentation.Association{ViewportID: "vp", SegmentationID: "S1", Kind: segmentation.Contour, Active: true})

	s.RenderSegmentation("S1")
	frames.Step()

	if got := vp.Actors(); len(got) != 2 || got[0] != "S1-contour" || got[1] != "S1-labelmap" {
		t.Errorf("actors = %v", got)
	}
	if vp.Flushes() != 1 {
		t.Errorf("flushes = %d, want 1", vp.Flushes())
	}
	if !vp.Tools().HasTool(render.FreehandContourTool) || vp.Tools().Adds() != 1 {
		t.Error("contour tool should be registered once")
	}
}
