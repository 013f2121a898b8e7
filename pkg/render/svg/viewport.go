package svg

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/matzehuels/segrep/pkg/geometry"
	"github.com/matzehuels/segrep/pkg/render"
)

// Viewport is a headless slice viewport over a volume. Rendered actors are
// kept between frames; every Flush composes them into an SVG document.
type Viewport struct {
	id      string
	geom    geometry.VolumeGeometry
	axis    int
	scale   float64
	tools   *Tools
	onFlush func(id string, doc []byte)

	mu      sync.Mutex
	slice   int
	actors  map[string][]byte
	doc     []byte
	flushes int
}

// Option configures a Viewport.
type Option func(*Viewport)

// WithAxis selects the index axis the viewport looks along (0, 1 or 2).
func WithAxis(axis int) Option { return func(v *Viewport) { v.axis = axis } }

// WithSlice sets the displayed slice index.
func WithSlice(k int) Option { return func(v *Viewport) { v.slice = k } }

// WithScale sets the number of SVG units per voxel.
func WithScale(s float64) Option { return func(v *Viewport) { v.scale = s } }

// WithFlushHook registers fn to receive every flushed document.
func WithFlushHook(fn func(id string, doc []byte)) Option {
	return func(v *Viewport) { v.onFlush = fn }
}

// NewViewport returns a viewport showing the middle slice of g along the k axis.
func NewViewport(id string, g geometry.VolumeGeometry, opts ...Option) *Viewport {
	v := &Viewport{
		id:     id,
		geom:   g,
		axis:   2,
		scale:  8,
		slice:  -1,
		tools:  NewTools(),
		actors: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.axis < 0 || v.axis > 2 {
		v.axis = 2
	}
	if v.slice < 0 {
		v.slice = g.Dimensions[v.axis] / 2
	}
	if v.scale <= 0 {
		v.scale = 8
	}
	return v
}

// ID implements render.Viewport.
func (v *Viewport) ID() string { return v.id }

// ToolGroup implements render.Viewport.
func (v *Viewport) ToolGroup() render.ToolGroup { return v.tools }

// Tools returns the viewport's tool group.
func (v *Viewport) Tools() *Tools { return v.tools }

// VolumeGeometry returns the geometry of the displayed volume.
func (v *Viewport) VolumeGeometry() geometry.VolumeGeometry { return v.geom }

// SliceRange returns the slice planes the viewport can display.
func (v *Viewport) SliceRange() geometry.SliceRange {
	return geometry.VolumeSliceRange(v.geom, v.axis, v.Slice())
}

// Axis returns the index axis the viewport looks along.
func (v *Viewport) Axis() int { return v.axis }

// Slice returns the displayed slice index.
func (v *Viewport) Slice() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.slice
}

// CurrentSlice returns the displayed k index: the displayed slice when the
// viewport looks along k, the middle k slice otherwise.
func (v *Viewport) CurrentSlice() int {
	if v.axis == 2 {
		return v.Slice()
	}
	return v.geom.Dimensions[2] / 2
}

// SetSlice changes the displayed slice, clamped to the volume.
func (v *Viewport) SetSlice(k int) {
	n := v.geom.Dimensions[v.axis]
	if k < 0 {
		k = 0
	}
	if k >= n {
		k = n - 1
	}
	v.mu.Lock()
	v.slice = k
	v.mu.Unlock()
}

// Flush implements render.Viewport.
func (v *Viewport) Flush() {
	u, w := planeAxes(v.axis)
	width := float64(v.geom.Dimensions[u]) * v.scale
	height := float64(v.geom.Dimensions[w]) * v.scale

	v.mu.Lock()
	ids := make([]string, 0, len(v.actors))
	for id := range v.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %.1f %.1f" width="%.0f" height="%.0f">`+"\n",
		width, height, width, height)
	fmt.Fprintf(&buf, `  <rect width="%.1f" height="%.1f" fill="black"/>`+"\n", width, height)
	for _, id := range ids {
		fmt.Fprintf(&buf, `  <g id="%s">`+"\n", id)
		buf.Write(v.actors[id])
		buf.WriteString("  </g>\n")
	}
	buf.WriteString("</svg>\n")
	v.doc = buf.Bytes()
	v.flushes++
	doc, hook := v.doc, v.onFlush
	v.mu.Unlock()

	if hook != nil {
		hook(v.id, doc)
	}
}

// SVG returns the document produced by the last flush.
func (v *Viewport) SVG() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.doc
}

// Flushes returns the number of Flush calls.
func (v *Viewport) Flushes() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flushes
}

// Actors returns the ids of the actors in the scene, sorted.
func (v *Viewport) Actors() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.actors))
	for id := range v.actors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RemoveActor drops an actor from the scene.
func (v *Viewport) RemoveActor(id string) {
	v.mu.Lock()
	delete(v.actors, id)
	v.mu.Unlock()
}

// RemoveSegmentation implements render.ActorRemover.
func (v *Viewport) RemoveSegmentation(segmentationID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id := range v.actors {
		if strings.HasPrefix(id, segmentationID+"-") {
			delete(v.actors, id)
		}
	}
}

func (v *Viewport) setActor(id string, fragment []byte) {
	v.mu.Lock()
	v.actors[id] = fragment
	v.mu.Unlock()
}

// Tools is an in-memory tool group.
type Tools struct {
	mu    sync.Mutex
	names map[string]bool
	adds  int
}

// NewTools returns an empty tool group.
func NewTools() *Tools {
	return &Tools{names: make(map[string]bool)}
}

// HasTool implements render.ToolGroup.
func (t *Tools) HasTool(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.names[name]
}

// AddTool implements render.ToolGroup.
func (t *Tools) AddTool(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[name] = true
	t.adds++
	return nil
}

// Adds returns the number of AddTool calls.
func (t *Tools) Adds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.adds
}

// planeAxes returns the in-plane index axes of a view along axis.
func planeAxes(axis int) (int, int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	}
	return 0, 1
}
