// Package svg renders segmentation representations into headless SVG
// viewports.
//
// Each representation becomes one actor, an SVG group keyed by segmentation
// id and kind, drawn for the viewport's current slice:
//
//   - Labelmaps are drawn as filled voxel squares and boundary outlines.
//   - Contours whose points lie on the slice are drawn as polygons.
//   - Surfaces are clipped with the slice plane and drawn as outlines.
//
// Inactive representations are drawn at half opacity.
package svg

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/geometry"
	"github.com/matzehuels/segrep/pkg/render"
	"github.com/matzehuels/segrep/pkg/segmentation"
	"github.com/matzehuels/segrep/pkg/style"
)

// palette holds the default colors of segment indices 1, 2, ...
var palette = []style.RGB{
	{221, 84, 84}, {77, 228, 121}, {166, 70, 235}, {189, 180, 116},
	{216, 101, 79}, {183, 156, 220}, {111, 184, 210}, {220, 245, 20},
}

// SegmentColor returns the palette color of a segment index.
func SegmentColor(idx int) style.RGB {
	if idx <= 0 {
		return style.RGB{}
	}
	return palette[(idx-1)%len(palette)]
}

// Renderer draws descriptors into *Viewport values.
type Renderer struct{}

// NewRenderer returns an SVG renderer.
func NewRenderer() *Renderer { return &Renderer{} }

// ActorID returns the actor id used for a representation.
func ActorID(segmentationID string, kind segmentation.Kind) string {
	return segmentationID + "-" + strings.ToLower(string(kind))
}

// Render implements render.Renderer.
func (r *Renderer) Render(vp render.Viewport, d render.Descriptor) (string, error) {
	v, ok := vp.(*Viewport)
	if !ok {
		return "", errors.New(errors.ErrCodeUnsupported, "svg renderer cannot draw into viewport %s", vp.ID())
	}
	dr := drawer{g: v.geom, axis: v.axis, slice: v.Slice(), scale: v.scale, fade: 1}
	dr.u, dr.w = planeAxes(v.axis)
	if !d.Active {
		dr.fade = 0.5
	}

	var buf bytes.Buffer
	switch data := d.Data.(type) {
	case *segmentation.LabelmapData:
		if err := dr.labelmap(&buf, data, d.Segments); err != nil {
			return "", err
		}
	case *segmentation.ContourData:
		dr.contours(&buf, data, d.Segments)
	case *segmentation.SurfaceData:
		dr.surfaces(&buf, data, d.Segments)
	default:
		return "", errors.New(errors.ErrCodeInvalidData, "unsupported %s payload %T", d.Kind, d.Data)
	}

	id := ActorID(d.SegmentationID, d.Kind)
	v.setActor(id, buf.Bytes())
	return id, nil
}

type drawer struct {
	g           geometry.VolumeGeometry
	axis, u, w  int
	slice       int
	scale, fade float64
}

func component(p r3.Vec, axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	}
	return p.Z
}

// project maps a world point to SVG coordinates and its index distance from
// the displayed slice.
func (d drawer) project(p r3.Vec) (x, y, dist float64) {
	idx := d.g.WorldToIndex(p)
	x = (component(idx, d.u) + 0.5) * d.scale
	y = (component(idx, d.w) + 0.5) * d.scale
	return x, y, component(idx, d.axis) - float64(d.slice)
}

func (d drawer) labelmap(buf *bytes.Buffer, lm *segmentation.LabelmapData, segs map[int]style.Style) error {
	if lm.IsStack() {
		return errors.New(errors.ErrCodeUnsupported, "svg viewports show volumes, not image stacks")
	}
	if lm.Geometry.Dimensions != d.g.Dimensions {
		return errors.New(errors.ErrCodeInvalidData, "labelmap dimensions %v do not match viewport %v", lm.Geometry.Dimensions, d.g.Dimensions)
	}
	nu, nw := d.g.Dimensions[d.u], d.g.Dimensions[d.w]
	at := func(a, b int) uint8 {
		if a < 0 || b < 0 || a >= nu || b >= nw {
			return 0
		}
		var ijk [3]int
		ijk[d.axis], ijk[d.u], ijk[d.w] = d.slice, a, b
		return lm.Voxels[d.g.Offset(ijk[0], ijk[1], ijk[2])]
	}

	for _, idx := range sortedSegments(segs) {
		st := segs[idx]
		label := uint8(idx)
		if int(label) != idx {
			continue
		}
		c := SegmentColor(idx)
		if fill, _ := st.Bool(style.RenderFill); fill {
			alpha, _ := st.Float(style.FillAlpha)
			for b := 0; b < nw; b++ {
				for a := 0; a < nu; a++ {
					if at(a, b) == label {
						fmt.Fprintf(buf, `    <rect x="%.1f" y="%.1f" width="%.1f" height="%.1f" fill="%s" fill-opacity="%.2f"/>`+"\n",
							float64(a)*d.scale, float64(b)*d.scale, d.scale, d.scale, rgb(c), alpha*d.fade)
					}
				}
			}
		}
		if outline, _ := st.Bool(style.RenderOutline); outline {
			width, _ := st.Float(style.OutlineWidth)
			var path strings.Builder
			s := d.scale
			for b := 0; b < nw; b++ {
				for a := 0; a < nu; a++ {
					if at(a, b) != label {
						continue
					}
					x, y := float64(a)*s, float64(b)*s
					if at(a, b-1) != label {
						fmt.Fprintf(&path, "M%.1f %.1fH%.1f", x, y, x+s)
					}
					if at(a, b+1) != label {
						fmt.Fprintf(&path, "M%.1f %.1fH%.1f", x, y+s, x+s)
					}
					if at(a-1, b) != label {
						fmt.Fprintf(&path, "M%.1f %.1fV%.1f", x, y, y+s)
					}
					if at(a+1, b) != label {
						fmt.Fprintf(&path, "M%.1f %.1fV%.1f", x+s, y, y+s)
					}
				}
			}
			if path.Len() > 0 {
				fmt.Fprintf(buf, `    <path d="%s" stroke="%s" stroke-width="%.1f" stroke-opacity="%.2f" fill="none"/>`+"\n",
					path.String(), rgb(c), width, d.fade)
			}
		}
	}
	return nil
}

func (d drawer) contours(buf *bytes.Buffer, cd *segmentation.ContourData, segs map[int]style.Style) {
	for _, idx := range sortedSegments(segs) {
		st := segs[idx]
		c := SegmentColor(idx)
		width, _ := st.Float(style.OutlineWidth)
		opacity, _ := st.Float(style.OutlineOpacity)
		fill := "none"
		if f, _ := st.Bool(style.RenderFill); f {
			alpha, _ := st.Float(style.FillAlpha)
			fill = fmt.Sprintf(`%s" fill-opacity="%.2f`, rgb(c), alpha*d.fade)
		}
		dash := ""
		if s, _ := st.Text(style.OutlineDash); s != "" {
			dash = fmt.Sprintf(` stroke-dasharray="%s"`, s)
		}

		for _, a := range roots(cd, idx) {
			pts, ok := d.onSlice(a.Polyline)
			if !ok {
				continue
			}
			fmt.Fprintf(buf, `    <polygon data-uid="%s" points="%s" stroke="%s" stroke-width="%.1f" stroke-opacity="%.2f"%s fill="%s"/>`+"\n",
				a.UID, pts, rgb(c), width, opacity*d.fade, dash, fill)
		}
	}
}

// onSlice formats the points of a polyline lying on the displayed slice.
func (d drawer) onSlice(poly []r3.Vec) (string, bool) {
	if len(poly) < 2 {
		return "", false
	}
	var sb strings.Builder
	for i, p := range poly {
		x, y, dist := d.project(p)
		if math.Abs(dist) > 0.5 {
			return "", false
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%.1f,%.1f", x, y)
	}
	return sb.String(), true
}

func (d drawer) surfaces(buf *bytes.Buffer, sd *segmentation.SurfaceData, segs map[int]style.Style) {
	var idx3 r3.Vec
	switch d.axis {
	case 0:
		idx3.X = float64(d.slice)
	case 1:
		idx3.Y = float64(d.slice)
	default:
		idx3.Z = float64(d.slice)
	}
	plane := geometry.Plane{Origin: d.g.IndexToWorld(idx3), Normal: d.g.Direction[d.axis]}

	for _, idx := range sortedSegments(segs) {
		s := sd.Surfaces[idx]
		if s == nil {
			continue
		}
		st := segs[idx]
		c, ok := st.Color(style.Color)
		if !ok {
			c = SegmentColor(idx)
		}
		opacity, _ := st.Float(style.Opacity)
		for _, line := range geometry.ClipMesh(s.Mesh, plane) {
			var sb strings.Builder
			for i, p := range line.Points {
				x, y, _ := d.project(p)
				if i > 0 {
					sb.WriteByte(' ')
				}
				fmt.Fprintf(&sb, "%.1f,%.1f", x, y)
			}
			tag := "polyline"
			if line.Closed {
				tag = "polygon"
			}
			fmt.Fprintf(buf, `    <%s data-surface="%s" points="%s" stroke="%s" stroke-opacity="%.2f" fill="none"/>`+"\n",
				tag, s.ID, sb.String(), rgb(c), opacity*d.fade)
		}
	}
}

// roots returns the annotations of a segment together with their holes,
// ordered by UID.
func roots(cd *segmentation.ContourData, idx int) []*segmentation.ContourAnnotation {
	out := cd.Roots(idx)
	for _, r := range out {
		for _, id := range r.ChildUIDs {
			if h, ok := cd.Annotations[id]; ok {
				out = append(out, h)
			}
		}
	}
	return out
}

func sortedSegments(segs map[int]style.Style) []int {
	out := make([]int, 0, len(segs))
	for idx := range segs {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func rgb(c style.RGB) string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c[0], c[1], c[2])
}
