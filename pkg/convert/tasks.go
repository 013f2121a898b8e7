package convert

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/geometry"
	"github.com/matzehuels/segrep/pkg/raster"
	"github.com/matzehuels/segrep/pkg/worker"
)

// Pool task names and families.
const (
	TaskClipSurfaces        = "clipSurfacesForSlices"
	TaskBoundingVolumes     = "computeBoundingVolumes"
	TaskRasterizeContours   = "rasterizeContours"
	TaskSurfaceFromLabelmap = "surfaceFromLabelmap"

	FamilyGeometry = "geometry"
	FamilyRaster   = "raster"
)

// stackPlaneTolerance is the largest mean distance, in world units, between a
// contour and the image plane it is rasterized into.
const stackPlaneTolerance = 0.5

func (c *Converter) ensureTasks() error {
	c.tasksOnce.Do(func() {
		if c.pool == nil {
			c.tasksErr = errors.New(errors.ErrCodeInternal, "converter has no worker pool")
			return
		}
		for _, t := range []struct {
			family, name string
			fn           worker.TaskFunc
		}{
			{FamilyGeometry, TaskClipSurfaces, clipSurfacesTask},
			{FamilyGeometry, TaskBoundingVolumes, boundingVolumesTask},
			{FamilyRaster, TaskRasterizeContours, rasterizeContoursTask},
			{FamilyRaster, TaskSurfaceFromLabelmap, surfaceFromLabelmapTask},
		} {
			if err := c.pool.Register(t.family, t.name, t.fn); err != nil {
				c.tasksErr = err
				return
			}
		}
	})
	return c.tasksErr
}

// =============================================================================
// clipSurfacesForSlices
// =============================================================================

type clipSurface struct {
	ID   string
	Mesh geometry.Mesh
}

type clipJob struct {
	Slice      geometry.SlicePlane
	SurfaceIDs []string
}

type clipPayload struct {
	Surfaces map[string]clipSurface
	Jobs     []clipJob // ordered nearest-to-displayed slice first
}

// sliceClip is the partial result of one slice.
type sliceClip struct {
	Slice geometry.SlicePlane
	Lines map[string][]geometry.Polyline // surface id → cut
}

func clipSurfacesTask(ctx context.Context, payload any, r *worker.Reporter) (any, error) {
	p, ok := payload.(clipPayload)
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal, "unexpected %s payload %T", TaskClipSurfaces, payload)
	}
	for i, job := range p.Jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := sliceClip{Slice: job.Slice, Lines: make(map[string][]geometry.Polyline, len(job.SurfaceIDs))}
		for _, id := range job.SurfaceIDs {
			out.Lines[id] = geometry.ClipMesh(p.Surfaces[id].Mesh, job.Slice.Plane)
		}
		r.Partial(out)
		r.Progress(float64(i+1) / float64(len(p.Jobs)))
	}
	return len(p.Jobs), nil
}

// =============================================================================
// computeBoundingVolumes
// =============================================================================

func boundingVolumesTask(ctx context.Context, payload any, r *worker.Reporter) (any, error) {
	meshes, ok := payload.(map[string]geometry.Mesh)
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal, "unexpected %s payload %T", TaskBoundingVolumes, payload)
	}
	out := make(map[string]geometry.Bounds, len(meshes))
	for id, m := range meshes {
		if b, ok := geometry.MeshBounds(m); ok {
			out[id] = b
		}
	}
	r.Progress(1)
	return out, nil
}

// =============================================================================
// rasterizeContours
// =============================================================================

type polygon struct {
	SegmentIndex int
	Ring         []r3.Vec
	Holes        [][]r3.Vec
}

type rasterPayload struct {
	// Volume target.
	Volume *geometry.VolumeGeometry
	// Stack target.
	ImageIDs []string
	Planes   map[string]geometry.ImagePlane

	Polygons []polygon
}

// rasterWrite sets Label on every mask pixel of one slice (volume) or image (stack).
type rasterWrite struct {
	Slice   int
	ImageID string
	Label   uint8
	Mask    *raster.Mask
}

type rasterGroup struct {
	slice   int
	imageID string
	label   int
}

func rasterizeContoursTask(ctx context.Context, payload any, r *worker.Reporter) (any, error) {
	p, ok := payload.(rasterPayload)
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal, "unexpected %s payload %T", TaskRasterizeContours, payload)
	}

	rings := make(map[rasterGroup][][]raster.Point)
	holes := make(map[rasterGroup][][]raster.Point)
	for _, poly := range p.Polygons {
		if poly.SegmentIndex <= 0 || poly.SegmentIndex > math.MaxUint8 || len(poly.Ring) < 3 {
			continue
		}
		g, ring, ok := p.project(poly.Ring)
		if !ok {
			continue
		}
		g.label = poly.SegmentIndex
		rings[g] = append(rings[g], ring)
		for _, h := range poly.Holes {
			if _, hole, ok := p.projectOnto(g, h); ok {
				holes[g] = append(holes[g], hole)
			}
		}
	}

	groups := make([]rasterGroup, 0, len(rings))
	for g := range rings {
		groups = append(groups, g)
	}
	// Higher labels are written last and win on overlap.
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.label != b.label {
			return a.label < b.label
		}
		if a.slice != b.slice {
			return a.slice < b.slice
		}
		return a.imageID < b.imageID
	})

	writes := make([]rasterWrite, 0, len(groups))
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w, h := p.size(g)
		writes = append(writes, rasterWrite{
			Slice:   g.slice,
			ImageID: g.imageID,
			Label:   uint8(g.label),
			Mask:    raster.Fill(w, h, rings[g], holes[g]),
		})
		r.Progress(float64(i+1) / float64(len(groups)))
	}
	return writes, nil
}

func (p rasterPayload) size(g rasterGroup) (int, int) {
	if p.Volume != nil {
		return p.Volume.Dimensions[0], p.Volume.Dimensions[1]
	}
	pl := p.Planes[g.imageID]
	return pl.Columns, pl.Rows
}

// project maps a world ring into pixel space and picks its slice or image.
func (p rasterPayload) project(ring []r3.Vec) (rasterGroup, []raster.Point, bool) {
	if p.Volume != nil {
		pts := make([]raster.Point, len(ring))
		var z float64
		for i, w := range ring {
			idx := p.Volume.WorldToIndex(w)
			pts[i] = raster.Point{X: idx.X, Y: idx.Y}
			z += idx.Z
		}
		k := int(math.Round(z / float64(len(ring))))
		if k < 0 || k >= p.Volume.Dimensions[2] {
			return rasterGroup{}, nil, false
		}
		return rasterGroup{slice: k}, pts, true
	}

	best, bestDist := "", math.Inf(1)
	for _, id := range p.ImageIDs {
		var sum float64
		for _, w := range ring {
			_, _, d := p.Planes[id].WorldToPixel(w)
			sum += math.Abs(d)
		}
		if mean := sum / float64(len(ring)); mean < bestDist {
			best, bestDist = id, mean
		}
	}
	if best == "" || bestDist > stackPlaneTolerance {
		return rasterGroup{}, nil, false
	}
	g := rasterGroup{imageID: best}
	_, pts, _ := p.projectOnto(g, ring)
	return g, pts, true
}

// projectOnto maps a world ring into the pixel space of an already chosen group.
func (p rasterPayload) projectOnto(g rasterGroup, ring []r3.Vec) (rasterGroup, []raster.Point, bool) {
	if len(ring) < 3 {
		return g, nil, false
	}
	pts := make([]raster.Point, len(ring))
	for i, w := range ring {
		if p.Volume != nil {
			idx := p.Volume.WorldToIndex(w)
			pts[i] = raster.Point{X: idx.X, Y: idx.Y}
			continue
		}
		col, row, _ := p.Planes[g.imageID].WorldToPixel(w)
		pts[i] = raster.Point{X: col, Y: row}
	}
	return g, pts, true
}

// =============================================================================
// surfaceFromLabelmap
// =============================================================================

type surfacePayload struct {
	Geometry geometry.VolumeGeometry
	Voxels   []uint8
	Segments []int
}

func surfaceFromLabelmapTask(ctx context.Context, payload any, r *worker.Reporter) (any, error) {
	p, ok := payload.(surfacePayload)
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal, "unexpected %s payload %T", TaskSurfaceFromLabelmap, payload)
	}
	out := make(map[int]geometry.Mesh, len(p.Segments))
	for i, idx := range p.Segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if idx <= 0 || idx > math.MaxUint8 {
			continue
		}
		if m := geometry.BoundaryMesh(p.Geometry, p.Voxels, uint8(idx)); !m.Empty() {
			out[idx] = m
		}
		r.Progress(float64(i+1) / float64(len(p.Segments)))
	}
	return out, nil
}
