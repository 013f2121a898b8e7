package convert

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/matzehuels/segrep/pkg/cache"
	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/geomcache"
	"github.com/matzehuels/segrep/pkg/geometry"
	"github.com/matzehuels/segrep/pkg/segmentation"
	"github.com/matzehuels/segrep/pkg/worker"
)

// Reference supplies the target geometry of a conversion, usually the
// viewport the result is displayed in. Implementations add one of the
// geometry interfaces below.
type Reference interface {
	ID() string
}

// SliceReference displays a stack of parallel slice planes.
type SliceReference interface {
	Reference
	SliceRange() geometry.SliceRange
}

// VolumeReference displays a reconstructed volume. CurrentSlice is the
// displayed k index.
type VolumeReference interface {
	Reference
	VolumeGeometry() geometry.VolumeGeometry
	CurrentSlice() int
}

// StackReference displays a stack of independent images. CurrentImageIndex
// is the position of the displayed image in ImageIDs.
type StackReference interface {
	Reference
	ImageIDs() []string
	ImagePlane(imageID string) (geometry.ImagePlane, bool)
	CurrentImageIndex() int
}

// Options parameterize the source-selection helpers.
type Options struct {
	// Viewport supplies the target geometry.
	Viewport Reference
	// SegmentIndices restricts the conversion; empty means all segments.
	SegmentIndices []int
}

func (o Options) wants(idx int) bool {
	if len(o.SegmentIndices) == 0 {
		return true
	}
	for _, i := range o.SegmentIndices {
		if i == idx {
			return true
		}
	}
	return false
}

// ImageCache reports which source images are resident.
type ImageCache interface {
	Has(imageID string) bool
}

// MemoryImageCache is an in-memory ImageCache.
type MemoryImageCache struct {
	mu  sync.RWMutex
	ids map[string]bool
}

// NewMemoryImageCache returns an empty cache.
func NewMemoryImageCache() *MemoryImageCache {
	return &MemoryImageCache{ids: make(map[string]bool)}
}

// Add marks images resident.
func (m *MemoryImageCache) Add(ids ...string) {
	m.mu.Lock()
	for _, id := range ids {
		m.ids[id] = true
	}
	m.mu.Unlock()
}

// Remove evicts images.
func (m *MemoryImageCache) Remove(ids ...string) {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.ids, id)
	}
	m.mu.Unlock()
}

// Has implements ImageCache.
func (m *MemoryImageCache) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ids[id]
}

func surfaceID(segmentationID string, idx int) string {
	return fmt.Sprintf("%s.surface.%d", segmentationID, idx)
}

func derivedSurfaceID(segmentationID string, idx int) string {
	return fmt.Sprintf("%s.labelmap.%d", segmentationID, idx)
}

func actorID(segmentationID, surfaceID string) string {
	return segmentationID + "/" + surfaceID
}

// cacheID names cached geometry of a surface after its id and mesh content.
// A different mesh committed under the same surface id gets a new identity.
func cacheID(id string, m geometry.Mesh) string {
	buf := make([]byte, 0, 24*(len(m.Points)+len(m.Triangles)))
	for _, p := range m.Points {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.X))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Y))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Z))
	}
	for _, t := range m.Triangles {
		for _, v := range t {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		}
	}
	return id + "@" + cache.Hash(buf)[:16]
}

// sourceSurface is a mesh to clip. ID is its content-derived cache identity.
type sourceSurface struct {
	ID           string
	SegmentIndex int
	Mesh         geometry.Mesh
}

// =============================================================================
// Contour target
// =============================================================================

// ContourFromSource converts the Surface representation, or the Labelmap
// when there is no surface, into contours on the slice planes of
// opts.Viewport. A labelmap is first meshed and then clipped.
func (c *Converter) ContourFromSource(segmentationID string, opts Options) ComputeFunc {
	return func(ctx context.Context) (segmentation.Data, error) {
		if !c.store.Has(segmentationID) {
			return nil, errors.New(errors.ErrCodeSegmentationNotFound, "segmentation %s not found", segmentationID)
		}
		planes, err := contourPlanes(opts.Viewport)
		if err != nil {
			return nil, err
		}
		surfaces, err := c.sourceSurfaces(ctx, segmentationID, opts)
		if err != nil {
			return nil, err
		}
		return c.clipToContours(ctx, segmentationID, opts.Viewport.ID(), planes, surfaces)
	}
}

func contourPlanes(ref Reference) ([]geometry.SlicePlane, error) {
	switch v := ref.(type) {
	case nil:
		return nil, errors.New(errors.ErrCodeMissingViewport, "contour conversion requires a reference viewport")
	case SliceReference:
		return v.SliceRange().Planes(), nil
	case VolumeReference:
		g := v.VolumeGeometry()
		if !g.Valid() {
			return nil, errors.New(errors.ErrCodeInvalidInput, "viewport %s has invalid volume geometry", v.ID())
		}
		return geometry.VolumeSliceRange(g, 2, v.CurrentSlice()).Planes(), nil
	case StackReference:
		planes, err := stackPlanes(v)
		if err != nil {
			return nil, err
		}
		return geometry.NearestFirst(planes, v.CurrentImageIndex()), nil
	}
	return nil, errors.New(errors.ErrCodeMissingViewport, "viewport %s supplies no slice geometry", ref.ID())
}

func stackPlanes(ref StackReference) ([]geometry.SlicePlane, error) {
	ids := ref.ImageIDs()
	out := make([]geometry.SlicePlane, 0, len(ids))
	for i, id := range ids {
		p, ok := ref.ImagePlane(id)
		if !ok {
			return nil, errors.New(errors.ErrCodeUncachedImages, "image %s of viewport %s has no geometry", id, ref.ID())
		}
		out = append(out, geometry.SlicePlane{Index: i, Plane: geometry.Plane{Origin: p.Position, Normal: r3.Unit(p.Normal())}})
	}
	return out, nil
}

// sourceSurfaces returns the committed surfaces, or meshes derived from the
// volume labelmap.
func (c *Converter) sourceSurfaces(ctx context.Context, segmentationID string, opts Options) ([]sourceSurface, error) {
	if d, ok := c.store.RepresentationData(segmentationID, segmentation.Surface); ok {
		sd := d.(*segmentation.SurfaceData)
		var out []sourceSurface
		for _, idx := range sd.SegmentIndices() {
			if s := sd.Surfaces[idx]; s != nil && opts.wants(idx) {
				out = append(out, sourceSurface{ID: cacheID(s.ID, s.Mesh), SegmentIndex: idx, Mesh: s.Mesh})
			}
		}
		return out, nil
	}
	if d, ok := c.store.RepresentationData(segmentationID, segmentation.Labelmap); ok {
		lm := d.(*segmentation.LabelmapData)
		meshes, err := c.meshLabelmap(ctx, lm, opts)
		if err != nil {
			return nil, err
		}
		out := make([]sourceSurface, 0, len(meshes))
		for _, idx := range sortedKeys(meshes) {
			out = append(out, sourceSurface{ID: cacheID(derivedSurfaceID(segmentationID, idx), meshes[idx]), SegmentIndex: idx, Mesh: meshes[idx]})
		}
		return out, nil
	}
	return nil, errors.New(errors.ErrCodeInvalidData, "segmentation %s has no Surface or Labelmap to derive contours from", segmentationID)
}

func (c *Converter) clipToContours(ctx context.Context, segmentationID, viewportID string, planes []geometry.SlicePlane, surfaces []sourceSurface) (*segmentation.ContourData, error) {
	bySurface := make(map[string]sourceSurface, len(surfaces))
	ids := make([]string, 0, len(surfaces))
	for _, s := range surfaces {
		bySurface[s.ID] = s
		ids = append(ids, s.ID)
	}
	c.noteSurfaces(segmentationID, ids)

	if missing := c.bounds.Missing(ctx, ids); len(missing) > 0 {
		meshes := make(map[string]geometry.Mesh, len(missing))
		for _, id := range missing {
			meshes[id] = bySurface[id].Mesh
		}
		v, err := c.pool.Execute(ctx, FamilyGeometry, TaskBoundingVolumes, meshes, worker.Callbacks{})
		if err != nil {
			return nil, err
		}
		c.bounds.Merge(ctx, v.(map[string]geometry.Bounds))
	}

	var jobs []clipJob
	for _, sp := range planes {
		key := geomcache.SliceKey(viewportID, sp.Plane.Normal, sp.Index)
		var need []string
		for _, s := range surfaces {
			actor := actorID(segmentationID, s.ID)
			if _, ok := c.slices.Get(ctx, actor, key); ok {
				continue
			}
			if b, ok := c.bounds.Get(ctx, s.ID); !ok || !b.IntersectsPlane(sp.Plane) {
				c.slices.Merge(ctx, segmentationID, actor, key, s.SegmentIndex, geometry.PolyData{})
				continue
			}
			need = append(need, s.ID)
		}
		if len(need) > 0 {
			jobs = append(jobs, clipJob{Slice: sp, SurfaceIDs: need})
		}
	}

	if len(jobs) > 0 {
		clip := make(map[string]clipSurface, len(surfaces))
		for _, s := range surfaces {
			clip[s.ID] = clipSurface{ID: s.ID, Mesh: s.Mesh}
		}
		_, err := c.pool.Execute(ctx, FamilyGeometry, TaskClipSurfaces, clipPayload{Surfaces: clip, Jobs: jobs}, worker.Callbacks{
			Partial: func(v any) {
				sc := v.(sliceClip)
				key := geomcache.SliceKey(viewportID, sc.Slice.Plane.Normal, sc.Slice.Index)
				for id, lines := range sc.Lines {
					c.slices.Merge(ctx, segmentationID, actorID(segmentationID, id), key, bySurface[id].SegmentIndex, geometry.NewPolyData(lines))
				}
			},
		})
		if err != nil {
			return nil, err
		}
	}

	out := segmentation.NewContourData()
	for _, sp := range planes {
		key := geomcache.SliceKey(viewportID, sp.Plane.Normal, sp.Index)
		perSegment := make(map[int][]geometry.Polyline)
		for _, s := range surfaces {
			e, ok := c.slices.Get(ctx, actorID(segmentationID, s.ID), key)
			if !ok {
				continue
			}
			for idx, pd := range e.Segments {
				perSegment[idx] = append(perSegment[idx], pd.Polylines()...)
			}
		}
		for _, idx := range sortedKeys(perSegment) {
			addAnnotations(out, segmentationID, sp, idx, perSegment[idx])
		}
	}
	return out, nil
}

// addAnnotations turns the cut of one segment on one plane into annotations.
// A polyline enclosed by an odd number of others is a hole of the innermost
// polyline enclosing it.
func addAnnotations(out *segmentation.ContourData, segmentationID string, sp geometry.SlicePlane, idx int, lines []geometry.Polyline) {
	var rings [][]r3.Vec
	for _, l := range lines {
		if len(l.Points) >= 3 {
			rings = append(rings, l.Points)
		}
	}
	if len(rings) == 0 {
		return
	}

	u, v := planeBasis(sp.Plane.Normal)
	flat := make([][][2]float64, len(rings))
	for i, ring := range rings {
		flat[i] = make([][2]float64, len(ring))
		for j, p := range ring {
			d := r3.Sub(p, sp.Plane.Origin)
			flat[i][j] = [2]float64{r3.Dot(d, u), r3.Dot(d, v)}
		}
	}

	containers := make([][]int, len(rings))
	for i := range rings {
		for j := range rings {
			if i != j && pointInPolygon(flat[i][0], flat[j]) {
				containers[i] = append(containers[i], j)
			}
		}
	}

	uids := make([]string, len(rings))
	for i := range rings {
		uids[i] = fmt.Sprintf("%s.contour.%d.%d.%d", segmentationID, idx, sp.Index, i)
	}
	anns := make([]*segmentation.ContourAnnotation, len(rings))
	for i, ring := range rings {
		anns[i] = &segmentation.ContourAnnotation{UID: uids[i], SegmentIndex: idx, Polyline: ring}
	}
	for i := range rings {
		depth := len(containers[i])
		if depth%2 == 0 {
			continue
		}
		for _, j := range containers[i] {
			if len(containers[j]) == depth-1 {
				anns[i].ParentUID = uids[j]
				anns[j].ChildUIDs = append(anns[j].ChildUIDs, uids[i])
				break
			}
		}
	}
	for _, a := range anns {
		out.Add(a)
	}
}

func planeBasis(n r3.Vec) (u, v r3.Vec) {
	n = r3.Unit(n)
	a := r3.Vec{X: 1}
	if math.Abs(n.X) > 0.9 {
		a = r3.Vec{Y: 1}
	}
	u = r3.Unit(r3.Cross(n, a))
	v = r3.Cross(n, u)
	return u, v
}

// pointInPolygon is the even-odd ray casting test.
func pointInPolygon(p [2]float64, poly [][2]float64) bool {
	in := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a[1] > p[1]) != (b[1] > p[1]) {
			x := a[0] + (p[1]-a[1])*(b[0]-a[0])/(b[1]-a[1])
			if p[0] < x {
				in = !in
			}
		}
	}
	return in
}

// =============================================================================
// Labelmap target
// =============================================================================

type labelmapTarget struct {
	viewportID string
	volume     *geometry.VolumeGeometry
	imageIDs   []string
	planes     map[string]geometry.ImagePlane
	current    int
}

// slicePlanes returns the target planes nearest to the displayed one first.
func (t labelmapTarget) slicePlanes() []geometry.SlicePlane {
	if t.volume != nil {
		return geometry.VolumeSliceRange(*t.volume, 2, t.current).Planes()
	}
	out := make([]geometry.SlicePlane, len(t.imageIDs))
	for i, id := range t.imageIDs {
		p := t.planes[id]
		out[i] = geometry.SlicePlane{Index: i, Plane: geometry.Plane{Origin: p.Position, Normal: r3.Unit(p.Normal())}}
	}
	return geometry.NearestFirst(out, t.current)
}

// LabelmapFromSource rasterizes the Contour representation, or the Surface
// when there are no contours, into the geometry of opts.Viewport. A surface
// is first clipped into contours on the target planes.
//
// A volume viewport yields a volume labelmap. A stack viewport yields a stack
// labelmap and requires every image to be resident in the image cache.
func (c *Converter) LabelmapFromSource(segmentationID string, opts Options) ComputeFunc {
	return func(ctx context.Context) (segmentation.Data, error) {
		if !c.store.Has(segmentationID) {
			return nil, errors.New(errors.ErrCodeSegmentationNotFound, "segmentation %s not found", segmentationID)
		}
		target, err := c.labelmapTarget(opts.Viewport)
		if err != nil {
			return nil, err
		}

		var contours *segmentation.ContourData
		if d, ok := c.store.RepresentationData(segmentationID, segmentation.Contour); ok {
			contours = d.(*segmentation.ContourData)
		} else if _, ok := c.store.RepresentationData(segmentationID, segmentation.Surface); ok {
			surfaces, err := c.sourceSurfaces(ctx, segmentationID, opts)
			if err != nil {
				return nil, err
			}
			contours, err = c.clipToContours(ctx, segmentationID, target.viewportID, target.slicePlanes(), surfaces)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, errors.New(errors.ErrCodeInvalidData, "segmentation %s has no Contour or Surface to derive a labelmap from", segmentationID)
		}
		return c.rasterize(ctx, segmentationID, contours, target, opts)
	}
}

func (c *Converter) labelmapTarget(ref Reference) (labelmapTarget, error) {
	switch v := ref.(type) {
	case nil:
		return labelmapTarget{}, errors.New(errors.ErrCodeMissingViewport, "labelmap conversion requires a reference viewport")
	case VolumeReference:
		g := v.VolumeGeometry()
		if !g.Valid() {
			return labelmapTarget{}, errors.New(errors.ErrCodeInvalidInput, "viewport %s has invalid volume geometry", v.ID())
		}
		return labelmapTarget{viewportID: v.ID(), volume: &g, current: v.CurrentSlice()}, nil
	case StackReference:
		ids := v.ImageIDs()
		planes := make(map[string]geometry.ImagePlane, len(ids))
		var missing []string
		for _, id := range ids {
			p, ok := v.ImagePlane(id)
			if !ok || !c.images.Has(id) {
				missing = append(missing, id)
				continue
			}
			planes[id] = p
		}
		if len(missing) > 0 {
			return labelmapTarget{}, errors.New(errors.ErrCodeUncachedImages, "images not cached: %s", strings.Join(missing, ", "))
		}
		if len(ids) == 0 {
			return labelmapTarget{}, errors.New(errors.ErrCodeInvalidInput, "viewport %s has no images", v.ID())
		}
		return labelmapTarget{viewportID: v.ID(), imageIDs: ids, planes: planes, current: v.CurrentImageIndex()}, nil
	}
	return labelmapTarget{}, errors.New(errors.ErrCodeMissingViewport, "viewport %s supplies no volume geometry", ref.ID())
}

func (c *Converter) rasterize(ctx context.Context, segmentationID string, cd *segmentation.ContourData, target labelmapTarget, opts Options) (*segmentation.LabelmapData, error) {
	payload := rasterPayload{Volume: target.volume, ImageIDs: target.imageIDs, Planes: target.planes}
	payload.Polygons = polygons(cd, opts)

	v, err := c.pool.Execute(ctx, FamilyRaster, TaskRasterizeContours, payload, worker.Callbacks{})
	if err != nil {
		return nil, err
	}

	var out *segmentation.LabelmapData
	if target.volume != nil {
		out = segmentation.NewVolumeLabelmap(*target.volume)
	} else {
		out = segmentation.NewStackLabelmap(target.imageIDs, target.planes)
	}
	for _, w := range v.([]rasterWrite) {
		if target.volume != nil {
			n := target.volume.Dimensions[0] * target.volume.Dimensions[1]
			w.Mask.Write(out.Voxels[w.Slice*n:(w.Slice+1)*n], w.Label)
		} else {
			w.Mask.Write(out.Images[w.ImageID], w.Label)
		}
	}
	c.recordVoxelCounts(segmentationID, out)
	return out, nil
}

// polygons gathers, per segment, every root annotation with its holes.
// Annotations referenced as a child of another are only used as holes.
func polygons(cd *segmentation.ContourData, opts Options) []polygon {
	children := make(map[string]bool)
	for _, a := range cd.Annotations {
		for _, id := range a.ChildUIDs {
			children[id] = true
		}
	}
	var out []polygon
	for _, idx := range cd.SegmentIndices() {
		if !opts.wants(idx) {
			continue
		}
		for _, root := range cd.Roots(idx) {
			if children[root.UID] {
				continue
			}
			p := polygon{SegmentIndex: idx, Ring: root.Polyline}
			seen := make(map[string]bool)
			for _, id := range root.ChildUIDs {
				if h, ok := cd.Annotations[id]; ok && !seen[id] {
					seen[id] = true
					p.Holes = append(p.Holes, h.Polyline)
				}
			}
			for _, h := range cd.Annotations {
				if h.ParentUID == root.UID && !seen[h.UID] {
					seen[h.UID] = true
					p.Holes = append(p.Holes, h.Polyline)
				}
			}
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// Surface target
// =============================================================================

// SurfaceFromSource meshes the volume Labelmap representation, one closed
// surface per segment index.
func (c *Converter) SurfaceFromSource(segmentationID string, opts Options) ComputeFunc {
	return func(ctx context.Context) (segmentation.Data, error) {
		d, ok := c.store.RepresentationData(segmentationID, segmentation.Labelmap)
		if !ok {
			if !c.store.Has(segmentationID) {
				return nil, errors.New(errors.ErrCodeSegmentationNotFound, "segmentation %s not found", segmentationID)
			}
			return nil, errors.New(errors.ErrCodeInvalidData, "segmentation %s has no Labelmap to derive surfaces from", segmentationID)
		}
		lm := d.(*segmentation.LabelmapData)
		meshes, err := c.meshLabelmap(ctx, lm, opts)
		if err != nil {
			return nil, err
		}

		out := segmentation.NewSurfaceData()
		ids := make([]string, 0, len(meshes))
		for idx, m := range meshes {
			id := surfaceID(segmentationID, idx)
			out.Surfaces[idx] = &segmentation.SurfaceMesh{ID: id, SegmentIndex: idx, Mesh: m}
			ids = append(ids, id)
		}
		for _, id := range ids {
			c.slices.InvalidateActor(ctx, actorID(segmentationID, id))
		}
		c.bounds.Invalidate(ctx, ids...)
		c.recordVoxelCounts(segmentationID, lm)
		return out, nil
	}
}

func (c *Converter) meshLabelmap(ctx context.Context, lm *segmentation.LabelmapData, opts Options) (map[int]geometry.Mesh, error) {
	if lm.IsStack() {
		return nil, errors.New(errors.ErrCodeInvalidData, "stack labelmaps cannot be meshed")
	}
	if !lm.Geometry.Valid() || len(lm.Voxels) != lm.Geometry.VoxelCount() {
		return nil, errors.New(errors.ErrCodeInvalidData, "labelmap geometry does not match its voxel buffer")
	}
	var segments []int
	for _, idx := range lm.SegmentIndices() {
		if opts.wants(idx) {
			segments = append(segments, idx)
		}
	}
	v, err := c.pool.Execute(ctx, FamilyRaster, TaskSurfaceFromLabelmap, surfacePayload{
		Geometry: lm.Geometry,
		Voxels:   lm.Voxels,
		Segments: segments,
	}, worker.Callbacks{})
	if err != nil {
		return nil, err
	}
	return v.(map[int]geometry.Mesh), nil
}

func (c *Converter) recordVoxelCounts(segmentationID string, lm *segmentation.LabelmapData) {
	counts := lm.VoxelCounts()
	stats := make(map[string]float64, len(counts))
	for idx, n := range counts {
		stats[fmt.Sprintf("voxelCount.%d", idx)] = float64(n)
	}
	if err := c.store.SetStatistics(segmentationID, stats); err != nil {
		c.logger.Debug("statistics not recorded", "segmentation", segmentationID, "err", err)
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
