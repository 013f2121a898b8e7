package geometry

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// VolumeGeometry describes a regular voxel grid in world space.
//
// Direction holds the world-space unit vectors of the i, j and k index axes.
// Voxel (i, j, k) has its center at Origin + i*Spacing.X*Direction[0] +
// j*Spacing.Y*Direction[1] + k*Spacing.Z*Direction[2].
type VolumeGeometry struct {
	Dimensions [3]int    `json:"dimensions"`
	Spacing    r3.Vec    `json:"spacing"`
	Origin     r3.Vec    `json:"origin"`
	Direction  [3]r3.Vec `json:"direction"`
}

// IdentityDirection is the axis-aligned direction matrix.
var IdentityDirection = [3]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}

// VoxelCount returns the number of voxels in the grid.
func (g VolumeGeometry) VoxelCount() int {
	return g.Dimensions[0] * g.Dimensions[1] * g.Dimensions[2]
}

// Valid reports whether the geometry has positive dimensions and spacing.
func (g VolumeGeometry) Valid() bool {
	for _, d := range g.Dimensions {
		if d <= 0 {
			return false
		}
	}
	return g.Spacing.X > 0 && g.Spacing.Y > 0 && g.Spacing.Z > 0
}

// IndexToWorld maps continuous index coordinates to world space.
func (g VolumeGeometry) IndexToWorld(idx r3.Vec) r3.Vec {
	p := g.Origin
	p = r3.Add(p, r3.Scale(idx.X*g.Spacing.X, g.Direction[0]))
	p = r3.Add(p, r3.Scale(idx.Y*g.Spacing.Y, g.Direction[1]))
	p = r3.Add(p, r3.Scale(idx.Z*g.Spacing.Z, g.Direction[2]))
	return p
}

// WorldToIndex maps a world point to continuous index coordinates.
// The direction vectors are assumed orthonormal.
func (g VolumeGeometry) WorldToIndex(p r3.Vec) r3.Vec {
	d := r3.Sub(p, g.Origin)
	return r3.Vec{
		X: r3.Dot(d, g.Direction[0]) / g.Spacing.X,
		Y: r3.Dot(d, g.Direction[1]) / g.Spacing.Y,
		Z: r3.Dot(d, g.Direction[2]) / g.Spacing.Z,
	}
}

// Offset returns the flat buffer offset of voxel (i, j, k).
func (g VolumeGeometry) Offset(i, j, k int) int {
	return i + g.Dimensions[0]*(j+g.Dimensions[1]*k)
}

// Contains reports whether (i, j, k) lies inside the grid.
func (g VolumeGeometry) Contains(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 &&
		i < g.Dimensions[0] && j < g.Dimensions[1] && k < g.Dimensions[2]
}

// ImagePlane is the geometry of a single 2D image of a stack.
//
// RowCosines points along increasing column index, ColumnCosines along
// increasing row index. PixelSpacing is (between rows, between columns).
type ImagePlane struct {
	Rows          int        `json:"rows"`
	Columns       int        `json:"columns"`
	RowCosines    r3.Vec     `json:"rowCosines"`
	ColumnCosines r3.Vec     `json:"columnCosines"`
	PixelSpacing  [2]float64 `json:"pixelSpacing"`
	Position      r3.Vec     `json:"imagePositionPatient"`
}

// Normal returns the slice normal, row cosines × column cosines.
func (p ImagePlane) Normal() r3.Vec {
	return r3.Cross(p.RowCosines, p.ColumnCosines)
}

// WorldToPixel projects a world point into (column, row) pixel coordinates and
// returns its signed distance from the image plane along the normal.
func (p ImagePlane) WorldToPixel(w r3.Vec) (col, row, dist float64) {
	d := r3.Sub(w, p.Position)
	col = r3.Dot(d, p.RowCosines) / p.PixelSpacing[1]
	row = r3.Dot(d, p.ColumnCosines) / p.PixelSpacing[0]
	dist = r3.Dot(d, r3.Unit(p.Normal()))
	return col, row, dist
}

// PixelToWorld maps (column, row) pixel coordinates back to world space.
func (p ImagePlane) PixelToWorld(col, row float64) r3.Vec {
	w := p.Position
	w = r3.Add(w, r3.Scale(col*p.PixelSpacing[1], p.RowCosines))
	w = r3.Add(w, r3.Scale(row*p.PixelSpacing[0], p.ColumnCosines))
	return w
}

// Plane is an oriented plane in world space.
type Plane struct {
	Origin r3.Vec `json:"origin"`
	Normal r3.Vec `json:"normal"`
}

// SignedDistance returns the distance of p from the plane along its unit normal.
func (pl Plane) SignedDistance(p r3.Vec) float64 {
	return r3.Dot(r3.Sub(p, pl.Origin), r3.Unit(pl.Normal))
}

// SliceRange describes the stack of parallel slice planes a viewport can show.
// Plane i passes through Origin + i*Spacing*Normal.
type SliceRange struct {
	Normal  r3.Vec  `json:"normal"`
	Origin  r3.Vec  `json:"origin"`
	Spacing float64 `json:"spacing"`
	Count   int     `json:"count"`
	Current int     `json:"current"`
}

// SlicePlane pairs a slice index with its plane.
type SlicePlane struct {
	Index int
	Plane Plane
}

// Planes returns every slice plane ordered nearest-to-Current first.
// Ties are broken toward the lower index.
func (r SliceRange) Planes() []SlicePlane {
	if r.Count <= 0 {
		return nil
	}
	n := r3.Unit(r.Normal)
	cur := r.Current
	if cur < 0 {
		cur = 0
	}
	if cur >= r.Count {
		cur = r.Count - 1
	}

	out := make([]SlicePlane, 0, r.Count)
	add := func(i int) {
		out = append(out, SlicePlane{
			Index: i,
			Plane: Plane{Origin: r3.Add(r.Origin, r3.Scale(float64(i)*r.Spacing, n)), Normal: n},
		})
	}
	add(cur)
	for d := 1; len(out) < r.Count; d++ {
		if lo := cur - d; lo >= 0 {
			add(lo)
		}
		if hi := cur + d; hi < r.Count {
			add(hi)
		}
	}
	return out
}

// NearestFirst orders planes by distance of their index from current,
// breaking ties toward the lower index. planes is sorted in place.
func NearestFirst(planes []SlicePlane, current int) []SlicePlane {
	dist := func(i int) int {
		d := planes[i].Index - current
		if d < 0 {
			return -d
		}
		return d
	}
	sort.SliceStable(planes, func(a, b int) bool {
		if da, db := dist(a), dist(b); da != db {
			return da < db
		}
		return planes[a].Index < planes[b].Index
	})
	return planes
}

// VolumeSliceRange builds the slice range of g along index axis (0, 1 or 2),
// with current as the displayed slice.
func VolumeSliceRange(g VolumeGeometry, axis, current int) SliceRange {
	spacing := []float64{g.Spacing.X, g.Spacing.Y, g.Spacing.Z}[axis]
	return SliceRange{
		Normal:  g.Direction[axis],
		Origin:  g.Origin,
		Spacing: spacing,
		Count:   g.Dimensions[axis],
		Current: current,
	}
}
