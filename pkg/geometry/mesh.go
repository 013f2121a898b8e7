package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is an indexed triangle mesh.
type Mesh struct {
	Points    []r3.Vec `json:"points"`
	Triangles [][3]int `json:"triangles"`
}

// Empty reports whether the mesh has no triangles.
func (m Mesh) Empty() bool { return len(m.Triangles) == 0 }

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min r3.Vec `json:"min"`
	Max r3.Vec `json:"max"`
}

// MeshBounds returns the bounding box of all points of m.
// The second result is false for a mesh without points.
func MeshBounds(m Mesh) (Bounds, bool) {
	if len(m.Points) == 0 {
		return Bounds{}, false
	}
	b := Bounds{Min: m.Points[0], Max: m.Points[0]}
	for _, p := range m.Points[1:] {
		b.Min = r3.Vec{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)}
		b.Max = r3.Vec{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)}
	}
	return b, true
}

// IntersectsPlane reports whether the plane passes through the box.
func (b Bounds) IntersectsPlane(pl Plane) bool {
	corners := [8]r3.Vec{
		{X: b.Min.X, Y: b.Min.Y, Z: b.Min.Z}, {X: b.Max.X, Y: b.Min.Y, Z: b.Min.Z},
		{X: b.Min.X, Y: b.Max.Y, Z: b.Min.Z}, {X: b.Max.X, Y: b.Max.Y, Z: b.Min.Z},
		{X: b.Min.X, Y: b.Min.Y, Z: b.Max.Z}, {X: b.Max.X, Y: b.Min.Y, Z: b.Max.Z},
		{X: b.Min.X, Y: b.Max.Y, Z: b.Max.Z}, {X: b.Max.X, Y: b.Max.Y, Z: b.Max.Z},
	}
	var neg, pos bool
	for _, c := range corners {
		if pl.SignedDistance(c) < 0 {
			neg = true
		} else {
			pos = true
		}
	}
	return neg && pos
}

// Polyline is an ordered list of points, optionally closed.
type Polyline struct {
	Points []r3.Vec `json:"points"`
	Closed bool     `json:"closed"`
}

// PolyData is a flattened set of polylines sharing one point array.
// Lines holds, per cell, the indices into Points.
type PolyData struct {
	Points []r3.Vec `json:"points"`
	Lines  [][]int  `json:"lines"`
}

// NumCells returns the number of polyline cells.
func (p PolyData) NumCells() int { return len(p.Lines) }

// NewPolyData flattens polylines. A closed polyline repeats its first index
// at the end of its cell.
func NewPolyData(lines []Polyline) PolyData {
	var pd PolyData
	for _, l := range lines {
		if len(l.Points) == 0 {
			continue
		}
		base := len(pd.Points)
		pd.Points = append(pd.Points, l.Points...)
		cell := make([]int, 0, len(l.Points)+1)
		for i := range l.Points {
			cell = append(cell, base+i)
		}
		if l.Closed {
			cell = append(cell, base)
		}
		pd.Lines = append(pd.Lines, cell)
	}
	return pd
}

// Polylines expands the cells back into polylines.
func (p PolyData) Polylines() []Polyline {
	out := make([]Polyline, 0, len(p.Lines))
	for _, cell := range p.Lines {
		if len(cell) == 0 {
			continue
		}
		closed := len(cell) > 2 && cell[0] == cell[len(cell)-1]
		if closed {
			cell = cell[:len(cell)-1]
		}
		pts := make([]r3.Vec, len(cell))
		for i, idx := range cell {
			pts[i] = p.Points[idx]
		}
		out = append(out, Polyline{Points: pts, Closed: closed})
	}
	return out
}

// ClipMesh intersects m with pl and returns the cut as chained polylines.
// Vertices lying exactly on the plane are treated as being on its positive side.
func ClipMesh(m Mesh, pl Plane) []Polyline {
	if m.Empty() {
		return nil
	}
	dist := make([]float64, len(m.Points))
	for i, p := range m.Points {
		dist[i] = pl.SignedDistance(p)
	}

	var segs []segment
	for _, tri := range m.Triangles {
		var cut []edgePoint
		for e := 0; e < 3; e++ {
			a, b := tri[e], tri[(e+1)%3]
			if (dist[a] < 0) == (dist[b] < 0) {
				continue
			}
			cut = append(cut, crossing(m.Points, dist, a, b))
		}
		if len(cut) == 2 {
			segs = append(segs, segment{cut[0], cut[1]})
		}
	}
	return chain(segs)
}

// edgePoint is a plane crossing on mesh edge (lo, hi), lo < hi.
type edgePoint struct {
	lo, hi int
	p      r3.Vec
}

type segment [2]edgePoint

func crossing(pts []r3.Vec, dist []float64, a, b int) edgePoint {
	if a > b {
		a, b = b, a
	}
	t := dist[a] / (dist[a] - dist[b])
	return edgePoint{lo: a, hi: b, p: r3.Add(pts[a], r3.Scale(t, r3.Sub(pts[b], pts[a])))}
}

type edgeKey struct{ lo, hi int }

// chain links segments sharing mesh edges into polylines.
func chain(segs []segment) []Polyline {
	adj := make(map[edgeKey][]int, len(segs)*2)
	for i, s := range segs {
		for _, ep := range s {
			k := edgeKey{ep.lo, ep.hi}
			adj[k] = append(adj[k], i)
		}
	}

	used := make([]bool, len(segs))
	next := func(k edgeKey, from int) int {
		for _, j := range adj[k] {
			if j != from && !used[j] {
				return j
			}
		}
		return -1
	}

	var out []Polyline
	for start := range segs {
		if used[start] {
			continue
		}
		used[start] = true
		s := segs[start]
		pts := []r3.Vec{s[0].p, s[1].p}
		head, tail := edgeKey{s[0].lo, s[0].hi}, edgeKey{s[1].lo, s[1].hi}

		cur := start
		for {
			j := next(tail, cur)
			if j < 0 {
				break
			}
			used[j] = true
			ns := segs[j]
			if (edgeKey{ns[0].lo, ns[0].hi}) == tail {
				pts = append(pts, ns[1].p)
				tail = edgeKey{ns[1].lo, ns[1].hi}
			} else {
				pts = append(pts, ns[0].p)
				tail = edgeKey{ns[0].lo, ns[0].hi}
			}
			cur = j
		}

		closed := tail == head && len(pts) > 2
		if closed {
			pts = pts[:len(pts)-1]
		} else {
			// Extend backwards from the head for open chains.
			cur = start
			for {
				j := next(head, cur)
				if j < 0 {
					break
				}
				used[j] = true
				ns := segs[j]
				var p r3.Vec
				if (edgeKey{ns[0].lo, ns[0].hi}) == head {
					p, head = ns[1].p, edgeKey{ns[1].lo, ns[1].hi}
				} else {
					p, head = ns[0].p, edgeKey{ns[0].lo, ns[0].hi}
				}
				pts = append([]r3.Vec{p}, pts...)
				cur = j
			}
		}
		out = append(out, Polyline{Points: pts, Closed: closed})
	}
	return out
}

// BoundaryMesh builds a closed triangle mesh around every voxel of g whose
// value equals label. One quad (two triangles) is emitted per voxel face that
// borders a voxel with a different value or the grid edge. Face corners sit
// half a voxel from the voxel centers, so slicing the mesh through voxel
// centers yields contours along pixel boundaries.
func BoundaryMesh(g VolumeGeometry, voxels []uint8, label uint8) Mesh {
	var m Mesh
	corner := make(map[[3]int]int)
	vertex := func(c [3]int) int {
		if idx, ok := corner[c]; ok {
			return idx
		}
		idx := len(m.Points)
		// Corner coordinates are stored doubled: 2*i-1 is the lower face of voxel i.
		m.Points = append(m.Points, g.IndexToWorld(r3.Vec{
			X: float64(c[0]) / 2, Y: float64(c[1]) / 2, Z: float64(c[2]) / 2,
		}))
		corner[c] = idx
		return idx
	}

	inside := func(i, j, k int) bool {
		return g.Contains(i, j, k) && voxels[g.Offset(i, j, k)] == label
	}

	dims := g.Dimensions
	for k := 0; k < dims[2]; k++ {
		for j := 0; j < dims[1]; j++ {
			for i := 0; i < dims[0]; i++ {
				if voxels[g.Offset(i, j, k)] != label {
					continue
				}
				for _, f := range faces {
					if inside(i+f.dir[0], j+f.dir[1], k+f.dir[2]) {
						continue
					}
					var q [4]int
					for n, c := range f.corners {
						q[n] = vertex([3]int{2*i + c[0], 2*j + c[1], 2*k + c[2]})
					}
					m.Triangles = append(m.Triangles, [3]int{q[0], q[1], q[2]}, [3]int{q[0], q[2], q[3]})
				}
			}
		}
	}
	return m
}

// face lists a neighbor direction and the doubled-offset corners of the shared
// face, wound counter-clockwise when seen from outside.
type face struct {
	dir     [3]int
	corners [4][3]int
}

var faces = [6]face{
	{[3]int{-1, 0, 0}, [4][3]int{{-1, -1, -1}, {-1, -1, 1}, {-1, 1, 1}, {-1, 1, -1}}},
	{[3]int{1, 0, 0}, [4][3]int{{1, -1, -1}, {1, 1, -1}, {1, 1, 1}, {1, -1, 1}}},
	{[3]int{0, -1, 0}, [4][3]int{{-1, -1, -1}, {1, -1, -1}, {1, -1, 1}, {-1, -1, 1}}},
	{[3]int{0, 1, 0}, [4][3]int{{-1, 1, -1}, {-1, 1, 1}, {1, 1, 1}, {1, 1, -1}}},
	{[3]int{0, 0, -1}, [4][3]int{{-1, -1, -1}, {-1, 1, -1}, {1, 1, -1}, {1, -1, -1}}},
	{[3]int{0, 0, 1}, [4][3]int{{-1, -1, 1}, {1, -1, 1}, {1, 1, 1}, {-1, 1, 1}}},
}
