package geometry

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func unitGrid(nx, ny, nz int) VolumeGeometry {
	return VolumeGeometry{
		Dimensions: [3]int{nx, ny, nz},
		Spacing:    r3.Vec{X: 1, Y: 1, Z: 1},
		Direction:  IdentityDirection,
	}
}

func TestSlicePlanesNearestFirst(t *testing.T) {
	r := SliceRange{Normal: r3.Vec{Z: 1}, Spacing: 2, Count: 5, Current: 2}
	planes := r.Planes()

	want := []int{2, 1, 3, 0, 4}
	if len(planes) != len(want) {
		t.Fatalf("got %d planes, want %d", len(planes), len(want))
	}
	for i, p := range planes {
		if p.Index != want[i] {
			t.Errorf("planes[%d].Index = %d, want %d", i, p.Index, want[i])
		}
		if z := p.Plane.Origin.Z; z != float64(p.Index)*2 {
			t.Errorf("plane %d origin z = %v, want %v", p.Index, z, float64(p.Index)*2)
		}
	}
}

func TestSlicePlanesCurrentAtEdge(t *testing.T) {
	r := SliceRange{Normal: r3.Vec{Z: 1}, Spacing: 1, Count: 3, Current: 7}
	planes := r.Planes()
	if planes[0].Index != 2 || planes[1].Index != 1 || planes[2].Index != 0 {
		t.Errorf("unexpected order: %+v", planes)
	}
	if got := (SliceRange{Count: 0}).Planes(); got != nil {
		t.Errorf("empty range should have no planes, got %v", got)
	}
}

func TestNearestFirst(t *testing.T) {
	tests := []struct {
		current int
		want    []int
	}{
		{0, []int{0, 1, 2, 3}},
		{2, []int{2, 1, 3, 0}},
		{3, []int{3, 2, 1, 0}},
		{9, []int{3, 2, 1, 0}},
	}
	for _, tt := range tests {
		planes := []SlicePlane{{Index: 0}, {Index: 1}, {Index: 2}, {Index: 3}}
		got := NearestFirst(planes, tt.current)
		for i, sp := range got {
			if sp.Index != tt.want[i] {
				t.Errorf("NearestFirst(current=%d) index %d = %d, want %v", tt.current, i, sp.Index, tt.want)
				break
			}
		}
	}
}

func TestVolumeIndexRoundTrip(t *testing.T) {
	g := VolumeGeometry{
		Dimensions: [3]int{10, 10, 10},
		Spacing:    r3.Vec{X: 0.5, Y: 2, Z: 3},
		Origin:     r3.Vec{X: -4, Y: 1, Z: 7},
		Direction:  [3]r3.Vec{{Y: 1}, {X: 1}, {Z: -1}},
	}
	idx := r3.Vec{X: 1.5, Y: 3, Z: 4}
	back := g.WorldToIndex(g.IndexToWorld(idx))
	if r3.Norm(r3.Sub(back, idx)) > 1e-9 {
		t.Errorf("round trip = %v, want %v", back, idx)
	}
}

func TestImagePlane(t *testing.T) {
	p := ImagePlane{
		Rows: 4, Columns: 4,
		RowCosines:    r3.Vec{X: 1},
		ColumnCosines: r3.Vec{Y: 1},
		PixelSpacing:  [2]float64{2, 0.5},
		Position:      r3.Vec{Z: 10},
	}
	if n := p.Normal(); n != (r3.Vec{Z: 1}) {
		t.Errorf("Normal() = %v, want +Z", n)
	}
	col, row, dist := p.WorldToPixel(r3.Vec{X: 1, Y: 4, Z: 11})
	if col != 2 || row != 2 || dist != 1 {
		t.Errorf("WorldToPixel = (%v, %v, %v), want (2, 2, 1)", col, row, dist)
	}
	if w := p.PixelToWorld(2, 2); w != (r3.Vec{X: 1, Y: 4, Z: 10}) {
		t.Errorf("PixelToWorld = %v", w)
	}
}

func TestBoundaryMeshSingleVoxel(t *testing.T) {
	g := unitGrid(1, 1, 1)
	m := BoundaryMesh(g, []uint8{1}, 1)

	if len(m.Triangles) != 12 {
		t.Errorf("got %d triangles, want 12", len(m.Triangles))
	}
	if len(m.Points) != 8 {
		t.Errorf("got %d points, want 8", len(m.Points))
	}

	b, ok := MeshBounds(m)
	if !ok {
		t.Fatal("MeshBounds reported empty mesh")
	}
	if b.Min != (r3.Vec{X: -0.5, Y: -0.5, Z: -0.5}) || b.Max != (r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}) {
		t.Errorf("bounds = %+v", b)
	}
}

func TestBoundaryMeshSharedFacesOmitted(t *testing.T) {
	g := unitGrid(2, 1, 1)
	m := BoundaryMesh(g, []uint8{1, 1}, 1)
	// Two voxels share one face: 10 outer faces remain.
	if len(m.Triangles) != 20 {
		t.Errorf("got %d triangles, want 20", len(m.Triangles))
	}
	if empty := BoundaryMesh(g, []uint8{1, 1}, 2); !empty.Empty() {
		t.Error("mesh for absent label should be empty")
	}
}

func TestClipMeshThroughVoxelCenter(t *testing.T) {
	g := unitGrid(1, 1, 1)
	m := BoundaryMesh(g, []uint8{1}, 1)

	lines := ClipMesh(m, Plane{Normal: r3.Vec{Z: 1}})
	if len(lines) != 1 {
		t.Fatalf("got %d polylines, want 1", len(lines))
	}
	l := lines[0]
	if !l.Closed {
		t.Error("cut through a closed mesh should be closed")
	}
	if len(l.Points) != 8 {
		t.Errorf("got %d points, want 8", len(l.Points))
	}
	for _, p := range l.Points {
		if p.Z != 0 {
			t.Errorf("point %v not on plane", p)
		}
		if math.Max(math.Abs(p.X), math.Abs(p.Y)) != 0.5 {
			t.Errorf("point %v not on the voxel boundary", p)
		}
	}
}

func TestClipMeshMissesPlane(t *testing.T) {
	m := BoundaryMesh(unitGrid(1, 1, 1), []uint8{1}, 1)
	if lines := ClipMesh(m, Plane{Origin: r3.Vec{Z: 3}, Normal: r3.Vec{Z: 1}}); len(lines) != 0 {
		t.Errorf("plane outside mesh produced %d polylines", len(lines))
	}
	b, _ := MeshBounds(m)
	if b.IntersectsPlane(Plane{Origin: r3.Vec{Z: 3}, Normal: r3.Vec{Z: 1}}) {
		t.Error("bounds should not intersect distant plane")
	}
	if !b.IntersectsPlane(Plane{Normal: r3.Vec{Z: 1}}) {
		t.Error("bounds should intersect center plane")
	}
}

func TestPolyDataRoundTrip(t *testing.T) {
	in := []Polyline{
		{Points: []r3.Vec{{X: 0}, {X: 1}, {X: 1, Y: 1}}, Closed: true},
		{Points: []r3.Vec{{Z: 1}, {Z: 2}}},
	}
	pd := NewPolyData(in)
	if pd.NumCells() != 2 {
		t.Fatalf("NumCells = %d, want 2", pd.NumCells())
	}
	if len(pd.Lines[0]) != 4 || pd.Lines[0][3] != 0 {
		t.Errorf("closed cell should repeat first index: %v", pd.Lines[0])
	}
	out := pd.Polylines()
	if !out[0].Closed || len(out[0].Points) != 3 {
		t.Errorf("first polyline = %+v", out[0])
	}
	if out[1].Closed || len(out[1].Points) != 2 {
		t.Errorf("second polyline = %+v", out[1])
	}
}
