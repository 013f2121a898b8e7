package raster

import (
	"testing"
)

func rect(x0, y0, x1, y1 float64) []Point {
	return []Point{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}
}

func TestFillRectangleExact(t *testing.T) {
	// Pixels 2..6 by 3..5 lie fully inside.
	m := Fill(10, 10, [][]Point{rect(1.5, 2.5, 6.5, 5.5)}, nil)

	if got, want := m.Count(), 5*3; got != want {
		t.Errorf("Count() = %d, want %d", got, want)
	}
	if !m.At(2, 3) || !m.At(6, 5) {
		t.Error("corner pixels should be set")
	}
	if m.At(1, 3) || m.At(7, 5) || m.At(2, 6) {
		t.Error("pixels outside the rectangle should be unset")
	}
}

func TestFillRectangleTolerance(t *testing.T) {
	// Integer corners put edges through pixel centers; the count may vary by
	// one row or column per edge.
	m := Fill(20, 20, [][]Point{rect(3, 4, 13, 10)}, nil)
	area := 10 * 6
	perimeter := 2 * (10 + 6)
	if got := m.Count(); got < area-perimeter/2 || got > area+perimeter {
		t.Errorf("Count() = %d, want %d within tolerance", got, area)
	}
}

func TestFillOrientationIndependent(t *testing.T) {
	cw := rect(0.5, 0.5, 4.5, 4.5)
	ccw := []Point{cw[3], cw[2], cw[1], cw[0]}
	a := Fill(8, 8, [][]Point{cw}, nil).Count()
	b := Fill(8, 8, [][]Point{ccw}, nil).Count()
	if a != b || a != 16 {
		t.Errorf("cw=%d ccw=%d, want 16 for both", a, b)
	}
}

func TestFillWithHole(t *testing.T) {
	m := Fill(10, 10,
		[][]Point{rect(-0.5, -0.5, 5.5, 5.5)},
		[][]Point{rect(1.5, 1.5, 3.5, 3.5)},
	)
	if got, want := m.Count(), 36-4; got != want {
		t.Errorf("Count() = %d, want %d", got, want)
	}
	if m.At(2, 2) {
		t.Error("hole pixel should be unset")
	}
}

func TestFillDegenerate(t *testing.T) {
	m := Fill(4, 4, [][]Point{{{0, 0}, {1, 1}}}, nil)
	if m.Count() != 0 {
		t.Error("two-point ring should not fill")
	}
	if empty := Fill(0, 0, [][]Point{rect(0, 0, 1, 1)}, nil); empty.Count() != 0 {
		t.Error("zero-size mask should be empty")
	}
}

func TestMaskWrite(t *testing.T) {
	m := Fill(4, 4, [][]Point{rect(-0.5, -0.5, 1.5, 1.5)}, nil)
	buf := make([]uint8, 16)
	if n := m.Write(buf, 3); n != 4 {
		t.Errorf("Write = %d, want 4", n)
	}
	if buf[0] != 3 || buf[5] != 3 || buf[2] != 0 {
		t.Errorf("unexpected buffer: %v", buf)
	}
}
