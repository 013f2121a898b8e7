// Package raster scan-converts closed polylines into label masks.
//
// Pixel (x, y) is centered at coordinate (x, y), so a ring running along
// half-integer coordinates covers whole pixels exactly. A pixel is set when
// at least half of its area lies inside a ring. Polygon coverage is computed
// with golang.org/x/image/vector.
package raster

import (
	"image"
	"image/draw"

	"golang.org/x/image/vector"
)

// Point is a 2D pixel-space coordinate.
type Point struct {
	X, Y float64
}

// coverageThreshold is the alpha at which a pixel counts as inside.
const coverageThreshold = 128

// Mask is a binary coverage grid.
type Mask struct {
	Width, Height int
	Bits          []bool
}

// At reports whether pixel (x, y) is set. Out-of-range pixels are unset.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Bits[y*m.Width+x]
}

// Count returns the number of set pixels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Fill returns the union of the areas enclosed by rings, minus the union of
// the areas enclosed by holes. Each ring is filled independently, so
// orientation does not matter.
func Fill(width, height int, rings, holes [][]Point) *Mask {
	m := &Mask{Width: width, Height: height, Bits: make([]bool, width*height)}
	if width <= 0 || height <= 0 {
		return m
	}

	z := vector.NewRasterizer(width, height)
	dst := image.NewAlpha(image.Rect(0, 0, width, height))

	apply := func(ring []Point, set bool) {
		if len(ring) < 3 {
			return
		}
		z.Reset(width, height)
		z.DrawOp = draw.Src
		z.MoveTo(float32(ring[0].X+0.5), float32(ring[0].Y+0.5))
		for _, p := range ring[1:] {
			z.LineTo(float32(p.X+0.5), float32(p.Y+0.5))
		}
		z.ClosePath()
		z.Draw(dst, dst.Bounds(), image.Opaque, image.Point{})
		for i, a := range dst.Pix {
			if a >= coverageThreshold {
				m.Bits[i] = set
			}
		}
	}

	for _, r := range rings {
		apply(r, true)
	}
	for _, h := range holes {
		apply(h, false)
	}
	return m
}

// Write stores value into buf (row-major, width*height) for every set pixel
// of m and returns the number of pixels written.
func (m *Mask) Write(buf []uint8, value uint8) int {
	n := 0
	for i, b := range m.Bits {
		if b && i < len(buf) {
			buf[i] = value
			n++
		}
	}
	return n
}
