// Package geometry holds the small amount of spatial math the representation
// conversions need: volume and image-plane coordinate frames, triangle meshes,
// plane clipping and polyline chaining.
//
// Vector algebra is delegated to gonum's r3 package. Every type here is a plain
// value; nothing in this package retains references to caller slices beyond
// the call unless documented.
package geometry
