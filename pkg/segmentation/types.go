package segmentation

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/geometry"
)

// Kind names a representation encoding.
type Kind string

// Supported representation kinds.
const (
	Labelmap Kind = "Labelmap"
	Contour  Kind = "Contour"
	Surface  Kind = "Surface"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{Labelmap, Contour, Surface}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case Labelmap, Contour, Surface:
		return true
	}
	return false
}

// ParseKind converts a case-insensitive name into a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(string(k), s) {
			return k, nil
		}
	}
	return "", errors.New(errors.ErrCodeInvalidKind, "unknown representation kind %q (must be one of: Labelmap, Contour, Surface)", s)
}

// ValidateKind returns an INVALID_KIND error for unsupported kinds.
func ValidateKind(k Kind) error {
	if !k.Valid() {
		return errors.New(errors.ErrCodeInvalidKind, "unknown representation kind %q", string(k))
	}
	return nil
}

// Data is a representation payload. The concrete types are *LabelmapData,
// *ContourData and *SurfaceData.
type Data interface {
	Kind() Kind
}

// LabelmapData is a raster labelmap, either a single volume or a stack of
// independent images.
type LabelmapData struct {
	// Volume variant.
	Geometry geometry.VolumeGeometry `json:"geometry"`
	Voxels   []uint8                 `json:"voxels,omitempty"`

	// Stack variant: ImageIDs orders the images, Images holds one row-major
	// buffer per image and Planes its geometry.
	ImageIDs []string                       `json:"imageIds,omitempty"`
	Images   map[string][]uint8             `json:"images,omitempty"`
	Planes   map[string]geometry.ImagePlane `json:"planes,omitempty"`
}

// Kind implements Data.
func (*LabelmapData) Kind() Kind { return Labelmap }

// IsStack reports whether the labelmap is the stack variant.
func (d *LabelmapData) IsStack() bool { return len(d.ImageIDs) > 0 }

// NewVolumeLabelmap allocates an empty volume labelmap for g.
func NewVolumeLabelmap(g geometry.VolumeGeometry) *LabelmapData {
	return &LabelmapData{Geometry: g, Voxels: make([]uint8, g.VoxelCount())}
}

// NewStackLabelmap allocates an empty buffer for every image plane.
func NewStackLabelmap(ids []string, planes map[string]geometry.ImagePlane) *LabelmapData {
	d := &LabelmapData{
		ImageIDs: append([]string(nil), ids...),
		Images:   make(map[string][]uint8, len(ids)),
		Planes:   make(map[string]geometry.ImagePlane, len(ids)),
	}
	for _, id := range ids {
		p := planes[id]
		d.Planes[id] = p
		d.Images[id] = make([]uint8, p.Rows*p.Columns)
	}
	return d
}

// SegmentIndices returns the distinct non-zero labels present, ascending.
func (d *LabelmapData) SegmentIndices() []int {
	seen := make(map[uint8]bool)
	scan := func(buf []uint8) {
		for _, v := range buf {
			if v != 0 {
				seen[v] = true
			}
		}
	}
	scan(d.Voxels)
	for _, id := range d.ImageIDs {
		scan(d.Images[id])
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, int(v))
	}
	sort.Ints(out)
	return out
}

// VoxelCounts returns the number of voxels per non-zero label.
func (d *LabelmapData) VoxelCounts() map[int]int {
	counts := make(map[int]int)
	add := func(buf []uint8) {
		for _, v := range buf {
			if v != 0 {
				counts[int(v)]++
			}
		}
	}
	add(d.Voxels)
	for _, id := range d.ImageIDs {
		add(d.Images[id])
	}
	return counts
}

// ContourAnnotation is one closed polyline of a segment. Holes are modeled
// as child annotations referencing their parent.
type ContourAnnotation struct {
	UID          string   `json:"uid"`
	SegmentIndex int      `json:"segmentIndex"`
	Polyline     []r3.Vec `json:"polyline"`
	ParentUID    string   `json:"parentUid,omitempty"`
	ChildUIDs    []string `json:"childUids,omitempty"`
}

// ContourData is the contour representation: annotations keyed by UID.
type ContourData struct {
	Annotations map[string]*ContourAnnotation `json:"annotations"`
}

// Kind implements Data.
func (*ContourData) Kind() Kind { return Contour }

// NewContourData returns an empty contour representation.
func NewContourData() *ContourData {
	return &ContourData{Annotations: make(map[string]*ContourAnnotation)}
}

// Add inserts or replaces an annotation.
func (c *ContourData) Add(a *ContourAnnotation) {
	if c.Annotations == nil {
		c.Annotations = make(map[string]*ContourAnnotation)
	}
	c.Annotations[a.UID] = a
}

// SegmentIndices returns the distinct segment indices, ascending.
func (c *ContourData) SegmentIndices() []int {
	seen := make(map[int]bool)
	for _, a := range c.Annotations {
		seen[a.SegmentIndex] = true
	}
	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Roots returns the annotations of segmentIndex that are not holes, sorted by UID.
func (c *ContourData) Roots(segmentIndex int) []*ContourAnnotation {
	var out []*ContourAnnotation
	for _, a := range c.Annotations {
		if a.SegmentIndex == segmentIndex && a.ParentUID == "" {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// SurfaceMesh is the triangle mesh of one segment.
type SurfaceMesh struct {
	ID           string        `json:"id"`
	SegmentIndex int           `json:"segmentIndex"`
	Mesh         geometry.Mesh `json:"mesh"`
}

// SurfaceData is the surface representation: one mesh per segment index.
type SurfaceData struct {
	Surfaces map[int]*SurfaceMesh `json:"surfaces"`
}

// Kind implements Data.
func (*SurfaceData) Kind() Kind { return Surface }

// NewSurfaceData returns an empty surface representation.
func NewSurfaceData() *SurfaceData {
	return &SurfaceData{Surfaces: make(map[int]*SurfaceMesh)}
}

// SegmentIndices returns the segment indices with a mesh, ascending.
func (s *SurfaceData) SegmentIndices() []int {
	out := make([]int, 0, len(s.Surfaces))
	for idx := range s.Surfaces {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// isNil reports whether d is a nil interface or a typed nil payload.
func isNil(d Data) bool {
	switch v := d.(type) {
	case nil:
		return true
	case *LabelmapData:
		return v == nil
	case *ContourData:
		return v == nil
	case *SurfaceData:
		return v == nil
	}
	return false
}
