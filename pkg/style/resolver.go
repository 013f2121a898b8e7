// Package style resolves the display style of a segmentation
// representation from four configuration layers.
//
// From least to most specific the layers are:
//
//  1. global, per kind
//  2. segmentation, per kind and optionally per segment index
//  3. viewport, per kind for all segmentations ("all-segmentations")
//  4. viewport and segmentation, per kind and optionally per segment index
//
// [Resolver.Resolve] seeds the result with the built-in default of the kind
// and applies each layer as a shallow, property-level overlay, so a more
// specific layer only overrides the properties it actually sets.
package style

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/segrep/pkg/segmentation"
)

// AllSegments selects the layer that applies to every segment index.
const AllSegments = -1

// Specifier identifies the representation whose style is resolved. Empty ids
// and [AllSegments] skip the corresponding layers.
//
// The zero SegmentIndex selects segment 0, not every segment. Build
// specifiers with [NewSpecifier] and set SegmentIndex only to target a
// single segment.
type Specifier struct {
	ViewportID     string            `json:"viewportId,omitempty"`
	SegmentationID string            `json:"segmentationId,omitempty"`
	Kind           segmentation.Kind `json:"kind"`
	SegmentIndex   int               `json:"segmentIndex"`
}

// NewSpecifier returns a specifier for every segment of a representation.
func NewSpecifier(viewportID, segmentationID string, kind segmentation.Kind) Specifier {
	return Specifier{ViewportID: viewportID, SegmentationID: segmentationID, Kind: kind, SegmentIndex: AllSegments}
}

// Result is a resolved style.
type Result struct {
	Style                       Style `json:"style"`
	RenderInactiveSegmentations bool  `json:"renderInactiveSegmentations"`
}

// scoped holds a per-kind style and per-kind, per-segment styles.
type scoped struct {
	all      map[segmentation.Kind]Style
	segments map[segmentation.Kind]map[int]Style
}

func newScoped() *scoped {
	return &scoped{
		all:      make(map[segmentation.Kind]Style),
		segments: make(map[segmentation.Kind]map[int]Style),
	}
}

func (sc *scoped) set(kind segmentation.Kind, index int, s Style) {
	if index == AllSegments {
		sc.all[kind] = s
		return
	}
	m, ok := sc.segments[kind]
	if !ok {
		m = make(map[int]Style)
		sc.segments[kind] = m
	}
	m[index] = s
}

func (sc *scoped) apply(dst Style, kind segmentation.Kind, index int) {
	if sc == nil {
		return
	}
	dst.Merge(sc.all[kind])
	if index != AllSegments {
		dst.Merge(sc.segments[kind][index])
	}
}

type viewportLayer struct {
	renderInactive *bool
	all            map[segmentation.Kind]Style
	perSeg         map[string]*scoped
}

// Resolver holds the style layers. It is safe for concurrent use.
type Resolver struct {
	mu        sync.RWMutex
	global    map[segmentation.Kind]Style
	segs      map[string]*scoped
	viewports map[string]*viewportLayer

	logger *log.Logger
}

// NewResolver returns a resolver with empty layers.
func NewResolver(logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	return &Resolver{
		global:    make(map[segmentation.Kind]Style),
		segs:      make(map[string]*scoped),
		viewports: make(map[string]*viewportLayer),
		logger:    logger,
	}
}

// Resolve merges the built-in default and every layer matching spec.
func (r *Resolver) Resolve(spec Specifier) (Result, error) {
	if err := segmentation.ValidateKind(spec.Kind); err != nil {
		return Result{}, err
	}
	out := Defaults(spec.Kind)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out.Merge(r.global[spec.Kind])
	if spec.SegmentationID != "" {
		r.segs[spec.SegmentationID].apply(out, spec.Kind, spec.SegmentIndex)
	}
	var renderInactive bool
	if vp, ok := r.viewports[spec.ViewportID]; ok {
		out.Merge(vp.all[spec.Kind])
		if spec.SegmentationID != "" {
			vp.perSeg[spec.SegmentationID].apply(out, spec.Kind, spec.SegmentIndex)
		}
		if vp.renderInactive != nil {
			renderInactive = *vp.renderInactive
		}
	}
	return Result{Style: out, RenderInactiveSegmentations: renderInactive}, nil
}

// RenderInactiveSegmentations reports the viewport-level flag, false when unset.
func (r *Resolver) RenderInactiveSegmentations(viewportID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if vp, ok := r.viewports[viewportID]; ok && vp.renderInactive != nil {
		return *vp.renderInactive
	}
	return false
}

// SetGlobalStyle replaces the global style of kind.
func (r *Resolver) SetGlobalStyle(kind segmentation.Kind, s Style) error {
	v, err := Validate(kind, s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.global[kind] = v
	r.mu.Unlock()
	return nil
}

// SetSegmentationStyle replaces the style of a segmentation, for one segment
// index or for [AllSegments].
func (r *Resolver) SetSegmentationStyle(segmentationID string, kind segmentation.Kind, index int, s Style) error {
	v, err := Validate(kind, s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.segs[segmentationID]
	if !ok {
		sc = newScoped()
		r.segs[segmentationID] = sc
	}
	sc.set(kind, index, v)
	return nil
}

// SetViewportStyle replaces the all-segmentations style of kind in a viewport.
func (r *Resolver) SetViewportStyle(viewportID string, kind segmentation.Kind, s Style) error {
	v, err := Validate(kind, s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.viewport(viewportID).all[kind] = v
	r.mu.Unlock()
	return nil
}

// SetSegmentStyle replaces the style of a segmentation within one viewport,
// for one segment index or for [AllSegments].
func (r *Resolver) SetSegmentStyle(viewportID, segmentationID string, kind segmentation.Kind, index int, s Style) error {
	v, err := Validate(kind, s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vp := r.viewport(viewportID)
	sc, ok := vp.perSeg[segmentationID]
	if !ok {
		sc = newScoped()
		vp.perSeg[segmentationID] = sc
	}
	sc.set(kind, index, v)
	return nil
}

// SetRenderInactiveSegmentations sets the viewport-level flag.
func (r *Resolver) SetRenderInactiveSegmentations(viewportID string, render bool) {
	r.mu.Lock()
	r.viewport(viewportID).renderInactive = &render
	r.mu.Unlock()
}

// RemoveSegmentation clears every layer entry of a segmentation.
func (r *Resolver) RemoveSegmentation(segmentationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.segs, segmentationID)
	for _, vp := range r.viewports {
		delete(vp.perSeg, segmentationID)
	}
	r.logger.Debug("segmentation styles cleared", "segmentation", segmentationID)
}

// RemoveViewport clears the viewport layers.
func (r *Resolver) RemoveViewport(viewportID string) {
	r.mu.Lock()
	delete(r.viewports, viewportID)
	r.mu.Unlock()
}

// Load replaces the global layer with overrides keyed by kind name, as read
// from configuration. Kinds are parsed case-insensitively.
func (r *Resolver) Load(overrides map[string]map[string]any) error {
	global := make(map[segmentation.Kind]Style, len(overrides))
	for name, props := range overrides {
		kind, err := segmentation.ParseKind(name)
		if err != nil {
			return err
		}
		v, err := Validate(kind, Style(props))
		if err != nil {
			return err
		}
		global[kind] = v
	}
	r.mu.Lock()
	r.global = global
	r.mu.Unlock()
	r.logger.Debug("global styles loaded", "kinds", len(global))
	return nil
}

// viewport returns the layer of viewportID, creating it. Callers hold r.mu.
func (r *Resolver) viewport(viewportID string) *viewportLayer {
	vp, ok := r.viewports[viewportID]
	if !ok {
		vp = &viewportLayer{
			all:    make(map[segmentation.Kind]Style),
			perSeg: make(map[string]*scoped),
		}
		r.viewports[viewportID] = vp
	}
	return vp
}
