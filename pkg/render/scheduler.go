package render

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/events"
	"github.com/matzehuels/segrep/pkg/observability"
	"github.com/matzehuels/segrep/pkg/segmentation"
	"github.com/matzehuels/segrep/pkg/style"
)

// FreehandContourTool is the tool registered on a viewport's tool group the
// first time it renders a contour representation.
const FreehandContourTool = "PlanarFreehandContourSegmentationTool"

// ToolGroup is the set of interaction tools bound to a viewport.
type ToolGroup interface {
	HasTool(name string) bool
	AddTool(name string) error
}

// Viewport is a display surface. Flush presents everything rendered into it
// since the previous flush.
type Viewport interface {
	ID() string
	// ToolGroup may return nil for viewports without interaction.
	ToolGroup() ToolGroup
	Flush()
}

// ActorRemover is implemented by viewports that keep rendered actors between
// frames and can drop those of a removed segmentation.
type ActorRemover interface {
	RemoveSegmentation(segmentationID string)
}

// Descriptor is one representation to draw.
type Descriptor struct {
	SegmentationID string
	Kind           segmentation.Kind
	Data           segmentation.Data
	// Style is resolved for all segments of the representation.
	Style style.Style
	// Segments holds the resolved style of each visible segment index.
	// Hidden segments are absent.
	Segments map[int]style.Style
	Active   bool
}

// Renderer draws a representation into a viewport and returns the id of the
// display actor it created or updated.
type Renderer interface {
	Render(vp Viewport, d Descriptor) (string, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(vp Viewport, d Descriptor) (string, error)

// Render calls f.
func (f RendererFunc) Render(vp Viewport, d Descriptor) (string, error) { return f(vp, d) }

const (
	stateIdle int32 = iota
	stateScheduled
)

// Config configures a Scheduler.
type Config struct {
	Store  *segmentation.Store
	Styles *style.Resolver
	// Renderers maps each kind to its renderer. Kinds without one are skipped.
	Renderers map[segmentation.Kind]Renderer
	// Frames defaults to TickerFrames at DefaultFrameInterval.
	Frames FrameSource
	Bus    *events.Bus
	Logger *log.Logger
}

// Scheduler batches redraw requests into frames. It is safe for concurrent use.
type Scheduler struct {
	store  *segmentation.Store
	styles *style.Resolver
	frames FrameSource
	bus    *events.Bus
	logger *log.Logger
	state  atomic.Int32

	mu        sync.Mutex
	pending   map[string]bool
	viewports map[string]Viewport
	renderers map[segmentation.Kind]Renderer
	tools     map[string]bool // viewport id → freehand contour tool registered
	frameNum  uint64
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Frames == nil {
		cfg.Frames = NewTickerFrames(DefaultFrameInterval)
	}
	if cfg.Styles == nil {
		cfg.Styles = style.NewResolver(cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	s := &Scheduler{
		store:     cfg.Store,
		styles:    cfg.Styles,
		frames:    cfg.Frames,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		pending:   make(map[string]bool),
		viewports: make(map[string]Viewport),
		renderers: make(map[segmentation.Kind]Renderer),
		tools:     make(map[string]bool),
	}
	for k, r := range cfg.Renderers {
		s.renderers[k] = r
	}
	return s
}

// SetRenderer installs the renderer of a kind. A nil renderer removes it.
func (s *Scheduler) SetRenderer(kind segmentation.Kind, r Renderer) error {
	if err := segmentation.ValidateKind(kind); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == nil {
		delete(s.renderers, kind)
		return nil
	}
	s.renderers[kind] = r
	return nil
}

// RegisterViewport makes a viewport renderable. Registering an id again
// replaces the previous viewport.
func (s *Scheduler) RegisterViewport(vp Viewport) error {
	if vp == nil {
		return errors.New(errors.ErrCodeInvalidInput, "viewport is nil")
	}
	if err := errors.ValidateID("viewport", vp.ID()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewports[vp.ID()]; ok {
		delete(s.tools, vp.ID())
	}
	s.viewports[vp.ID()] = vp
	return nil
}

// UnregisterViewport removes a viewport and any pending redraw of it.
func (s *Scheduler) UnregisterViewport(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.viewports[id]
	delete(s.viewports, id)
	delete(s.pending, id)
	delete(s.tools, id)
	return ok
}

// Viewport returns a registered viewport.
func (s *Scheduler) Viewport(id string) (Viewport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vp, ok := s.viewports[id]
	return vp, ok
}

// Viewports returns the registered viewport ids, sorted.
func (s *Scheduler) Viewports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.viewports))
	for id := range s.viewports {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RenderSegmentation schedules a redraw of every viewport showing the
// segmentation.
func (s *Scheduler) RenderSegmentation(segmentationID string) {
	s.request(s.store.ViewportsFor(segmentationID))
}

// RenderSegmentationsForViewport schedules a redraw of one viewport, or of
// every viewport with an association when viewportID is empty.
func (s *Scheduler) RenderSegmentationsForViewport(viewportID string) {
	if viewportID == "" {
		s.request(s.store.ViewportsWithAny())
		return
	}
	s.request([]string{viewportID})
}

// RemoveSegmentation drops the actors of a removed segmentation from every
// registered viewport that keeps them and schedules a redraw of those viewports.
func (s *Scheduler) RemoveSegmentation(segmentationID string) {
	s.mu.Lock()
	var affected []ActorRemover
	var ids []string
	for id, vp := range s.viewports {
		if ar, ok := vp.(ActorRemover); ok {
			affected = append(affected, ar)
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, ar := range affected {
		ar.RemoveSegmentation(segmentationID)
	}
	s.request(ids)
}

// Pending returns the viewport ids waiting for the next frame, sorted.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.pending)
}

// Scheduled reports whether a frame is outstanding.
func (s *Scheduler) Scheduled() bool {
	return s.state.Load() == stateScheduled
}

// Stop cancels the outstanding frame, if any.
func (s *Scheduler) Stop() {
	s.frames.Stop()
}

func (s *Scheduler) request(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range ids {
		s.pending[id] = true
	}
	s.mu.Unlock()
	s.schedule()
}

func (s *Scheduler) schedule() {
	if s.state.CompareAndSwap(stateIdle, stateScheduled) {
		s.frames.RequestFrame(s.frame)
	}
}

// frame renders the pending viewports. Requests made while it runs land in a
// fresh pending set and get their own frame after the latch is released.
func (s *Scheduler) frame() {
	start := time.Now()
	ctx := context.Background()

	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]bool)
	s.frameNum++
	n := s.frameNum
	s.mu.Unlock()

	ids := sortedIDs(batch)
	rendered := 0
	for _, id := range ids {
		vp, ok := s.Viewport(id)
		if !ok {
			s.logger.Debug("skipping unregistered viewport", "viewport", id)
			continue
		}
		s.renderViewport(ctx, vp)
		rendered++
	}
	observability.Render().OnFrame(ctx, rendered, time.Since(start))
	s.logger.Debug("frame rendered", "frame", n, "viewports", rendered, "elapsed", time.Since(start))

	s.state.Store(stateIdle)
	s.mu.Lock()
	more := len(s.pending) > 0
	s.mu.Unlock()
	if more {
		s.schedule()
	}
}

func (s *Scheduler) renderViewport(ctx context.Context, vp Viewport) {
	id := vp.ID()
	inactive := s.styles.RenderInactiveSegmentations(id)
	for _, a := range s.store.Associations(id) {
		if !a.Active && !inactive {
			continue
		}
		s.renderAssociation(ctx, vp, a)
	}
	s.flush(vp)
	if s.bus != nil {
		s.bus.Trigger(events.SegmentationRendered, events.ViewportPayload{ViewportID: id})
	}
}

func (s *Scheduler) renderAssociation(ctx context.Context, vp Viewport, a segmentation.Association) {
	s.mu.Lock()
	r := s.renderers[a.Kind]
	s.mu.Unlock()
	if r == nil {
		s.logger.Debug("no renderer for kind", "viewport", vp.ID(), "kind", a.Kind)
		return
	}
	data, ok := s.store.RepresentationData(a.SegmentationID, a.Kind)
	if !ok {
		s.logger.Debug("association has no data", "viewport", vp.ID(), "segmentation", a.SegmentationID, "kind", a.Kind)
		return
	}
	if a.Kind == segmentation.Contour {
		s.ensureContourTool(vp)
	}

	d, err := s.describe(vp.ID(), a, data)
	if err == nil {
		err = s.safeRender(r, vp, d)
	}
	if err != nil {
		err = errors.Wrap(errors.ErrCodeRenderFailed, err, "render %s of %s in %s", a.Kind, a.SegmentationID, vp.ID())
		s.logger.Error("render failed", "viewport", vp.ID(), "segmentation", a.SegmentationID, "kind", a.Kind, "err", err)
		observability.Render().OnRenderError(ctx, vp.ID(), string(a.Kind), err)
	}
}

type segmented interface {
	SegmentIndices() []int
}

func (s *Scheduler) describe(viewportID string, a segmentation.Association, data segmentation.Data) (Descriptor, error) {
	spec := style.NewSpecifier(viewportID, a.SegmentationID, a.Kind)
	res, err := s.styles.Resolve(spec)
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		SegmentationID: a.SegmentationID,
		Kind:           a.Kind,
		Data:           data,
		Style:          res.Style,
		Segments:       make(map[int]style.Style),
		Active:         a.Active,
	}
	if sd, ok := data.(segmented); ok {
		for _, idx := range sd.SegmentIndices() {
			if a.IsHidden(idx) {
				continue
			}
			spec.SegmentIndex = idx
			r, err := s.styles.Resolve(spec)
			if err != nil {
				return Descriptor{}, err
			}
			d.Segments[idx] = r.Style
		}
	}
	return d, nil
}

func (s *Scheduler) safeRender(r Renderer, vp Viewport, d Descriptor) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("renderer panicked: %v", p)
		}
	}()
	actor, err := r.Render(vp, d)
	if err == nil {
		s.logger.Debug("representation rendered", "viewport", vp.ID(), "segmentation", d.SegmentationID, "kind", d.Kind, "actor", actor)
	}
	return err
}

func (s *Scheduler) flush(vp Viewport) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("viewport flush panicked", "viewport", vp.ID(), "panic", fmt.Sprint(p))
		}
	}()
	vp.Flush()
}

// ensureContourTool registers the freehand contour tool on the viewport's
// tool group at most once per viewport registration.
func (s *Scheduler) ensureContourTool(vp Viewport) {
	s.mu.Lock()
	done := s.tools[vp.ID()]
	s.tools[vp.ID()] = true
	s.mu.Unlock()
	if done {
		return
	}
	tg := vp.ToolGroup()
	if tg == nil || tg.HasTool(FreehandContourTool) {
		return
	}
	if err := tg.AddTool(FreehandContourTool); err != nil {
		s.logger.Warn("contour tool not registered", "viewport", vp.ID(), "err", err)
	}
}

func sortedIDs(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
