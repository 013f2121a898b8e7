// Package segmentation is the registry of segmentation entities, their
// per-kind representation data and the viewport associations that decide
// where each representation is drawn.
//
// Representation data for a (segmentation, kind) pair is always replaced as a
// whole: [Store.AddRepresentationData] swaps the payload pointer under the
// store lock, so readers observe either the previous or the new payload and
// never a partial write. The store never notifies listeners about data
// changes on its own; callers trigger events.SegmentationModified
// explicitly once their edit is complete.
package segmentation

import (
	"io"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/events"
)

// Segment holds per-segment metadata.
type Segment struct {
	Index  int    `json:"index"`
	Label  string `json:"label"`
	Locked bool   `json:"locked"`
}

// Segmentation is a logical labeling and its representations.
type Segmentation struct {
	ID                 string             `json:"id"`
	ActiveKind         Kind               `json:"activeKind"`
	Representations    map[Kind]Data      `json:"-"`
	Statistics         map[string]float64 `json:"statistics,omitempty"`
	Segments           map[int]*Segment   `json:"segments,omitempty"`
	ActiveSegmentIndex int                `json:"activeSegmentIndex"`
}

// Kinds returns the kinds with data, in the order of [Kinds].
func (s *Segmentation) Kinds() []Kind {
	var out []Kind
	for _, k := range Kinds {
		if _, ok := s.Representations[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// LockedSegments returns the locked segment indices, ascending.
func (s *Segmentation) LockedSegments() []int {
	var out []int
	for idx, seg := range s.Segments {
		if seg.Locked {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

func (s *Segmentation) clone() *Segmentation {
	c := *s
	c.Representations = make(map[Kind]Data, len(s.Representations))
	for k, d := range s.Representations {
		c.Representations[k] = d
	}
	c.Statistics = make(map[string]float64, len(s.Statistics))
	for k, v := range s.Statistics {
		c.Statistics[k] = v
	}
	c.Segments = make(map[int]*Segment, len(s.Segments))
	for k, v := range s.Segments {
		seg := *v
		c.Segments[k] = &seg
	}
	return &c
}

// Association links a viewport to one representation of a segmentation.
type Association struct {
	ViewportID     string       `json:"viewportId"`
	SegmentationID string       `json:"segmentationId"`
	Kind           Kind         `json:"kind"`
	Active         bool         `json:"active"`
	HiddenSegments map[int]bool `json:"hiddenSegments,omitempty"`
}

// IsHidden reports whether segmentIndex is hidden in this association.
func (a Association) IsHidden(segmentIndex int) bool {
	return a.HiddenSegments[segmentIndex]
}

type assocKey struct {
	segmentationID string
	kind           Kind
}

// Store is the segmentation registry. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	segs     map[string]*Segmentation
	assoc    map[string]map[assocKey]*Association // viewport id → associations
	onRemove  []func(id string)
	onReplace []func(id string, kind Kind)

	bus    *events.Bus
	logger *log.Logger
}

// NewStore creates an empty store. bus may be nil, in which case no
// segmentation-added or segmentation-removed events are fired.
func NewStore(bus *events.Bus, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	return &Store{
		segs:   make(map[string]*Segmentation),
		assoc:  make(map[string]map[assocKey]*Association),
		bus:    bus,
		logger: logger,
	}
}

// NewID returns a fresh random segmentation id.
func NewID() string {
	return uuid.NewString()
}

// AddRepresentationData stores data as the kind representation of the
// segmentation, creating the segmentation on first use. Existing data of the
// same kind is replaced (last write wins) and a warning is logged.
//
// Nil data is rejected for Labelmap and Surface. A nil Contour payload is
// replaced by an empty ContourData, since contours are commonly drawn into an
// initially empty structure.
func (s *Store) AddRepresentationData(id string, kind Kind, data Data) error {
	if err := errors.ValidateID("segmentation", id); err != nil {
		return err
	}
	if err := ValidateKind(kind); err != nil {
		return err
	}
	if isNil(data) {
		if kind != Contour {
			return errors.New(errors.ErrCodeInvalidData, "%s data for segmentation %s is nil", kind, id)
		}
		data = NewContourData()
	}
	if data.Kind() != kind {
		return errors.New(errors.ErrCodeInvalidData, "%s payload supplied as %s data", data.Kind(), kind)
	}

	s.mu.Lock()
	seg, exists := s.segs[id]
	if !exists {
		seg = &Segmentation{
			ID:              id,
			ActiveKind:      kind,
			Representations: make(map[Kind]Data),
			Statistics:      make(map[string]float64),
			Segments:        make(map[int]*Segment),
		}
		s.segs[id] = seg
	}
	_, overwrite := seg.Representations[kind]
	seg.Representations[kind] = data
	var hooks []func(string, Kind)
	if overwrite {
		hooks = append(hooks, s.onReplace...)
	}
	s.mu.Unlock()

	if overwrite {
		s.logger.Warn("overwriting representation data", "segmentation", id, "kind", kind)
		for _, fn := range hooks {
			fn(id, kind)
		}
	}
	if !exists {
		s.logger.Debug("segmentation added", "segmentation", id, "kind", kind)
		s.trigger(events.SegmentationAdded, id)
	}
	return nil
}

// RepresentationData returns the kind payload of a segmentation.
func (s *Store) RepresentationData(id string, kind Kind) (Data, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segs[id]
	if !ok {
		return nil, false
	}
	d, ok := seg.Representations[kind]
	return d, ok
}

// Get returns a snapshot of the segmentation. Payload pointers are shared
// with the store; maps are copied.
func (s *Store) Get(id string) (*Segmentation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segs[id]
	if !ok {
		return nil, false
	}
	return seg.clone(), true
}

// Has reports whether the segmentation exists.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.segs[id]
	return ok
}

// IDs returns all segmentation ids, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.segs))
	for id := range s.segs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnRemove registers fn to run after a segmentation is removed. Hooks are
// used to cascade removal into caches, style layers and trackers.
func (s *Store) OnRemove(fn func(id string)) {
	s.mu.Lock()
	s.onRemove = append(s.onRemove, fn)
	s.mu.Unlock()
}

// OnReplace registers fn to run after existing representation data is
// replaced by AddRepresentationData. First adds do not run it.
func (s *Store) OnReplace(fn func(id string, kind Kind)) {
	s.mu.Lock()
	s.onReplace = append(s.onReplace, fn)
	s.mu.Unlock()
}

// Remove deletes a segmentation and every viewport association referencing
// it, then runs the removal hooks. It reports whether the segmentation existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.segs[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.segs, id)
	for vp, m := range s.assoc {
		for k := range m {
			if k.segmentationID == id {
				delete(m, k)
			}
		}
		if len(m) == 0 {
			delete(s.assoc, vp)
		}
	}
	hooks := append([]func(string){}, s.onRemove...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}
	s.logger.Debug("segmentation removed", "segmentation", id)
	s.trigger(events.SegmentationRemoved, id)
	return true
}

// SetActiveKind changes which representation is considered primary.
func (s *Store) SetActiveKind(id string, kind Kind) error {
	if err := ValidateKind(kind); err != nil {
		return err
	}
	return s.update(id, func(seg *Segmentation) error {
		seg.ActiveKind = kind
		return nil
	})
}

// SetActiveSegmentIndex sets the segment edited by tools.
func (s *Store) SetActiveSegmentIndex(id string, index int) error {
	return s.update(id, func(seg *Segmentation) error {
		seg.ActiveSegmentIndex = index
		return nil
	})
}

// SetSegmentLabel names a segment, creating its metadata if needed.
func (s *Store) SetSegmentLabel(id string, index int, label string) error {
	return s.update(id, func(seg *Segmentation) error {
		segment(seg, index).Label = label
		return nil
	})
}

// SetSegmentLocked locks or unlocks a segment against edits.
func (s *Store) SetSegmentLocked(id string, index int, locked bool) error {
	return s.update(id, func(seg *Segmentation) error {
		segment(seg, index).Locked = locked
		return nil
	})
}

// SetStatistics merges stats into the cached statistics.
func (s *Store) SetStatistics(id string, stats map[string]float64) error {
	return s.update(id, func(seg *Segmentation) error {
		for k, v := range stats {
			seg.Statistics[k] = v
		}
		return nil
	})
}

func segment(seg *Segmentation, index int) *Segment {
	s, ok := seg.Segments[index]
	if !ok {
		s = &Segment{Index: index}
		seg.Segments[index] = s
	}
	return s
}

func (s *Store) update(id string, fn func(*Segmentation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segs[id]
	if !ok {
		return errors.New(errors.ErrCodeSegmentationNotFound, "segmentation %s not found", id)
	}
	return fn(seg)
}

func (s *Store) trigger(name events.Name, id string) {
	if s.bus != nil {
		s.bus.Trigger(name, events.SegmentationPayload{SegmentationID: id})
	}
}
