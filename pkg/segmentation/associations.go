package segmentation

import (
	"sort"

	"github.com/matzehuels/segrep/pkg/errors"
)

// AddAssociation shows a representation of a segmentation in a viewport.
// Re-adding an existing (viewport, segmentation, kind) replaces it.
func (s *Store) AddAssociation(a Association) error {
	if err := errors.ValidateID("viewport", a.ViewportID); err != nil {
		return err
	}
	if err := ValidateKind(a.Kind); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.segs[a.SegmentationID]; !ok {
		return errors.New(errors.ErrCodeSegmentationNotFound, "segmentation %s not found", a.SegmentationID)
	}
	m, ok := s.assoc[a.ViewportID]
	if !ok {
		m = make(map[assocKey]*Association)
		s.assoc[a.ViewportID] = m
	}
	hidden := make(map[int]bool, len(a.HiddenSegments))
	for idx, h := range a.HiddenSegments {
		if h {
			hidden[idx] = true
		}
	}
	a.HiddenSegments = hidden
	m[assocKey{a.SegmentationID, a.Kind}] = &a
	return nil
}

// RemoveAssociation removes one representation from a viewport.
func (s *Store) RemoveAssociation(viewportID, segmentationID string, kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.assoc[viewportID]
	if !ok {
		return false
	}
	k := assocKey{segmentationID, kind}
	if _, ok := m[k]; !ok {
		return false
	}
	delete(m, k)
	if len(m) == 0 {
		delete(s.assoc, viewportID)
	}
	return true
}

// RemoveViewport drops every association of a viewport.
func (s *Store) RemoveViewport(viewportID string) {
	s.mu.Lock()
	delete(s.assoc, viewportID)
	s.mu.Unlock()
}

// Associations returns copies of a viewport's associations ordered by
// segmentation id and kind.
func (s *Store) Associations(viewportID string) []Association {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.assoc[viewportID]
	out := make([]Association, 0, len(m))
	for _, a := range m {
		c := *a
		c.HiddenSegments = make(map[int]bool, len(a.HiddenSegments))
		for idx := range a.HiddenSegments {
			c.HiddenSegments[idx] = true
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SegmentationID != out[j].SegmentationID {
			return out[i].SegmentationID < out[j].SegmentationID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// ViewportsFor returns the viewports showing any representation of the
// segmentation, sorted.
func (s *Store) ViewportsFor(segmentationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for vp, m := range s.assoc {
		for k := range m {
			if k.segmentationID == segmentationID {
				out = append(out, vp)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// ViewportsWithAny returns every viewport with at least one association, sorted.
func (s *Store) ViewportsWithAny() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assoc))
	for vp, m := range s.assoc {
		if len(m) > 0 {
			out = append(out, vp)
		}
	}
	sort.Strings(out)
	return out
}

// SetActiveSegmentation marks the segmentation's associations in the viewport
// active and every other association in that viewport inactive.
func (s *Store) SetActiveSegmentation(viewportID, segmentationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.assoc[viewportID]
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "viewport %s has no segmentation representations", viewportID)
	}
	found := false
	for k, a := range m {
		a.Active = k.segmentationID == segmentationID
		found = found || a.Active
	}
	if !found {
		return errors.New(errors.ErrCodeNotFound, "segmentation %s is not shown in viewport %s", segmentationID, viewportID)
	}
	return nil
}

// SetSegmentHidden hides or shows one segment of every representation of the
// segmentation in the viewport.
func (s *Store) SetSegmentHidden(viewportID, segmentationID string, segmentIndex int, hidden bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for k, a := range s.assoc[viewportID] {
		if k.segmentationID != segmentationID {
			continue
		}
		found = true
		if hidden {
			a.HiddenSegments[segmentIndex] = true
		} else {
			delete(a.HiddenSegments, segmentIndex)
		}
	}
	if !found {
		return errors.New(errors.ErrCodeNotFound, "segmentation %s is not shown in viewport %s", segmentationID, viewportID)
	}
	return nil
}
