package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/matzehuels/segrep/pkg/buildinfo"
	"github.com/matzehuels/segrep/pkg/convert"
	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/segmentation"
	"github.com/matzehuels/segrep/pkg/style"
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Uptime  string `json:"uptime"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: buildinfo.Version,
		Commit:  buildinfo.Commit,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

// representationSummary describes one payload without its bulk data.
type representationSummary struct {
	Kind     segmentation.Kind `json:"kind"`
	Segments []int             `json:"segments"`
	// Labelmap
	Voxels int  `json:"voxels,omitempty"`
	Stack  bool `json:"stack,omitempty"`
	// Contour
	Annotations int `json:"annotations,omitempty"`
	// Surface
	Triangles int `json:"triangles,omitempty"`
}

type segmentationSummary struct {
	ID                 string                        `json:"id"`
	ActiveKind         segmentation.Kind             `json:"activeKind"`
	ActiveSegmentIndex int                           `json:"activeSegmentIndex"`
	Representations    []representationSummary       `json:"representations"`
	Segments           map[int]*segmentation.Segment `json:"segments,omitempty"`
	Statistics         map[string]float64            `json:"statistics,omitempty"`
	Viewports          []string                      `json:"viewports"`
	Tracked            []segmentation.Kind           `json:"tracked,omitempty"`
}

func summarizeData(d segmentation.Data) representationSummary {
	out := representationSummary{Kind: d.Kind()}
	switch d := d.(type) {
	case *segmentation.LabelmapData:
		out.Segments = d.SegmentIndices()
		out.Stack = d.IsStack()
		for _, n := range d.VoxelCounts() {
			out.Voxels += n
		}
	case *segmentation.ContourData:
		out.Segments = d.SegmentIndices()
		out.Annotations = len(d.Annotations)
	case *segmentation.SurfaceData:
		out.Segments = d.SegmentIndices()
		for _, m := range d.Surfaces {
			out.Triangles += len(m.Mesh.Triangles)
		}
	}
	return out
}

func (s *Server) summarize(seg *segmentation.Segmentation) segmentationSummary {
	out := segmentationSummary{
		ID:                 seg.ID,
		ActiveKind:         seg.ActiveKind,
		ActiveSegmentIndex: seg.ActiveSegmentIndex,
		Segments:           seg.Segments,
		Statistics:         seg.Statistics,
		Viewports:          s.engine.Store.ViewportsFor(seg.ID),
		Tracked:            s.engine.Converter.Tracking().Tracked(seg.ID),
	}
	if out.Viewports == nil {
		out.Viewports = []string{}
	}
	for _, kind := range seg.Kinds() {
		out.Representations = append(out.Representations, summarizeData(seg.Representations[kind]))
	}
	return out
}

func (s *Server) listSegmentations(w http.ResponseWriter, r *http.Request) {
	out := []segmentationSummary{}
	for _, id := range s.engine.Store.IDs() {
		if seg, ok := s.engine.Store.Get(id); ok {
			out = append(out, s.summarize(seg))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*segmentation.Segmentation, bool) {
	id := chi.URLParam(r, "id")
	seg, ok := s.engine.Store.Get(id)
	if !ok {
		s.writeError(w, errors.New(errors.ErrCodeSegmentationNotFound, "segmentation %s not found", id))
		return nil, false
	}
	return seg, true
}

func (s *Server) getSegmentation(w http.ResponseWriter, r *http.Request) {
	seg, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.summarize(seg))
}

func (s *Server) removeSegmentation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.engine.Store.Remove(id) {
		s.writeError(w, errors.New(errors.ErrCodeSegmentationNotFound, "segmentation %s not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// convert runs a conversion; ?viewport= names the registered viewport that
// supplies the target geometry.
func (s *Server) convert(w http.ResponseWriter, r *http.Request) {
	seg, ok := s.lookup(w, r)
	if !ok {
		return
	}
	kind, err := segmentation.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var opts convert.Options
	if id := r.URL.Query().Get("viewport"); id != "" {
		vp, ok := s.engine.Scheduler.Viewport(id)
		if !ok {
			s.writeError(w, errors.New(errors.ErrCodeNotFound, "viewport %s not registered", id))
			return
		}
		opts.Viewport = vp
	}
	if raw := r.URL.Query()["segment"]; len(raw) > 0 {
		for _, v := range raw {
			idx, err := strconv.Atoi(v)
			if err != nil {
				s.writeError(w, errors.New(errors.ErrCodeInvalidInput, "segment %q is not an integer", v))
				return
			}
			opts.SegmentIndices = append(opts.SegmentIndices, idx)
		}
	}

	data, err := s.engine.Convert(r.Context(), seg.ID, kind, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarizeData(data))
}

func (s *Server) modified(w http.ResponseWriter, r *http.Request) {
	seg, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.engine.NotifyDataModified(seg.ID)
	w.WriteHeader(http.StatusAccepted)
}

type viewportSummary struct {
	ID           string                     `json:"id"`
	Associations []segmentation.Association `json:"associations"`
}

func (s *Server) listViewports(w http.ResponseWriter, r *http.Request) {
	out := []viewportSummary{}
	for _, id := range s.engine.Scheduler.Viewports() {
		out = append(out, viewportSummary{ID: id, Associations: s.engine.Store.Associations(id)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resolveStyle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := segmentation.ParseKind(q.Get("kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	spec := style.NewSpecifier(q.Get("viewport"), q.Get("segmentation"), kind)
	if v := q.Get("segment"); v != "" {
		if spec.SegmentIndex, err = strconv.Atoi(v); err != nil {
			s.writeError(w, errors.New(errors.ErrCodeInvalidInput, "segment %q is not an integer", v))
			return
		}
	}
	res, err := s.engine.Styles.Resolve(spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
