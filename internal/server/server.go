// Package server exposes a read-mostly HTTP view of a running engine.
//
// Routes:
//
//	GET    /healthz                                   liveness and build info
//	GET    /metrics                                   Prometheus exposition
//	GET    /segmentations                             summaries of every segmentation
//	GET    /segmentations/{id}                        one summary
//	DELETE /segmentations/{id}                        remove a segmentation
//	POST   /segmentations/{id}/representations/{kind} convert into kind (?viewport=)
//	POST   /segmentations/{id}/modified               report an edit of the source data
//	GET    /viewports                                 registered viewports and associations
//	GET    /styles                                    resolve a style (?kind=&viewport=&segmentation=&segment=)
//
// Errors are JSON objects {"code": ..., "error": ...} with a status derived
// from the error code.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matzehuels/segrep/pkg/engine"
	"github.com/matzehuels/segrep/pkg/errors"
)

// Server serves the inspection API of one engine.
type Server struct {
	engine   *engine.Engine
	gatherer prometheus.Gatherer
	logger   *log.Logger
	router   chi.Router
	started  time.Time
}

// New builds the router. A nil gatherer serves the default Prometheus
// registry; a nil logger discards output.
func New(e *engine.Engine, g prometheus.Gatherer, logger *log.Logger) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	s := &Server{
		engine:   e,
		gatherer: g,
		logger:   logger,
		started:  time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/segmentations", func(r chi.Router) {
		r.Get("/", s.listSegmentations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSegmentation)
			r.Delete("/", s.removeSegmentation)
			r.Post("/representations/{kind}", s.convert)
			r.Post("/modified", s.modified)
		})
	})
	r.Get("/viewports", s.listViewports)
	r.Get("/styles", s.resolveStyle)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return ctx.Err()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Microsecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code  errors.Code `json:"code,omitempty"`
	Error string      `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Code: errors.GetCode(err), Error: errors.UserMessage(err)})
}

func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.ErrCodeNotFound, errors.ErrCodeSegmentationNotFound:
		return http.StatusNotFound
	case errors.ErrCodeUnsupported:
		return http.StatusNotImplemented
	case errors.ErrCodeComputeFailed, errors.ErrCodeRenderFailed, errors.ErrCodeInternal:
		return http.StatusInternalServerError
	}
	if errors.IsConfiguration(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
