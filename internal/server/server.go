// Package server exposes extractions over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/agleyzer/hlsclip/internal/extract"
	"github.com/agleyzer/hlsclip/internal/manifest"
	"github.com/agleyzer/hlsclip/internal/metrics"
	"github.com/agleyzer/hlsclip/internal/rendition"
	"github.com/agleyzer/hlsclip/internal/segment"
	"github.com/agleyzer/hlsclip/internal/window"
	"github.com/go-chi/chi/v5"
)

const maxRequestBytes = 1 << 20

// Extractor runs one extraction.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*extract.Result, error)
}

// Server serves the extraction API
type Server struct {
	extractor  Extractor
	resolver   rendition.Resolver
	addr       string
	outputDir  string
	metrics    *metrics.Metrics
	logger     *slog.Logger
	httpServer *http.Server

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a new HTTP server. Outputs are confined to outputDir; resolver backs
// GET /renditions and may be nil.
func New(extractor Extractor, resolver rendition.Resolver, addr, outputDir string, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		extractor: extractor,
		resolver:  resolver,
		addr:      addr,
		outputDir: outputDir,
		metrics:   m,
		logger:    logger,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(metrics.RequestMiddleware(s.metrics))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/renditions", s.handleRenditions)
	r.Post("/extractions", s.handleExtraction)

	return r
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr, "output_dir", s.outputDir)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

type extractionRequest struct {
	Stream             string         `json:"stream"`
	Format             string         `json:"format"`
	Start              time.Time      `json:"start"`
	End                time.Time      `json:"end"`
	StartSequence      *uint64        `json:"start_sequence"`
	EndSequence        *uint64        `json:"end_sequence"`
	Buffer             string         `json:"buffer"`
	Output             string         `json:"output"`
	WritePlaylist      bool           `json:"write_playlist"`
	Policy             extract.Policy `json:"policy"`
	AllowPartialOutput bool           `json:"allow_partial_output"`
}

type extractionResponse struct {
	Output        string                        `json:"output"`
	Playlist      string                        `json:"playlist,omitempty"`
	Location      string                        `json:"location,omitempty"`
	Rendition     string                        `json:"rendition"`
	Anchor        string                        `json:"anchor,omitempty"`
	StartSequence uint64                        `json:"start_sequence"`
	EndSequence   uint64                        `json:"end_sequence"`
	Segments      int                           `json:"segments"`
	Bytes         int64                         `json:"bytes"`
	Warning       *segment.PartialWindowWarning `json:"warning,omitempty"`
	ElapsedMS     int64                         `json:"elapsed_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
	// Window is set when the requested range could not be satisfied.
	Window *windowInfo `json:"window,omitempty"`
	// Output and Segments are set when the artifact was written before a later step failed.
	Output   string `json:"output,omitempty"`
	Segments int    `json:"segments,omitempty"`
}

type windowInfo struct {
	Start   uint64 `json:"start_sequence"`
	End     uint64 `json:"end_sequence"`
	First   uint64 `json:"first_listed"`
	Last    uint64 `json:"last_listed"`
	Evicted uint64 `json:"evicted"`
	Pending uint64 `json:"pending"`
}

// handleExtraction runs an extraction for the duration of the request
func (s *Server) handleExtraction(w http.ResponseWriter, r *http.Request) {
	var body extractionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	req, err := s.toRequest(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	s.active.Add(1)
	res, err := s.extractor.Extract(r.Context(), req)
	s.active.Add(-1)

	if err != nil {
		s.failed.Add(1)
		status, resp := classify(err)
		if res != nil && res.Artifact != nil {
			resp.Output = res.Artifact.Path
			resp.Segments = res.Artifact.Segments
		}
		s.writeError(w, status, resp)
		return
	}
	s.completed.Add(1)

	resp := extractionResponse{
		Output:        res.Artifact.Path,
		Playlist:      req.PlaylistPath,
		Location:      res.Location,
		Rendition:     res.Rendition.Selector,
		StartSequence: res.Window.Start,
		EndSequence:   res.Window.End,
		Segments:      res.Artifact.Segments,
		Bytes:         res.Artifact.Bytes,
		ElapsedMS:     res.Elapsed.Milliseconds(),
	}
	if res.Anchor != nil {
		resp.Anchor = res.Anchor.Kind.String()
	}
	if !res.Warning.Empty() {
		resp.Warning = res.Warning
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) toRequest(body extractionRequest) (extract.Request, error) {
	if body.Output == "" {
		return extract.Request{}, fmt.Errorf("output is required")
	}
	if !filepath.IsLocal(body.Output) {
		return extract.Request{}, fmt.Errorf("output %q must be a relative path inside the output directory", body.Output)
	}

	req := extract.Request{
		StreamID:           body.Stream,
		Format:             body.Format,
		StartUTC:           body.Start,
		EndUTC:             body.End,
		StartSeq:           body.StartSequence,
		EndSeq:             body.EndSequence,
		Output:             filepath.Join(s.outputDir, body.Output),
		Policy:             body.Policy,
		AllowPartialOutput: body.AllowPartialOutput,
	}
	if body.WritePlaylist {
		req.PlaylistPath = req.Output + ".m3u8"
	}
	if body.Buffer != "" {
		d, err := time.ParseDuration(body.Buffer)
		if err != nil {
			return extract.Request{}, fmt.Errorf("invalid buffer %q: %w", body.Buffer, err)
		}
		req.Buffer = &d
	}

	return req, req.Validate()
}

// classify maps extraction errors onto HTTP statuses.
func classify(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}

	var oor *window.OutOfRangeError
	switch {
	case errors.Is(err, extract.ErrInvalidRequest):
		return http.StatusBadRequest, resp
	case errors.As(err, &oor):
		resp.Window = &windowInfo{
			Start:   oor.Window.Start,
			End:     oor.Window.End,
			First:   oor.First,
			Last:    oor.Last,
			Evicted: oor.Evicted,
			Pending: oor.Pending,
		}
		return http.StatusConflict, resp
	case errors.Is(err, extract.ErrPartialWindow), errors.Is(err, window.ErrEmpty):
		return http.StatusConflict, resp
	case errors.Is(err, rendition.ErrNotFound):
		return http.StatusNotFound, resp
	case errors.Is(err, manifest.ErrFormatUnsupported):
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, manifest.ErrUnavailable), errors.Is(err, manifest.ErrStreamRestarted):
		return http.StatusBadGateway, resp
	case errors.Is(err, extract.ErrCancelled):
		return http.StatusGatewayTimeout, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

type renditionInfo struct {
	Selector           string `json:"selector"`
	Delivery           string `json:"delivery"`
	SegmentAddressable bool   `json:"segment_addressable"`
	Bandwidth          int    `json:"bandwidth,omitempty"`
	Resolution         string `json:"resolution,omitempty"`
	Codecs             string `json:"codecs,omitempty"`
	Note               string `json:"note,omitempty"`
}

// handleRenditions lists the renditions of ?stream=
func (s *Server) handleRenditions(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		s.writeError(w, http.StatusNotFound, errorResponse{Error: "rendition listing is not enabled"})
		return
	}
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		s.writeError(w, http.StatusBadRequest, errorResponse{Error: "stream query parameter is required"})
		return
	}

	list, err := s.resolver.Renditions(r.Context(), stream)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	out := make([]renditionInfo, 0, len(list))
	for _, rd := range list {
		out = append(out, renditionInfo{
			Selector:           rd.Selector,
			Delivery:           rd.Delivery.String(),
			SegmentAddressable: rd.Delivery.SegmentAddressable(),
			Bandwidth:          rd.Bandwidth,
			Resolution:         rd.Resolution,
			Codecs:             rd.Codecs,
			Note:               rd.Note,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"stats": map[string]int64{
			"active":    s.active.Load(),
			"completed": s.completed.Load(),
			"failed":    s.failed.Load(),
		},
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) writeError(w http.ResponseWriter, status int, resp errorResponse) {
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", duration,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
