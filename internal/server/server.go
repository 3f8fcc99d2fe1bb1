package server

import (
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/raine/biocount/internal/capture"
	"github.com/raine/biocount/internal/session"
)

// DefaultMaxFrameBytes caps uploaded frames.
const DefaultMaxFrameBytes = 10 << 20

//go:embed static
var staticFiles embed.FS

type Opts struct {
	Store         *session.Store
	Logger        zerolog.Logger
	MaxFrameBytes int64
	JPEGQuality   int
}

// Server exposes sessions over a JSON API and serves the capture page.
type Server struct {
	store         *session.Store
	logger        zerolog.Logger
	maxFrameBytes int64
	jpegQuality   int
	mux           *http.ServeMux
}

func New(opts Opts) *Server {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = capture.DefaultJPEGQuality
	}
	s := &Server{
		store:         opts.Store,
		logger:        opts.Logger,
		maxFrameBytes: opts.MaxFrameBytes,
		jpegQuality:   opts.JPEGQuality,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	s.mux.Handle("GET /", http.FileServerFS(static))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("PUT /api/sessions/{id}/mode", s.handleSetMode)
	s.mux.HandleFunc("POST /api/sessions/{id}/frame", s.handlePushFrame)
	s.mux.HandleFunc("POST /api/sessions/{id}/camera-error", s.handleCameraError)
	s.mux.HandleFunc("POST /api/sessions/{id}/capture", s.handleCapture)
	s.mux.HandleFunc("POST /api/sessions/{id}/retake", s.handleRetake)
	s.mux.HandleFunc("POST /api/sessions/{id}/analyze", s.handleAnalyze)
	s.mux.HandleFunc("GET /api/sessions/{id}/viewport", s.handleGetViewport)
	s.mux.HandleFunc("PUT /api/sessions/{id}/viewport", s.handleViewport)
	s.mux.HandleFunc("GET /api/sessions/{id}/image", s.handleImage)
	s.mux.HandleFunc("GET /api/sessions/{id}/annotated", s.handleAnnotated)
}

// Handler returns the routes wrapped with request logging.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		// Frame pushes arrive several times a second.
		event := hlog.FromRequest(r).Info()
		if strings.HasSuffix(r.URL.Path, "/frame") && status < 400 {
			event = hlog.FromRequest(r).Debug()
		}
		event.Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	h = hlog.NewHandler(s.logger)(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok", "sessions": s.store.Len()}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}

// respondSessionError maps session errors to a status. Analysis and camera
// failures only ever surface their generic message.
func respondSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrAnalysisFailed):
		respondError(w, session.MsgAnalysisFailed, http.StatusBadGateway)
	case errors.Is(err, capture.ErrCameraUnavailable):
		respondError(w, session.MsgCameraUnavailable, http.StatusServiceUnavailable)
	case errors.Is(err, capture.ErrNoFrame):
		respondError(w, "no camera frame received yet", http.StatusConflict)
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrModeLocked),
		errors.Is(err, session.ErrStale):
		respondError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrClosed):
		respondError(w, err.Error(), http.StatusGone)
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		respondError(w, "internal error", http.StatusInternalServerError)
	}
}
