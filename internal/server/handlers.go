package server

import (
	"encoding/json"
	"errors"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/raine/biocount/internal/capture"
	"github.com/raine/biocount/internal/llm"
	"github.com/raine/biocount/internal/overlay"
	"github.com/raine/biocount/internal/session"
)

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		respondError(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var mode llm.Mode
	if req.Mode != "" {
		m, err := llm.ParseMode(req.Mode)
		if err != nil {
			respondError(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = m
	}

	sess, err := s.store.Create(r.Context(), mode)
	if err != nil {
		respondError(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, sess.Snapshot(), http.StatusCreated)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, sess.Snapshot(), http.StatusOK)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.store.Delete(r.PathValue("id")) {
		respondError(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode, err := llm.ParseMode(req.Mode)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := sess.SetMode(mode); err != nil {
		respondSessionError(w, r, err)
		return
	}
	respondJSON(w, sess.Snapshot(), http.StatusOK)
}

// handlePushFrame accepts a frame as a multipart "frame" field, a raw image
// body or a data URI.
func (s *Server) handlePushFrame(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	img, ok := s.uploadedFrame(w, r)
	if !ok {
		return
	}
	if err := sess.PushFrame(img); err != nil {
		respondSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadedFrame reads and decodes the request's frame, writing the error
// response itself when that fails.
func (s *Server) uploadedFrame(w http.ResponseWriter, r *http.Request) (image.Image, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFrameBytes)
	data, err := readFrame(r, s.maxFrameBytes)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			respondError(w, "frame too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		respondError(w, "failed to read frame", http.StatusBadRequest)
		return nil, false
	}
	if len(data) == 0 {
		respondError(w, "empty frame", http.StatusBadRequest)
		return nil, false
	}

	img, _, err := capture.DecodeFrame(data)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("undecodable frame")
		respondError(w, "unsupported image", http.StatusUnsupportedMediaType)
		return nil, false
	}
	return img, true
}

func readFrame(r *http.Request, maxBytes int64) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("frame")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return io.ReadAll(r.Body)
}

// handleCapture takes the still. A frame sent in the body is pushed and
// captured in one step; without one the last pushed frame is used.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var err error
	if r.ContentLength != 0 {
		img, ok := s.uploadedFrame(w, r)
		if !ok {
			return
		}
		_, err = sess.CaptureFrame(r.Context(), img)
	} else {
		_, err = sess.Capture(r.Context())
	}
	if err != nil {
		respondSessionError(w, r, err)
		return
	}
	respondJSON(w, sess.Snapshot(), http.StatusOK)
}

type cameraErrorRequest struct {
	Reason string `json:"reason"`
}

// handleCameraError records that the visitor's browser could not open its
// camera.
func (s *Server) handleCameraError(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req cameraErrorRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if err := sess.CameraFailed(req.Reason); err != nil {
		respondSessionError(w, r, err)
		return
	}
	respondJSON(w, sess.Snapshot(), http.StatusOK)
}

func (s *Server) handleRetake(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	// A camera failure is part of the session state and shown inline.
	if err := sess.Retake(r.Context()); err != nil && !errors.Is(err, capture.ErrCameraUnavailable) {
		respondSessionError(w, r, err)
		return
	}
	respondJSON(w, sess.Snapshot(), http.StatusOK)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if _, err := sess.Analyze(r.Context()); err != nil {
		respondSessionError(w, r, err)
		return
	}
	respondJSON(w, sess.Snapshot(), http.StatusOK)
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var g overlay.Geometry
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rects := sess.Measure(g)
	if rects == nil {
		rects = []overlay.Rect{}
	}
	respondJSON(w, viewportResponse{Viewport: g, Rects: rects}, http.StatusOK)
}

type viewportResponse struct {
	Viewport overlay.Geometry `json:"viewport"`
	Rects    []overlay.Rect   `json:"rects"`
}

func (s *Server) handleGetViewport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	view := sess.View()
	rects := view.Rects()
	if rects == nil {
		rects = []overlay.Rect{}
	}
	respondJSON(w, viewportResponse{Viewport: view.Geometry(), Rects: rects}, http.StatusOK)
}

func capturedImage(st session.State) (*capture.CapturedImage, *llm.AnalysisResult) {
	switch st := st.(type) {
	case session.Previewing:
		return st.Image, nil
	case session.Analyzing:
		return st.Image, nil
	case session.ShowingResult:
		return st.Image, st.Result
	}
	return nil, nil
}

// handleImage serves the captured JPEG, or with ?format=datauri a JSON
// data URI for clients that display it inline.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	img, _ := capturedImage(sess.State())
	if img == nil {
		respondError(w, "no image captured", http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("format") == "datauri" {
		respondJSON(w, map[string]string{"dataUrl": img.DataURL()}, http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", img.MIMEType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(img.Data)
}

// handleAnnotated renders the boxes onto the captured image, optionally
// scaled down to ?width=.
func (s *Server) handleAnnotated(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	img, result := capturedImage(sess.State())
	if img == nil {
		respondError(w, "no image captured", http.StatusNotFound)
		return
	}

	width := 0
	if v := r.URL.Query().Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, "invalid width", http.StatusBadRequest)
			return
		}
		width = n
	}

	decoded, err := img.Decode()
	if err != nil {
		respondSessionError(w, r, err)
		return
	}
	data, err := overlay.EncodeJPEG(overlay.RenderScaled(decoded, result, width), s.jpegQuality)
	if err != nil {
		respondSessionError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}
