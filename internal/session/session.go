package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raine/biocount/internal/capture"
	"github.com/raine/biocount/internal/llm"
	"github.com/raine/biocount/internal/overlay"
)

// User-facing messages. Causes are logged, never shown.
const (
	MsgCameraUnavailable = "Cannot access the camera. Please check the camera permission."
	MsgAnalysisFailed    = "Something went wrong while analyzing the image. Please try again."
)

var (
	// ErrBusy is returned when an analysis is already in flight.
	ErrBusy = errors.New("analysis already in progress")
	// ErrInvalidState is returned when an operation is not allowed in the
	// current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrModeLocked is returned when changing the mode during analysis.
	ErrModeLocked = errors.New("mode cannot be changed while analyzing")
	// ErrStale is returned when an analysis finished after the session moved
	// on. Its outcome has been discarded.
	ErrStale = errors.New("analysis result discarded")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrAnalysisFailed wraps every analysis failure.
	ErrAnalysisFailed = errors.New(MsgAnalysisFailed)
)

// Config holds what a session needs to capture and analyze.
type Config struct {
	Device          capture.Device
	Analyzer        llm.Analyzer
	Constraints     capture.Constraints
	JPEGQuality     int
	AnalysisTimeout time.Duration
	Mode            llm.Mode
}

// Session drives one visitor through capture, preview, analysis and result.
// The camera is held only while Capturing.
type Session struct {
	id  string
	cfg Config

	mu         sync.Mutex
	state      State
	mode       llm.Mode
	camera     *capture.Camera
	generation uint64
	closed     bool
	lastActive time.Time

	view        *overlay.View
	unsubscribe func()
	rectsMu     sync.Mutex
	rects       []overlay.Rect

	now func() time.Time
}

// New creates a session in the Capturing state. The camera is not acquired
// until Start.
func New(id string, cfg Config) *Session {
	if cfg.Mode == "" {
		cfg.Mode = llm.ModeCM
	}
	if cfg.Constraints == (capture.Constraints{}) {
		cfg.Constraints = capture.DefaultConstraints()
	}
	s := &Session{
		id:    id,
		cfg:   cfg,
		state: Capturing{},
		mode:  cfg.Mode,
		view:  overlay.NewView(),
		now:   time.Now,
	}
	s.lastActive = s.now()
	s.unsubscribe = s.view.Subscribe(s.setRects)
	return s
}

func (s *Session) setRects(rects []overlay.Rect) {
	s.rectsMu.Lock()
	s.rects = rects
	s.rectsMu.Unlock()
}

func (s *Session) currentRects() []overlay.Rect {
	s.rectsMu.Lock()
	defer s.rectsMu.Unlock()
	return append([]overlay.Rect{}, s.rects...)
}

func (s *Session) ID() string {
	return s.id
}

// View returns the overlay view bound to the displayed image.
func (s *Session) View() *overlay.View {
	return s.view
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Mode() llm.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// LastActive returns when the session was last used.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touchLocked() {
	s.lastActive = s.now()
}

// Start acquires the camera. It is a no-op when the camera is already held.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.state.(Capturing); !ok {
		return ErrInvalidState
	}
	s.touchLocked()
	return s.activateLocked(ctx)
}

func (s *Session) activateLocked(ctx context.Context) error {
	if s.camera != nil {
		return nil
	}
	cam, err := capture.Activate(ctx, s.cfg.Device, s.cfg.Constraints, capture.WithJPEGQuality(s.cfg.JPEGQuality))
	if err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("camera unavailable")
		s.state = Capturing{CameraErr: MsgCameraUnavailable}
		return err
	}
	s.camera = cam
	s.state = Capturing{}
	return nil
}

func (s *Session) releaseLocked() {
	if s.camera == nil {
		return
	}
	if err := s.camera.Close(); err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("failed to stop camera")
	}
	s.camera = nil
}

// PushFrame hands a client-supplied frame to the session's camera. It is only
// accepted while the camera is live.
func (s *Session) PushFrame(img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.state.(Capturing); !ok || s.camera == nil {
		return ErrInvalidState
	}
	sink, ok := capture.SinkOf(s.cfg.Device)
	if !ok {
		return fmt.Errorf("camera does not accept pushed frames: %w", ErrInvalidState)
	}
	sink.Push(img)
	s.touchLocked()
	return nil
}

// Capture takes a still from the live camera, releases the camera and moves
// to Previewing.
func (s *Session) Capture(ctx context.Context) (*capture.CapturedImage, error) {
	return s.capture(ctx, nil)
}

// CaptureFrame hands frame to the live camera and captures it in one step, so
// the still is the frame the client showed when the user pressed capture.
func (s *Session) CaptureFrame(ctx context.Context, frame image.Image) (*capture.CapturedImage, error) {
	return s.capture(ctx, frame)
}

func (s *Session) capture(ctx context.Context, frame image.Image) (*capture.CapturedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.state.(Capturing); !ok || s.camera == nil {
		return nil, ErrInvalidState
	}
	s.touchLocked()

	if frame != nil {
		sink, ok := capture.SinkOf(s.cfg.Device)
		if !ok {
			return nil, fmt.Errorf("camera does not accept pushed frames: %w", ErrInvalidState)
		}
		sink.Push(frame)
	}

	img, err := s.camera.Capture(ctx)
	if err != nil {
		return nil, err
	}
	s.releaseLocked()

	s.state = Previewing{Image: img}
	s.view.SetResult(nil)
	log.Info().Str("session", s.id).Int("width", img.Width).Int("height", img.Height).
		Int("bytes", len(img.Data)).Msg("image captured")
	return img, nil
}

// CameraFailed records that the client could not open its own camera, e.g.
// the visitor denied the permission prompt. The camera is released and the
// session shows the camera message until a Retake succeeds.
func (s *Session) CameraFailed(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.state.(Capturing); !ok {
		return ErrInvalidState
	}
	s.touchLocked()
	s.releaseLocked()
	s.state = Capturing{CameraErr: MsgCameraUnavailable}
	log.Warn().Str("session", s.id).Str("reason", reason).Msg("client camera unavailable")
	return nil
}

// Retake discards the captured image and any result and reacquires the
// camera. An analysis still in flight will be discarded when it completes.
func (s *Session) Retake(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.touchLocked()

	s.generation++
	s.view.Reset()
	if _, ok := s.state.(Capturing); !ok {
		s.state = Capturing{}
	}
	return s.activateLocked(ctx)
}

// SetMode changes the analysis mode. It is rejected while analyzing.
func (s *Session) SetMode(mode llm.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.state.(Analyzing); ok {
		return ErrModeLocked
	}
	s.touchLocked()
	s.mode = mode
	return nil
}

// Analyze sends the captured image to the analyzer. The call is not
// cancelled when ctx is; it is bounded by the configured timeout instead. If
// the session moved on while waiting, the outcome is dropped and ErrStale is
// returned. On failure the session returns to Previewing so the same image can
// be retried.
func (s *Session) Analyze(ctx context.Context) (*llm.AnalysisResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	var img *capture.CapturedImage
	switch st := s.state.(type) {
	case Analyzing:
		s.mu.Unlock()
		return nil, ErrBusy
	case Previewing:
		img = st.Image
	default:
		s.mu.Unlock()
		return nil, ErrInvalidState
	}
	s.generation++
	gen := s.generation
	mode := s.mode
	s.state = Analyzing{Image: img}
	s.touchLocked()
	s.mu.Unlock()

	actx := context.WithoutCancel(ctx)
	if s.cfg.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, s.cfg.AnalysisTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.cfg.Analyzer.Analyze(actx, llm.EncodedImage{Data: img.Data, MIMEType: img.MIMEType}, mode)
	if err == nil && result == nil {
		err = llm.ErrEmptyResponse
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != gen {
		log.Info().Str("session", s.id).Err(err).Msg("discarding stale analysis")
		return nil, ErrStale
	}
	s.touchLocked()

	if err != nil {
		log.Error().Err(err).Str("session", s.id).Str("mode", string(mode)).
			Dur("elapsed", time.Since(start)).Msg("analysis failed")
		s.state = Previewing{Image: img, Err: MsgAnalysisFailed}
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}

	log.Info().Str("session", s.id).Str("mode", string(mode)).Int("count", result.Count).
		Int("items", len(result.Items)).Dur("elapsed", time.Since(start)).Msg("analysis complete")
	s.state = ShowingResult{Image: img, Result: result}
	s.view.SetResult(result)
	return result, nil
}

// Measure records the displayed image geometry and returns the overlay
// rectangles for it.
func (s *Session) Measure(g overlay.Geometry) []overlay.Rect {
	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()
	return s.view.Measure(g)
}

// Close releases the camera and invalidates any in-flight analysis. It is
// safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.generation++
	s.releaseLocked()
	s.view.Reset()
	s.unsubscribe()
	log.Debug().Str("session", s.id).Msg("session closed")
}

// Snapshot is the JSON view of a session.
type Snapshot struct {
	ID           string              `json:"id"`
	State        string              `json:"state"`
	Mode         llm.Mode            `json:"mode"`
	Error        string              `json:"error,omitempty"`
	CameraActive bool                `json:"cameraActive"`
	Image        *ImageInfo          `json:"image,omitempty"`
	Result       *llm.AnalysisResult `json:"result,omitempty"`
	Rects        []overlay.Rect      `json:"rects"`
	// Camera is what the client should request from its own camera.
	Camera   capture.Constraints `json:"camera"`
	Viewport *overlay.Geometry   `json:"viewport,omitempty"`
}

// ImageInfo describes the captured image without its bytes.
type ImageInfo struct {
	MIMEType string `json:"mimeType"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bytes    int    `json:"bytes"`
}

// Snapshot returns a consistent copy of the session for display.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:           s.id,
		State:        s.state.Name(),
		Mode:         s.mode,
		CameraActive: s.camera != nil,
		Rects:        s.currentRects(),
		Camera:       s.cfg.Constraints,
	}
	if g := s.view.Geometry(); g.Width > 0 && g.Height > 0 {
		snap.Viewport = &g
	}
	switch st := s.state.(type) {
	case Capturing:
		snap.Error = st.CameraErr
	case Previewing:
		snap.Error = st.Err
	case ShowingResult:
		snap.Result = st.Result
	}
	if img := imageOf(s.state); img != nil {
		snap.Image = &ImageInfo{MIMEType: img.MIMEType, Width: img.Width, Height: img.Height, Bytes: len(img.Data)}
	}
	return snap
}
