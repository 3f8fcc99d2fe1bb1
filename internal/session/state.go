package session

import (
	"github.com/raine/biocount/internal/capture"
	"github.com/raine/biocount/internal/llm"
)

// State is the UI state of a session. It is one of Capturing, Previewing,
// Analyzing or ShowingResult.
type State interface {
	Name() string
	state()
}

// Capturing shows the live camera. CameraErr is set when the camera could not
// be acquired.
type Capturing struct {
	CameraErr string
}

// Previewing shows the captured image before analysis. Err holds the message
// of the last failed analysis, if any.
type Previewing struct {
	Image *capture.CapturedImage
	Err   string
}

// Analyzing waits for the vision model.
type Analyzing struct {
	Image *capture.CapturedImage
}

// ShowingResult shows the captured image with its analysis.
type ShowingResult struct {
	Image  *capture.CapturedImage
	Result *llm.AnalysisResult
}

func (Capturing) Name() string     { return "capturing" }
func (Previewing) Name() string    { return "previewing" }
func (Analyzing) Name() string     { return "analyzing" }
func (ShowingResult) Name() string { return "showing_result" }

func (Capturing) state()     {}
func (Previewing) state()    {}
func (Analyzing) state()     {}
func (ShowingResult) state() {}

// imageOf returns the captured image carried by st, if any.
func imageOf(st State) *capture.CapturedImage {
	switch st := st.(type) {
	case Previewing:
		return st.Image
	case Analyzing:
		return st.Image
	case ShowingResult:
		return st.Image
	}
	return nil
}
