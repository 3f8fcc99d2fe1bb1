package overlay

import (
	"sync"

	"github.com/raine/biocount/internal/llm"
)

// View keeps the overlay in sync with the displayed image. Every re-measure
// and every new result recomputes the layout and notifies subscribers.
type View struct {
	mu       sync.Mutex
	geometry Geometry
	result   *llm.AnalysisResult
	rects    []Rect
	subs     map[int]func([]Rect)
	nextSub  int
}

// NewView creates a view with no geometry and no result.
func NewView() *View {
	return &View{subs: make(map[int]func([]Rect))}
}

// Measure records the image's current rendered geometry, e.g. after load or
// a viewport resize.
func (v *View) Measure(g Geometry) []Rect {
	v.mu.Lock()
	v.geometry = g
	return v.recomputeLocked()
}

// SetResult replaces the displayed result. nil clears the overlay.
func (v *View) SetResult(result *llm.AnalysisResult) []Rect {
	v.mu.Lock()
	v.result = result
	return v.recomputeLocked()
}

// Reset clears both geometry and result.
func (v *View) Reset() {
	v.mu.Lock()
	v.geometry = Geometry{}
	v.result = nil
	v.recomputeLocked()
}

// Rects returns the current layout.
func (v *View) Rects() []Rect {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Rect(nil), v.rects...)
}

// Geometry returns the last measured geometry.
func (v *View) Geometry() Geometry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.geometry
}

// Subscribe registers fn to be called with every recomputed layout. The
// returned function removes the subscription.
func (v *View) Subscribe(fn func([]Rect)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	return func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}
}

// recomputeLocked must be called with v.mu held; it releases the lock before
// notifying subscribers.
func (v *View) recomputeLocked() []Rect {
	v.rects = Layout(v.geometry, v.result)
	rects := append([]Rect(nil), v.rects...)
	subs := make([]func([]Rect), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()

	for _, fn := range subs {
		fn(append([]Rect(nil), rects...))
	}
	return rects
}
