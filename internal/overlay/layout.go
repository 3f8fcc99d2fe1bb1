package overlay

import (
	"math"

	"github.com/raine/biocount/internal/llm"
)

// Geometry is the rendered size of the displayed image and its offset inside
// the surface the overlay is drawn on.
type Geometry struct {
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
}

// Measured reports whether the geometry has a usable size.
func (g Geometry) Measured() bool {
	return g.Width > 0 && g.Height > 0
}

// Rect is one box in display pixels.
type Rect struct {
	ID     int     `json:"id"`
	Label  string  `json:"label,omitempty"`
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Box is a normalized bounding box.
type Box struct {
	YMin, XMin, YMax, XMax float64
}

// NormalizeBox clamps the model's [ymin, xmin, ymax, xmax] to [0,1] and swaps
// inverted edges. ok is false when any value is not a finite number.
func NormalizeBox(b [4]float64) (Box, bool) {
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Box{}, false
		}
	}

	ymin, xmin, ymax, xmax := clamp01(b[0]), clamp01(b[1]), clamp01(b[2]), clamp01(b[3])
	if ymin > ymax {
		ymin, ymax = ymax, ymin
	}
	if xmin > xmax {
		xmin, xmax = xmax, xmin
	}
	return Box{YMin: ymin, XMin: xmin, YMax: ymax, XMax: xmax}, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Layout maps every detected item onto the displayed image. It returns nil
// when there is no result or the geometry has not been measured yet.
func Layout(g Geometry, result *llm.AnalysisResult) []Rect {
	if result == nil || !g.Measured() {
		return nil
	}

	rects := make([]Rect, 0, len(result.Items))
	for _, item := range result.Items {
		box, ok := NormalizeBox(item.Box)
		if !ok {
			continue
		}
		rects = append(rects, Rect{
			ID:     item.ID,
			Label:  item.Label,
			Top:    box.YMin*g.Height + g.OffsetY,
			Left:   box.XMin*g.Width + g.OffsetX,
			Width:  (box.XMax - box.XMin) * g.Width,
			Height: (box.YMax - box.YMin) * g.Height,
		})
	}
	return rects
}
