package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/raine/biocount/internal/llm"
)

var (
	boxColor   = color.NRGBA{R: 0x4a, G: 0xde, B: 0x80, A: 0xff}
	labelColor = color.NRGBA{R: 0x22, G: 0xc5, B: 0x5e, A: 0xff}
	textColor  = color.Black
)

const (
	strokeWidth  = 2
	labelPadding = 2
)

// Render draws the result's boxes and id labels over img at its intrinsic
// resolution. img is not modified.
func Render(img image.Image, result *llm.AnalysisResult) *image.NRGBA {
	canvas := imaging.Clone(img)
	b := canvas.Bounds()
	g := Geometry{Width: float64(b.Dx()), Height: float64(b.Dy())}

	// Labels go on top of every box.
	rects := Layout(g, result)
	for _, r := range rects {
		drawRect(canvas, r)
	}
	for _, r := range rects {
		drawLabel(canvas, r)
	}
	return canvas
}

// RenderScaled resizes img to the given display width before drawing, so the
// stroke and label size match what the viewer sees. width <= 0 or larger than
// the image renders at full size.
func RenderScaled(img image.Image, result *llm.AnalysisResult, width int) *image.NRGBA {
	if width > 0 && width < img.Bounds().Dx() {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	return Render(img, result)
}

// EncodeJPEG encodes the rendered image.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode annotated image: %w", err)
	}
	return buf.Bytes(), nil
}

func pixelRect(r Rect) image.Rectangle {
	x0 := int(math.Round(r.Left))
	y0 := int(math.Round(r.Top))
	x1 := int(math.Round(r.Left + r.Width))
	y1 := int(math.Round(r.Top + r.Height))
	return image.Rect(x0, y0, x1, y1)
}

func drawRect(dst draw.Image, r Rect) {
	rect := pixelRect(r).Intersect(dst.Bounds())
	if rect.Empty() {
		return
	}
	src := image.NewUniform(boxColor)

	// Edges are drawn inward so boxes touching the border stay visible.
	sw := strokeWidth
	top := image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, min(rect.Min.Y+sw, rect.Max.Y))
	bottom := image.Rect(rect.Min.X, max(rect.Max.Y-sw, rect.Min.Y), rect.Max.X, rect.Max.Y)
	left := image.Rect(rect.Min.X, rect.Min.Y, min(rect.Min.X+sw, rect.Max.X), rect.Max.Y)
	right := image.Rect(max(rect.Max.X-sw, rect.Min.X), rect.Min.Y, rect.Max.X, rect.Max.Y)
	for _, edge := range []image.Rectangle{top, bottom, left, right} {
		draw.Draw(dst, edge, src, image.Point{}, draw.Src)
	}
}

func drawLabel(dst draw.Image, r Rect) {
	face := basicfont.Face7x13
	text := strconv.Itoa(r.ID)
	textWidth := font.MeasureString(face, text).Ceil()
	metrics := face.Metrics()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()

	origin := pixelRect(r).Min
	bounds := dst.Bounds()
	tag := image.Rect(origin.X, origin.Y, origin.X+textWidth+2*labelPadding, origin.Y+textHeight)

	// Keep the tag on the canvas.
	if tag.Max.X > bounds.Max.X {
		tag = tag.Add(image.Pt(bounds.Max.X-tag.Max.X, 0))
	}
	if tag.Max.Y > bounds.Max.Y {
		tag = tag.Add(image.Pt(0, bounds.Max.Y-tag.Max.Y))
	}
	if tag.Min.X < bounds.Min.X {
		tag = tag.Add(image.Pt(bounds.Min.X-tag.Min.X, 0))
	}
	if tag.Min.Y < bounds.Min.Y {
		tag = tag.Add(image.Pt(0, bounds.Min.Y-tag.Min.Y))
	}

	draw.Draw(dst, tag, image.NewUniform(labelColor), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(textColor),
		Face: face,
		Dot:  fixed.P(tag.Min.X+labelPadding, tag.Min.Y+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
}
