package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultJPEGQuality is the encoding quality used for captured stills.
	DefaultJPEGQuality = 90
	// DefaultWidth and DefaultHeight are the preferred (ideal) capture resolution.
	DefaultWidth  = 1920
	DefaultHeight = 1080
)

var (
	// ErrCameraUnavailable is returned when the camera could not be acquired,
	// e.g. permission was denied or no device exists. It is terminal for the
	// capture attempt.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrDeviceBusy is returned when a device is already held by another stream.
	ErrDeviceBusy = errors.New("camera device is busy")
	// ErrNoFrame is returned when the stream has not produced any frame yet.
	ErrNoFrame = errors.New("no frame available")
	// ErrClosed is returned when capturing from a camera that has been closed.
	ErrClosed = errors.New("camera closed")
)

// Facing selects which camera to use on devices with more than one.
type Facing string

const (
	FacingRear  Facing = "environment"
	FacingFront Facing = "user"
)

// ParseFacing accepts the browser facingMode values and their plain names.
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "environment", "rear", "back":
		return FacingRear, nil
	case "user", "front":
		return FacingFront, nil
	}
	return "", fmt.Errorf("unknown camera facing %q", s)
}

// Constraints describe the requested stream. Width and Height are preferences
// only; the device may deliver a different resolution.
type Constraints struct {
	Facing Facing `json:"facing"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// DefaultConstraints prefers the rear camera at 1920x1080.
func DefaultConstraints() Constraints {
	return Constraints{Facing: FacingRear, Width: DefaultWidth, Height: DefaultHeight}
}

// Device is a camera that can be opened for streaming.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live video source.
type Stream interface {
	// Frame returns the current video frame.
	Frame(ctx context.Context) (image.Image, error)
	// Stop stops all tracks and releases the device.
	Stop() error
}

// CapturedImage is an encoded still plus its intrinsic pixel dimensions.
type CapturedImage struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// DataURL returns the image as a base64 data URI.
func (c *CapturedImage) DataURL() string {
	return "data:" + c.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(c.Data)
}

// Decode decodes the encoded still back into an image.
func (c *CapturedImage) Decode() (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(c.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode captured image: %w", err)
	}
	return img, nil
}

// Camera holds an open stream for its lifetime. It must be closed on every
// exit path so the device is not leaked.
type Camera struct {
	mu      sync.Mutex
	stream  Stream
	quality int
	once    sync.Once
	closed  bool
}

// Option configures a Camera.
type Option func(*Camera)

// WithJPEGQuality sets the JPEG quality used by Capture.
func WithJPEGQuality(q int) Option {
	return func(c *Camera) {
		if q >= 1 && q <= 100 {
			c.quality = q
		}
	}
}

// Activate opens the device with the given constraints. Any failure is
// reported as ErrCameraUnavailable and is not retried.
func Activate(ctx context.Context, dev Device, c Constraints, opts ...Option) (*Camera, error) {
	stream, err := dev.Open(ctx, c)
	if err != nil {
		log.Warn().Err(err).Str("facing", string(c.Facing)).Msg("failed to access camera")
		return nil, fmt.Errorf("%w: %w", ErrCameraUnavailable, err)
	}

	cam := &Camera{stream: stream, quality: DefaultJPEGQuality}
	for _, opt := range opts {
		opt(cam)
	}
	log.Debug().Str("facing", string(c.Facing)).Int("width", c.Width).Int("height", c.Height).Msg("camera activated")
	return cam, nil
}

// Capture reads the current frame and encodes it as JPEG at the frame's
// actual resolution.
func (c *Camera) Capture(ctx context.Context) (*CapturedImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	frame, err := c.stream.Frame(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}

	return EncodeFrame(frame, c.quality)
}

// Close stops the stream. It is safe to call more than once.
func (c *Camera) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.stream.Stop()
		log.Debug().Msg("camera released")
	})
	return err
}

// EncodeFrame draws the frame onto an offscreen surface sized to the frame's
// own bounds and encodes it as JPEG.
func EncodeFrame(frame image.Image, quality int) (*CapturedImage, error) {
	b := frame.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", b.Dx(), b.Dy())
	}

	surface := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(surface, surface.Bounds(), frame, b.Min, draw.Src)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, surface, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	return &CapturedImage{
		Data:     buf.Bytes(),
		MIMEType: "image/jpeg",
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}
