package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// SnapshotDevice reads stills from a network camera that serves the current
// frame over HTTP.
type SnapshotDevice struct {
	httpClient *resty.Client
	url        string
	maxSize    int64
}

// SnapshotOpts configures a SnapshotDevice.
type SnapshotOpts struct {
	URL     string
	Timeout time.Duration
	MaxSize int64
}

// NewSnapshotDevice creates a snapshot camera for the given URL.
func NewSnapshotDevice(opts SnapshotOpts) *SnapshotDevice {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = 10 * 1024 * 1024
	}
	return &SnapshotDevice{
		httpClient: resty.New().
			SetDebug(false).
			SetTimeout(timeout).
			SetResponseBodyLimit(int(maxSize)).
			SetHeader("Accept", "image/*"),
		url:     opts.URL,
		maxSize: maxSize,
	}
}

// Open reads one frame up front so an unreachable device is reported at
// activation rather than at capture time.
func (d *SnapshotDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	s := &snapshotStream{dev: d, constraints: c}
	img, err := s.Frame(ctx)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	log.Info().
		Str("url", d.url).
		Int("wantWidth", c.Width).
		Int("wantHeight", c.Height).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Msg("snapshot camera opened")
	return s, nil
}

type snapshotStream struct {
	dev         *SnapshotDevice
	constraints Constraints
}

func (s *snapshotStream) Frame(ctx context.Context) (image.Image, error) {
	params := map[string]string{}
	if s.constraints.Facing != "" {
		params["facing"] = string(s.constraints.Facing)
	}
	if s.constraints.Width > 0 {
		params["width"] = strconv.Itoa(s.constraints.Width)
	}
	if s.constraints.Height > 0 {
		params["height"] = strconv.Itoa(s.constraints.Height)
	}

	res, err := s.dev.httpClient.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(s.dev.url)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return nil, fmt.Errorf("snapshot too large: exceeds limit of %d bytes", s.dev.maxSize)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("snapshot request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}

	contentType := res.Header().Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("invalid content type: expected image/*, got %s", contentType)
	}
	img, _, err := DecodeFrame(res.Body())
	return img, err
}

func (s *snapshotStream) Stop() error {
	return nil
}
