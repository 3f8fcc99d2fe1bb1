package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	return img
}

type fakeDevice struct {
	frame   image.Image
	openErr error
	opened  int
	stopped int
}

func (d *fakeDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened++
	return &fakeStream{dev: d}, nil
}

type fakeStream struct {
	dev *fakeDevice
}

func (s *fakeStream) Frame(ctx context.Context) (image.Image, error) { return s.dev.frame, nil }
func (s *fakeStream) Stop() error {
	s.dev.stopped++
	return nil
}

func TestCapture_UsesActualFrameDimensions(t *testing.T) {
	// The device ignores the 1920x1080 preference and delivers 640x480.
	dev := &fakeDevice{frame: testFrame(640, 480)}
	cam, err := Activate(context.Background(), dev, DefaultConstraints())
	require.NoError(t, err)
	defer cam.Close()

	img, err := cam.Capture(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", img.MIMEType)
	assert.Equal(t, 640, img.Width)
	assert.Equal(t, 480, img.Height)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 480, cfg.Height)
}

func TestCapture_OffsetFrameBounds(t *testing.T) {
	sub := testFrame(100, 80).(*image.RGBA).SubImage(image.Rect(10, 20, 60, 70))
	img, err := EncodeFrame(sub, DefaultJPEGQuality)
	require.NoError(t, err)
	assert.Equal(t, 50, img.Width)
	assert.Equal(t, 50, img.Height)
}

func TestActivate_PermissionDenied(t *testing.T) {
	dev := &fakeDevice{openErr: errors.New("NotAllowedError: permission denied")}
	cam, err := Activate(context.Background(), dev, DefaultConstraints())
	assert.Nil(t, cam)
	assert.ErrorIs(t, err, ErrCameraUnavailable)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestCamera_CloseIsIdempotent(t *testing.T) {
	dev := &fakeDevice{frame: testFrame(4, 4)}
	cam, err := Activate(context.Background(), dev, DefaultConstraints())
	require.NoError(t, err)

	require.NoError(t, cam.Close())
	require.NoError(t, cam.Close())
	assert.Equal(t, 1, dev.stopped)

	_, err = cam.Capture(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExclusive_SecondOpenIsBusy(t *testing.T) {
	dev := Exclusive(&fakeDevice{frame: testFrame(4, 4)})

	first, err := Activate(context.Background(), dev, DefaultConstraints())
	require.NoError(t, err)
	assert.Equal(t, 1, dev.Active())

	_, err = Activate(context.Background(), dev, DefaultConstraints())
	assert.ErrorIs(t, err, ErrCameraUnavailable)
	assert.ErrorIs(t, err, ErrDeviceBusy)
	assert.Equal(t, 1, dev.Active())

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	assert.Equal(t, 0, dev.Active())

	second, err := Activate(context.Background(), dev, DefaultConstraints())
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, 1, dev.Active())
}

func TestExclusive_FailedOpenReleasesHold(t *testing.T) {
	dev := Exclusive(&fakeDevice{openErr: errors.New("no device")})
	_, err := dev.Open(context.Background(), DefaultConstraints())
	require.Error(t, err)
	assert.Equal(t, 0, dev.Active())
	assert.True(t, dev.sem.TryAcquire(1))
}

func TestFeed(t *testing.T) {
	feed := NewFeed()
	cam, err := Activate(context.Background(), feed, DefaultConstraints())
	require.NoError(t, err)

	_, err = cam.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)

	feed.Push(testFrame(32, 24))
	img, err := cam.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 32, img.Width)
	assert.Equal(t, 24, img.Height)

	require.NoError(t, cam.Close())
	assert.Nil(t, feed.current())
}

func TestSplitDataURI(t *testing.T) {
	payload := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	uri := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(payload)

	raw, mimeType, err := SplitDataURI([]byte(uri))
	require.NoError(t, err)
	assert.Equal(t, payload, raw)
	assert.Equal(t, "image/jpeg", mimeType)

	raw, mimeType, err = SplitDataURI(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, raw)
	assert.Empty(t, mimeType)

	_, _, err = SplitDataURI([]byte("data:image/png;base64"))
	assert.Error(t, err)
}

func TestDecodeFrame_PNGDataURI(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testFrame(12, 7)))
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	img, mimeType, err := DecodeFrame([]byte(uri))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mimeType)
	assert.Equal(t, 12, img.Bounds().Dx())
	assert.Equal(t, 7, img.Bounds().Dy())

	_, _, err = DecodeFrame([]byte("not an image"))
	assert.Error(t, err)
}

func TestSnapshotDevice(t *testing.T) {
	var req *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req = r
		w.Header().Set("Content-Type", "image/png")
		png.Encode(w, testFrame(320, 240))
	}))
	defer ts.Close()

	dev := NewSnapshotDevice(SnapshotOpts{URL: ts.URL + "/snapshot"})
	cam, err := Activate(context.Background(), dev, DefaultConstraints())
	require.NoError(t, err)
	defer cam.Close()

	img, err := cam.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 320, img.Width)
	assert.Equal(t, 240, img.Height)

	assert.Equal(t, "/snapshot", req.URL.Path)
	assert.Equal(t, "environment", req.URL.Query().Get("facing"))
	assert.Equal(t, "1920", req.URL.Query().Get("width"))
	assert.Equal(t, "1080", req.URL.Query().Get("height"))
}

func TestSnapshotDevice_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	dev := NewSnapshotDevice(SnapshotOpts{URL: ts.URL})
	_, err := Activate(context.Background(), dev, DefaultConstraints())
	assert.ErrorIs(t, err, ErrCameraUnavailable)
	assert.Contains(t, err.Error(), "status: 503")
}

func TestCapturedImage_DataURL(t *testing.T) {
	img := &CapturedImage{Data: []byte("abc"), MIMEType: "image/jpeg"}
	assert.Equal(t, "data:image/jpeg;base64,YWJj", img.DataURL())
}

func TestSinkOf_LooksThroughExclusive(t *testing.T) {
	feed := NewFeed()
	sink, ok := SinkOf(Exclusive(feed))
	require.True(t, ok)
	assert.Same(t, feed, sink)

	_, ok = SinkOf(Exclusive(Still{}))
	assert.False(t, ok)
}

func TestSnapshotDevice_BodyLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(bytes.Repeat([]byte{0xff}, 64<<10))
	}))
	defer ts.Close()

	dev := NewSnapshotDevice(SnapshotOpts{URL: ts.URL, MaxSize: 1024})
	_, err := Activate(context.Background(), dev, DefaultConstraints())
	require.ErrorIs(t, err, ErrCameraUnavailable)
	assert.Contains(t, err.Error(), "snapshot too large")
}

func TestParseFacing(t *testing.T) {
	for in, want := range map[string]Facing{
		"environment": FacingRear,
		"Rear":        FacingRear,
		"back":        FacingRear,
		"user":        FacingFront,
		" front ":     FacingFront,
	} {
		got, err := ParseFacing(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFacing("sideways")
	assert.Error(t, err)
}
