package capture

import (
	"context"
	"image"
	"sync"
)

// FrameSink accepts frames pushed from outside the process.
type FrameSink interface {
	Push(img image.Image)
}

// SinkOf returns the FrameSink behind dev, looking through wrappers that
// expose Unwrap.
func SinkOf(dev Device) (FrameSink, bool) {
	for dev != nil {
		if s, ok := dev.(FrameSink); ok {
			return s, true
		}
		u, ok := dev.(interface{ Unwrap() Device })
		if !ok {
			break
		}
		dev = u.Unwrap()
	}
	return nil, false
}

// Feed is a device whose frames are pushed by a client, typically a phone
// browser streaming its rear camera.
type Feed struct {
	mu     sync.Mutex
	latest image.Image
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Push replaces the current frame.
func (f *Feed) Push(img image.Image) {
	f.mu.Lock()
	f.latest = img
	f.mu.Unlock()
}

func (f *Feed) current() image.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *Feed) Open(ctx context.Context, c Constraints) (Stream, error) {
	return &feedStream{feed: f}, nil
}

type feedStream struct {
	feed *Feed
}

func (s *feedStream) Frame(ctx context.Context) (image.Image, error) {
	if img := s.feed.current(); img != nil {
		return img, nil
	}
	return nil, ErrNoFrame
}

// Stop drops the last frame so a later stream never sees a stale picture.
func (s *feedStream) Stop() error {
	s.feed.Push(nil)
	return nil
}

// Still is a device that always yields the same image.
type Still struct {
	Image image.Image
}

func (s Still) Open(ctx context.Context, c Constraints) (Stream, error) {
	if s.Image == nil {
		return nil, ErrNoFrame
	}
	return stillStream{img: s.Image}, nil
}

type stillStream struct {
	img image.Image
}

func (s stillStream) Frame(ctx context.Context) (image.Image, error) { return s.img, nil }
func (s stillStream) Stop() error                                     { return nil }
