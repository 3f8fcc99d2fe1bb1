package capture

import (
	"context"
	"image"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ExclusiveDevice allows at most one open stream at a time.
type ExclusiveDevice struct {
	inner Device
	sem   *semaphore.Weighted

	mu     sync.Mutex
	active int
}

// Exclusive wraps dev so that a second Open fails with ErrDeviceBusy while a
// stream is live.
func Exclusive(dev Device) *ExclusiveDevice {
	return &ExclusiveDevice{inner: dev, sem: semaphore.NewWeighted(1)}
}

func (d *ExclusiveDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if !d.sem.TryAcquire(1) {
		return nil, ErrDeviceBusy
	}

	stream, err := d.inner.Open(ctx, c)
	if err != nil {
		d.sem.Release(1)
		return nil, err
	}

	d.mu.Lock()
	d.active++
	d.mu.Unlock()

	return &exclusiveStream{Stream: stream, dev: d}, nil
}

// Active returns the number of live holds on the device.
func (d *ExclusiveDevice) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Unwrap returns the wrapped device.
func (d *ExclusiveDevice) Unwrap() Device {
	return d.inner
}

func (d *ExclusiveDevice) release() {
	d.mu.Lock()
	d.active--
	d.mu.Unlock()
	d.sem.Release(1)
}

type exclusiveStream struct {
	Stream
	dev  *ExclusiveDevice
	once sync.Once
}

func (s *exclusiveStream) Frame(ctx context.Context) (image.Image, error) {
	return s.Stream.Frame(ctx)
}

func (s *exclusiveStream) Stop() error {
	var err error
	s.once.Do(func() {
		err = s.Stream.Stop()
		s.dev.release()
	})
	return err
}
