package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/biocount/internal/capture"
	"github.com/raine/biocount/internal/llm"
)

func newTestStore(dev capture.Device) *Store {
	return NewStore(StoreOpts{
		Analyzer:    &stubAnalyzer{result: threeItems()},
		NewDevice:   func() capture.Device { return dev },
		IdleTimeout: 10 * time.Minute,
	})
}

func TestStore_CreateGetDelete(t *testing.T) {
	dev := stillDevice()
	st := newTestStore(dev)

	sess, err := st.Create(context.Background(), llm.ModeMM)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, llm.ModeMM, sess.Mode())
	assert.Equal(t, 1, dev.Active())

	got, ok := st.Get(sess.ID())
	require.True(t, ok)
	assert.Same(t, sess, got)

	assert.True(t, st.Delete(sess.ID()))
	assert.False(t, st.Delete(sess.ID()))
	_, ok = st.Get(sess.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, dev.Active())
}

func TestStore_CreateWithoutCamera(t *testing.T) {
	st := newTestStore(failingDevice{})
	sess, err := st.Create(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, MsgCameraUnavailable, sess.Snapshot().Error)
	assert.Equal(t, llm.ModeCM, sess.Mode())
}

func TestStore_EvictsIdleSessions(t *testing.T) {
	first := capture.Exclusive(capture.NewFeed())
	devices := []capture.Device{first, capture.Exclusive(capture.NewFeed())}
	st := NewStore(StoreOpts{
		Analyzer: &stubAnalyzer{},
		NewDevice: func() capture.Device {
			dev := devices[0]
			devices = devices[1:]
			return dev
		},
		IdleTimeout: 10 * time.Minute,
	})

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	idle, err := st.Create(context.Background(), llm.ModeCM)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Active())

	now = now.Add(5 * time.Minute)
	active, err := st.Create(context.Background(), llm.ModeCM)
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	assert.Equal(t, 1, st.evictIdle())

	_, ok := st.Get(idle.ID())
	assert.False(t, ok)
	_, ok = st.Get(active.ID())
	assert.True(t, ok)
	assert.Equal(t, 0, first.Active(), "evicted session released its camera")
	assert.ErrorIs(t, idle.Retake(context.Background()), ErrClosed)
}

func TestStore_ActivityKeepsSessionAlive(t *testing.T) {
	st := newTestStore(stillDevice())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	sess, err := st.Create(context.Background(), llm.ModeCM)
	require.NoError(t, err)

	now = now.Add(9 * time.Minute)
	require.NoError(t, sess.SetMode(llm.ModeMM))
	now = now.Add(9 * time.Minute)

	assert.Equal(t, 0, st.evictIdle())
	assert.Equal(t, 1, st.Len())
}

func TestStore_Shutdown(t *testing.T) {
	dev := stillDevice()
	st := newTestStore(dev)
	_, err := st.Create(context.Background(), llm.ModeCM)
	require.NoError(t, err)

	st.Shutdown()
	assert.Equal(t, 0, st.Len())
	assert.Equal(t, 0, dev.Active())

	_, err = st.Create(context.Background(), llm.ModeCM)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_RunStopsWithContext(t *testing.T) {
	st := NewStore(StoreOpts{
		Analyzer:      &stubAnalyzer{},
		NewDevice:     func() capture.Device { return stillDevice() },
		IdleTimeout:   time.Millisecond,
		SweepInterval: time.Millisecond,
	})
	_, err := st.Create(context.Background(), llm.ModeCM)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()

	assert.Eventually(t, func() bool { return st.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
