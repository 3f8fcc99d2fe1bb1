package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/raine/biocount/internal/capture"
	"github.com/raine/biocount/internal/llm"
)

const (
	DefaultIdleTimeout   = 15 * time.Minute
	defaultSweepInterval = time.Minute
)

// StoreOpts configures a Store.
type StoreOpts struct {
	Analyzer llm.Analyzer
	// NewDevice returns the camera for a new session. Sessions may share one
	// device; an exclusive device then admits one live camera at a time.
	NewDevice       func() capture.Device
	Constraints     capture.Constraints
	JPEGQuality     int
	AnalysisTimeout time.Duration
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
}

// Store keeps the live sessions and evicts idle ones.
type Store struct {
	opts StoreOpts
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewStore(opts StoreOpts) *Store {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = min(defaultSweepInterval, opts.IdleTimeout)
	}
	return &Store{
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session and tries to acquire its camera. A camera
// failure does not fail creation; it is reported in the session's state.
func (st *Store) Create(ctx context.Context, mode llm.Mode) (*Session, error) {
	sess := New(uuid.NewString(), Config{
		Device:          st.opts.NewDevice(),
		Analyzer:        st.opts.Analyzer,
		Constraints:     st.opts.Constraints,
		JPEGQuality:     st.opts.JPEGQuality,
		AnalysisTimeout: st.opts.AnalysisTimeout,
		Mode:            mode,
	})
	sess.now = st.now
	sess.lastActive = st.now()

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, ErrClosed
	}
	st.sessions[sess.ID()] = sess
	count := len(st.sessions)
	st.mu.Unlock()

	log.Info().Str("session", sess.ID()).Str("mode", string(sess.Mode())).Int("sessions", count).Msg("session created")

	if err := sess.Start(ctx); err != nil {
		log.Warn().Err(err).Str("session", sess.ID()).Msg("session started without camera")
	}
	return sess, nil
}

func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// Delete closes and removes a session. It reports whether it existed.
func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()

	if ok {
		sess.Close()
	}
	return ok
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Run evicts idle sessions until ctx is done.
func (st *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(st.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping session janitor")
			return nil
		case <-ticker.C:
			st.evictIdle()
		}
	}
}

func (st *Store) evictIdle() int {
	cutoff := st.now().Add(-st.opts.IdleTimeout)

	st.mu.Lock()
	var idle []*Session
	for id, sess := range st.sessions {
		if sess.LastActive().Before(cutoff) {
			idle = append(idle, sess)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()

	for _, sess := range idle {
		sess.Close()
		log.Info().Str("session", sess.ID()).Msg("evicted idle session")
	}
	return len(idle)
}

// Shutdown closes every session and refuses new ones.
func (st *Store) Shutdown() {
	st.mu.Lock()
	st.closed = true
	sessions := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess)
	}
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	// Close outside the lock.
	for _, sess := range sessions {
		sess.Close()
	}
	log.Info().Int("count", len(sessions)).Msg("closed all sessions")
}
