package dialogue

import (
	"context"
	"sync"
	"time"
)

type memorySession struct {
	turns      []Turn
	lastActive time.Time
}

// MemoryStore keeps sessions in process memory. Sessions are lost on
// shutdown.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	window   int
	idle     time.Duration
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithWindow sets the number of retained non-system turns; 0 keeps all.
func WithWindow(n int) MemoryOption {
	return func(s *MemoryStore) { s.window = n }
}

// WithIdleTimeout expires sessions not touched for d; 0 disables expiry.
func WithIdleTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.idle = d }
}

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an in-memory dialogue store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*memorySession),
		window:   DefaultWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the session if present and not expired. Callers hold s.mu.
func (s *MemoryStore) live(userID string, now time.Time) (*memorySession, bool) {
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, false
	}
	if s.expired(sess, now) {
		delete(s.sessions, userID)
		return nil, false
	}
	return sess, true
}

func (s *MemoryStore) expired(sess *memorySession, now time.Time) bool {
	return s.idle > 0 && now.Sub(sess.lastActive) > s.idle
}

// Append adds turns and trims the window.
func (s *MemoryStore) Append(_ context.Context, userID string, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.live(userID, now)
	if !ok {
		sess = &memorySession{}
		s.sessions[userID] = sess
	}
	for _, t := range turns {
		if t.At.IsZero() {
			t.At = now
		}
		sess.turns = append(sess.turns, t)
	}
	sess.turns = trim(sess.turns, s.window)
	sess.lastActive = now
	return nil
}

// History returns a copy of the user's turns.
func (s *MemoryStore) History(_ context.Context, userID string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(userID, s.now())
	if !ok {
		return nil, nil
	}
	out := make([]Turn, len(sess.turns))
	copy(out, sess.turns)
	return out, nil
}

// Reset removes the user's session.
func (s *MemoryStore) Reset(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

// Exists reports whether the user has a live session.
func (s *MemoryStore) Exists(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(userID, s.now())
	return ok, nil
}

// Sweep removes every session idle at now and returns how many were removed.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of sessions held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
