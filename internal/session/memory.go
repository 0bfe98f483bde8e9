package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for development and tests. A single
// mutex guards the whole map; the rotate critical section is therefore
// trivially atomic. Production deployments use RedisStore so revocation
// survives restarts and is shared across replicas.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test helper; not safe to call after
// the store is in use.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) Create(_ context.Context, userID string, ttl time.Duration) (Session, error) {
	now := s.now().UTC()
	sess := Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		CreatedAt:      now,
		LastSeenAt:     now,
		ExpiresAt:      now.Add(ttl),
		RefreshVersion: 0,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = &sess
	return sess, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastSeenAt = s.now().UTC()
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !s.now().Before(sess.ExpiresAt) {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

func (s *MemoryStore) IsLive(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	return s.now().Before(sess.ExpiresAt), nil
}

func (s *MemoryStore) CurrentVersion(_ context.Context, id string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !s.now().Before(sess.ExpiresAt) {
		return 0, false, nil
	}
	return sess.RefreshVersion, true, nil
}

func (s *MemoryStore) Rotate(_ context.Context, id string, presented uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	if !s.now().Before(sess.ExpiresAt) {
		delete(s.sessions, id)
		return 0, ErrNotFound
	}
	if sess.RefreshVersion != presented {
		// Reuse of a superseded version: destroy the whole chain so every
		// outstanding token for this session is dead.
		delete(s.sessions, id)
		return 0, ErrReuseDetected
	}

	sess.RefreshVersion++
	sess.LastSeenAt = s.now().UTC()
	return sess.RefreshVersion, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Count reports the number of tracked sessions, live or expired.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
