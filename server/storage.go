package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// InMemoryStore keeps session records keyed by their opaque ID. Access is
// guarded by a single RWMutex; records for different sessions never contend
// beyond map access.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]Session),
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// TouchSession extends a session's expiry in place. Updating under the lock
// avoids clobbering token fields written by a concurrent refresh.
func (s *InMemoryStore) TouchSession(id string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.ExpiresAt = expiresAt
	s.sessions[id] = sess
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
