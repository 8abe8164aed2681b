// Package memory provides in-memory store implementations for local
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// SessionStore keeps crawl sessions in a map.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]crawl.Session
	order    []string // insertion order, for LatestActive
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]crawl.Session)}
}

// Create stores a new session.
func (s *SessionStore) Create(_ context.Context, sess crawl.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	return nil
}

// Update overwrites an existing session. Terminal sessions are
// immutable.
func (s *SessionStore) Update(_ context.Context, sess crawl.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return crawl.ErrSessionNotFound
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("session %s is terminal (%s)", sess.ID, cur.Status)
	}
	s.sessions[sess.ID] = sess
	return nil
}

// Get fetches a session by ID.
func (s *SessionStore) Get(_ context.Context, id string) (crawl.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return crawl.Session{}, crawl.ErrSessionNotFound
	}
	return sess, nil
}

// ActiveForStage returns the PENDING/RUNNING session for the stage.
func (s *SessionStore) ActiveForStage(_ context.Context, stage crawl.Stage) (crawl.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		sess := s.sessions[id]
		if sess.Stage == stage && !sess.Status.Terminal() {
			return sess, nil
		}
	}
	return crawl.Session{}, crawl.ErrSessionNotFound
}

// LatestActive returns the most recently started non-terminal session.
func (s *SessionStore) LatestActive(_ context.Context) (crawl.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		sess := s.sessions[s.order[i]]
		if !sess.Status.Terminal() {
			return sess, nil
		}
	}
	return crawl.Session{}, crawl.ErrSessionNotFound
}
