package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. It is the default backend for
// a single-instance deployment.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time

	done chan struct{}
	once sync.Once
}

// NewMemoryStore constructs the store and starts a janitor that drops expired
// sessions every sweep interval. A zero sweep disables the janitor.
func NewMemoryStore(ttl, sweep time.Duration) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		ttl:      ttlOrDefault(ttl),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if sweep > 0 {
		go s.cleanupRoutine(sweep)
	}
	return s
}

// Get returns a copy of the stored session or a fresh one.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if sess, ok := s.sessions[id]; ok {
		if !sess.expired(now) {
			return sess.Clone(), nil
		}
		delete(s.sessions, id)
	}
	return newSession(now, s.ttl)
}

// Put stores a copy of sess.
func (s *MemoryStore) Put(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := sess.Clone()
	stored.fresh = false
	stored.ExpiresAt = s.now().Add(s.ttl)
	s.sessions[stored.ID] = stored
	return nil
}

// Update applies fn while holding the store lock.
func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sess, ok := s.sessions[id]
	if !ok || sess.expired(now) {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	working := sess.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	working.ExpiresAt = now.Add(s.ttl)
	s.sessions[id] = working
	return working.Clone(), nil
}

// Touch slides the expiry of an existing session.
func (s *MemoryStore) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sess, ok := s.sessions[id]
	if !ok || sess.expired(now) {
		delete(s.sessions, id)
		return ErrNotFound
	}
	sess.ExpiresAt = now.Add(s.ttl)
	return nil
}

// Expire removes a session.
func (s *MemoryStore) Expire(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Len reports the number of stored sessions, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) cleanupRoutine(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, sess := range s.sessions {
		if sess.expired(now) {
			delete(s.sessions, id)
		}
	}
}
