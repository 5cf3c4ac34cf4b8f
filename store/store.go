// Package store keeps server-side session records addressed by an opaque id.
//
// Every backend hands out a fresh, empty session when asked for an unknown or
// expired id, and serialises mutations of a single session through Update.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

// DefaultTTL is the inactivity timeout applied when a backend is built with
// a zero TTL.
const DefaultTTL = 30 * time.Minute

var (
	// ErrNotFound is returned by Update and Touch for unknown or expired ids.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when an optimistic update kept losing races.
	ErrConflict = errors.New("session update conflict")
)

// Session is the per-browser record. Values holds opaque blobs owned by the
// caller.
type Session struct {
	ID        string            `json:"id"`
	Values    map[string][]byte `json:"values"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`

	fresh bool
}

// Fresh reports whether the session was minted by Get rather than loaded.
func (s *Session) Fresh() bool { return s.fresh }

// Value returns the blob stored under key.
func (s *Session) Value(key string) ([]byte, bool) {
	if s == nil || s.Values == nil {
		return nil, false
	}
	v, ok := s.Values[key]
	return v, ok
}

// Set stores a blob under key.
func (s *Session) Set(key string, value []byte) {
	if s.Values == nil {
		s.Values = make(map[string][]byte)
	}
	s.Values[key] = value
}

// Delete removes key and returns the previous blob, if any.
func (s *Session) Delete(key string) ([]byte, bool) {
	v, ok := s.Value(key)
	if ok {
		delete(s.Values, key)
	}
	return v, ok
}

// Clone returns a deep copy so callers never share maps with a backend.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		fresh:     s.fresh,
	}
	if s.Values != nil {
		out.Values = make(map[string][]byte, len(s.Values))
		for k, v := range s.Values {
			out.Values[k] = append([]byte(nil), v...)
		}
	}
	return out
}

func (s *Session) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Store is implemented by every session backend.
type Store interface {
	// Get loads a session. Unknown or expired ids yield a fresh session with a
	// newly minted id that is not yet persisted.
	Get(ctx context.Context, id string) (*Session, error)
	// Put writes the session and slides its expiry forward.
	Put(ctx context.Context, sess *Session) error
	// Update atomically applies fn to the stored session. fn must not block on
	// I/O; returning an error aborts the write. Optimistic backends may call fn
	// again after a lost race, so anything fn captures must be reassigned on
	// every call.
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	// Touch slides the expiry of an existing session.
	Touch(ctx context.Context, id string) error
	// Expire deletes the session.
	Expire(ctx context.Context, id string) error
	Close() error
}

// NewID returns a random 256-bit identifier, base64url encoded.
func NewID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func newSession(now time.Time, ttl time.Duration) (*Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        id,
		Values:    make(map[string][]byte),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		fresh:     true,
	}, nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
