package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sserelay/relay/internal/protocol"
)

// Registry is a thread-safe map of session id to live Session. Operations on
// different ids never wait on each other.
type Registry struct {
	sessions sync.Map // id -> *Session
	count    atomic.Int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a new idle session. It fails with ErrDuplicateSession when
// id is already registered; the existing session is left untouched.
func (r *Registry) Register(id string, sink Sink, creds protocol.Credentials) (*Session, error) {
	s := newSession(id, sink, creds)
	if _, loaded := r.sessions.LoadOrStore(id, s); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.count.Add(1)
	return s, nil
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, error) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return v.(*Session), nil
}

// Remove deletes whatever session is registered under id. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id string) {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		r.count.Add(-1)
	}
}

// Release removes s only if it is still the session registered under its
// id, so a late cleanup cannot evict a newer registration. It reports
// whether s was removed.
func (r *Registry) Release(s *Session) bool {
	if r.sessions.CompareAndDelete(s.ID, s) {
		r.count.Add(-1)
		return true
	}
	return false
}

// All returns a snapshot of the registered sessions.
func (r *Registry) All() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}
