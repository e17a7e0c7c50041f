package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sserelay/relay/internal/protocol"
)

var (
	ErrSessionNotFound   = errors.New("session: not found")
	ErrDuplicateSession  = errors.New("session: id already in use")
	ErrSessionBusy       = errors.New("session: a message is already streaming")
	ErrSessionTerminated = errors.New("session: terminated")
)

// State is the relay state of a session.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return StatusIdle
	case StateStreaming:
		return StatusStreaming
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sink is the client facing event stream of a session.
type Sink interface {
	WriteData(content string) error
	WriteDone() error
	WriteError(message string) error
	WriteComment(text string) error
	Close() error
}

// Canceler stops a background activity bound to the session.
type Canceler interface {
	Cancel()
}

// Session is one open client stream.
type Session struct {
	ID          string
	Credentials protocol.Credentials
	Sink        Sink
	CreatedAt   time.Time

	mu            sync.Mutex
	state         State
	heartbeat     Canceler
	cancelStream  context.CancelFunc
	streamStarted time.Time
}

func newSession(id string, sink Sink, creds protocol.Credentials) *Session {
	return &Session{ID: id, Credentials: creds, Sink: sink, CreatedAt: time.Now()}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetHeartbeat binds the session's keep-alive. A heartbeat attached to an
// already terminated session is cancelled immediately.
func (s *Session) SetHeartbeat(h Canceler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		h.Cancel()
		return
	}
	s.heartbeat = h
}

// BeginStream moves an idle session to streaming. cancel aborts the upstream
// stream and is invoked by Terminate.
func (s *Session) BeginStream(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStreaming:
		return fmt.Errorf("%w: %s", ErrSessionBusy, s.ID)
	case StateTerminated:
		return fmt.Errorf("%w: %s", ErrSessionTerminated, s.ID)
	}
	s.state = StateStreaming
	s.cancelStream = cancel
	s.streamStarted = time.Now()
	return nil
}

// Terminate moves the session to its absorbing terminal state, cancelling
// the heartbeat and any active upstream stream. It reports whether this call
// performed the transition, and when the active stream (if any) started.
func (s *Session) Terminate() (streamStarted time.Time, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return time.Time{}, false
	}
	s.state = StateTerminated

	if s.heartbeat != nil {
		s.heartbeat.Cancel()
		s.heartbeat = nil
	}
	if s.cancelStream != nil {
		s.cancelStream()
		s.cancelStream = nil
	}
	return s.streamStarted, true
}
