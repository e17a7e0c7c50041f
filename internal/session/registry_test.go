package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sserelay/relay/internal/protocol"
)

type nopSink struct{}

func (nopSink) WriteData(string) error    { return nil }
func (nopSink) WriteDone() error          { return nil }
func (nopSink) WriteError(string) error   { return nil }
func (nopSink) WriteComment(string) error { return nil }
func (nopSink) Close() error              { return nil }

type countingCanceler struct {
	mu sync.Mutex
	n  int
}

func (c *countingCanceler) Cancel() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

var creds = protocol.Credentials{APIKey: "k", ProjectID: "p"}

func TestRegistry_RegisterLookupRemove(t *testing.T) {
	r := NewRegistry()

	s, err := r.Register("S1", nopSink{}, creds)
	require.NoError(t, err)
	assert.Equal(t, "S1", s.ID)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, r.Count())

	got, err := r.Lookup("S1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	r.Remove("S1")
	_, err = r.Lookup("S1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, r.Count())

	r.Remove("S1")
	r.Remove("never-registered")
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_DuplicateUntilRemoved(t *testing.T) {
	r := NewRegistry()

	first, err := r.Register("S1", nopSink{}, creds)
	require.NoError(t, err)

	_, err = r.Register("S1", nopSink{}, creds)
	require.ErrorIs(t, err, ErrDuplicateSession)

	got, err := r.Lookup("S1")
	require.NoError(t, err)
	assert.Same(t, first, got, "duplicate register replaced the original session")

	first.Terminate()
	require.True(t, r.Release(first))

	second, err := r.Register("S1", nopSink{}, creds)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestRegistry_ReleaseIgnoresNewerRegistration(t *testing.T) {
	r := NewRegistry()

	old, err := r.Register("S1", nopSink{}, creds)
	require.NoError(t, err)
	r.Remove("S1")

	fresh, err := r.Register("S1", nopSink{}, creds)
	require.NoError(t, err)

	assert.False(t, r.Release(old))
	got, err := r.Lookup("S1")
	require.NoError(t, err)
	assert.Same(t, fresh, got)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ConcurrentRegisterSameID(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register("shared", nopSink{}, creds); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ConcurrentDistinctIDs(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i)
			s, err := r.Register(id, nopSink{}, creds)
			if !assert.NoError(t, err) {
				return
			}
			_, err = r.Lookup(id)
			assert.NoError(t, err)
			if i%2 == 0 {
				r.Release(s)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Count())
	assert.Len(t, r.All(), 50)
}

func TestSession_StateMachine(t *testing.T) {
	r := NewRegistry()
	s, err := r.Register("S1", nopSink{}, creds)
	require.NoError(t, err)

	hb := &countingCanceler{}
	s.SetHeartbeat(hb)

	streamCancelled := 0
	_, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.BeginStream(func() { streamCancelled++; cancel() }))
	assert.Equal(t, StateStreaming, s.State())

	err = s.BeginStream(func() {})
	require.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, StateStreaming, s.State())

	started, first := s.Terminate()
	assert.True(t, first)
	assert.False(t, started.IsZero())
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, 1, hb.n)
	assert.Equal(t, 1, streamCancelled)

	_, first = s.Terminate()
	assert.False(t, first)
	assert.Equal(t, 1, hb.n)
	assert.Equal(t, 1, streamCancelled)

	require.ErrorIs(t, s.BeginStream(func() {}), ErrSessionTerminated)
}

func TestSession_HeartbeatAfterTerminateIsCancelled(t *testing.T) {
	r := NewRegistry()
	s, err := r.Register("S1", nopSink{}, creds)
	require.NoError(t, err)
	s.Terminate()

	hb := &countingCanceler{}
	s.SetHeartbeat(hb)
	assert.Equal(t, 1, hb.n)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "terminated", StateTerminated.String())
}
