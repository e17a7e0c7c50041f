package heartbeat

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTarget struct {
	mu       sync.Mutex
	comments []string
	failWith error
}

func (r *recordingTarget) WriteComment(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.comments = append(r.comments, text)
	return nil
}

func (r *recordingTarget) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.comments)
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat goroutine did not exit")
	}
}

func TestHeartbeat_EmitsUntilCancelled(t *testing.T) {
	s := NewScheduler(Config{Interval: 5 * time.Millisecond})
	defer s.Stop()

	target := &recordingTarget{}
	var beats atomic.Int32
	h := s.Attach("s1", target, Callbacks{OnBeat: func() { beats.Add(1) }})

	require.Eventually(t, func() bool { return target.count() >= 3 }, 2*time.Second, time.Millisecond)
	h.Cancel()
	waitDone(t, h)

	n := target.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, target.count(), "heartbeat fired after cancel")
	assert.Equal(t, int32(n), beats.Load())
	assert.Equal(t, Comment, target.comments[0])
}

func TestHeartbeat_WriteFailureSelfCancels(t *testing.T) {
	s := NewScheduler(Config{Interval: 5 * time.Millisecond})
	defer s.Stop()

	boom := errors.New("broken pipe")
	target := &recordingTarget{failWith: boom}

	failures := make(chan error, 2)
	h := s.Attach("s1", target, Callbacks{OnFailure: func(err error) {
		failures <- err
	}})

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure not called")
	}
	waitDone(t, h)
	assert.Empty(t, failures, "OnFailure called more than once")
}

func TestHeartbeat_CancelFromFailureCallback(t *testing.T) {
	s := NewScheduler(Config{Interval: 5 * time.Millisecond})
	defer s.Stop()

	var h *Handle
	ready := make(chan struct{})
	h = s.Attach("s1", &recordingTarget{failWith: errors.New("closed")}, Callbacks{OnFailure: func(error) {
		<-ready
		h.Cancel()
	}})
	close(ready)
	waitDone(t, h)
}

func TestScheduler_StopCancelsAll(t *testing.T) {
	s := NewScheduler(Config{Interval: time.Hour})

	h1 := s.Attach("a", &recordingTarget{}, Callbacks{})
	h2 := s.Attach("b", &recordingTarget{}, Callbacks{})
	s.Stop()

	waitDone(t, h1)
	waitDone(t, h2)

	h3 := s.Attach("c", &recordingTarget{}, Callbacks{})
	waitDone(t, h3)
}

func TestNewScheduler_DefaultInterval(t *testing.T) {
	s := NewScheduler(Config{})
	defer s.Stop()
	assert.Equal(t, DefaultConfig().Interval, s.Interval())
}
