// Package heartbeat keeps idle event streams alive. Each attached stream gets
// a goroutine that writes a comment frame at a fixed interval until the
// handle is cancelled or a write fails.
package heartbeat

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sserelay/relay/internal/metrics"
)

// Comment is the text of every keep-alive frame.
const Comment = "keep-alive"

// Config holds heartbeat tuning parameters.
type Config struct {
	Interval time.Duration // how often to write a keep-alive (default: 15s)
}

// DefaultConfig returns an interval comfortably below the common 30-60s idle
// timeouts of proxies and load balancers.
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second}
}

// Target is the stream a heartbeat writes to.
type Target interface {
	WriteComment(text string) error
}

// Callbacks are invoked from the heartbeat goroutine.
type Callbacks struct {
	// OnBeat runs after every successful keep-alive.
	OnBeat func()

	// OnFailure runs once when a keep-alive write fails. The handle is
	// already cancelled when it runs.
	OnFailure func(err error)
}

// Scheduler owns the heartbeat goroutines of every session.
type Scheduler struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. A non-positive interval falls back to
// the default.
func NewScheduler(config Config) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{config: config, ctx: ctx, cancel: cancel}
}

// Interval returns the keep-alive period.
func (s *Scheduler) Interval() time.Duration {
	return s.config.Interval
}

// Handle controls one attached heartbeat.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the heartbeat. It does not wait for the goroutine to exit, so
// it is safe to call from OnFailure. Safe to call more than once.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the heartbeat goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Attach starts a heartbeat on target. It returns immediately; after Stop it
// returns an already finished handle.
func (s *Scheduler) Attach(sessionID string, target Target, cb Callbacks) *Handle {
	ctx, cancel := context.WithCancel(s.ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	if ctx.Err() != nil {
		cancel()
		close(h.done)
		return h
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		s.run(ctx, h, sessionID, target, cb)
	}()
	return h
}

func (s *Scheduler) run(ctx context.Context, h *Handle, sessionID string, target Target, cb Callbacks) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Cancel may race with the tick; never write after it.
		if ctx.Err() != nil {
			return
		}

		if err := target.WriteComment(Comment); err != nil {
			h.cancel()
			metrics.HeartbeatsTotal.WithLabelValues("failed").Inc()
			log.WithFields(log.Fields{"session": sessionID, "error": err}).Debug("heartbeat: write failed, stopping")
			if cb.OnFailure != nil {
				cb.OnFailure(err)
			}
			return
		}
		metrics.HeartbeatsTotal.WithLabelValues("sent").Inc()
		if cb.OnBeat != nil {
			cb.OnBeat()
		}
	}
}

// Stop cancels every heartbeat and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
