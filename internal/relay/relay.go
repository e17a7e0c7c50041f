// Package relay bridges client event streams and upstream completions. A
// Relay owns the session registry and the heartbeat scheduler; Open binds a
// client stream to a session id, Submit starts one upstream completion for
// that session and pumps its decoded fragments onto the client stream until
// the upstream finishes, fails, or the client goes away.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sserelay/relay/internal/decoder"
	"github.com/sserelay/relay/internal/heartbeat"
	"github.com/sserelay/relay/internal/metrics"
	"github.com/sserelay/relay/internal/protocol"
	"github.com/sserelay/relay/internal/session"
	"github.com/sserelay/relay/internal/upstream"
)

var (
	ErrShuttingDown = errors.New("relay: shutting down")
	ErrCapacity     = errors.New("relay: session limit reached")
)

const (
	// ShutdownMessage is sent as an error event to every open stream on Shutdown.
	ShutdownMessage = "server shutting down"

	// CancelledMessage is sent when a stream is cancelled before it finished.
	CancelledMessage = "stream cancelled"
)

// Termination reasons, used as metric labels.
const (
	reasonDone          = "done"
	reasonUpstreamError = "upstream_error"
	reasonOpenError     = "open_error"
	reasonDisconnect    = "disconnect"
	reasonShutdown      = "shutdown"
	reasonCancelled     = "cancelled"
)

// Opener starts upstream streams. *upstream.Client implements it.
type Opener interface {
	Open(ctx context.Context, creds protocol.Credentials, messages []protocol.Message) (*upstream.Stream, error)
}

// Directory mirrors session ownership outside the process.
// *session.Directory implements it.
type Directory interface {
	Claim(ctx context.Context, sessionID string) error
	UpdateStatus(ctx context.Context, sessionID string, status string) error
	RefreshTTL(ctx context.Context, sessionID string) error
	Release(ctx context.Context, sessionID string) error
}

// Config holds relay tuning parameters.
type Config struct {
	Heartbeat        heartbeat.Config
	MaxSessions      int           // 0 means unlimited
	DirectoryTimeout time.Duration // per-call bound on directory operations
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Heartbeat:        heartbeat.DefaultConfig(),
		MaxSessions:      10000,
		DirectoryTimeout: 2 * time.Second,
	}
}

// Relay coordinates sessions, heartbeats and upstream streams.
type Relay struct {
	config     Config
	registry   *session.Registry
	heartbeats *heartbeat.Scheduler
	upstream   Opener
	directory  Directory // nil when running without a shared directory

	// ctx parents every upstream stream; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex // guards closing against Open/Submit
	closing bool
	wg      sync.WaitGroup // pump goroutines

	slots atomic.Int64 // sessions opened and not yet terminated
}

// New creates a Relay. directory may be nil.
func New(up Opener, directory Directory, config Config) *Relay {
	if config.DirectoryTimeout <= 0 {
		config.DirectoryTimeout = DefaultConfig().DirectoryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		config:     config,
		registry:   session.NewRegistry(),
		heartbeats: heartbeat.NewScheduler(config.Heartbeat),
		upstream:   up,
		directory:  directory,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Registry returns the relay's session registry.
func (r *Relay) Registry() *session.Registry {
	return r.registry
}

// reserve takes a session slot, failing when MaxSessions are already open.
func (r *Relay) reserve() bool {
	for {
		n := r.slots.Load()
		if r.config.MaxSessions > 0 && n >= int64(r.config.MaxSessions) {
			return false
		}
		if r.slots.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Count returns the number of open sessions.
func (r *Relay) Count() int {
	return r.registry.Count()
}

// Open registers a client stream under id and starts its heartbeat. It fails
// with session.ErrDuplicateSession while another stream holds id.
func (r *Relay) Open(id string, creds protocol.Credentials, sink session.Sink) (*session.Session, error) {
	r.mu.RLock()
	closing := r.closing
	r.mu.RUnlock()
	if closing {
		return nil, ErrShuttingDown
	}
	if !r.reserve() {
		return nil, ErrCapacity
	}

	sess, err := r.registry.Register(id, sink, creds)
	if err != nil {
		r.slots.Add(-1)
		return nil, err
	}

	if r.directory != nil {
		ctx, cancel := r.directoryContext()
		err := r.directory.Claim(ctx, id)
		cancel()
		switch {
		case errors.Is(err, session.ErrDuplicateSession):
			sess.Terminate()
			r.registry.Release(sess)
			r.slots.Add(-1)
			return nil, err
		case err != nil:
			// The local registry stays authoritative; only cross-instance
			// duplicate detection is lost for this session.
			log.WithFields(log.Fields{"session": id, "error": err}).Warn("relay: directory claim failed")
		}
	}
	metrics.SessionsActive.Inc()

	// Attach under the read lock so Shutdown never stops the scheduler while
	// a heartbeat is being added.
	r.mu.RLock()
	closing = r.closing
	if !closing {
		h := r.heartbeats.Attach(id, sink, heartbeat.Callbacks{
			OnBeat: func() { r.refresh(id) },
			OnFailure: func(error) {
				r.terminate(sess, reasonDisconnect)
			},
		})
		sess.SetHeartbeat(h)
	}
	r.mu.RUnlock()
	if closing {
		r.terminate(sess, reasonShutdown)
		return nil, ErrShuttingDown
	}

	log.WithField("session", id).Debug("relay: session opened")
	return sess, nil
}

// Submit starts an upstream completion for the session registered under id
// and returns once the upstream has accepted the request. Fragments are
// delivered to the session's sink asynchronously.
//
// Submit fails with session.ErrSessionNotFound for unknown ids and with
// session.ErrSessionBusy while a previous message is still streaming. An
// upstream open failure is reported on the sink, terminates the session and
// is returned wrapping upstream.ErrOpen.
//
// ctx bounds only the open; the stream itself outlives the call. A ctx that
// ends before the open returns fails the submit like an open error.
func (r *Relay) Submit(ctx context.Context, id string, messages []protocol.Message) error {
	sess, err := r.registry.Lookup(id)
	if err != nil {
		return err
	}

	r.mu.RLock()
	if r.closing {
		r.mu.RUnlock()
		return ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.RUnlock()

	streamCtx, cancel := context.WithCancel(r.ctx)
	if err := sess.BeginStream(cancel); err != nil {
		cancel()
		r.wg.Done()
		return err
	}
	r.mirrorStatus(id, session.StatusStreaming)

	stop := context.AfterFunc(ctx, cancel)
	stream, err := r.upstream.Open(streamCtx, sess.Credentials, messages)
	if !stop() && err == nil {
		// ctx ended while opening and has already cancelled the stream.
		stream.Close()
		err = fmt.Errorf("%w: %w", upstream.ErrOpen, context.Cause(ctx))
	}
	if err != nil {
		r.wg.Done()
		metrics.StreamsTotal.WithLabelValues("open_error").Inc()
		if !errors.Is(err, upstream.ErrOpen) {
			err = fmt.Errorf("%w: %w", upstream.ErrOpen, err)
		}
		log.WithFields(log.Fields{"session": id, "error": err}).Warn("relay: upstream open failed")
		_ = sess.Sink.WriteError(errorMessage(err))
		r.terminate(sess, reasonOpenError)
		return err
	}

	metrics.StreamsTotal.WithLabelValues("opened").Inc()
	go r.pump(streamCtx, sess, stream)
	return nil
}

// Disconnect tears down a session whose client went away.
func (r *Relay) Disconnect(sess *session.Session) {
	r.terminate(sess, reasonDisconnect)
}

// Shutdown refuses new sessions, sends an error event to every open stream,
// terminates them and waits for their pump goroutines until ctx expires.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	sessions := r.registry.All()
	for _, sess := range sessions {
		_ = sess.Sink.WriteError(ShutdownMessage)
		r.terminate(sess, reasonShutdown)
	}
	r.heartbeats.Stop()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.WithField("sessions", len(sessions)).Info("relay: shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown: %w", ctx.Err())
	}
}

// pump relays one upstream stream onto the session sink. It is the only
// writer of data frames for the session, which keeps fragments in order.
func (r *Relay) pump(ctx context.Context, sess *session.Session, stream *upstream.Stream) {
	defer r.wg.Done()
	defer stream.Close()

	logger := log.WithField("session", sess.ID)

	for chunk, err := range stream.Chunks() {
		if err != nil {
			if ctx.Err() != nil {
				r.abort(sess)
				return
			}
			logger.WithError(err).Warn("relay: upstream stream failed")
			_ = sess.Sink.WriteError(errorMessage(err))
			r.terminate(sess, reasonUpstreamError)
			return
		}

		for ev := range decoder.Decode(chunk) {
			switch ev.Kind {
			case decoder.KindContent:
				if ev.Content == "" {
					continue
				}
				if err := sess.Sink.WriteData(ev.Content); err != nil {
					logger.WithError(err).Debug("relay: client write failed")
					r.terminate(sess, reasonDisconnect)
					return
				}
				metrics.FragmentsTotal.Inc()
			case decoder.KindParseError:
				metrics.DecodeErrorsTotal.Inc()
				logger.WithFields(log.Fields{"line": ev.Line, "error": ev.Err}).Debug("relay: skipping malformed frame")
			case decoder.KindDone:
				r.complete(sess)
				return
			}
		}
	}

	if ctx.Err() != nil {
		r.abort(sess)
		return
	}
	// The upstream closed without a sentinel; the content is complete.
	r.complete(sess)
}

// abort ends a session whose stream context was cancelled. It is a no-op when
// the cancellation came from terminate.
func (r *Relay) abort(sess *session.Session) {
	if sess.State() == session.StateTerminated {
		return
	}
	_ = sess.Sink.WriteError(CancelledMessage)
	r.terminate(sess, reasonCancelled)
}

func (r *Relay) complete(sess *session.Session) {
	_ = sess.Sink.WriteDone()
	r.terminate(sess, reasonDone)
}

// terminate is the single teardown path. Only the first call per session has
// any effect: the heartbeat and upstream are cancelled, the registry entry
// and directory claim are released, then the sink is closed.
func (r *Relay) terminate(sess *session.Session, reason string) {
	started, first := sess.Terminate()
	if !first {
		return
	}
	r.registry.Release(sess)
	r.slots.Add(-1)

	if r.directory != nil {
		ctx, cancel := r.directoryContext()
		if err := r.directory.Release(ctx, sess.ID); err != nil {
			log.WithFields(log.Fields{"session": sess.ID, "error": err}).Warn("relay: directory release failed")
		}
		cancel()
	}

	_ = sess.Sink.Close()

	metrics.SessionsActive.Dec()
	metrics.SessionsTerminated.WithLabelValues(reason).Inc()
	if !started.IsZero() {
		metrics.StreamDuration.Observe(time.Since(started).Seconds())
	}
	log.WithFields(log.Fields{"session": sess.ID, "reason": reason}).Debug("relay: session terminated")
}

func (r *Relay) refresh(id string) {
	if r.directory == nil {
		return
	}
	ctx, cancel := r.directoryContext()
	defer cancel()
	if err := r.directory.RefreshTTL(ctx, id); err != nil {
		log.WithFields(log.Fields{"session": id, "error": err}).Debug("relay: directory refresh failed")
	}
}

func (r *Relay) mirrorStatus(id, status string) {
	if r.directory == nil {
		return
	}
	ctx, cancel := r.directoryContext()
	defer cancel()
	if err := r.directory.UpdateStatus(ctx, id, status); err != nil {
		log.WithFields(log.Fields{"session": id, "error": err}).Debug("relay: directory status update failed")
	}
}

// directoryContext is detached from request and shutdown contexts so that
// releases still reach the directory while the relay is stopping.
func (r *Relay) directoryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.config.DirectoryTimeout)
}

// errorMessage is the text sent to the client in an error event.
func errorMessage(err error) string {
	var serr *upstream.StatusError
	if errors.As(err, &serr) {
		return serr.Detail()
	}
	return err.Error()
}
