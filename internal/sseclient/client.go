// Package sseclient is a small event stream client used by the relay's
// handler tests and by the relayprobe smoke tool. It opens a GET request,
// parses the text/event-stream body in a background goroutine and hands out
// events in arrival order. Comment lines are not events; they are counted so
// keep-alives can be observed.
package sseclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"time"

	sse "github.com/tmaxmax/go-sse"
)

// ErrClosed is returned by Next after the stream has ended cleanly.
var ErrClosed = errors.New("sseclient: stream closed")

// maxEventSize bounds a single event of the stream.
const maxEventSize = 1 << 20

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Event is one dispatched event.
type Event struct {
	Name string // event field; empty for plain data events
	Data string // data lines joined with "\n"
}

// Parse reads an event stream from r. A read error other than EOF is yielded
// last. An event cut off by EOF is still yielded.
func Parse(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for ev, err := range sse.Read(r, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(Event{Name: ev.Type, Data: ev.Data}, nil) {
				return
			}
		}
	}
}

// commentCounter passes a stream through unchanged and calls onComment for
// every line that starts with a colon.
type commentCounter struct {
	r         io.Reader
	lineStart bool
	onComment func()
}

func newCommentCounter(r io.Reader, onComment func()) *commentCounter {
	return &commentCounter{r: r, lineStart: true, onComment: onComment}
}

func (c *commentCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	for _, b := range p[:n] {
		if c.lineStart && b == ':' {
			c.onComment()
		}
		c.lineStart = b == '\n' || b == '\r'
	}
	return n, err
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-stream performance data.
type Metrics struct {
	ConnectLatency    time.Duration
	FirstEventLatency time.Duration
	EventsReceived    int
	CommentsReceived  int
	Errors            int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is one open event stream.
type Client struct {
	resp      *http.Response
	cancel    context.CancelFunc
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	metrics Metrics
	err     error
}

// StatusError reports a non-200 answer to the stream request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sseclient: status %d: %s", e.StatusCode, e.Body)
}

// Dial opens the stream at url. The stream stays open until the server ends
// it, ctx is cancelled, or Close is called.
func Dial(ctx context.Context, httpClient *http.Client, url string) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sseclient: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sseclient: dial: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	c := &Client{
		resp:   resp,
		cancel: cancel,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop(start)
	return c, nil
}

// Header returns the response headers of the stream request.
func (c *Client) Header() http.Header {
	return c.resp.Header
}

// Next returns the next event. It returns ErrClosed once the stream has
// ended and every buffered event was consumed, or the read error that ended
// it.
func (c *Client) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			if err := c.Err(); err != nil {
				return Event{}, err
			}
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Err returns the error that ended the stream, if any. Ending the stream
// with Close is not an error.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the stream. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		err = c.resp.Body.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop(start time.Time) {
	defer close(c.events)

	body := newCommentCounter(c.resp.Body, func() {
		c.mu.Lock()
		c.metrics.CommentsReceived++
		c.mu.Unlock()
	})

	for ev, err := range Parse(body) {
		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose; not an error.
			default:
				c.mu.Lock()
				c.err = err
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		c.mu.Lock()
		if c.metrics.EventsReceived == 0 {
			c.metrics.FirstEventLatency = time.Since(start)
		}
		c.metrics.EventsReceived++
		c.mu.Unlock()

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}
