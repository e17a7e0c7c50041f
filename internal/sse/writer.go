// Package sse writes Server-Sent Events frames to a client connection. A
// Writer serialises concurrent frames (content, heartbeats, terminal events)
// and refuses every write once it is closed, so no frame can reach a
// connection whose handler has already returned.
package sse

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
)

var (
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("sse: writer closed")

	// ErrFlushUnsupported is returned when the response cannot be flushed
	// incrementally.
	ErrFlushUnsupported = errors.New("sse: response writer does not support flushing")
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// DoneData is the data line of the terminal done event.
const DoneData = "[DONE]"

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

var lineNormalizer = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Writer is an event stream bound to one HTTP response.
type Writer struct {
	mu      sync.Mutex
	rw      http.ResponseWriter
	f       http.Flusher
	ctx     context.Context
	started bool
	closed  bool
	done    chan struct{}
}

// NewWriter wraps w. Writes fail once ctx (normally the request context) is
// cancelled.
func NewWriter(ctx context.Context, w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrFlushUnsupported
	}
	return &Writer{rw: w, f: f, ctx: ctx, done: make(chan struct{})}, nil
}

// Start sends the event stream headers and flushes them so the client sees
// the stream open before the first event. Writing an event before Start
// sends the headers implicitly.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.started {
		return
	}
	w.startLocked()
	w.f.Flush()
}

func (w *Writer) startLocked() {
	h := w.rw.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.rw.WriteHeader(http.StatusOK)
	w.started = true
}

// WriteData writes a data event. Multi-line content is spread over several
// data lines, which clients join back with newlines.
func (w *Writer) WriteData(content string) error {
	return w.writeFrame("", content)
}

// WriteDone writes the terminal done event.
func (w *Writer) WriteDone() error {
	return w.writeFrame("done", DoneData)
}

// WriteError writes the terminal error event.
func (w *Writer) WriteError(message string) error {
	return w.writeFrame("error", message)
}

// WriteComment writes a comment line. Clients ignore comments; they keep
// idle intermediaries from timing the connection out.
func (w *Writer) WriteComment(text string) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer putBuffer(buf)
	buf.WriteString(": ")
	buf.WriteString(strings.ReplaceAll(lineNormalizer.Replace(text), "\n", " "))
	buf.WriteString("\n\n")
	return w.write(buf.Bytes())
}

func (w *Writer) writeFrame(event, data string) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer putBuffer(buf)
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	for _, line := range strings.Split(lineNormalizer.Replace(data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return w.write(buf.Bytes())
}

func (w *Writer) write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if !w.started {
		w.startLocked()
	}
	if _, err := w.rw.Write(frame); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}

// Close marks the stream finished. It waits for an in-flight write to
// complete, and every later write fails with ErrClosed. Safe to call more
// than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	return nil
}

// Done is closed when the writer is closed.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func putBuffer(buf *bytes.Buffer) {
	buf.Reset()
	bufferPool.Put(buf)
}
