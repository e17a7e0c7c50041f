package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
)

const (
	readBufferSize = 32 * 1024

	// maxCarry bounds a line that never sees a newline; it is flushed as a
	// chunk of its own once it grows past this size.
	maxCarry = 1 << 20
)

// Stream is one open upstream completion.
type Stream struct {
	body      io.ReadCloser
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newStream(body io.ReadCloser, cancel context.CancelFunc) *Stream {
	return &Stream{body: body, cancel: cancel}
}

// Chunks yields the response body as it arrives. Every yielded chunk ends on
// a line boundary; a partial trailing line is held back until its newline
// arrives or the body ends. A clean end of body ends the sequence, a
// transport failure yields a final error wrapping ErrStream.
//
// Chunks reads the body directly and may be ranged over once.
func (s *Stream) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, readBufferSize)
		var carry []byte
		for {
			n, err := s.body.Read(buf)
			if n > 0 {
				data := make([]byte, 0, len(carry)+n)
				data = append(data, carry...)
				data = append(data, buf[:n]...)

				cut := bytes.LastIndexByte(data, '\n')
				switch {
				case cut >= 0:
					carry = data[cut+1:]
					if !yield(data[:cut+1], nil) {
						return
					}
				case len(data) >= maxCarry:
					carry = nil
					if !yield(data, nil) {
						return
					}
				default:
					carry = data
				}
			}

			if err != nil {
				if errors.Is(err, io.EOF) {
					if len(carry) > 0 {
						yield(carry, nil)
					}
					return
				}
				yield(nil, fmt.Errorf("%w: %w", ErrStream, err))
				return
			}
		}
	}
}

// Close aborts the request and releases the connection. Safe to call more
// than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
