// Package decoder turns raw upstream completion chunks into discrete events.
// Upstream frames are newline delimited, prefixed with "data:" and carry a
// JSON chat completion delta; the stream ends with a "data: [DONE]" frame.
//
// Decoding is a pure function of one buffer: nothing is remembered between
// calls, so the relay can feed each chunk as it arrives.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"iter"

	"github.com/tidwall/gjson"
)

const (
	// DataPrefix is the field prefix of every upstream frame.
	DataPrefix = "data:"

	// DoneSentinel terminates an upstream stream.
	DoneSentinel = "[DONE]"

	// ContentPath locates the incremental text in a completion delta.
	ContentPath = "choices.0.delta.content"

	maxLineInError = 120
)

// ErrMalformedFrame is wrapped by the Err of every KindParseError event.
var ErrMalformedFrame = errors.New("decoder: malformed frame")

// Kind discriminates decoded events.
type Kind int

const (
	KindContent Kind = iota
	KindDone
	KindParseError
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindDone:
		return "done"
	case KindParseError:
		return "parse_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one decoded upstream frame.
type Event struct {
	Kind Kind

	// Content holds the delta text of a KindContent event. It is empty when
	// the frame carried no content (role-only or finish deltas).
	Content string

	// Line and Err describe a KindParseError event.
	Line string
	Err  error
}

// Decode returns a lazy sequence of the events contained in buf. Blank lines
// are dropped, malformed lines yield KindParseError and decoding continues,
// and a done frame yields KindDone and ends the sequence for this buffer.
func Decode(buf []byte) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		rest := buf
		for len(rest) > 0 {
			var line []byte
			if i := bytes.IndexByte(rest, '\n'); i >= 0 {
				line, rest = rest[:i], rest[i+1:]
			} else {
				line, rest = rest, nil
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			ev := decodeLine(line)
			if !yield(ev) || ev.Kind == KindDone {
				return
			}
		}
	}
}

// DecodeAll collects every event of buf.
func DecodeAll(buf []byte) []Event {
	var events []Event
	for ev := range Decode(buf) {
		events = append(events, ev)
	}
	return events
}

func decodeLine(line []byte) Event {
	payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte(DataPrefix)))
	if string(payload) == DoneSentinel {
		return Event{Kind: KindDone}
	}

	if !gjson.ValidBytes(payload) {
		return Event{
			Kind: KindParseError,
			Line: string(line),
			Err:  fmt.Errorf("%w: %q", ErrMalformedFrame, truncate(line)),
		}
	}

	var content string
	if res := gjson.GetBytes(payload, ContentPath); res.Type == gjson.String {
		content = res.Str
	}
	return Event{Kind: KindContent, Content: content}
}

func truncate(line []byte) string {
	if len(line) <= maxLineInError {
		return string(line)
	}
	return string(line[:maxLineInError]) + "..."
}
