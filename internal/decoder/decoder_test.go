package decoder

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, content)
}

func contents(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == KindContent {
			out = append(out, ev.Content)
		}
	}
	return out
}

func TestDecode_WellFormedFrames(t *testing.T) {
	buf := strings.Join([]string{frame("Hel"), "", frame("lo"), "data: [DONE]", ""}, "\n")

	events := DecodeAll([]byte(buf))
	require.Len(t, events, 3)
	assert.Equal(t, Event{Kind: KindContent, Content: "Hel"}, events[0])
	assert.Equal(t, Event{Kind: KindContent, Content: "lo"}, events[1])
	assert.Equal(t, KindDone, events[2].Kind)
}

func TestDecode_OneFragmentPerLineInOrder(t *testing.T) {
	var lines []string
	var want []string
	for i := 0; i < 50; i++ {
		s := fmt.Sprintf("tok-%d ", i)
		want = append(want, s)
		lines = append(lines, frame(s))
	}

	events := DecodeAll([]byte(strings.Join(lines, "\n")))
	assert.Equal(t, want, contents(events))
}

func TestDecode_DoneStopsBuffer(t *testing.T) {
	buf := strings.Join([]string{frame("a"), "data: [DONE]", frame("never"), "data: [DONE]"}, "\n")

	events := DecodeAll([]byte(buf))
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Content)
	assert.Equal(t, KindDone, events[1].Kind)
}

func TestDecode_MalformedLinesSkipped(t *testing.T) {
	buf := strings.Join([]string{
		frame("one"),
		`data: {"choices":[{"delta":`,
		frame("two"),
		"data: not json at all",
		frame("three"),
	}, "\n")

	events := DecodeAll([]byte(buf))
	require.Len(t, events, 5)
	assert.Equal(t, []string{"one", "two", "three"}, contents(events))

	assert.Equal(t, KindParseError, events[1].Kind)
	assert.ErrorIs(t, events[1].Err, ErrMalformedFrame)
	assert.Equal(t, KindParseError, events[3].Kind)
	assert.Equal(t, "data: not json at all", events[3].Line)
}

func TestDecode_PrefixOptionalAndCRLF(t *testing.T) {
	buf := "data:" + `{"choices":[{"delta":{"content":"x"}}]}` + "\r\n" +
		`{"choices":[{"delta":{"content":"y"}}]}` + "\r\n" +
		"data:[DONE]\r\n"

	events := DecodeAll([]byte(buf))
	require.Len(t, events, 3)
	assert.Equal(t, []string{"x", "y"}, contents(events))
	assert.Equal(t, KindDone, events[2].Kind)
}

func TestDecode_DeltaWithoutContent(t *testing.T) {
	buf := `data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`

	events := DecodeAll([]byte(buf))
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, KindContent, ev.Kind)
		assert.Empty(t, ev.Content)
	}
}

func TestDecode_BlankAndEmptyInput(t *testing.T) {
	assert.Empty(t, DecodeAll(nil))
	assert.Empty(t, DecodeAll([]byte("\n\n  \r\n")))
}

func TestDecode_IsRepeatable(t *testing.T) {
	seq := Decode([]byte(frame("again")))

	var first, second []Event
	for ev := range seq {
		first = append(first, ev)
	}
	for ev := range seq {
		second = append(second, ev)
	}
	assert.Equal(t, first, second)
}

func TestDecode_EarlyBreak(t *testing.T) {
	buf := strings.Join([]string{frame("a"), frame("b"), frame("c")}, "\n")

	var got []string
	for ev := range Decode([]byte(buf)) {
		got = append(got, ev.Content)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "content", KindContent.String())
	assert.Equal(t, "done", KindDone.String())
	assert.Equal(t, "parse_error", KindParseError.String())
}
