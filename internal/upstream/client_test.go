package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sserelay/relay/internal/protocol"
)

var testCreds = protocol.Credentials{APIKey: "key-1", ProjectID: "proj-1", ToolID: "tool-1"}

var testMessages = []protocol.Message{{Role: "user", Content: "hi"}}

func collect(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var chunks []string
	for chunk, err := range s.Chunks() {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, string(chunk))
	}
	return chunks, nil
}

func TestOpen_SendsStreamingRequest(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		body, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL + "/v1/"))
	stream, err := c.Open(context.Background(), testCreds, testMessages)
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\ndata: [DONE]\n\n", strings.Join(chunks, ""))

	assert.Equal(t, "proj-1", gjson.GetBytes(body, "project_id").String())
	assert.Equal(t, "tool-1", gjson.GetBytes(body, "tool_id").String())
	assert.True(t, gjson.GetBytes(body, "stream").Bool())
	assert.Equal(t, "hi", gjson.GetBytes(body, "messages.0.content").String())
}

func TestOpen_OmitsEmptyToolID(t *testing.T) {
	payload, err := buildPayload(protocol.Credentials{APIKey: "k", ProjectID: "p"}, testMessages, false)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(payload, "tool_id").Exists())
	assert.False(t, gjson.GetBytes(payload, "stream").Bool())
}

func TestOpen_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad api key"}}`)
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	_, err := c.Open(context.Background(), testCreds, testMessages)
	require.ErrorIs(t, err, ErrOpen)

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.StatusCode)
	assert.Equal(t, "bad api key", serr.Detail())
}

func TestOpen_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(WithBaseURL(url))
	_, err := c.Open(context.Background(), testCreds, testMessages)
	require.ErrorIs(t, err, ErrOpen)
}

func TestStatusErrorDetailFallback(t *testing.T) {
	assert.Equal(t, "plain failure", (&StatusError{StatusCode: 502, Body: []byte(" plain failure ")}).Detail())
	assert.Equal(t, "Bad Gateway", (&StatusError{StatusCode: 502}).Detail())
	assert.Equal(t, "nope", (&StatusError{StatusCode: 400, Body: []byte(`{"error":"nope"}`)}).Detail())
}

func TestChunks_LineAligned(t *testing.T) {
	input := "data: one\n\ndata: two\ndata: thr"
	s := newStream(io.NopCloser(iotest.OneByteReader(strings.NewReader(input))), func() {})

	chunks, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, input, strings.Join(chunks, ""))
	for _, c := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(c, "\n"), "chunk %q not line aligned", c)
	}
	assert.Equal(t, "data: thr", chunks[len(chunks)-1])
}

func TestChunks_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("data: a\n"), iotest.ErrReader(boom))
	s := newStream(io.NopCloser(r), func() {})

	chunks, err := collect(t, s)
	require.ErrorIs(t, err, ErrStream)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"data: a\n"}, chunks)
}

func TestChunks_CancelAbortsRequest(t *testing.T) {
	serverDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(serverDone)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := New(WithBaseURL(srv.URL)).Open(ctx, testCreds, testMessages)
	require.NoError(t, err)
	defer stream.Close()

	var got []string
	var streamErr error
	for chunk, err := range stream.Chunks() {
		if err != nil {
			streamErr = err
			break
		}
		got = append(got, string(chunk))
		cancel()
	}
	require.ErrorIs(t, streamErr, ErrStream)
	assert.Len(t, got, 1)

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not aborted")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cancelled := 0
	s := newStream(io.NopCloser(bytes.NewReader(nil)), func() { cancelled++ })
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, cancelled)
}

func TestListToolsAndComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/projects/proj-1/tools":
			fmt.Fprint(w, `{"tools":[{"id":"tool-1"}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/chat/completions":
			body, _ := io.ReadAll(r.Body)
			assert.False(t, gjson.GetBytes(body, "stream").Bool())
			fmt.Fprint(w, `{"choices":[{"message":{"content":"done"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL), WithTimeout(time.Second))

	tools, err := c.ListTools(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, "tool-1", gjson.GetBytes(tools, "tools.0.id").String())

	res, err := c.Complete(context.Background(), testCreds, testMessages)
	require.NoError(t, err)
	assert.Equal(t, "done", gjson.GetBytes(res, "choices.0.message.content").String())

	_, err = c.ListTools(context.Background(), protocol.Credentials{APIKey: "k", ProjectID: "other"})
	require.ErrorIs(t, err, ErrRequest)
}
