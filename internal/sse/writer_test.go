package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noFlush struct {
	http.ResponseWriter
}

func newTestWriter(t *testing.T) (*Writer, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	w, err := NewWriter(context.Background(), rec)
	require.NoError(t, err)
	return w, rec
}

func TestWriter_Frames(t *testing.T) {
	w, rec := newTestWriter(t)
	w.Start()

	require.NoError(t, w.WriteComment("keep-alive"))
	require.NoError(t, w.WriteData("Hel"))
	require.NoError(t, w.WriteData("lo"))
	require.NoError(t, w.WriteDone())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, ": keep-alive\n\ndata: Hel\n\ndata: lo\n\nevent: done\ndata: [DONE]\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestWriter_MultiLineData(t *testing.T) {
	w, rec := newTestWriter(t)

	require.NoError(t, w.WriteData("line one\r\nline two\n"))
	require.NoError(t, w.WriteError("boom\nagain"))

	assert.Equal(t, "data: line one\ndata: line two\ndata: \n\nevent: error\ndata: boom\ndata: again\n\n", rec.Body.String())
}

func TestWriter_RefusesAfterClose(t *testing.T) {
	w, rec := newTestWriter(t)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.WriteData("late"), ErrClosed)
	assert.ErrorIs(t, w.WriteComment("late"), ErrClosed)
	assert.Empty(t, rec.Body.String())

	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestWriter_RefusesAfterContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	w, err := NewWriter(ctx, rec)
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, w.WriteData("x"), context.Canceled)
}

func TestWriter_RequiresFlusher(t *testing.T) {
	_, err := NewWriter(context.Background(), noFlush{httptest.NewRecorder()})
	assert.ErrorIs(t, err, ErrFlushUnsupported)
}

func TestWriter_ConcurrentFramesDoNotInterleave(t *testing.T) {
	w, rec := newTestWriter(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = w.WriteData("payload") }()
		go func() { defer wg.Done(); _ = w.WriteComment("keep-alive") }()
	}
	wg.Wait()

	body := rec.Body.String()
	assert.Equal(t, 20, strings.Count(body, "data: payload\n\n"))
	assert.Equal(t, 20, strings.Count(body, ": keep-alive\n\n"))
	assert.Equal(t, len(body), 20*len("data: payload\n\n")+20*len(": keep-alive\n\n"))
}

func TestWriter_WriteBeforeStartSendsHeaders(t *testing.T) {
	w, rec := newTestWriter(t)

	require.NoError(t, w.WriteData("early"))
	w.Start()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, "data: early\n\n", rec.Body.String())
}
