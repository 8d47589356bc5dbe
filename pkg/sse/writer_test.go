package sse

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Stream(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	assert.False(t, w.Started())
	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
	assert.True(t, w.Started())

	require.NoError(t, w.WriteEvent("token", map[string]string{"content": "hi"}))
	require.NoError(t, w.WriteData(map[string]int{"n": 1}))
	require.NoError(t, w.WriteComment("ping"))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t,
		"event: token\ndata: {\"content\":\"hi\"}\n\n"+
			"data: {\"n\":1}\n\n"+
			": ping\n\n",
		rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestWriter_Closed(t *testing.T) {
	w := NewWriter(httptest.NewRecorder())
	require.NoError(t, w.Start())
	w.Close()

	assert.ErrorIs(t, w.WriteEvent("done", struct{}{}), ErrClosed)
	assert.ErrorIs(t, w.WriteComment("x"), ErrClosed)
}

func TestWriter_MarshalError(t *testing.T) {
	w := NewWriter(httptest.NewRecorder())
	assert.Error(t, w.WriteData(make(chan int)))
}

type plainWriter struct{ header http.Header }

func (w *plainWriter) Header() http.Header         { return w.header }
func (w *plainWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *plainWriter) WriteHeader(int)             {}

func TestWriter_StartRequiresFlusher(t *testing.T) {
	w := NewWriter(&plainWriter{header: http.Header{}})
	assert.ErrorIs(t, w.Start(), ErrNotFlushable)
	assert.False(t, w.Started())
}
