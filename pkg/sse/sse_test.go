package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestWriter_EventFraming(t *testing.T) {
	var buf flushRecorder
	w := NewWriter(&buf)

	require.NoError(t, w.WriteEvent(context.Background(), "stage", map[string]any{"id": "collect", "progress": 0.2}))
	require.NoError(t, w.WriteHeartbeat(context.Background()))

	assert.Equal(t, "event: stage\ndata: {\"id\":\"collect\",\"progress\":0.2}\n\n: ping\n\n", buf.String())
	assert.Equal(t, 2, buf.flushes)
}

func TestWriter_RejectsBadInput(t *testing.T) {
	w := NewWriter(io.Discard)
	ctx := context.Background()

	assert.ErrorIs(t, w.WriteEvent(ctx, "", nil), ErrInvalidEvent)
	assert.ErrorIs(t, w.WriteEvent(ctx, "a\nb", nil), ErrInvalidEvent)
	assert.Error(t, w.WriteComment(ctx, "two\nlines"))
	assert.Error(t, w.WriteEvent(ctx, "log", make(chan int)))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, w.WriteEvent(cancelled, "log", "x"), context.Canceled)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteEvent(ctx, "log", "x"), ErrWriterClosed)
	assert.ErrorIs(t, w.WriteHeartbeat(ctx), ErrWriterClosed)
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestWriter_PropagatesWriteError(t *testing.T) {
	w := NewWriter(errWriter{})
	require.Error(t, w.WriteEvent(context.Background(), "log", "x"))
}

func TestWriter_ConcurrentFramesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.WriteEvent(context.Background(), "log", map[string]string{"line": strings.Repeat("x", 64)})
		}()
	}
	wg.Wait()

	d := NewDecoder(&buf)
	n := 0
	for {
		ev, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		var payload map[string]string
		require.NoError(t, ev.Decode(&payload))
		assert.Len(t, payload["line"], 64)
		n++
	}
	assert.Equal(t, 50, n)
}

func TestDecoder_RoundTripWithHeartbeats(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	ctx := context.Background()
	require.NoError(t, w.WriteEvent(ctx, "hello", map[string]string{"id": "job-1"}))
	require.NoError(t, w.WriteHeartbeat(ctx))
	require.NoError(t, w.WriteEvent(ctx, "end", map[string]string{"status": "success"}))

	d := NewDecoder(&buf)
	ev, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "hello", ev.Name)
	assert.JSONEq(t, `{"id":"job-1"}`, string(ev.Data))

	ev, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, "end", ev.Name)
	assert.Equal(t, 1, d.Heartbeats())

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_Fields(t *testing.T) {
	raw := "\r\nid: 7\r\ndata: line one\r\ndata: line two\r\n\r\nevent: log\ndata:{\"a\":1}\n\n"
	d := NewDecoder(strings.NewReader(raw))

	ev, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", ev.Name)
	assert.Equal(t, "7", ev.ID)
	assert.Equal(t, "line one\nline two", string(ev.Data))

	ev, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, "log", ev.Name)
	assert.Equal(t, `{"a":1}`, string(ev.Data))
}

func TestDecoder_TruncatedFrame(t *testing.T) {
	d := NewDecoder(strings.NewReader("event: log\ndata: {}\n"))
	_, err := d.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecoder_LineLimit(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: " + strings.Repeat("x", 64) + "\n\n"))
	d.SetMaxLineBytes(16)
	_, err := d.Next()
	require.Error(t, err)
}
