package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/coursepipe/pkg/eventhub"
)

var _ eventhub.Sink = (*JSONLWriter)(nil)

type logLine struct {
	Line string `json:"line"`
}

func fixedClock(w *JSONLWriter) {
	w.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
}

func TestJSONLWriter_WriteEvent(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "20260301T093000-0001-abcd1234")
	fixedClock(w)

	require.NoError(t, w.WriteEvent(context.Background(), eventhub.EventLog, logLine{Line: "开始生成大纲"}))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeLog, record.Type)
	assert.Equal(t, "20260301T093000-0001-abcd1234", record.JobID)
	assert.True(t, record.TS.Equal(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)))

	var data logLine
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, "开始生成大纲", data.Line)
}

func TestJSONLWriter_SendIsSink(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1")

	require.NoError(t, w.Send(eventhub.EventStage, map[string]any{"id": "outline", "status": "running"}))
	require.NoError(t, w.Send(eventhub.EventEnd, map[string]any{"status": "done"}))

	records, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, TypeStage, records[0].Type)
	assert.Equal(t, TypeEnd, records[1].Type)
}

func TestJSONLWriter_AttachedToHub(t *testing.T) {
	var buf bytes.Buffer
	hub := eventhub.New(nil)
	_, err := hub.Attach("job-1", NewJSONLWriter(&buf, "job-1"), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, hub.Broadcast("job-1", eventhub.EventLog, logLine{Line: "a"}))
	assert.Equal(t, 1, hub.Broadcast("job-1", eventhub.EventLog, logLine{Line: "b"}))
	hub.CloseJob("job-1")

	records, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for i, want := range []string{"a", "b"} {
		var data logLine
		require.NoError(t, json.Unmarshal(records[i].Data, &data))
		assert.Equal(t, want, data.Line)
	}
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1")

	require.NoError(t, w.Send(eventhub.EventLog, logLine{Line: "one"}))
	require.NoError(t, w.Send(eventhub.EventLog, logLine{Line: "two"}))

	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

type closeRecorder struct {
	bytes.Buffer
	closes int
}

func (c *closeRecorder) Close() error {
	c.closes++
	return nil
}

func TestJSONLWriter_Close(t *testing.T) {
	dst := &closeRecorder{}
	w := NewJSONLWriter(dst, "job-1")

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 1, dst.closes)

	err := w.Send(eventhub.EventLog, logLine{Line: "late"})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Empty(t, dst.String())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1")

	const writers = 10
	const perWriter = 100

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = w.Send(eventhub.EventLog, logLine{Line: strings.Repeat("x", j)})
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, writers*perWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteEvent(ctx, eventhub.EventLog, logLine{Line: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_MarshalFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1")

	err := w.Send(eventhub.EventLog, make(chan int))
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "marshal_data", writeErr.Op)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, f.err
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "job-1")

	err := w.Send(eventhub.EventLog, logLine{Line: "x"})
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "write", writeErr.Op)
}

// shortWriteWriter accepts at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	if len(p) > sw.bytesPerWrite {
		p = p[:sw.bytesPerWrite]
	}
	return sw.buf.Write(p)
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (int, error) { return 0, nil }

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 7}
	w := NewJSONLWriter(sw, "job-1")

	require.NoError(t, w.Send(eventhub.EventFile, map[string]string{"output_path": "outputs/ml/outline.json"}))

	records, err := ReadAll(&sw.buf)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, TypeFile, records[0].Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(zeroWriteWriter{}, "job-1")

	err := w.Send(eventhub.EventLog, logLine{Line: "x"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestRecordType(t *testing.T) {
	tests := []struct {
		event string
		want  string
	}{
		{eventhub.EventHello, TypeHello},
		{eventhub.EventLog, TypeLog},
		{eventhub.EventStage, TypeStage},
		{eventhub.EventFile, TypeFile},
		{eventhub.EventEnd, TypeEnd},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			assert.Equal(t, tt.want, RecordType(tt.event))
			name, ok := EventName(tt.want)
			assert.True(t, ok)
			assert.Equal(t, tt.event, name)
		})
	}

	for _, bad := range []string{"", "other.object.v1", "coursepipe.log.v2", "coursepipe..v1"} {
		_, ok := EventName(bad)
		assert.False(t, ok, bad)
	}
}

func TestReadAll_Malformed(t *testing.T) {
	records, err := ReadAll(strings.NewReader(`{"type":"coursepipe.log.v1","job_id":"a","data":{}}` + "\n{oops\n"))
	require.Error(t, err)
	assert.Len(t, records, 1)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "write", Err: underlying}

	assert.Equal(t, "output: write: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}
