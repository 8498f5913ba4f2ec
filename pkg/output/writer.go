package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLWriter writes one job's events as newline-delimited JSON.
//
// JSONLWriter is safe for concurrent use; each record is written as one
// complete line. It satisfies eventhub.Sink, so a transcript can be attached
// to a job like any other subscriber.
type JSONLWriter struct {
	w     io.Writer
	jobID string
	now   func() time.Time
	mu    sync.Mutex

	closed bool
}

// NewJSONLWriter returns a writer that tags records with jobID. If w is an
// io.Closer, Close closes it.
func NewJSONLWriter(w io.Writer, jobID string) *JSONLWriter {
	return &JSONLWriter{
		w:     w,
		jobID: jobID,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WriteEvent emits data as a record of the given event.
func (jw *JSONLWriter) WriteEvent(ctx context.Context, event string, data any) error {
	return jw.writeRecord(ctx, RecordType(event), data)
}

// Send implements eventhub.Sink.
func (jw *JSONLWriter) Send(event string, data any) error {
	return jw.WriteEvent(context.Background(), event, data)
}

// Close marks the writer closed and closes the underlying writer when it is
// an io.Closer. Closing twice is a no-op.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return nil
	}
	jw.closed = true
	if c, ok := jw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:  recordType,
		TS:    jw.now(),
		JobID: jw.jobID,
		Data:  dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the transcript.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// ReadAll decodes every record in r, in order.
func ReadAll(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
	}
}
