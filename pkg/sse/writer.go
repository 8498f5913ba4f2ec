// Package sse implements Server-Sent Events framing:
//
//	event: <name>
//	data: <json>
//	<blank line>
//
// plus comment heartbeats (": ping"). The Writer is used by the HTTP stream
// endpoint and the Decoder by CLI clients that follow a job.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
)

var (
	ErrWriterClosed = errors.New("sse: writer closed")
	ErrInvalidEvent = errors.New("sse: invalid event name")
)

// HeartbeatComment is the keepalive written between events.
const HeartbeatComment = "ping"

type flusher interface {
	Flush()
}

// Writer frames events onto w and flushes after each frame when w supports it.
//
// Writer is safe for concurrent use.
type Writer struct {
	w io.Writer
	f flusher

	mu     sync.Mutex
	closed bool
}

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(flusher); ok {
		sw.f = f
	}
	return sw
}

func (sw *Writer) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
	return nil
}

// WriteEvent JSON-encodes data and writes one event frame.
func (sw *Writer) WriteEvent(ctx context.Context, name string, data any) error {
	if name == "" || strings.ContainsAny(name, "\r\n:") {
		return ErrInvalidEvent
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteByte('\n')
	for _, line := range bytes.Split(payload, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	return sw.write(ctx, b.Bytes())
}

// WriteHeartbeat writes a comment frame that clients ignore.
func (sw *Writer) WriteHeartbeat(ctx context.Context) error {
	return sw.WriteComment(ctx, HeartbeatComment)
}

func (sw *Writer) WriteComment(ctx context.Context, text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return errors.New("sse: comment must be a single line")
	}
	return sw.write(ctx, []byte(": "+text+"\n\n"))
}

func (sw *Writer) write(ctx context.Context, frame []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeAll(sw.w, frame); err != nil {
		return err
	}
	if sw.f != nil {
		sw.f.Flush()
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
