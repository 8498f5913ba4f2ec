package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const DefaultMaxLineBytes = 1 << 20

// Event is one decoded frame.
type Event struct {
	Name string
	ID   string
	Data []byte
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Decoder reads event frames. Comment lines (heartbeats) are skipped and
// counted.
type Decoder struct {
	r            *bufio.Reader
	maxLineBytes int
	heartbeats   int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxLineBytes: DefaultMaxLineBytes}
}

func (d *Decoder) SetMaxLineBytes(n int) {
	if n <= 0 {
		d.maxLineBytes = DefaultMaxLineBytes
		return
	}
	d.maxLineBytes = n
}

// Heartbeats returns the number of comment lines seen so far.
func (d *Decoder) Heartbeats() int { return d.heartbeats }

// Next returns the next complete event. A stream that ends mid-frame returns
// io.ErrUnexpectedEOF; a clean end returns io.EOF.
func (d *Decoder) Next() (Event, error) {
	var (
		ev      Event
		data    [][]byte
		started bool
	)
	for {
		line, err := readLineLimited(d.r, d.maxLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) && started {
				return Event{}, io.ErrUnexpectedEOF
			}
			return Event{}, err
		}

		if len(line) == 0 {
			if !started {
				continue
			}
			if ev.Name == "" {
				ev.Name = "message"
			}
			ev.Data = bytes.Join(data, []byte("\n"))
			return ev, nil
		}

		if line[0] == ':' {
			d.heartbeats++
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		started = true
		switch string(field) {
		case "event":
			ev.Name = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
		case "id":
			ev.ID = string(value)
		}
	}
}

func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	var out []byte
	for {
		frag, err := r.ReadSlice('\n')
		out = append(out, frag...)
		if len(out) > maxBytes {
			return nil, errors.New("sse line exceeds max bytes")
		}
		if err == nil {
			out = bytes.TrimSuffix(out, []byte("\n"))
			return bytes.TrimSuffix(out, []byte("\r")), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(out) > 0 {
			// Final line without a terminator.
			return bytes.TrimSuffix(out, []byte("\r")), nil
		}
		return nil, err
	}
}
