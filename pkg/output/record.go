// Package output writes job transcripts as JSONL.
//
// Each line is a self-contained record envelope around one job event:
//
//	{"type":"coursepipe.stage.v1","ts":"...","job_id":"...","data":{...}}
package output

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Record type constants follow the pattern coursepipe.<event>.v<version>.
const (
	TypeHello = "coursepipe.hello.v1"
	TypeLog   = "coursepipe.log.v1"
	TypeStage = "coursepipe.stage.v1"
	TypeFile  = "coursepipe.file.v1"
	TypeEnd   = "coursepipe.end.v1"
)

const typePrefix = "coursepipe."

// Record is the envelope for every transcript line.
type Record struct {
	// Type identifies the payload, e.g. "coursepipe.log.v1".
	Type string `json:"type"`

	// TS is when the record was written (RFC3339Nano, UTC).
	TS time.Time `json:"ts"`

	JobID string `json:"job_id"`

	// Data is the event payload as published to subscribers.
	Data json.RawMessage `json:"data"`
}

// RecordType maps an event name to its record type.
func RecordType(event string) string {
	return typePrefix + event + ".v1"
}

// EventName is the inverse of RecordType. It reports false for types that
// are not coursepipe records.
func EventName(recordType string) (string, bool) {
	rest, ok := strings.CutPrefix(recordType, typePrefix)
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, ".v1")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("output: writer closed")

// WriteError wraps a failure while producing a record.
type WriteError struct {
	// Op is "marshal_data", "marshal_record" or "write".
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
