package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/3leaps/coursepipe/pkg/eventhub"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/runner"
)

// eventPrinter renders job events for a terminal, or as JSON lines.
type eventPrinter struct {
	w    io.Writer
	json bool
}

type jsonEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Print writes one event. It returns the job status when the event reports a
// terminal status.
func (p *eventPrinter) Print(name string, data []byte) (jobregistry.JobStatus, error) {
	status, err := eventStatus(name, data)
	if err != nil {
		return "", err
	}
	if p.json {
		b, err := json.Marshal(jsonEvent{Event: name, Data: data})
		if err != nil {
			return "", err
		}
		_, err = fmt.Fprintln(p.w, string(b))
		return status, err
	}
	return status, p.printText(name, data)
}

func eventStatus(name string, data []byte) (jobregistry.JobStatus, error) {
	switch name {
	case eventhub.EventHello:
		var snap jobregistry.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return "", fmt.Errorf("decode %s event: %w", name, err)
		}
		if snap.Status.Terminal() {
			return snap.Status, nil
		}
	case eventhub.EventEnd:
		var end runner.EndEvent
		if err := json.Unmarshal(data, &end); err != nil {
			return "", fmt.Errorf("decode %s event: %w", name, err)
		}
		return end.Status, nil
	}
	return "", nil
}

func (p *eventPrinter) printText(name string, data []byte) error {
	var err error
	switch name {
	case eventhub.EventHello:
		var snap jobregistry.Snapshot
		_ = json.Unmarshal(data, &snap)
		_, err = fmt.Fprintf(p.w, "job %s (%s) status=%s started=%s\n",
			snap.ID, snap.Type, snap.Status, snap.StartTs.UTC().Format(time.RFC3339))
		for _, line := range snap.LogTail {
			if err == nil {
				_, err = fmt.Fprintln(p.w, line)
			}
		}
		for _, id := range jobregistry.StageIDs(snap.Type) {
			if st, ok := snap.Stages[id]; ok && err == nil {
				_, err = fmt.Fprintln(p.w, formatStage(st))
			}
		}
	case eventhub.EventLog:
		var ev runner.LogEvent
		_ = json.Unmarshal(data, &ev)
		_, err = fmt.Fprintln(p.w, ev.Line)
	case eventhub.EventStage:
		var st jobregistry.StageState
		_ = json.Unmarshal(data, &st)
		_, err = fmt.Fprintln(p.w, formatStage(st))
	case eventhub.EventFile:
		var ev runner.FileEvent
		_ = json.Unmarshal(data, &ev)
		if ev.OutputPath != "" {
			_, err = fmt.Fprintf(p.w, "output: %s\n", ev.OutputPath)
		}
		if ev.LogPath != "" && err == nil {
			_, err = fmt.Fprintf(p.w, "log: %s\n", ev.LogPath)
		}
	case eventhub.EventEnd:
		var ev runner.EndEvent
		_ = json.Unmarshal(data, &ev)
		msg := fmt.Sprintf("job finished: %s", ev.Status)
		if ev.Message != "" {
			msg += " (" + ev.Message + ")"
		}
		if ev.OutputPath != "" {
			msg += " output=" + ev.OutputPath
		}
		_, err = fmt.Fprintln(p.w, msg)
	}
	return err
}

func formatStage(st jobregistry.StageState) string {
	var b strings.Builder
	label := st.Label
	if label == "" {
		label = string(st.ID)
	}
	fmt.Fprintf(&b, "[%s] %s", label, st.Status)
	if st.Progress != nil {
		fmt.Fprintf(&b, " %3.0f%%", *st.Progress*100)
	}
	if st.Detail != "" {
		b.WriteString(" ")
		b.WriteString(st.Detail)
	}
	return b.String()
}

// statusError maps a terminal job status to the command result.
func statusError(id string, status jobregistry.JobStatus) error {
	switch status {
	case jobregistry.JobStatusSuccess:
		return nil
	case jobregistry.JobStatusCancelled:
		return exitError(ExitJobCancelled, fmt.Sprintf("job %s was cancelled", id), nil)
	default:
		return exitError(ExitJobFailed, fmt.Sprintf("job %s finished with status %s", id, status), nil)
	}
}
