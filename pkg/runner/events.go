package runner

import (
	"github.com/3leaps/coursepipe/pkg/artifact"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
)

// LogEvent is the payload of a "log" event.
type LogEvent struct {
	Line string `json:"line"`
}

// FileEvent is the payload of a "file" event.
type FileEvent struct {
	OutputPath string `json:"outputPath,omitempty"`
	LogPath    string `json:"logPath,omitempty"`
}

// EndEvent is the payload of the final "end" event.
type EndEvent struct {
	Status     jobregistry.JobStatus `json:"status"`
	OutputPath string                `json:"outputPath,omitempty"`
	LogPath    string                `json:"logPath,omitempty"`
	Message    string                `json:"message,omitempty"`

	// Artifacts lists the files uploaded after a successful run.
	Artifacts []artifact.Published `json:"artifacts,omitempty"`
}
