package jobregistry

import "time"

// JobType selects the pipeline variant a job runs and, with it, the stage
// layout and log interpreter that apply.
type JobType string

const (
	JobTypeOutline JobType = "outline"
	JobTypeContent JobType = "content"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeOutline, JobTypeContent:
		return true
	}
	return false
}

// JobStatus is the lifecycle status of a job.
//
// NOTE: These values are sent to clients verbatim and are part of the wire
// contract consumed by the browser store.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a final status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// StageID identifies one phase of a pipeline.
type StageID string

const (
	StageCollect StageID = "collect"
	StageOutline StageID = "outline"
	StageContent StageID = "content"
)

// StageStatus is the status of a single stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageError     StageStatus = "error"
)

// Done reports whether a stage has reached completed or error. A done stage
// never returns to pending or running.
func (s StageStatus) Done() bool {
	return s == StageCompleted || s == StageError
}

// StageState describes one phase of one job.
type StageState struct {
	ID       StageID     `json:"id"`
	Label    string      `json:"label"`
	Status   StageStatus `json:"status"`
	Progress *float64    `json:"progress,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

// StageUpdate is a partial mutation of a StageState. Zero-valued fields leave
// the current value untouched.
type StageUpdate struct {
	ID       StageID
	Status   StageStatus
	Progress *float64
	Detail   *string
}

type stageDef struct {
	id    StageID
	label string
}

var stageLayouts = map[JobType][]stageDef{
	JobTypeOutline: {
		{id: StageCollect, label: "资料检索"},
		{id: StageOutline, label: "大纲生成"},
	},
	JobTypeContent: {
		{id: StageContent, label: "内容生成"},
	},
}

// StageIDs returns the stage ids of t in pipeline order.
func StageIDs(t JobType) []StageID {
	defs := stageLayouts[t]
	out := make([]StageID, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.id)
	}
	return out
}

// Counters are the per-job integers the log interpreters read and write.
//
// TotalToFetch and Processed are driven by the child's own announcements;
// EstimatedTotal is computed once from the input document at job start.
type Counters struct {
	TotalToFetch   int
	Processed      int
	EstimatedTotal int
}

// Change is the set of mutations produced by interpreting one log line.
type Change struct {
	Stage      *StageUpdate
	OutputPath string
	LogPath    string
}

// Empty reports whether c carries no mutation.
func (c Change) Empty() bool {
	return c.Stage == nil && c.OutputPath == "" && c.LogPath == ""
}

// Applied is what a Change actually did to a job, ready to be broadcast.
type Applied struct {
	Stage      *StageState
	OutputPath string
	LogPath    string
}

// FileChanged reports whether an output or log path was recorded.
func (a Applied) FileChanged() bool {
	return a.OutputPath != "" || a.LogPath != ""
}

// Fields are the caller-supplied values stored on a new job.
type Fields struct {
	Subject         string
	LearningStyle   string
	ExpectedContent string

	// LogPath is pre-seeded when the orchestrator chooses the child's log
	// location itself (debug mode).
	LogPath string

	EstimatedTotal int
}

// Snapshot is the serializable projection of a JobRecord sent to attaching
// and reconnecting clients. It never carries subscriber handles.
type Snapshot struct {
	ID              string                 `json:"id"`
	Type            JobType                `json:"type"`
	Status          JobStatus              `json:"status"`
	StartTs         time.Time              `json:"startTs"`
	EndTs           *time.Time             `json:"endTs,omitempty"`
	PID             int                    `json:"pid,omitempty"`
	Subject         string                 `json:"subject,omitempty"`
	LearningStyle   string                 `json:"learningStyle,omitempty"`
	ExpectedContent string                 `json:"expectedContent,omitempty"`
	OutputPath      string                 `json:"outputPath,omitempty"`
	LogPath         string                 `json:"logPath,omitempty"`
	TotalToFetch    int                    `json:"totalToFetch"`
	Processed       int                    `json:"processed"`
	Stages          map[StageID]StageState `json:"stages"`
	LogTail         []string               `json:"logTail,omitempty"`
}
