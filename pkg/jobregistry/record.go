package jobregistry

import (
	"sync"
	"time"
)

// JobRecord is one external generation run.
//
// All state is guarded by the record's own mutex; the registry lock only
// protects the job table. Callers interact through methods and never see
// the fields directly.
type JobRecord struct {
	id      string
	seq     uint64
	jobType JobType
	startTs time.Time
	fields  Fields

	mu         sync.Mutex
	status     JobStatus
	endTs      *time.Time
	pid        int
	outputPath string
	logPath    string
	counters   Counters
	order      []StageID
	stages     map[StageID]*StageState
	logTail    []string
	logCap     int
	done       chan struct{}
}

func newJobRecord(id string, t JobType, fields Fields, now time.Time, logCap int) *JobRecord {
	defs := stageLayouts[t]
	j := &JobRecord{
		id:      id,
		jobType: t,
		startTs: now,
		fields:  fields,
		status:  JobStatusRunning,
		logPath: fields.LogPath,
		counters: Counters{
			EstimatedTotal: fields.EstimatedTotal,
		},
		order:  make([]StageID, 0, len(defs)),
		stages: make(map[StageID]*StageState, len(defs)),
		logCap: logCap,
		done:   make(chan struct{}),
	}
	for _, d := range defs {
		j.order = append(j.order, d.id)
		j.stages[d.id] = &StageState{ID: d.id, Label: d.label, Status: StagePending}
	}
	return j
}

func (j *JobRecord) ID() string         { return j.id }
func (j *JobRecord) Type() JobType      { return j.jobType }
func (j *JobRecord) StartTs() time.Time { return j.startTs }

// Done is closed when the job reaches a terminal status.
func (j *JobRecord) Done() <-chan struct{} { return j.done }

func (j *JobRecord) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *JobRecord) PID() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pid
}

// SetPID records the OS process id once the child has been spawned.
func (j *JobRecord) SetPID(pid int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pid = pid
}

func (j *JobRecord) OutputPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outputPath
}

func (j *JobRecord) LogPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logPath
}

// Counters returns a copy of the job's interpreter counters.
func (j *JobRecord) Counters() Counters {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counters
}

// Stage returns a copy of the stage with the given id.
func (j *JobRecord) Stage(id StageID) (StageState, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	st, ok := j.stages[id]
	if !ok {
		return StageState{}, false
	}
	return copyStage(st), true
}

// FirstStage returns the id of the first stage in pipeline order.
func (j *JobRecord) FirstStage() StageID {
	if len(j.order) == 0 {
		return ""
	}
	return j.order[0]
}

// Update runs fn against the job's counters under the job lock and applies
// the Change it returns. The counters pointer must not escape fn. Once the
// job is terminal fn is not called and nothing changes.
func (j *JobRecord) Update(fn func(c *Counters) Change) Applied {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return Applied{}
	}
	return j.applyLocked(fn(&j.counters))
}

// Apply applies a Change that does not depend on the counters.
func (j *JobRecord) Apply(c Change) Applied {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.applyLocked(c)
}

// FailActive marks every running stage as error with the given detail and
// returns the updated stages.
func (j *JobRecord) FailActive(detail string) []StageState {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []StageState
	for _, id := range j.order {
		st := j.stages[id]
		if st.Status != StageRunning {
			continue
		}
		st.Status = StageError
		st.Detail = detail
		out = append(out, copyStage(st))
	}
	return out
}

// AppendLog records a raw output line in the bounded recent-log ring.
func (j *JobRecord) AppendLog(line string) {
	if j.logCap <= 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.logTail) < j.logCap {
		j.logTail = append(j.logTail, line)
		return
	}
	copy(j.logTail, j.logTail[1:])
	j.logTail[j.logCap-1] = line
}

// finish performs the single running -> terminal transition. It returns
// false when the job is already terminal or status is not terminal.
func (j *JobRecord) finish(status JobStatus, now time.Time) bool {
	if !status.Terminal() {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = status
	t := now
	j.endTs = &t
	close(j.done)
	return true
}

func (j *JobRecord) endedBefore(cutoff time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Terminal() && j.endTs != nil && j.endTs.Before(cutoff)
}

func (j *JobRecord) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:              j.id,
		Type:            j.jobType,
		Status:          j.status,
		StartTs:         j.startTs,
		PID:             j.pid,
		Subject:         j.fields.Subject,
		LearningStyle:   j.fields.LearningStyle,
		ExpectedContent: j.fields.ExpectedContent,
		OutputPath:      j.outputPath,
		LogPath:         j.logPath,
		TotalToFetch:    j.counters.TotalToFetch,
		Processed:       j.counters.Processed,
		Stages:          make(map[StageID]StageState, len(j.stages)),
	}
	if j.endTs != nil {
		t := *j.endTs
		s.EndTs = &t
	}
	for id, st := range j.stages {
		s.Stages[id] = copyStage(st)
	}
	if len(j.logTail) > 0 {
		s.LogTail = append([]string(nil), j.logTail...)
	}
	return s
}

func (j *JobRecord) applyLocked(c Change) Applied {
	var out Applied

	// Last write wins for both paths.
	if c.OutputPath != "" {
		j.outputPath = c.OutputPath
		out.OutputPath = c.OutputPath
	}
	if c.LogPath != "" {
		j.logPath = c.LogPath
		out.LogPath = c.LogPath
	}

	// Stages are frozen at the terminal transition.
	if c.Stage == nil || j.status.Terminal() {
		return out
	}
	st, ok := j.stages[c.Stage.ID]
	if !ok {
		return out
	}

	if c.Stage.Status != "" && !st.Status.Done() {
		st.Status = c.Stage.Status
	}
	if c.Stage.Detail != nil {
		st.Detail = *c.Stage.Detail
	}

	switch {
	case st.Status == StageCompleted:
		st.Progress = floatPtr(1)
	case st.Status == StageError:
		// Progress stays where the stage failed.
	case c.Stage.Progress != nil:
		p := clampUnit(*c.Stage.Progress)
		// Running stages never move backwards.
		if st.Status == StageRunning && st.Progress != nil && p < *st.Progress {
			p = *st.Progress
		}
		st.Progress = floatPtr(p)
	}

	cp := copyStage(st)
	out.Stage = &cp
	return out
}

func copyStage(st *StageState) StageState {
	cp := *st
	if st.Progress != nil {
		cp.Progress = floatPtr(*st.Progress)
	}
	return cp
}

func clampUnit(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func floatPtr(v float64) *float64 {
	return &v
}
