// Package jobregistry holds the process-wide table of generation jobs.
//
// A Registry is constructed once at process start and injected into the
// runner, the event wiring and the HTTP handlers. Records are kept in memory
// only; nothing survives an orchestrator restart.
package jobregistry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultLogHistory is the number of recent output lines kept per job.
const DefaultLogHistory = 200

// Registry is the table of active and finished jobs.
//
// Registry is safe for concurrent use. The table lock is independent of the
// per-record locks so lookups never wait on a busy job.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*JobRecord

	seq        atomic.Uint64
	logHistory int
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogHistory sets how many recent output lines each job keeps for
// reconnecting clients. Zero disables the ring.
func WithLogHistory(n int) Option {
	return func(r *Registry) {
		if n < 0 {
			n = 0
		}
		r.logHistory = n
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		jobs:       make(map[string]*JobRecord),
		logHistory: DefaultLogHistory,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new running job of type t with every stage pending.
func (r *Registry) Create(t JobType, fields Fields) (*JobRecord, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.seq.Add(1)
	job := newJobRecord(r.formatID(now, seq), t, fields, now, r.logHistory)
	job.seq = seq
	r.jobs[job.id] = job
	return job, nil
}

// formatID combines a timestamp, the process-local sequence and a random
// suffix. The sequence alone guarantees uniqueness within a run.
func (r *Registry) formatID(now time.Time, seq uint64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%04d-%s", now.Format("20060102T150405"), seq, suffix)
}

func (r *Registry) Get(id string) (*JobRecord, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Finish moves a running job to a terminal status. It reports whether this
// call performed the transition; unknown ids and already-terminal jobs are
// silently ignored.
func (r *Registry) Finish(id string, status JobStatus) bool {
	job, ok := r.Get(id)
	if !ok {
		return false
	}
	return job.finish(status, r.now())
}

// Remove deletes a job record.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	return true
}

// Snapshot projects job into its serializable form.
func (r *Registry) Snapshot(job *JobRecord) Snapshot {
	return job.snapshot()
}

// Latest returns the snapshot of the most recently started job of type t.
func (r *Registry) Latest(t JobType) (Snapshot, bool) {
	var latest *JobRecord
	r.mu.RLock()
	for _, j := range r.jobs {
		if j.jobType != t {
			continue
		}
		if latest == nil || newer(j, latest) {
			latest = j
		}
	}
	r.mu.RUnlock()

	if latest == nil {
		return Snapshot{}, false
	}
	return latest.snapshot(), true
}

// List returns snapshots of every job, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	jobs := make([]*JobRecord, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, k int) bool { return newer(jobs[i], jobs[k]) })

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	return out
}

// Prune removes terminal jobs that ended more than maxAge ago and returns
// their ids. Running jobs are never pruned.
func (r *Registry) Prune(maxAge time.Duration) []string {
	if maxAge <= 0 {
		return nil
	}
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, j := range r.jobs {
		if j.endedBefore(cutoff) {
			delete(r.jobs, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// newer orders by start time, falling back to the creation sequence for jobs
// started within the same clock tick.
func newer(a, b *JobRecord) bool {
	if !a.startTs.Equal(b.startTs) {
		return a.startTs.After(b.startTs)
	}
	return a.seq > b.seq
}
