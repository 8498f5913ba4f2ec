// Package runner spawns generator processes and drives their jobs to a
// terminal state.
//
// Every failure after validation is absorbed into job state: a spawn error,
// a non-zero exit or a cancellation ends the job with the matching status
// and an "end" event, never with an error returned to the caller.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/coursepipe/pkg/artifact"
	"github.com/3leaps/coursepipe/pkg/eventhub"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/loginterp"
	"github.com/3leaps/coursepipe/pkg/match"
	"github.com/3leaps/coursepipe/pkg/outline"
	"github.com/3leaps/coursepipe/pkg/output"
)

const (
	DefaultPython    = "python3"
	DefaultKillGrace = 5 * time.Second

	DefaultPublishTimeout = 2 * time.Minute

	// Lines up to 1 MiB are accepted; longer lines stop interpretation and
	// the rest of the output is drained.
	maxLineBytes = 1 << 20

	// How long to keep reading output after the child exits, for descendants
	// that still hold the pipe.
	drainTimeout = 2 * time.Second

	// Transcript writes happen off the hub lock through a queue of this size.
	transcriptQueueSize = 4096
)

// Options configure a Runner.
type Options struct {
	// Python is the interpreter binary.
	Python string

	// Scripts maps each job type to its generator script. Relative paths are
	// resolved against Workspace.
	Scripts map[jobregistry.JobType]string

	// Workspace bounds every input and config path.
	Workspace string

	// InputPatterns are doublestar patterns, relative to Workspace, that an
	// input path must match. Empty allows any file inside the workspace.
	// Hidden paths are refused whenever patterns are set.
	InputPatterns []string

	// InputExcludes are doublestar patterns an input path must not match.
	InputExcludes []string

	DefaultConfig string

	// LogsDir receives debug-mode log files. Relative paths are resolved
	// against Workspace.
	LogsDir string

	// TranscriptDir, when set, receives a JSONL transcript of every event per job.
	// Relative paths are resolved against Workspace.
	TranscriptDir string

	KillGrace time.Duration

	// Publisher, when set, uploads the artifacts of every successful job
	// before its end event is broadcast.
	Publisher      Publisher
	PublishTimeout time.Duration

	// Env is appended to the inherited environment.
	Env []string

	// StartRate limits job starts per second; zero disables limiting.
	StartRate  float64
	StartBurst int

	Logger *zap.Logger
}

// Publisher uploads a finished job's files.
type Publisher interface {
	Publish(ctx context.Context, job jobregistry.Snapshot) ([]artifact.Published, error)
}

type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

// Runner starts and cancels generator jobs.
//
// Runner is safe for concurrent use.
type Runner struct {
	opts      Options
	workspace string
	reg       *jobregistry.Registry
	hub       *eventhub.Hub
	logger    *zap.Logger
	limiter   *rate.Limiter
	inputs    *match.Matcher

	mu    sync.Mutex
	procs map[string]*process
	wg    sync.WaitGroup
}

func New(reg *jobregistry.Registry, hub *eventhub.Hub, opts Options) (*Runner, error) {
	if reg == nil || hub == nil {
		return nil, errors.New("runner requires a registry and an event hub")
	}
	if strings.TrimSpace(opts.Python) == "" {
		opts.Python = DefaultPython
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}

	ws := strings.TrimSpace(opts.Workspace)
	if ws == "" {
		ws = "."
	}
	ws, err := filepath.Abs(ws)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if real, err := filepath.EvalSymlinks(ws); err == nil {
		ws = real
	}

	scripts := make(map[jobregistry.JobType]string, len(opts.Scripts))
	for t, s := range opts.Scripts {
		s = strings.TrimSpace(s)
		if s != "" && !filepath.IsAbs(s) {
			s = filepath.Join(ws, s)
		}
		scripts[t] = s
	}
	opts.Scripts = scripts

	if opts.LogsDir == "" {
		opts.LogsDir = "logs"
	}
	if !filepath.IsAbs(opts.LogsDir) {
		opts.LogsDir = filepath.Join(ws, opts.LogsDir)
	}
	if opts.TranscriptDir != "" && !filepath.IsAbs(opts.TranscriptDir) {
		opts.TranscriptDir = filepath.Join(ws, opts.TranscriptDir)
	}

	r := &Runner{
		opts:      opts,
		workspace: ws,
		reg:       reg,
		hub:       hub,
		logger:    opts.Logger,
		procs:     make(map[string]*process),
	}
	if len(opts.InputPatterns) > 0 {
		m, err := match.New(match.Config{Includes: opts.InputPatterns, Excludes: opts.InputExcludes})
		if err != nil {
			return nil, fmt.Errorf("input patterns: %w", err)
		}
		r.inputs = m
	}
	if opts.StartRate > 0 {
		burst := opts.StartBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.StartRate), burst)
	}
	return r, nil
}

// Workspace returns the resolved workspace root.
func (r *Runner) Workspace() string { return r.workspace }

// Start validates p, registers a job and spawns its generator. Validation
// failures return ErrInvalidParams and create no job. A spawn failure still
// returns the job, already finished with status error.
func (r *Runner) Start(ctx context.Context, p Params) (*jobregistry.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rp, err := r.resolve(p)
	if err != nil {
		return nil, err
	}
	if r.limiter != nil && !r.limiter.Allow() {
		return nil, ErrRateLimited
	}
	interp, err := loginterp.For(rp.Type)
	if err != nil {
		return nil, err
	}

	fields := jobregistry.Fields{
		Subject:         rp.Subject,
		LearningStyle:   rp.LearningStyle,
		ExpectedContent: rp.ExpectedContent,
	}
	if rp.Type == jobregistry.JobTypeContent {
		fields.EstimatedTotal = outline.EstimateFile(rp.input, rp.selection)
	}
	job, err := r.reg.Create(rp.Type, fields)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With(zap.String("job_id", job.ID()), zap.String("job_type", string(job.Type())))
	r.attachTranscript(job.ID(), logger)

	var logPath string
	if rp.Debug {
		logPath = r.debugLogPath(rp.Type, rp.Subject, job.ID())
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			logger.Warn("Failed to create debug log dir", zap.Error(err))
		}
		job.Apply(jobregistry.Change{LogPath: logPath})
	}

	args := r.argv(rp, logPath)
	cmd := exec.Command(r.opts.Python, args...)
	cmd.Dir = r.workspace
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8")
	cmd.Env = append(cmd.Env, r.opts.Env...)
	configureProcess(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		r.spawnFailed(job, logger, err)
		return job, nil
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		r.spawnFailed(job, logger, err)
		return job, nil
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	proc := &process{cmd: cmd, exited: make(chan struct{})}
	r.mu.Lock()
	r.procs[job.ID()] = proc
	// A Cancel that raced with the spawn found no process to signal.
	cancelled := job.Status().Terminal()
	r.mu.Unlock()
	if cancelled {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			terminateProcess(cmd, proc.exited, r.opts.KillGrace)
		}()
	}

	job.SetPID(cmd.Process.Pid)
	logger.Info("Generator started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("script", rp.script))

	if !cancelled {
		applied := job.Apply(jobregistry.Change{Stage: &jobregistry.StageUpdate{
			ID:     job.FirstStage(),
			Status: jobregistry.StageRunning,
		}})
		if applied.Stage != nil {
			r.hub.Broadcast(job.ID(), eventhub.EventStage, *applied.Stage)
		}
		r.hub.Broadcast(job.ID(), eventhub.EventLog, LogEvent{
			Line: fmt.Sprintf("已启动进程 pid=%d: %s %s", cmd.Process.Pid, r.opts.Python, strings.Join(args, " ")),
		})
	}

	pumpDone := make(chan struct{})
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer close(pumpDone)
		r.pump(job, interp, pr, logger)
	}()
	go func() {
		defer r.wg.Done()
		waitErr := cmd.Wait()
		close(proc.exited)

		timer := time.NewTimer(drainTimeout)
		select {
		case <-pumpDone:
		case <-timer.C:
			_ = pr.Close()
			<-pumpDone
		}
		timer.Stop()
		_ = pr.Close()

		r.mu.Lock()
		delete(r.procs, job.ID())
		r.mu.Unlock()

		r.exited(job, waitErr, logger)
	}()

	return job, nil
}

func (r *Runner) pump(job *jobregistry.JobRecord, interp *loginterp.Interpreter, src io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		r.handleLine(job, interp, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Debug("Output scanner stopped", zap.Error(err))
		// Keep the pipe drained so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, src)
	}
}

// handleLine records one output line. Lines that arrive after the job is
// terminal, such as output from a signal handler during the kill grace
// period, only reach the log ring.
func (r *Runner) handleLine(job *jobregistry.JobRecord, interp *loginterp.Interpreter, line string) {
	job.AppendLog(line)
	if job.Status().Terminal() {
		return
	}
	r.hub.Broadcast(job.ID(), eventhub.EventLog, LogEvent{Line: line})

	applied := job.Update(func(c *jobregistry.Counters) jobregistry.Change {
		change, _, _ := interp.Interpret(line, c)
		return change
	})
	if applied.Stage != nil {
		r.hub.Broadcast(job.ID(), eventhub.EventStage, *applied.Stage)
	}
	if applied.FileChanged() {
		r.hub.Broadcast(job.ID(), eventhub.EventFile, FileEvent{
			OutputPath: job.OutputPath(),
			LogPath:    job.LogPath(),
		})
	}
}

// exited reconciles the child's exit into the job's terminal status.
func (r *Runner) exited(job *jobregistry.JobRecord, waitErr error, logger *zap.Logger) {
	if waitErr == nil {
		if !r.reg.Finish(job.ID(), jobregistry.JobStatusSuccess) {
			return
		}
		logger.Info("Generator finished")
		r.end(job, EndEvent{
			Status:     jobregistry.JobStatusSuccess,
			OutputPath: job.OutputPath(),
			LogPath:    job.LogPath(),
			Artifacts:  r.publish(job, logger),
		})
		return
	}

	detail := exitDetail(waitErr)
	if !r.reg.Finish(job.ID(), jobregistry.JobStatusError) {
		return
	}
	logger.Warn("Generator failed", zap.String("detail", detail), zap.Error(waitErr))
	for _, st := range job.FailActive(detail) {
		r.hub.Broadcast(job.ID(), eventhub.EventStage, st)
	}
	r.end(job, EndEvent{
		Status:     jobregistry.JobStatusError,
		OutputPath: job.OutputPath(),
		LogPath:    job.LogPath(),
		Message:    detail,
	})
}

// publish uploads the job's artifacts. Failures are reported as log lines
// and never change the job's status.
func (r *Runner) publish(job *jobregistry.JobRecord, logger *zap.Logger) []artifact.Published {
	if r.opts.Publisher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PublishTimeout)
	defer cancel()

	published, err := r.opts.Publisher.Publish(ctx, r.reg.Snapshot(job))
	for _, p := range published {
		r.hub.Broadcast(job.ID(), eventhub.EventLog, LogEvent{Line: fmt.Sprintf("已发布 %s: %s", p.Kind, p.URL)})
	}
	if err != nil {
		logger.Warn("Failed to publish artifacts", zap.Error(err))
		r.hub.Broadcast(job.ID(), eventhub.EventLog, LogEvent{Line: fmt.Sprintf("发布产物失败: %v", err)})
	}
	return published
}

func exitDetail(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return fmt.Sprintf("进程退出，退出码 %d", code)
		}
		return fmt.Sprintf("进程异常终止: %s", exitErr.String())
	}
	return fmt.Sprintf("进程异常终止: %v", err)
}

func (r *Runner) spawnFailed(job *jobregistry.JobRecord, logger *zap.Logger, err error) {
	logger.Error("Failed to start generator", zap.String("python", r.opts.Python), zap.Error(err))
	if !r.reg.Finish(job.ID(), jobregistry.JobStatusError) {
		return
	}
	msg := fmt.Sprintf("无法启动进程 %s: %v", r.opts.Python, err)
	r.hub.Broadcast(job.ID(), eventhub.EventLog, LogEvent{Line: msg})
	r.end(job, EndEvent{Status: jobregistry.JobStatusError, Message: msg})
}

// end broadcasts the terminal event and closes every subscriber of the job.
func (r *Runner) end(job *jobregistry.JobRecord, ev EndEvent) {
	r.hub.Broadcast(job.ID(), eventhub.EventEnd, ev)
	r.hub.CloseJob(job.ID())
}

// Cancel terminates a running job's process group. Unknown ids return
// ErrJobNotFound; cancelling a finished job is a no-op.
func (r *Runner) Cancel(id string) error {
	job, ok := r.reg.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	if job.Status().Terminal() {
		return nil
	}

	// Finish first so the exit handler that follows the kill cannot report
	// the signal as a failure.
	r.mu.Lock()
	proc := r.procs[job.ID()]
	finished := r.reg.Finish(job.ID(), jobregistry.JobStatusCancelled)
	r.mu.Unlock()
	if !finished {
		return nil
	}
	r.logger.Info("Cancelling job", zap.String("job_id", job.ID()), zap.Int("pid", job.PID()))

	for _, st := range job.FailActive("已取消") {
		r.hub.Broadcast(job.ID(), eventhub.EventStage, st)
	}
	r.end(job, EndEvent{
		Status:     jobregistry.JobStatusCancelled,
		OutputPath: job.OutputPath(),
		LogPath:    job.LogPath(),
	})

	if proc != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			terminateProcess(proc.cmd, proc.exited, r.opts.KillGrace)
		}()
	}
	return nil
}

// Wait blocks until job id is terminal or ctx is done.
func (r *Runner) Wait(ctx context.Context, id string) (jobregistry.Snapshot, error) {
	job, ok := r.reg.Get(id)
	if !ok {
		return jobregistry.Snapshot{}, ErrJobNotFound
	}
	select {
	case <-job.Done():
		return r.reg.Snapshot(job), nil
	case <-ctx.Done():
		return r.reg.Snapshot(job), ctx.Err()
	}
}

// Shutdown cancels every running job and waits for the runner's goroutines.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attachTranscript subscribes a JSONL transcript of every event published
// for jobID. The file is closed once the job ends and the queue is drained.
func (r *Runner) attachTranscript(jobID string, logger *zap.Logger) {
	if r.opts.TranscriptDir == "" {
		return
	}
	if err := os.MkdirAll(r.opts.TranscriptDir, 0o755); err != nil {
		logger.Warn("Failed to create transcript dir", zap.Error(err))
		return
	}
	f, err := os.Create(TranscriptPath(r.opts.TranscriptDir, jobID))
	if err != nil {
		logger.Warn("Failed to create transcript", zap.Error(err))
		return
	}
	r.attachWriter(jobID, output.NewJSONLWriter(f, jobID), logger)
}

// attachWriter feeds w from a queue subscribed to jobID so that a slow disk
// never runs under the hub lock. A transcript that falls behind by more than
// transcriptQueueSize events is dropped by the hub like any slow subscriber.
func (r *Runner) attachWriter(jobID string, w *output.JSONLWriter, logger *zap.Logger) {
	queue := eventhub.NewQueueSink(transcriptQueueSize)
	sub, err := r.hub.Attach(jobID, queue, nil)
	if err != nil {
		logger.Warn("Failed to attach transcript", zap.Error(err))
		_ = w.Close()
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { _ = w.Close() }()
		for msg := range queue.Messages() {
			if err := w.Send(msg.Event, msg.Data); err != nil {
				logger.Warn("Failed to write transcript", zap.Error(err))
				r.hub.Detach(sub)
				return
			}
		}
	}()
}

// TranscriptPath is where a job's transcript is written under dir.
func TranscriptPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+".jsonl")
}
