package cmd

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/coursepipe/internal/server/handlers"
	"github.com/3leaps/coursepipe/pkg/eventhub"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/runner"
)

// stubRunner cancels by finishing the job directly.
type stubRunner struct {
	reg *jobregistry.Registry
	hub *eventhub.Hub
}

func (s *stubRunner) Start(ctx context.Context, p runner.Params) (*jobregistry.JobRecord, error) {
	return s.reg.Create(p.Type, jobregistry.Fields{Subject: p.Subject})
}

func (s *stubRunner) Cancel(id string) error {
	if _, ok := s.reg.Get(id); !ok {
		return runner.ErrJobNotFound
	}
	s.end(id, jobregistry.JobStatusCancelled)
	return nil
}

func (s *stubRunner) end(id string, status jobregistry.JobStatus) {
	if s.reg.Finish(id, status) {
		s.hub.Broadcast(id, eventhub.EventEnd, runner.EndEvent{Status: status})
		s.hub.CloseJob(id)
	}
}

type apiFixture struct {
	reg    *jobregistry.Registry
	hub    *eventhub.Hub
	runner *stubRunner
	url    string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	reg := jobregistry.New()
	hub := eventhub.New(nil)
	sr := &stubRunner{reg: reg, hub: hub}

	r := chi.NewRouter()
	handlers.NewJobs(reg, hub, sr, time.Second, nil).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiFixture{reg: reg, hub: hub, runner: sr, url: srv.URL}
}

func TestShortJobID(t *testing.T) {
	assert.Equal(t, "short", shortJobID(" short "))
	assert.Equal(t, "20261014T093000-0001", shortJobID("20261014T093000-0001-abcd1234"))
}

func TestResolveJobID(t *testing.T) {
	f := newAPIFixture(t)
	a, _ := f.reg.Create(jobregistry.JobTypeOutline, jobregistry.Fields{})
	b, _ := f.reg.Create(jobregistry.JobTypeOutline, jobregistry.Fields{})
	c := newAPIClient(f.url)
	ctx := context.Background()

	got, err := resolveJobID(ctx, c, a.ID())
	require.NoError(t, err)
	assert.Equal(t, a.ID(), got)

	got, err = resolveJobID(ctx, c, b.ID()[:20])
	require.NoError(t, err)
	assert.Equal(t, b.ID(), got)

	// Both ids share the timestamp prefix.
	_, err = resolveJobID(ctx, c, a.ID()[:8])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = resolveJobID(ctx, c, "nope")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, foundry.ExitInvalidArgument, exitErr.Code)

	_, err = resolveJobID(ctx, c, "  ")
	require.Error(t, err)
}

func TestJobsList(t *testing.T) {
	f := newAPIFixture(t)

	out, err := executeCommand(t, "jobs", "list", "--server", f.url)
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found")

	job, _ := f.reg.Create(jobregistry.JobTypeOutline, jobregistry.Fields{Subject: "线性代数"})
	_, _ = f.reg.Create(jobregistry.JobTypeContent, jobregistry.Fields{})

	out, err = executeCommand(t, "jobs", "list", "--server", f.url, "--type", "outline")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "JOB ID"))
	assert.Contains(t, lines[1], shortJobID(job.ID()))
	assert.Contains(t, lines[1], "线性代数")

	out, err = executeCommand(t, "jobs", "list", "--server", f.url, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"type": "content"`)
}

func TestJobsStatusAndCancel(t *testing.T) {
	f := newAPIFixture(t)
	job, _ := f.reg.Create(jobregistry.JobTypeOutline, jobregistry.Fields{Subject: "s"})

	out, err := executeCommand(t, "jobs", "status", shortJobID(job.ID()), "--server", f.url)
	require.NoError(t, err)
	assert.Contains(t, out, "job_id="+job.ID())
	assert.Contains(t, out, "status=running")
	assert.Contains(t, out, "stage=[资料检索] pending")

	out, err = executeCommand(t, "jobs", "cancel", job.ID(), "--server", f.url)
	require.NoError(t, err)
	assert.Contains(t, out, "status=cancelled")

	out, err = executeCommand(t, "jobs", "rm", job.ID(), "--server", f.url)
	require.NoError(t, err)
	assert.Contains(t, out, "removed "+job.ID())

	_, err = executeCommand(t, "jobs", "status", job.ID(), "--server", f.url)
	require.Error(t, err)
}

func TestJobsRemoveRunningIsRefused(t *testing.T) {
	f := newAPIFixture(t)
	job, _ := f.reg.Create(jobregistry.JobTypeContent, jobregistry.Fields{})

	_, err := executeCommand(t, "jobs", "rm", job.ID(), "--server", f.url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFLICT")
}

func TestJobsWatchFollowsUntilEnd(t *testing.T) {
	f := newAPIFixture(t)
	job, _ := f.reg.Create(jobregistry.JobTypeOutline, jobregistry.Fields{})

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for f.hub.Count(job.ID()) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		progress := 0.2
		f.hub.Broadcast(job.ID(), eventhub.EventStage, jobregistry.StageState{
			ID: jobregistry.StageCollect, Label: "资料检索", Status: jobregistry.StageRunning,
			Progress: &progress, Detail: "已完成 1/5",
		})
		f.hub.Broadcast(job.ID(), eventhub.EventLog, runner.LogEvent{Line: "完成: 《X》"})
		f.runner.end(job.ID(), jobregistry.JobStatusError)
	}()

	out, err := executeCommand(t, "jobs", "watch", job.ID(), "--server", f.url)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, ExitJobFailed, exitErr.Code)

	assert.Contains(t, out, "job "+job.ID()+" (outline) status=running")
	assert.Contains(t, out, "[资料检索] running  20% 已完成 1/5")
	assert.Contains(t, out, "完成: 《X》")
	assert.Contains(t, out, "job finished: error")
}

func TestJobsWatchFinishedJob(t *testing.T) {
	f := newAPIFixture(t)
	job, _ := f.reg.Create(jobregistry.JobTypeContent, jobregistry.Fields{})
	f.reg.Finish(job.ID(), jobregistry.JobStatusSuccess)

	out, err := executeCommand(t, "jobs", "watch", job.ID(), "--server", f.url, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"event":"hello"`)
}
