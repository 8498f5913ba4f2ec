package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/coursepipe/internal/errors"
	"github.com/3leaps/coursepipe/pkg/eventhub"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/runner"
	"github.com/3leaps/coursepipe/pkg/sse"
)

// fakeRunner records jobs without spawning anything.
type fakeRunner struct {
	mu       sync.Mutex
	reg      *jobregistry.Registry
	hub      *eventhub.Hub
	startErr error
	started  []runner.Params
}

func (f *fakeRunner) Start(ctx context.Context, p runner.Params) (*jobregistry.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, p)
	return f.reg.Create(p.Type, jobregistry.Fields{Subject: p.Subject})
}

func (f *fakeRunner) Cancel(id string) error {
	if _, ok := f.reg.Get(id); !ok {
		return runner.ErrJobNotFound
	}
	f.finish(id, jobregistry.JobStatusCancelled)
	return nil
}

func (f *fakeRunner) finish(id string, status jobregistry.JobStatus) {
	if f.reg.Finish(id, status) {
		f.hub.Broadcast(id, eventhub.EventEnd, runner.EndEvent{Status: status})
		f.hub.CloseJob(id)
	}
}

type jobsFixture struct {
	reg    *jobregistry.Registry
	hub    *eventhub.Hub
	runner *fakeRunner
	router chi.Router
}

func newJobsFixture(t *testing.T) *jobsFixture {
	t.Helper()
	reg := jobregistry.New()
	hub := eventhub.New(nil)
	fr := &fakeRunner{reg: reg, hub: hub}

	r := chi.NewRouter()
	NewJobs(reg, hub, fr, 20*time.Millisecond, nil).Routes(r)
	return &jobsFixture{reg: reg, hub: hub, runner: fr, router: r}
}

func (f *jobsFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPError {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestJobs_CreateReturnsSnapshot(t *testing.T) {
	f := newJobsFixture(t)

	rec := f.do(http.MethodPost, "/api/jobs", map[string]any{
		"type":    "outline",
		"input":   "inputs/course.json",
		"subject": "线性代数",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var snap jobregistry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, jobregistry.JobTypeOutline, snap.Type)
	assert.Equal(t, jobregistry.JobStatusRunning, snap.Status)
	assert.Equal(t, "线性代数", snap.Subject)
	assert.Equal(t, "/api/jobs/"+snap.ID, rec.Header().Get("Location"))

	require.Len(t, f.runner.started, 1)
	assert.Equal(t, "inputs/course.json", f.runner.started[0].Input)
}

func TestJobs_CreateErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		status   int
		code     string
	}{
		{"malformed body", `{"type":`, nil, http.StatusBadRequest, apperrors.CodeValidation},
		{"unknown field", `{"type":"outline","input":"a.json","bogus":1}`, nil, http.StatusBadRequest, apperrors.CodeValidation},
		{"unknown type", `{"type":"video","input":"a.json"}`, nil, http.StatusBadRequest, apperrors.CodeValidation},
		{"missing input", `{"type":"outline"}`, nil, http.StatusBadRequest, apperrors.CodeValidation},
		{"invalid params", `{"type":"outline","input":"../a.json"}`, fmt.Errorf("%w: input path escapes workspace", runner.ErrInvalidParams), http.StatusBadRequest, apperrors.CodeValidation},
		{"rate limited", `{"type":"outline","input":"a.json"}`, runner.ErrRateLimited, http.StatusTooManyRequests, apperrors.CodeRateLimited},
		{"unexpected", `{"type":"outline","input":"a.json"}`, assert.AnError, http.StatusInternalServerError, apperrors.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newJobsFixture(t)
			f.runner.startErr = tt.startErr

			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(tt.body)))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
			assert.Equal(t, 0, f.reg.Len())
		})
	}
}

func TestJobs_CreateReportsManifestErrors(t *testing.T) {
	f := newJobsFixture(t)

	rec := f.do(http.MethodPost, "/api/jobs", map[string]any{"type": "video", "input": "a.json"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "invalid job manifest", body.Message)
	require.Contains(t, body.Details, "errors")
	assert.NotEmpty(t, body.Details["errors"])
	assert.Empty(t, f.runner.started)
}

func TestJobs_CreateAcceptsSchemaReference(t *testing.T) {
	f := newJobsFixture(t)

	rec := f.do(http.MethodPost, "/api/jobs", map[string]any{
		"$schema":  "https://schemas.3leaps.dev/coursepipe/v1.0.0/job-manifest.schema.json",
		"version":  "1.0",
		"type":     "content",
		"input":    "outputs/course/outline.json",
		"chapters": "2",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.runner.started, 1)
	assert.Equal(t, "2", f.runner.started[0].Chapters)
}

func TestJobs_ListFilters(t *testing.T) {
	f := newJobsFixture(t)
	o, _ := f.reg.Create(jobregistry.JobTypeOutline, jobregistry.Fields{})
	c, _ := f.reg.Create(jobregistry.JobTypeContent, jobregistry.Fields{})
	f.reg.Finish(c.ID(), jobregistry.JobStatusSuccess)

	list := func(path string) []string {
		rec := f.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body JobList
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		ids := make([]string, 0, len(body.Jobs))
		for _, j := range body.Jobs {
			ids = append(ids, j.ID)
		}
		return ids
	}

	assert.ElementsMatch(t, []string{o.ID(), c.ID()}, list("/api/jobs"))
	assert.Equal(t, []string{o.ID()}, list("/api/jobs?type=outline"))
	assert.Equal(t, []string{c.ID()}, list("/api/jobs?status=success"))
	assert.Empty(t, list("/api/jobs?type=outline&status=error"))
}

func TestJobs_LatestAndGet(t *testing.T) {
	f := newJobsFixture(t)

	rec := f.do(http.MethodGet, "/api/jobs/latest?type=outline", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/jobs/latest?type=video", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	job, _ := f.reg.Create(jobregistry.JobTypeOutline, jobregistry.Fields{Subject: "s"})
	rec = f.do(http.MethodGet, "/api/jobs/latest?type=outline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap jobregistry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, job.ID(), snap.ID)

	rec = f.do(http.MethodGet, "/api/jobs/"+job.ID(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, decodeError(t, rec).Code)
}

func TestJobs_CancelAndDelete(t *testing.T) {
	f := newJobsFixture(t)
	job, _ := f.reg.Create(jobregistry.JobTypeContent, jobregistry.Fields{})

	rec := f.do(http.MethodDelete, "/api/jobs/"+job.ID(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeConflict, decodeError(t, rec).Code)

	rec = f.do(http.MethodPost, "/api/jobs/"+job.ID()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap jobregistry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, jobregistry.JobStatusCancelled, snap.Status)

	rec = f.do(http.MethodDelete, "/api/jobs/"+job.ID(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := f.reg.Get(job.ID())
	assert.False(t, ok)

	rec = f.do(http.MethodPost, "/api/jobs/"+job.ID()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func openStream(t *testing.T, url string) *sse.Decoder {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return sse.NewDecoder(resp.Body)
}

func TestJobs_EventsStreamsUntilEnd(t *testing.T) {
	f := newJobsFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	job, _ := f.reg.Create(jobregistry.JobTypeOutline, jobregistry.Fields{})
	job.AppendLog("开始检索")

	dec := openStream(t, srv.URL+"/api/jobs/"+job.ID()+"/events")

	ev, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, eventhub.EventHello, ev.Name)
	var hello jobregistry.Snapshot
	require.NoError(t, ev.Decode(&hello))
	assert.Equal(t, job.ID(), hello.ID)
	assert.Equal(t, []string{"开始检索"}, hello.LogTail)

	require.Eventually(t, func() bool { return f.hub.Count(job.ID()) == 1 }, 2*time.Second, 5*time.Millisecond)
	f.hub.Broadcast(job.ID(), eventhub.EventLog, runner.LogEvent{Line: "待检索=5 本"})
	f.runner.finish(job.ID(), jobregistry.JobStatusSuccess)

	var names []string
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, ev.Name)
		if ev.Name == eventhub.EventLog {
			var le runner.LogEvent
			require.NoError(t, ev.Decode(&le))
			assert.Equal(t, "待检索=5 本", le.Line)
		}
	}
	assert.Equal(t, []string{eventhub.EventLog, eventhub.EventEnd}, names)
	require.Eventually(t, func() bool { return f.hub.Count(job.ID()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestJobs_EventsOnFinishedJobEndsAfterHello(t *testing.T) {
	f := newJobsFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	job, _ := f.reg.Create(jobregistry.JobTypeContent, jobregistry.Fields{})
	f.reg.Finish(job.ID(), jobregistry.JobStatusError)

	dec := openStream(t, srv.URL+"/api/jobs/"+job.ID()+"/events")
	ev, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, eventhub.EventHello, ev.Name)

	var hello jobregistry.Snapshot
	require.NoError(t, ev.Decode(&hello))
	assert.Equal(t, jobregistry.JobStatusError, hello.Status)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestJobs_EventsSendsHeartbeats(t *testing.T) {
	f := newJobsFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	job, _ := f.reg.Create(jobregistry.JobTypeOutline, jobregistry.Fields{})
	dec := openStream(t, srv.URL+"/api/jobs/"+job.ID()+"/events")

	_, err := dec.Next()
	require.NoError(t, err)

	// Heartbeats are consumed by the decoder while it waits for the next event.
	time.Sleep(100 * time.Millisecond)
	f.runner.finish(job.ID(), jobregistry.JobStatusSuccess)

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, eventhub.EventEnd, ev.Name)
	assert.Positive(t, dec.Heartbeats())
}

func TestJobs_EventsUnknownJob(t *testing.T) {
	f := newJobsFixture(t)
	rec := f.do(http.MethodGet, "/api/jobs/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
