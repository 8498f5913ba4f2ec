package jobregistry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func newOutlineJob(t *testing.T, opts ...Option) *JobRecord {
	t.Helper()
	job, err := New(opts...).Create(JobTypeOutline, Fields{})
	require.NoError(t, err)
	return job
}

func TestJobRecord_ProgressStaysInUnitRange(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"negative", -0.5, 0},
		{"zero", 0, 0},
		{"inside", 0.42, 0.42},
		{"over one", 1.7, 1},
		{"nan", math.NaN(), 0},
		{"inf", math.Inf(1), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newOutlineJob(t)
			applied := job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Status: StageRunning, Progress: ptr(tt.in)}})
			require.NotNil(t, applied.Stage)
			require.NotNil(t, applied.Stage.Progress)
			assert.InDelta(t, tt.want, *applied.Stage.Progress, 1e-9)
		})
	}
}

func TestJobRecord_RunningProgressNeverDecreases(t *testing.T) {
	job := newOutlineJob(t)
	job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Status: StageRunning, Progress: ptr(0.6)}})

	applied := job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Progress: ptr(0.2)}})
	require.NotNil(t, applied.Stage)
	assert.InDelta(t, 0.6, *applied.Stage.Progress, 1e-9)

	applied = job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Progress: ptr(0.8)}})
	assert.InDelta(t, 0.8, *applied.Stage.Progress, 1e-9)
}

func TestJobRecord_CompletedForcesFullProgress(t *testing.T) {
	job := newOutlineJob(t)
	job.Apply(Change{Stage: &StageUpdate{ID: StageOutline, Status: StageRunning, Progress: ptr(0.3)}})

	applied := job.Apply(Change{Stage: &StageUpdate{ID: StageOutline, Status: StageCompleted}})
	require.NotNil(t, applied.Stage)
	assert.Equal(t, StageCompleted, applied.Stage.Status)
	assert.Equal(t, 1.0, *applied.Stage.Progress)
}

func TestJobRecord_UnknownStageIgnored(t *testing.T) {
	job := newOutlineJob(t)
	applied := job.Apply(Change{Stage: &StageUpdate{ID: StageContent, Status: StageRunning}})
	assert.Nil(t, applied.Stage)
	_, ok := job.Stage(StageContent)
	assert.False(t, ok)
}

func TestJobRecord_DetailLastWriteWins(t *testing.T) {
	job := newOutlineJob(t)
	job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Detail: ptr("a")}})
	job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Status: StageRunning}})
	st, _ := job.Stage(StageCollect)
	assert.Equal(t, "a", st.Detail, "nil detail keeps the previous value")

	job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Detail: ptr("b")}})
	st, _ = job.Stage(StageCollect)
	assert.Equal(t, "b", st.Detail)
}

func TestJobRecord_PathsLastWriteWins(t *testing.T) {
	job, err := New().Create(JobTypeOutline, Fields{LogPath: "/logs/seed.log"})
	require.NoError(t, err)
	assert.Equal(t, "/logs/seed.log", job.LogPath())

	applied := job.Apply(Change{OutputPath: "/out/a.json", LogPath: "/out/a.log"})
	assert.True(t, applied.FileChanged())

	job.Apply(Change{OutputPath: "/out/b.json", LogPath: "/out/b.log"})
	assert.Equal(t, "/out/b.json", job.OutputPath())
	assert.Equal(t, "/out/b.log", job.LogPath())
}

func TestJobRecord_UpdateMutatesCounters(t *testing.T) {
	job := newOutlineJob(t)

	job.Update(func(c *Counters) Change {
		c.TotalToFetch = 5
		c.Processed = 0
		return Change{}
	})
	job.Update(func(c *Counters) Change {
		c.Processed++
		return Change{}
	})

	got := job.Counters()
	assert.Equal(t, 5, got.TotalToFetch)
	assert.Equal(t, 1, got.Processed)

	snap := job.snapshot()
	assert.Equal(t, 5, snap.TotalToFetch)
	assert.Equal(t, 1, snap.Processed)
}

func TestJobRecord_FailActiveOnlyTouchesRunningStages(t *testing.T) {
	job := newOutlineJob(t)
	job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Status: StageCompleted}})
	job.Apply(Change{Stage: &StageUpdate{ID: StageOutline, Status: StageRunning}})

	failed := job.FailActive("进程退出，退出码 2")
	require.Len(t, failed, 1)
	assert.Equal(t, StageOutline, failed[0].ID)
	assert.Equal(t, StageError, failed[0].Status)

	collect, _ := job.Stage(StageCollect)
	assert.Equal(t, StageCompleted, collect.Status)
}

func TestJobRecord_LogTailIsBounded(t *testing.T) {
	job := newOutlineJob(t, WithLogHistory(3))
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		job.AppendLog(l)
	}
	assert.Equal(t, []string{"c", "d", "e"}, job.snapshot().LogTail)

	off := newOutlineJob(t, WithLogHistory(0))
	off.AppendLog("ignored")
	assert.Empty(t, off.snapshot().LogTail)
}

func TestJobRecord_SnapshotIsDetached(t *testing.T) {
	job := newOutlineJob(t)
	job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Status: StageRunning, Progress: ptr(0.1)}})

	snap := job.snapshot()
	*snap.Stages[StageCollect].Progress = 0.9

	st, _ := job.Stage(StageCollect)
	assert.InDelta(t, 0.1, *st.Progress, 1e-9)
}

func TestJobRecord_DoneStageNeverReopens(t *testing.T) {
	job := newOutlineJob(t)
	job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Status: StageCompleted}})

	applied := job.Apply(Change{Stage: &StageUpdate{
		ID:       StageCollect,
		Status:   StageRunning,
		Progress: ptr(0.5),
		Detail:   ptr("已完成 2/2"),
	}})
	require.NotNil(t, applied.Stage)
	assert.Equal(t, StageCompleted, applied.Stage.Status)
	assert.Equal(t, 1.0, *applied.Stage.Progress)
	assert.Equal(t, "已完成 2/2", applied.Stage.Detail)

	job.Apply(Change{Stage: &StageUpdate{ID: StageOutline, Status: StageRunning, Progress: ptr(0.3)}})
	job.Apply(Change{Stage: &StageUpdate{ID: StageOutline, Status: StageError}})
	job.Apply(Change{Stage: &StageUpdate{ID: StageOutline, Status: StageRunning, Progress: ptr(0.1)}})
	outline, _ := job.Stage(StageOutline)
	assert.Equal(t, StageError, outline.Status)
	assert.Equal(t, 0.3, *outline.Progress)
}

func TestJobRecord_FrozenAfterFinish(t *testing.T) {
	reg := New()
	job, err := reg.Create(JobTypeOutline, Fields{})
	require.NoError(t, err)
	job.Apply(Change{Stage: &StageUpdate{ID: StageCollect, Status: StageRunning}})
	job.FailActive("已取消")
	require.True(t, reg.Finish(job.ID(), JobStatusCancelled))

	applied := job.Apply(Change{Stage: &StageUpdate{ID: StageOutline, Status: StageRunning}})
	assert.Nil(t, applied.Stage)

	called := false
	applied = job.Update(func(c *Counters) Change {
		called = true
		c.TotalToFetch = 4
		return Change{Stage: &StageUpdate{ID: StageCollect, Status: StageRunning}}
	})
	assert.False(t, called)
	assert.Nil(t, applied.Stage)
	assert.False(t, applied.FileChanged())

	job.AppendLog("late line")
	snap := job.snapshot()
	assert.Equal(t, StageError, snap.Stages[StageCollect].Status)
	assert.Equal(t, StagePending, snap.Stages[StageOutline].Status)
	assert.Zero(t, snap.TotalToFetch)
	assert.Equal(t, []string{"late line"}, snap.LogTail)
}
