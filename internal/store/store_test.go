package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgricker/dispatch/internal/report"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateRun(ctx, Run{
		ID:               "run-1",
		Workflow:         "ci",
		Path:             ".github/workflows/ci.yml",
		Event:            "push",
		Ref:              "refs/heads/main",
		ConcurrencyGroup: "ci-refs/heads/main",
		StartedAt:        started,
	}))

	r, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, report.StatusPending, r.Status)
	assert.True(t, r.StartedAt.Equal(started))
	assert.True(t, r.FinishedAt.IsZero())

	require.NoError(t, s.MarkRunRunning(ctx, "run-1"))
	r, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, report.StatusRunning, r.Status)

	require.NoError(t, s.FinishRun(ctx, "run-1", report.StatusFailure, errors.New("build: step failed")))
	r, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailure, r.Status)
	assert.Equal(t, "build: step failed", r.Error)
	assert.False(t, r.FinishedAt.IsZero())
	assert.Equal(t, "ci-refs/heads/main", r.ConcurrencyGroup)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.MarkRunRunning(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, s.FinishRun(ctx, "missing", report.StatusSuccess, nil), ErrNotFound)
}

func TestSaveJobs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateRun(ctx, Run{ID: "run-1", Workflow: "ci", Path: "ci.yml", Event: "push"}))

	now := time.Now()
	jobs := []report.JobResult{
		{Name: "build (linux)", Status: report.StatusSuccess, StartedAt: now, FinishedAt: now.Add(time.Second)},
		{Name: "test", Status: report.StatusFailure, Error: `step "go test" failed with exit code 1`, StartedAt: now, FinishedAt: now},
	}
	require.NoError(t, s.SaveJobs(ctx, "run-1", jobs))

	got, err := s.JobsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "build (linux)", got[0].Name)
	assert.Equal(t, report.StatusSuccess, got[0].Status)
	assert.Equal(t, time.Second, got[0].FinishedAt.Sub(got[0].StartedAt))
	assert.Equal(t, report.StatusFailure, got[1].Status)
	assert.Contains(t, got[1].Error, "go test")

	empty, err := s.JobsForRun(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSaveJobsRequiresRun(t *testing.T) {
	s := openStore(t)
	err := s.SaveJobs(context.Background(), "ghost", []report.JobResult{{Name: "build", Status: report.StatusSuccess}})
	assert.Error(t, err)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateRun(ctx, Run{
			ID: id, Workflow: "ci", Path: "ci.yml", Event: "push",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	all, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
