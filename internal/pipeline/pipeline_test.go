package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panocap/internal/pano"
	"panocap/internal/storage"
)

// stubProcessor reports one progress update and returns a canned result.
type stubProcessor struct {
	started chan string
	release chan struct{}
	err     error
}

func (s *stubProcessor) Process(ctx context.Context, job Job, progress ProgressFunc) Result {
	if s.started != nil {
		s.started <- job.ID
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return Result{Job: job, Error: ctx.Err()}
		}
	}
	progress(Update{JobID: job.ID, Phase: "stitch", Stage: pano.StageComplete, Percent: 100})
	return Result{Job: job, Error: s.err, Meta: map[string]any{"ok": s.err == nil}}
}

func TestPipelineRunsJobAndRecordsHistory(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer store.Close()

	p := New(context.Background(), 1, 4, quietLogger(), store, &stubProcessor{})
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()
	progress, unsubProgress := p.SubscribeProgress()
	defer unsubProgress()

	require.NoError(t, p.Submit(Job{ID: "j1", Type: JobStitch, InputPath: "/frames"}))

	select {
	case res := <-results:
		assert.Equal(t, "j1", res.Job.ID)
		assert.NoError(t, res.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	select {
	case up := <-progress:
		assert.Equal(t, "j1", up.JobID)
		assert.Equal(t, 100, up.Percent)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for progress")
	}

	jobs, err := store.RecentJobs(5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "completed", jobs[0].Status)
	assert.Equal(t, "/frames", jobs[0].InputPath)
}

func TestPipelineRecordsFailure(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer store.Close()

	p := New(context.Background(), 1, 4, quietLogger(), store, &stubProcessor{err: errors.New("boom")})
	results, unsub := p.Subscribe()
	defer unsub()

	require.NoError(t, p.Submit(Job{ID: "bad", Type: JobStitch}))
	res := <-results
	assert.EqualError(t, res.Error, "boom")
	p.Stop()

	jobs, err := store.RecentJobs(1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "failed", jobs[0].Status)
	assert.Equal(t, "boom", jobs[0].Error)
}

func TestPipelineQueueFull(t *testing.T) {
	proc := &stubProcessor{started: make(chan string, 4), release: make(chan struct{})}
	p := New(context.Background(), 1, 1, quietLogger(), nil, proc)
	defer p.Stop()

	require.NoError(t, p.Submit(Job{ID: "running", Type: JobStitch}))
	assert.Equal(t, "running", <-proc.started)
	require.NoError(t, p.Submit(Job{ID: "waiting", Type: JobStitch}))
	assert.ErrorIs(t, p.Submit(Job{ID: "rejected", Type: JobStitch}), ErrQueueFull)

	close(proc.release)
}

func TestPipelineStopClosesSubscribers(t *testing.T) {
	p := New(context.Background(), 2, 0, quietLogger(), nil, &stubProcessor{})
	results, _ := p.Subscribe()
	progress, _ := p.SubscribeProgress()
	p.Stop()

	_, ok := <-results
	assert.False(t, ok)
	_, ok = <-progress
	assert.False(t, ok)
	assert.Error(t, p.Submit(Job{ID: "late"}))
}
