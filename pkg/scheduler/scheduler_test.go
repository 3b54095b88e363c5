package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoom0/datanav/pkg/connector"
	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/source"
	"github.com/knoom0/datanav/pkg/store"
)

// fakeLoader scripts a sequence of bounded load runs.
type fakeLoader struct {
	runs []fakeRun
	call int
}

type fakeRun struct {
	written    int64
	isFinished bool
	err        error
}

func (f *fakeLoader) Load(ctx context.Context, opts connector.LoadOptions) (*connector.LoadResult, error) {
	if f.call >= len(f.runs) {
		return &connector.LoadResult{IsFinished: true}, nil
	}
	run := f.runs[f.call]
	f.call++

	if run.err != nil {
		return nil, run.err
	}
	if run.written > 0 && opts.OnProgress != nil {
		opts.OnProgress(run.written)
	}
	return &connector.LoadResult{UpdatedRecordCount: run.written, IsFinished: run.isFinished}, nil
}

func newTestScheduler(t *testing.T, loader Loader) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	sched := New(st, func(connectorID string) (Loader, error) {
		return loader, nil
	}, Options{MaxRunDuration: time.Minute})
	return sched, st
}

func runDeadline() time.Time {
	return time.Now().Add(time.Minute)
}

func TestCreateMarksConnectorLoading(t *testing.T) {
	sched, st := newTestScheduler(t, &fakeLoader{})
	ctx := context.Background()

	job, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
	require.NoError(t, err)
	assert.Equal(t, store.JobStateCreated, job.State)
	assert.Equal(t, store.JobTypeLoad, job.Type)
	assert.NotEmpty(t, job.ID)

	status, err := st.GetConnectorStatus(ctx, "crm")
	require.NoError(t, err)
	assert.True(t, status.IsLoading)
	require.NotNil(t, status.ActiveJobID)
	assert.Equal(t, job.ID, *status.ActiveJobID)
}

func TestCreateRequiresConnectorID(t *testing.T) {
	sched, _ := newTestScheduler(t, &fakeLoader{})
	_, err := sched.Create(context.Background(), CreateRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestCreateSupersedesUnfinishedJob(t *testing.T) {
	sched, st := newTestScheduler(t, &fakeLoader{})
	ctx := context.Background()

	first, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
	require.NoError(t, err)
	second, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
	require.NoError(t, err)

	superseded, err := st.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStateFinished, superseded.State)
	assert.Equal(t, store.JobResultCanceled, superseded.Result)

	status, err := st.GetConnectorStatus(ctx, "crm")
	require.NoError(t, err)
	assert.True(t, status.IsLoading)
	require.NotNil(t, status.ActiveJobID)
	assert.Equal(t, second.ID, *status.ActiveJobID, "the new job stays active after superseding the old one")

	unfinished, err := st.ListUnfinishedJobs(ctx, "crm")
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, second.ID, unfinished[0].ID)
}

func TestRunToCompletion(t *testing.T) {
	loader := &fakeLoader{runs: []fakeRun{{written: 150, isFinished: true}}}
	sched, st := newTestScheduler(t, loader)
	ctx := context.Background()

	job, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
	require.NoError(t, err)

	result, err := sched.Run(ctx, job.ID, runDeadline())
	require.NoError(t, err)
	assert.Empty(t, result.NextJobIDs)
	assert.Equal(t, store.JobStateFinished, result.Job.State)
	assert.Equal(t, store.JobResultSuccess, result.Job.Result)
	assert.Equal(t, int64(150), result.Job.Progress.UpdatedRecordCount)
	require.NotNil(t, result.Job.StartedAt)
	require.NotNil(t, result.Job.FinishedAt)

	status, err := st.GetConnectorStatus(ctx, "crm")
	require.NoError(t, err)
	assert.False(t, status.IsLoading)
	assert.Nil(t, status.ActiveJobID)
	require.NotNil(t, status.LastJobID)
	assert.Equal(t, job.ID, *status.LastJobID)
}

func TestRunResumesAcrossBoundedRuns(t *testing.T) {
	loader := &fakeLoader{runs: []fakeRun{
		{written: 100, isFinished: false},
		{written: 50, isFinished: true},
	}}
	sched, st := newTestScheduler(t, loader)
	ctx := context.Background()

	job, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
	require.NoError(t, err)

	first, err := sched.Run(ctx, job.ID, runDeadline())
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, first.NextJobIDs, "unfinished run hands the job back")
	assert.Equal(t, store.JobStateRunning, first.Job.State)
	assert.Equal(t, int64(100), first.Job.Progress.UpdatedRecordCount)

	status, err := st.GetConnectorStatus(ctx, "crm")
	require.NoError(t, err)
	assert.True(t, status.IsLoading, "still loading between bounded runs")

	second, err := sched.Run(ctx, first.NextJobIDs[0], runDeadline())
	require.NoError(t, err)
	assert.Empty(t, second.NextJobIDs)
	assert.Equal(t, store.JobResultSuccess, second.Job.Result)
	assert.Equal(t, int64(150), second.Job.Progress.UpdatedRecordCount, "progress accumulates across runs")

	startedAt := first.Job.StartedAt
	require.NotNil(t, startedAt)
	assert.Equal(t, startedAt.Unix(), second.Job.StartedAt.Unix(), "startedAt is stamped once")
}

func TestRunConvertsLoadErrorToTerminalResult(t *testing.T) {
	loader := &fakeLoader{runs: []fakeRun{{err: fmt.Errorf("provider exploded")}}}
	sched, st := newTestScheduler(t, loader)
	ctx := context.Background()

	job, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
	require.NoError(t, err)

	result, err := sched.Run(ctx, job.ID, runDeadline())
	require.NoError(t, err, "load errors are recorded, never re-thrown")
	assert.Equal(t, store.JobStateFinished, result.Job.State)
	assert.Equal(t, store.JobResultError, result.Job.Result)
	require.NotNil(t, result.Job.Error)
	assert.Equal(t, "provider exploded", *result.Job.Error)

	status, err := st.GetConnectorStatus(ctx, "crm")
	require.NoError(t, err)
	assert.False(t, status.IsLoading)
	require.NotNil(t, status.LastJobID)
	assert.Equal(t, job.ID, *status.LastJobID, "failed jobs still become the last job")
}

func TestRunFinishedJobIsConflict(t *testing.T) {
	loader := &fakeLoader{runs: []fakeRun{{isFinished: true}}}
	sched, _ := newTestScheduler(t, loader)
	ctx := context.Background()

	job, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
	require.NoError(t, err)
	_, err = sched.Run(ctx, job.ID, runDeadline())
	require.NoError(t, err)

	_, err = sched.Run(ctx, job.ID, runDeadline())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestRunUnknownJob(t *testing.T) {
	sched, _ := newTestScheduler(t, &fakeLoader{})
	_, err := sched.Run(context.Background(), "nope", runDeadline())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

// slowLoader cancels its own job mid-run, standing in for a concurrent
// supersession or cleanup sweep.
type slowLoader struct {
	cancel func()
}

func (s *slowLoader) Load(ctx context.Context, opts connector.LoadOptions) (*connector.LoadResult, error) {
	s.cancel()
	if opts.OnProgress != nil {
		opts.OnProgress(10)
	}
	return &connector.LoadResult{UpdatedRecordCount: 10, IsFinished: true}, nil
}

func TestRunDiscardsResultsWhenCanceledMidRun(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	var sched *Scheduler
	var jobID string
	loader := &slowLoader{cancel: func() {
		// Supersede while the run is in flight.
		_, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
		require.NoError(t, err)
	}}
	sched = New(st, func(connectorID string) (Loader, error) { return loader, nil }, Options{MaxRunDuration: time.Minute})

	job, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
	require.NoError(t, err)
	jobID = job.ID

	result, err := sched.Run(ctx, jobID, runDeadline())
	require.NoError(t, err)
	assert.Empty(t, result.NextJobIDs)
	assert.Equal(t, store.JobStateFinished, result.Job.State)
	assert.Equal(t, store.JobResultCanceled, result.Job.Result)
	assert.Zero(t, result.Job.Progress.UpdatedRecordCount, "results from the canceled run are discarded")
}

func TestCleanupCancelsStaleJobs(t *testing.T) {
	st := store.NewMemoryStore()
	sched := New(st, func(connectorID string) (Loader, error) {
		return &fakeLoader{}, nil
	}, Options{MaxRunDuration: time.Minute, StaleMultiplier: 2})
	ctx := context.Background()

	base := time.Now()
	st.SetClock(func() time.Time { return base })

	stale, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
	require.NoError(t, err)

	// Fresh job created inside the threshold.
	st.SetClock(func() time.Time { return base.Add(90 * time.Second) })
	fresh, err := sched.Create(ctx, CreateRequest{ConnectorID: "other"})
	require.NoError(t, err)

	// Sweep at base+150s: the stale job is 150s old (> 2x1m), the fresh one
	// 60s old.
	st.SetClock(func() time.Time { return base.Add(150 * time.Second) })
	sched.SetClock(func() time.Time { return base.Add(150 * time.Second) })

	result, err := sched.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.CheckedCount)
	assert.Equal(t, 1, result.CanceledCount)

	staleJob, err := st.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStateFinished, staleJob.State)
	assert.Equal(t, store.JobResultCanceled, staleJob.Result)

	freshJob, err := st.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.False(t, freshJob.Finished())

	status, err := st.GetConnectorStatus(ctx, "crm")
	require.NoError(t, err)
	assert.False(t, status.IsLoading, "canceling a stale job releases its connector")
	assert.Nil(t, status.LastJobID, "canceled jobs do not become the last job")
}

func TestRunSnapshotsSyncContextOntoJob(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	loader := &syncStateLoader{st: st}
	sched := New(st, func(connectorID string) (Loader, error) { return loader, nil }, Options{MaxRunDuration: time.Minute})

	job, err := sched.Create(ctx, CreateRequest{ConnectorID: "crm"})
	require.NoError(t, err)

	result, err := sched.Run(ctx, job.ID, runDeadline())
	require.NoError(t, err)
	assert.Equal(t, "page-7", result.Job.SyncContext.GetString("after"))
}

// syncStateLoader persists continuation state the way a real load does.
type syncStateLoader struct {
	st store.Store
}

func (l *syncStateLoader) Load(ctx context.Context, opts connector.LoadOptions) (*connector.LoadResult, error) {
	now := time.Now()
	if err := l.st.SetSyncState(ctx, "crm", source.SyncContext{"after": "page-7"}, &now); err != nil {
		return nil, err
	}
	return &connector.LoadResult{IsFinished: false}, nil
}
