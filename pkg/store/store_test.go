package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/source"
)

// The contract tests run against both implementations; a fresh store is
// opened per subtest so state never leaks between cases.
func forEachStore(t *testing.T, test func(t *testing.T, st Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		st := NewMemoryStore()
		defer st.Close()
		test(t, st)
	})

	t.Run("sqlite", func(t *testing.T) {
		st, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		defer st.Close()
		test(t, st)
	})
}

func TestGetConnectorStatusDefaultRow(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		status, err := st.GetConnectorStatus(context.Background(), "never-seen")
		require.NoError(t, err)

		assert.Equal(t, "never-seen", status.ConnectorID)
		assert.False(t, status.IsConnected)
		assert.False(t, status.IsLoading)
		assert.Nil(t, status.AccessToken)
		assert.Nil(t, status.ActiveJobID)
		assert.Nil(t, status.LastSyncedAt)
		assert.NotNil(t, status.SyncContext)
	})
}

func TestSetConnection(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		tokens := &source.TokenPair{AccessToken: "access", RefreshToken: "refresh"}
		require.NoError(t, st.SetConnection(ctx, "crm", true, tokens))

		status, err := st.GetConnectorStatus(ctx, "crm")
		require.NoError(t, err)
		assert.True(t, status.IsConnected)
		require.NotNil(t, status.AccessToken)
		assert.Equal(t, "access", *status.AccessToken)
		require.NotNil(t, status.RefreshToken)
		assert.Equal(t, "refresh", *status.RefreshToken)
		require.NotNil(t, status.LastConnectedAt)

		firstConnected := *status.LastConnectedAt

		// Disconnecting keeps lastConnectedAt and the stored tokens.
		require.NoError(t, st.SetConnection(ctx, "crm", false, nil))
		status, err = st.GetConnectorStatus(ctx, "crm")
		require.NoError(t, err)
		assert.False(t, status.IsConnected)
		require.NotNil(t, status.LastConnectedAt)
		assert.Equal(t, firstConnected.Unix(), status.LastConnectedAt.Unix())
	})
}

func TestSetLoadingPairsFlagWithActiveJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		err := st.SetLoading(ctx, "crm", true, nil)
		require.Error(t, err, "loading without an active job id must be rejected")

		jobID := "job-1"
		require.NoError(t, st.SetLoading(ctx, "crm", true, &jobID))

		status, err := st.GetConnectorStatus(ctx, "crm")
		require.NoError(t, err)
		assert.True(t, status.IsLoading)
		require.NotNil(t, status.ActiveJobID)
		assert.Equal(t, "job-1", *status.ActiveJobID)

		stale := "ignored"
		require.NoError(t, st.SetLoading(ctx, "crm", false, &stale))
		status, err = st.GetConnectorStatus(ctx, "crm")
		require.NoError(t, err)
		assert.False(t, status.IsLoading)
		assert.Nil(t, status.ActiveJobID, "clearing the flag must clear the pointer")
	})
}

func TestSetSyncState(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		syncedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, st.SetSyncState(ctx, "crm", source.SyncContext{"since": "2026-03-01T00:00:00Z"}, &syncedAt))

		status, err := st.GetConnectorStatus(ctx, "crm")
		require.NoError(t, err)
		assert.Equal(t, "2026-03-01T00:00:00Z", status.SyncContext.GetString("since"))
		require.NotNil(t, status.LastSyncedAt)
		assert.Equal(t, syncedAt.Unix(), status.LastSyncedAt.Unix())

		// A nil lastSyncedAt replaces the context but keeps the timestamp.
		require.NoError(t, st.SetSyncState(ctx, "crm", source.SyncContext{"since": "2026-04-01T00:00:00Z"}, nil))
		status, err = st.GetConnectorStatus(ctx, "crm")
		require.NoError(t, err)
		assert.Equal(t, "2026-04-01T00:00:00Z", status.SyncContext.GetString("since"))
		require.NotNil(t, status.LastSyncedAt)
		assert.Equal(t, syncedAt.Unix(), status.LastSyncedAt.Unix())
	})
}

func TestClearConnectorStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		require.NoError(t, st.SetConnection(ctx, "crm", true, &source.TokenPair{AccessToken: "access"}))
		jobID := "job-1"
		require.NoError(t, st.SetLoading(ctx, "crm", true, &jobID))
		require.NoError(t, st.SetLastJob(ctx, "crm", "job-0"))

		require.NoError(t, st.ClearConnectorStatus(ctx, "crm"))

		status, err := st.GetConnectorStatus(ctx, "crm")
		require.NoError(t, err)
		assert.False(t, status.IsConnected)
		assert.False(t, status.IsLoading)
		assert.Nil(t, status.AccessToken)
		assert.Nil(t, status.ActiveJobID)
		assert.Nil(t, status.LastJobID)
		assert.Nil(t, status.LastConnectedAt)
		assert.Empty(t, status.SyncContext)
	})
}

func TestJobLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		job := &Job{
			ID:          "job-1",
			ConnectorID: "crm",
			Type:        JobTypeLoad,
			State:       JobStateCreated,
			Params:      map[string]interface{}{"full": true},
		}
		require.NoError(t, st.CreateJob(ctx, job))
		assert.False(t, job.CreatedAt.IsZero())

		err := st.CreateJob(ctx, &Job{ID: "job-1", ConnectorID: "crm", Type: JobTypeLoad, State: JobStateCreated})
		require.Error(t, err, "duplicate job ids must be rejected")

		_, err = st.GetJob(ctx, "missing")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

		loaded, err := st.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, JobStateCreated, loaded.State)
		assert.Equal(t, true, loaded.Params["full"])

		startedAt := time.Now()
		loaded.State = JobStateRunning
		loaded.StartedAt = &startedAt
		loaded.Progress.UpdatedRecordCount = 42
		loaded.SyncContext = source.SyncContext{"after": "page-2"}
		require.NoError(t, st.SaveJob(ctx, loaded))

		reloaded, err := st.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, JobStateRunning, reloaded.State)
		assert.Equal(t, int64(42), reloaded.Progress.UpdatedRecordCount)
		assert.Equal(t, "page-2", reloaded.SyncContext.GetString("after"))
		require.NotNil(t, reloaded.StartedAt)

		err = st.SaveJob(ctx, &Job{ID: "missing", State: JobStateRunning})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}

func TestListJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		mkJob := func(id, connectorID string, state JobState) *Job {
			job := &Job{ID: id, ConnectorID: connectorID, Type: JobTypeLoad, State: state}
			require.NoError(t, st.CreateJob(ctx, job))
			return job
		}

		finished := mkJob("job-1", "crm", JobStateCreated)
		time.Sleep(2 * time.Millisecond)
		mkJob("job-2", "crm", JobStateRunning)
		time.Sleep(2 * time.Millisecond)
		mkJob("job-3", "other", JobStateCreated)

		finished.State = JobStateFinished
		finished.Result = JobResultSuccess
		require.NoError(t, st.SaveJob(ctx, finished))

		byConnector, err := st.ListJobsByConnector(ctx, "crm")
		require.NoError(t, err)
		require.Len(t, byConnector, 2)
		assert.Equal(t, "job-2", byConnector[0].ID, "newest first")
		assert.Equal(t, "job-1", byConnector[1].ID)

		unfinished, err := st.ListUnfinishedJobs(ctx, "crm")
		require.NoError(t, err)
		require.Len(t, unfinished, 1)
		assert.Equal(t, "job-2", unfinished[0].ID)

		all, err := st.ListUnfinishedJobs(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		stale, err := st.ListStaleJobs(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, stale, 2, "every unfinished job is older than a future cutoff")

		none, err := st.ListStaleJobs(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
