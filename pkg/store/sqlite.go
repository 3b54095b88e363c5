package store

import (
	"context"
	"database/sql"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/source"
)

// SQLiteStore is the durable Store implementation. Each mutating method is
// a single upsert statement, so per-row atomicity comes from SQLite itself.
type SQLiteStore struct {
	db *sql.DB
}

const statusSchema = `
CREATE TABLE IF NOT EXISTS connector_status (
	connector_id      TEXT PRIMARY KEY,
	is_connected      INTEGER NOT NULL DEFAULT 0,
	is_loading        INTEGER NOT NULL DEFAULT 0,
	access_token      TEXT,
	refresh_token     TEXT,
	last_connected_at TEXT,
	last_synced_at    TEXT,
	sync_context      TEXT NOT NULL DEFAULT '{}',
	active_job_id     TEXT,
	last_job_id       TEXT,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id                   TEXT PRIMARY KEY,
	connector_id         TEXT NOT NULL,
	type                 TEXT NOT NULL,
	state                TEXT NOT NULL,
	result               TEXT,
	params               TEXT NOT NULL DEFAULT '{}',
	sync_context         TEXT NOT NULL DEFAULT '{}',
	updated_record_count INTEGER NOT NULL DEFAULT 0,
	error                TEXT,
	started_at           TEXT,
	finished_at          TEXT,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_connector ON jobs(connector_id);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

// NewSQLiteStore opens (or creates) the status database at path.
// ":memory:" selects an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to open status database")
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(statusSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to initialize status schema")
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is fixed-width so stored timestamps order lexicographically;
// RFC3339Nano trims trailing zeros and would break ORDER BY on TEXT columns.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalContext(sc source.SyncContext) (string, error) {
	if sc == nil {
		sc = source.SyncContext{}
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStorage, "failed to encode sync context")
	}
	return string(data), nil
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// GetConnectorStatus implements Store.
func (s *SQLiteStore) GetConnectorStatus(ctx context.Context, connectorID string) (*ConnectorStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT connector_id, is_connected, is_loading, access_token, refresh_token,
		       last_connected_at, last_synced_at, sync_context, active_job_id, last_job_id, updated_at
		FROM connector_status WHERE connector_id = ?`, connectorID)

	var (
		cs                            ConnectorStatus
		accessToken, refreshToken     sql.NullString
		lastConnectedAt, lastSyncedAt sql.NullString
		syncContext                   string
		activeJobID, lastJobID        sql.NullString
		updatedAt                     string
	)
	err := row.Scan(&cs.ConnectorID, &cs.IsConnected, &cs.IsLoading, &accessToken, &refreshToken,
		&lastConnectedAt, &lastSyncedAt, &syncContext, &activeJobID, &lastJobID, &updatedAt)
	if err == sql.ErrNoRows {
		return &ConnectorStatus{
			ConnectorID: connectorID,
			SyncContext: source.SyncContext{},
			UpdatedAt:   time.Now(),
		}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to read connector status")
	}

	cs.AccessToken = strPtr(accessToken)
	cs.RefreshToken = strPtr(refreshToken)
	cs.ActiveJobID = strPtr(activeJobID)
	cs.LastJobID = strPtr(lastJobID)

	if cs.LastConnectedAt, err = parseTimePtr(lastConnectedAt); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "corrupt last_connected_at")
	}
	if cs.LastSyncedAt, err = parseTimePtr(lastSyncedAt); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "corrupt last_synced_at")
	}
	if cs.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "corrupt updated_at")
	}

	cs.SyncContext = source.SyncContext{}
	if err := json.Unmarshal([]byte(syncContext), &cs.SyncContext); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "corrupt sync_context")
	}

	return &cs, nil
}

// SetConnection implements Store.
func (s *SQLiteStore) SetConnection(ctx context.Context, connectorID string, connected bool, tokens *source.TokenPair) error {
	now := formatTime(time.Now())

	var lastConnectedAt interface{}
	if connected {
		lastConnectedAt = now
	}

	var err error
	if tokens != nil {
		var refresh interface{}
		if tokens.RefreshToken != "" {
			refresh = tokens.RefreshToken
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO connector_status (connector_id, is_connected, access_token, refresh_token, last_connected_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(connector_id) DO UPDATE SET
				is_connected = excluded.is_connected,
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				last_connected_at = COALESCE(excluded.last_connected_at, connector_status.last_connected_at),
				updated_at = excluded.updated_at`,
			connectorID, connected, tokens.AccessToken, refresh, lastConnectedAt, now)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO connector_status (connector_id, is_connected, last_connected_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(connector_id) DO UPDATE SET
				is_connected = excluded.is_connected,
				last_connected_at = COALESCE(excluded.last_connected_at, connector_status.last_connected_at),
				updated_at = excluded.updated_at`,
			connectorID, connected, lastConnectedAt, now)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to update connection state")
	}
	return nil
}

// SetLoading implements Store.
func (s *SQLiteStore) SetLoading(ctx context.Context, connectorID string, loading bool, activeJobID *string) error {
	if loading && activeJobID == nil {
		return errors.New(errors.ErrorTypeInternal, "loading connector requires an active job id")
	}

	var jobID interface{}
	if loading {
		jobID = *activeJobID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_status (connector_id, is_loading, active_job_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(connector_id) DO UPDATE SET
			is_loading = excluded.is_loading,
			active_job_id = excluded.active_job_id,
			updated_at = excluded.updated_at`,
		connectorID, loading, jobID, formatTime(time.Now()))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to update loading state")
	}
	return nil
}

// SetSyncState implements Store.
func (s *SQLiteStore) SetSyncState(ctx context.Context, connectorID string, syncContext source.SyncContext, lastSyncedAt *time.Time) error {
	encoded, err := marshalContext(syncContext)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connector_status (connector_id, sync_context, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(connector_id) DO UPDATE SET
			sync_context = excluded.sync_context,
			last_synced_at = COALESCE(excluded.last_synced_at, connector_status.last_synced_at),
			updated_at = excluded.updated_at`,
		connectorID, encoded, formatTimePtr(lastSyncedAt), formatTime(time.Now()))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to update sync state")
	}
	return nil
}

// SetLastJob implements Store.
func (s *SQLiteStore) SetLastJob(ctx context.Context, connectorID, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_status (connector_id, last_job_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(connector_id) DO UPDATE SET
			last_job_id = excluded.last_job_id,
			updated_at = excluded.updated_at`,
		connectorID, jobID, formatTime(time.Now()))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to update last job")
	}
	return nil
}

// ClearConnectorStatus implements Store.
func (s *SQLiteStore) ClearConnectorStatus(ctx context.Context, connectorID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_status (connector_id, updated_at)
		VALUES (?, ?)
		ON CONFLICT(connector_id) DO UPDATE SET
			is_connected = 0,
			is_loading = 0,
			access_token = NULL,
			refresh_token = NULL,
			last_connected_at = NULL,
			last_synced_at = NULL,
			sync_context = '{}',
			active_job_id = NULL,
			last_job_id = NULL,
			updated_at = excluded.updated_at`,
		connectorID, formatTime(time.Now()))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to clear connector status")
	}
	return nil
}

// CreateJob implements Store.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to encode job params")
	}
	syncContext, err := marshalContext(job.SyncContext)
	if err != nil {
		return err
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	var result interface{}
	if job.Result != "" {
		result = string(job.Result)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, connector_id, type, state, result, params, sync_context,
		                  updated_record_count, error, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ConnectorID, job.Type, string(job.State), result, string(params), syncContext,
		job.Progress.UpdatedRecordCount, job.Error, formatTimePtr(job.StartedAt), formatTimePtr(job.FinishedAt),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to create job")
	}
	return nil
}

// SaveJob implements Store.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to encode job params")
	}
	syncContext, err := marshalContext(job.SyncContext)
	if err != nil {
		return err
	}

	job.UpdatedAt = time.Now()

	var result interface{}
	if job.Result != "" {
		result = string(job.Result)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, result = ?, params = ?, sync_context = ?,
			updated_record_count = ?, error = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		string(job.State), result, string(params), syncContext,
		job.Progress.UpdatedRecordCount, job.Error, formatTimePtr(job.StartedAt), formatTimePtr(job.FinishedAt),
		formatTime(job.UpdatedAt), job.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to save job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "job %s not found", job.ID)
	}
	return nil
}

const jobColumns = `id, connector_id, type, state, result, params, sync_context,
	updated_record_count, error, started_at, finished_at, created_at, updated_at`

func scanJob(scan func(dest ...interface{}) error) (*Job, error) {
	var (
		job                   Job
		result, errMsg        sql.NullString
		params, syncContext   string
		startedAt, finishedAt sql.NullString
		createdAt, updatedAt  string
		state                 string
	)
	if err := scan(&job.ID, &job.ConnectorID, &job.Type, &state, &result, &params, &syncContext,
		&job.Progress.UpdatedRecordCount, &errMsg, &startedAt, &finishedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	job.State = JobState(state)
	if result.Valid {
		job.Result = JobResult(result.String)
	}
	job.Error = strPtr(errMsg)

	if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
		return nil, err
	}
	job.SyncContext = source.SyncContext{}
	if err := json.Unmarshal([]byte(syncContext), &job.SyncContext); err != nil {
		return nil, err
	}

	var err error
	if job.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}

	return &job, nil
}

// GetJob implements Store.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to read job")
	}
	return job, nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to iterate jobs")
	}
	return jobs, nil
}

// ListJobsByConnector implements Store.
func (s *SQLiteStore) ListJobsByConnector(ctx context.Context, connectorID string) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE connector_id = ? ORDER BY created_at DESC`, connectorID)
}

// ListUnfinishedJobs implements Store.
func (s *SQLiteStore) ListUnfinishedJobs(ctx context.Context, connectorID string) ([]*Job, error) {
	if connectorID == "" {
		return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state != ? ORDER BY created_at`, string(JobStateFinished))
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state != ? AND connector_id = ? ORDER BY created_at`,
		string(JobStateFinished), connectorID)
}

// ListStaleJobs implements Store.
func (s *SQLiteStore) ListStaleJobs(ctx context.Context, olderThan time.Time) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state != ? AND updated_at < ? ORDER BY created_at`,
		string(JobStateFinished), formatTime(olderThan))
}
