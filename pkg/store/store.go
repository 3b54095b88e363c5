// Package store is the durable record of connector and job state: one
// ConnectorStatus row per connector and one Job row per scheduled execution
// attempt. Updates are field-scoped and atomic per row, so a running job and
// a concurrent cleanup sweep cannot corrupt the isLoading/activeJobId pair.
package store

import (
	"context"
	"time"

	"github.com/knoom0/datanav/pkg/source"
)

// JobState is the job lifecycle state. Transitions only move forward:
// created -> running -> finished.
type JobState string

const (
	JobStateCreated  JobState = "created"
	JobStateRunning  JobState = "running"
	JobStateFinished JobState = "finished"
)

// JobResult is set if and only if the job is finished.
type JobResult string

const (
	JobResultSuccess  JobResult = "success"
	JobResultError    JobResult = "error"
	JobResultCanceled JobResult = "canceled"
)

// JobTypeLoad is currently the only job type.
const JobTypeLoad = "load"

// Progress accumulates across bounded runs and is never reset.
type Progress struct {
	UpdatedRecordCount int64 `json:"updated_record_count"`
}

// Job is one scheduled, time-boxed execution attempt of a connector's load
// cycle. Jobs are never deleted, only superseded.
type Job struct {
	ID          string                 `json:"id"`
	ConnectorID string                 `json:"connector_id"`
	Type        string                 `json:"type"`
	State       JobState               `json:"state"`
	Result      JobResult              `json:"result,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	SyncContext source.SyncContext     `json:"sync_context,omitempty"`
	Progress    Progress               `json:"progress"`
	Error       *string                `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Finished reports whether the job reached its terminal state.
func (j *Job) Finished() bool {
	return j.State == JobStateFinished
}

// ConnectorStatus is the connector's durable identity: connection flags,
// token custody, sync bookkeeping and job pointers. Created implicitly on
// first authentication attempt.
type ConnectorStatus struct {
	ConnectorID     string             `json:"connector_id"`
	IsConnected     bool               `json:"is_connected"`
	IsLoading       bool               `json:"is_loading"`
	AccessToken     *string            `json:"-"`
	RefreshToken    *string            `json:"-"`
	LastConnectedAt *time.Time         `json:"last_connected_at,omitempty"`
	LastSyncedAt    *time.Time         `json:"last_synced_at,omitempty"`
	SyncContext     source.SyncContext `json:"sync_context,omitempty"`
	ActiveJobID     *string            `json:"active_job_id,omitempty"`
	LastJobID       *string            `json:"last_job_id,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Tokens returns the persisted token pair, or nil when the connector has
// never completed an authentication exchange.
func (cs *ConnectorStatus) Tokens() *source.TokenPair {
	if cs.AccessToken == nil {
		return nil
	}
	pair := &source.TokenPair{AccessToken: *cs.AccessToken}
	if cs.RefreshToken != nil {
		pair.RefreshToken = *cs.RefreshToken
	}
	return pair
}

// Store persists ConnectorStatus and Job rows. Every mutation touches a
// single row and must be atomic; isLoading and activeJobId are only ever
// updated together through SetLoading.
type Store interface {
	// GetConnectorStatus returns the connector's row, or a fresh default row
	// when the connector has never been seen. It never fails on absence.
	GetConnectorStatus(ctx context.Context, connectorID string) (*ConnectorStatus, error)

	// SetConnection updates the connection flag and, when tokens is non-nil,
	// the persisted token pair. Connecting also stamps lastConnectedAt.
	SetConnection(ctx context.Context, connectorID string, connected bool, tokens *source.TokenPair) error

	// SetLoading updates isLoading and activeJobId together. loading=true
	// requires a non-nil activeJobID; loading=false always clears the pointer.
	SetLoading(ctx context.Context, connectorID string, loading bool, activeJobID *string) error

	// SetSyncState persists the adapter's continuation state and, when
	// non-nil, lastSyncedAt.
	SetSyncState(ctx context.Context, connectorID string, syncContext source.SyncContext, lastSyncedAt *time.Time) error

	// SetLastJob records the most recently finished job for the connector.
	SetLastJob(ctx context.Context, connectorID, jobID string) error

	// ClearConnectorStatus resets the connector's row to its default state.
	// Used by disconnect; job rows are retained as an audit trail.
	ClearConnectorStatus(ctx context.Context, connectorID string) error

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	SaveJob(ctx context.Context, job *Job) error

	// ListJobsByConnector returns all jobs for a connector, newest first.
	ListJobsByConnector(ctx context.Context, connectorID string) ([]*Job, error)

	// ListUnfinishedJobs returns jobs in {created, running}. An empty
	// connectorID matches all connectors.
	ListUnfinishedJobs(ctx context.Context, connectorID string) ([]*Job, error)

	// ListStaleJobs returns unfinished jobs whose updatedAt is older than
	// the given cutoff.
	ListStaleJobs(ctx context.Context, olderThan time.Time) ([]*Job, error)

	Close() error
}
