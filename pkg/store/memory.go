package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/source"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// ephemeral runs; all reads and writes copy rows so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]*ConnectorStatus
	jobs     map[string]*Job
	jobOrder []string
	clock    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses: make(map[string]*ConnectorStatus),
		jobs:     make(map[string]*Job),
		clock:    time.Now,
	}
}

// SetClock overrides the store's time source. Tests use this to age rows.
func (m *MemoryStore) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *MemoryStore) status(connectorID string) *ConnectorStatus {
	cs, ok := m.statuses[connectorID]
	if !ok {
		cs = &ConnectorStatus{
			ConnectorID: connectorID,
			SyncContext: source.SyncContext{},
			UpdatedAt:   m.clock(),
		}
		m.statuses[connectorID] = cs
	}
	return cs
}

func copyStatus(cs *ConnectorStatus) *ConnectorStatus {
	out := *cs
	out.SyncContext = cs.SyncContext.Clone()
	return &out
}

func copyJob(j *Job) *Job {
	out := *j
	out.SyncContext = j.SyncContext.Clone()
	if j.Params != nil {
		params := make(map[string]interface{}, len(j.Params))
		for k, v := range j.Params {
			params[k] = v
		}
		out.Params = params
	}
	return &out
}

// GetConnectorStatus implements Store.
func (m *MemoryStore) GetConnectorStatus(ctx context.Context, connectorID string) (*ConnectorStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyStatus(m.status(connectorID)), nil
}

// SetConnection implements Store.
func (m *MemoryStore) SetConnection(ctx context.Context, connectorID string, connected bool, tokens *source.TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.status(connectorID)
	cs.IsConnected = connected
	if connected {
		now := m.clock()
		cs.LastConnectedAt = &now
	}
	if tokens != nil {
		access, refresh := tokens.AccessToken, tokens.RefreshToken
		cs.AccessToken = &access
		if refresh != "" {
			cs.RefreshToken = &refresh
		} else {
			cs.RefreshToken = nil
		}
	}
	cs.UpdatedAt = m.clock()
	return nil
}

// SetLoading implements Store.
func (m *MemoryStore) SetLoading(ctx context.Context, connectorID string, loading bool, activeJobID *string) error {
	if loading && activeJobID == nil {
		return errors.New(errors.ErrorTypeInternal, "loading connector requires an active job id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.status(connectorID)
	cs.IsLoading = loading
	if loading {
		id := *activeJobID
		cs.ActiveJobID = &id
	} else {
		cs.ActiveJobID = nil
	}
	cs.UpdatedAt = m.clock()
	return nil
}

// SetSyncState implements Store.
func (m *MemoryStore) SetSyncState(ctx context.Context, connectorID string, syncContext source.SyncContext, lastSyncedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.status(connectorID)
	cs.SyncContext = syncContext.Clone()
	if lastSyncedAt != nil {
		t := *lastSyncedAt
		cs.LastSyncedAt = &t
	}
	cs.UpdatedAt = m.clock()
	return nil
}

// SetLastJob implements Store.
func (m *MemoryStore) SetLastJob(ctx context.Context, connectorID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.status(connectorID)
	id := jobID
	cs.LastJobID = &id
	cs.UpdatedAt = m.clock()
	return nil
}

// ClearConnectorStatus implements Store.
func (m *MemoryStore) ClearConnectorStatus(ctx context.Context, connectorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses[connectorID] = &ConnectorStatus{
		ConnectorID: connectorID,
		SyncContext: source.SyncContext{},
		UpdatedAt:   m.clock(),
	}
	return nil
}

// CreateJob implements Store.
func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "job %s already exists", job.ID)
	}

	now := m.clock()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = copyJob(job)
	m.jobOrder = append(m.jobOrder, job.ID)
	return nil
}

// GetJob implements Store.
func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "job %s not found", jobID)
	}
	return copyJob(job), nil
}

// SaveJob implements Store.
func (m *MemoryStore) SaveJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "job %s not found", job.ID)
	}
	job.UpdatedAt = m.clock()
	m.jobs[job.ID] = copyJob(job)
	return nil
}

// ListJobsByConnector implements Store.
func (m *MemoryStore) ListJobsByConnector(ctx context.Context, connectorID string) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*Job
	for _, id := range m.jobOrder {
		if job := m.jobs[id]; job.ConnectorID == connectorID {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

// ListUnfinishedJobs implements Store.
func (m *MemoryStore) ListUnfinishedJobs(ctx context.Context, connectorID string) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*Job
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if job.Finished() {
			continue
		}
		if connectorID != "" && job.ConnectorID != connectorID {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}
	return jobs, nil
}

// ListStaleJobs implements Store.
func (m *MemoryStore) ListStaleJobs(ctx context.Context, olderThan time.Time) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*Job
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if !job.Finished() && job.UpdatedAt.Before(olderThan) {
			jobs = append(jobs, copyJob(job))
		}
	}
	return jobs, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
