// Package scheduler turns a connector's load cycle into one or more
// bounded, resumable executions. It owns the job state machine
// (created -> running -> finished), enforces single-active-job-per-connector
// by superseding unfinished jobs, and reclaims work whose runner died
// through a stale-job cleanup sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knoom0/datanav/pkg/connector"
	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/logger"
	"github.com/knoom0/datanav/pkg/metrics"
	"github.com/knoom0/datanav/pkg/store"
)

// Loader is the slice of the connector surface a job run needs. The
// concrete *connector.Connector satisfies it; tests substitute fakes.
type Loader interface {
	Load(ctx context.Context, opts connector.LoadOptions) (*connector.LoadResult, error)
}

// LoaderProvider resolves a connector ID to its loader.
type LoaderProvider func(connectorID string) (Loader, error)

// Options configures a scheduler.
type Options struct {
	// MaxRunDuration bounds a single job run and, multiplied by
	// StaleMultiplier, sets the stale-job threshold.
	MaxRunDuration time.Duration
	// StaleMultiplier defaults to 2.
	StaleMultiplier int
}

// Scheduler is the job state machine.
type Scheduler struct {
	store          store.Store
	provider       LoaderProvider
	maxRunDuration time.Duration
	staleAfter     time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// New creates a scheduler.
func New(st store.Store, provider LoaderProvider, opts Options) *Scheduler {
	multiplier := opts.StaleMultiplier
	if multiplier < 1 {
		multiplier = 2
	}
	maxRun := opts.MaxRunDuration
	if maxRun <= 0 {
		maxRun = 5 * time.Minute
	}

	return &Scheduler{
		store:          st,
		provider:       provider,
		maxRunDuration: maxRun,
		staleAfter:     maxRun * time.Duration(multiplier),
		now:            time.Now,
		logger:         logger.Get().With(zap.String("component", "scheduler")),
	}
}

// SetClock overrides the scheduler's time source. Tests use this to age
// jobs past the stale threshold.
func (s *Scheduler) SetClock(clock func() time.Time) {
	s.now = clock
}

// MaxRunDuration returns the configured per-run deadline budget.
func (s *Scheduler) MaxRunDuration() time.Duration {
	return s.maxRunDuration
}

// CreateRequest asks for a new load job.
type CreateRequest struct {
	ConnectorID string                 `json:"connector_id"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// Create supersedes any unfinished job for the connector, persists a new
// job in the created state, and marks the connector loading with the new
// job as its active job.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*store.Job, error) {
	if req.ConnectorID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "connector id is required")
	}

	unfinished, err := s.store.ListUnfinishedJobs(ctx, req.ConnectorID)
	if err != nil {
		return nil, err
	}
	for _, old := range unfinished {
		if err := s.stopJob(ctx, old, store.JobResultCanceled, nil); err != nil {
			return nil, err
		}
		s.logger.Info("superseded unfinished job",
			zap.String("connector", req.ConnectorID), zap.String("job_id", old.ID))
	}

	job := &store.Job{
		ID:          uuid.NewString(),
		ConnectorID: req.ConnectorID,
		Type:        store.JobTypeLoad,
		State:       store.JobStateCreated,
		Params:      req.Params,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.store.SetLoading(ctx, req.ConnectorID, true, &job.ID); err != nil {
		return nil, err
	}

	metrics.JobsCreated.WithLabelValues(req.ConnectorID).Inc()
	s.logger.Info("job created",
		zap.String("connector", req.ConnectorID), zap.String("job_id", job.ID))
	return job, nil
}

// RunResult reports one bounded run. A non-empty NextJobIDs means the load
// is not finished: the caller is expected to re-enqueue those ids and call
// Run again until the list comes back empty.
type RunResult struct {
	Job        *store.Job `json:"job"`
	NextJobIDs []string   `json:"next_job_ids,omitempty"`
}

// Run executes one deadline-bounded slice of a job. Errors raised by the
// load path are converted into a terminal error result and never returned
// to the caller; only precondition failures (unknown job, job already
// finished) surface as errors.
func (s *Scheduler) Run(ctx context.Context, jobID string, deadline time.Time) (*RunResult, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Finished() {
		return nil, errors.Newf(errors.ErrorTypeConflict, "job %s is already finished", jobID)
	}

	if job.StartedAt == nil {
		startedAt := s.now()
		job.StartedAt = &startedAt
	}
	job.State = store.JobStateRunning
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	metrics.JobRuns.WithLabelValues(job.ConnectorID).Inc()
	runStart := s.now()

	result, loadErr := s.runLoad(ctx, job, deadline)

	metrics.RunDuration.WithLabelValues(job.ConnectorID).Observe(s.now().Sub(runStart).Seconds())

	// A concurrent create or cleanup may have canceled the job while its
	// cursor was in flight; its results are discarded once the terminal
	// state is observed.
	fresh, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if fresh.Finished() {
		s.logger.Warn("job reached a terminal state mid-run, discarding run results",
			zap.String("job_id", jobID), zap.String("result", string(fresh.Result)))
		return &RunResult{Job: fresh}, nil
	}

	if loadErr != nil {
		msg := loadErr.Error()
		if err := s.stopJob(ctx, job, store.JobResultError, &msg); err != nil {
			return nil, err
		}
		s.logger.Error("job failed",
			zap.String("connector", job.ConnectorID), zap.String("job_id", job.ID), zap.Error(loadErr))
		return &RunResult{Job: job}, nil
	}

	// Snapshot the connector's continuation state onto the job row.
	status, err := s.store.GetConnectorStatus(ctx, job.ConnectorID)
	if err != nil {
		return nil, err
	}
	job.SyncContext = status.SyncContext

	if result.IsFinished {
		if err := s.stopJob(ctx, job, store.JobResultSuccess, nil); err != nil {
			return nil, err
		}
		s.logger.Info("job finished",
			zap.String("connector", job.ConnectorID), zap.String("job_id", job.ID),
			zap.Int64("updated_records", job.Progress.UpdatedRecordCount))
		return &RunResult{Job: job}, nil
	}

	// More data remains: persist progress and continuation state, leave the
	// job running, and hand it back for another bounded run.
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job run bounded by deadline, more data remains",
		zap.String("connector", job.ConnectorID), zap.String("job_id", job.ID),
		zap.Int64("updated_records", job.Progress.UpdatedRecordCount))
	return &RunResult{Job: job, NextJobIDs: []string{job.ID}}, nil
}

// runLoad resolves the connector and drives one bounded load, accumulating
// progress additively onto the job row.
func (s *Scheduler) runLoad(ctx context.Context, job *store.Job, deadline time.Time) (*connector.LoadResult, error) {
	loader, err := s.provider(job.ConnectorID)
	if err != nil {
		return nil, err
	}

	if deadline.IsZero() {
		deadline = s.now().Add(s.maxRunDuration)
	}

	runCtx, cancel := context.WithDeadline(ctx, deadline.Add(s.maxRunDuration))
	defer cancel()

	return loader.Load(runCtx, connector.LoadOptions{
		Deadline: deadline,
		OnProgress: func(written int64) {
			job.Progress.UpdatedRecordCount += written
		},
	})
}

// Get returns a job by id.
func (s *Scheduler) Get(ctx context.Context, jobID string) (*store.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListByConnector returns all jobs for a connector, newest first.
func (s *Scheduler) ListByConnector(ctx context.Context, connectorID string) ([]*store.Job, error) {
	return s.store.ListJobsByConnector(ctx, connectorID)
}

// CleanupResult reports a stale-job sweep.
type CleanupResult struct {
	CheckedCount  int `json:"checked_count"`
	CanceledCount int `json:"canceled_count"`
}

// Cleanup cancels every unfinished job whose updatedAt is older than the
// stale threshold, reclaiming jobs whose runner died before reaching a
// terminal state.
func (s *Scheduler) Cleanup(ctx context.Context) (*CleanupResult, error) {
	unfinished, err := s.store.ListUnfinishedJobs(ctx, "")
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.staleAfter)
	result := &CleanupResult{CheckedCount: len(unfinished)}

	for _, job := range unfinished {
		if !job.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.stopJob(ctx, job, store.JobResultCanceled, nil); err != nil {
			return nil, err
		}
		metrics.StaleJobsCanceled.Inc()
		result.CanceledCount++
		s.logger.Warn("canceled stale job",
			zap.String("connector", job.ConnectorID), zap.String("job_id", job.ID),
			zap.Time("last_update", job.UpdatedAt))
	}

	return result, nil
}

// stopJob moves a job to its terminal state and clears the connector's
// loading flag and active-job pointer together. It is the single stop path
// shared by success, error, supersession and stale cleanup.
func (s *Scheduler) stopJob(ctx context.Context, job *store.Job, result store.JobResult, errMsg *string) error {
	finishedAt := s.now()
	job.State = store.JobStateFinished
	job.Result = result
	job.Error = errMsg
	job.FinishedAt = &finishedAt
	if err := s.store.SaveJob(ctx, job); err != nil {
		return err
	}

	// Clear the loading pair only while this job is still the active one;
	// a superseding create may already have pointed the connector at a new
	// job.
	status, err := s.store.GetConnectorStatus(ctx, job.ConnectorID)
	if err != nil {
		return err
	}
	if status.ActiveJobID == nil || *status.ActiveJobID == job.ID {
		if err := s.store.SetLoading(ctx, job.ConnectorID, false, nil); err != nil {
			return err
		}
	}

	if result != store.JobResultCanceled {
		if err := s.store.SetLastJob(ctx, job.ConnectorID, job.ID); err != nil {
			return err
		}
	}

	metrics.JobsFinished.WithLabelValues(job.ConnectorID, string(result)).Inc()
	return nil
}
