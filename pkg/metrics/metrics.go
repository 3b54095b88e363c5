// Package metrics provides Prometheus collectors for the sync engine:
// job lifecycle counters, record throughput and stale-job reclamation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsCreated counts jobs created, labeled by connector.
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datanav",
		Subsystem: "scheduler",
		Name:      "jobs_created_total",
		Help:      "Total number of jobs created",
	}, []string{"connector"})

	// JobsFinished counts terminal jobs, labeled by connector and result.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datanav",
		Subsystem: "scheduler",
		Name:      "jobs_finished_total",
		Help:      "Total number of jobs reaching a terminal state",
	}, []string{"connector", "result"})

	// JobRuns counts bounded run invocations, labeled by connector.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datanav",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Total number of bounded job run invocations",
	}, []string{"connector"})

	// RunDuration observes how long bounded runs take.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "datanav",
		Subsystem: "scheduler",
		Name:      "run_duration_seconds",
		Help:      "Duration of bounded job runs",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"connector"})

	// StaleJobsCanceled counts jobs reclaimed by the cleanup sweep.
	StaleJobsCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datanav",
		Subsystem: "scheduler",
		Name:      "stale_jobs_canceled_total",
		Help:      "Total number of stale jobs canceled by cleanup",
	})

	// RecordsWritten counts records upserted through the writer.
	RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datanav",
		Subsystem: "connector",
		Name:      "records_written_total",
		Help:      "Total number of record write attempts",
	}, []string{"connector", "resource"})

	// RecordsDropped counts records dropped for missing identifiers.
	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datanav",
		Subsystem: "connector",
		Name:      "records_dropped_total",
		Help:      "Total number of records dropped before write",
	}, []string{"connector", "resource"})
)
