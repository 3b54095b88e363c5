// Package datanav is a data synchronization engine: it connects to external
// data providers, authenticates, fetches records incrementally and writes
// them durably, scheduling the work as resumable, time-boxed jobs.
//
// # Architecture
//
// The engine is organized around four contracts:
//
// 1. Source adapters (pkg/source): per-provider authentication and a
// pull-based, deadline-aware, paged record fetch. Adapters register
// themselves in a catalog (pkg/source/registry) and carry opaque
// continuation state between runs.
//
// 2. The connector (pkg/connector): orchestrates one source's handshake,
// token custody and the fetch-validate-write loop, buffering records per
// resource and flushing them in batches through the record writer.
//
// 3. The scheduler (pkg/scheduler): turns a load cycle into one or more
// bounded runs of a job (created -> running -> finished), supersedes stale
// work and keeps per-connector status consistent.
//
// 4. Durable state (pkg/store, pkg/writer): a status store for connector and
// job rows, and an idempotent upsert writer for synced resource tables.
//
// # Delivery semantics
//
// Fetches are at-least-once; writes are idempotent upserts keyed by record
// id, so re-delivering a page after a bounded run is harmless. Each
// connector has at most one unfinished job at a time.
//
// # Usage
//
//	eng := ... // open store, writer, scheduler (see cmd/datanav)
//	job, _ := sched.Create(ctx, scheduler.CreateRequest{ConnectorID: "hubspot"})
//	result, _ := sched.Run(ctx, job.ID, time.Now().Add(5*time.Minute))
//	for len(result.NextJobIDs) > 0 {
//		result, _ = sched.Run(ctx, result.NextJobIDs[0], time.Now().Add(5*time.Minute))
//	}
package datanav
