// Package writer defines the record-persistence contract the sync engine
// writes through: idempotent DDL sync and idempotent upsert keyed by each
// record's id field. The engine consumes this contract; the SQLite
// implementation in this package is the default backing store.
package writer

import (
	"context"

	"github.com/knoom0/datanav/pkg/schema"
)

// Writer persists synced records into per-resource tables.
type Writer interface {
	// SyncTableSchema ensures the resource's table exists and carries every
	// declared column. It is idempotent and additive: existing columns are
	// never altered or dropped.
	SyncTableSchema(ctx context.Context, resource schema.Resource) error

	// SyncTableRecords upserts a batch of records keyed by their id field
	// and returns the number of write attempts performed. Feeding the same
	// record twice yields one logical row.
	SyncTableRecords(ctx context.Context, resource schema.Resource, records []map[string]interface{}) (int, error)

	// DropTable removes a resource table and all of its rows. Destructive;
	// only the connector's disconnect path calls it.
	DropTable(ctx context.Context, resourceName string) error
}
