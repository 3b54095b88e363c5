// Package postgres implements the source adapter for direct PostgreSQL
// sources. There is no interactive authorization: Authenticate reports
// immediate success and credentials travel inside the DSN.
//
// Sync context keys owned by this adapter:
//   - "watermark"        durable high-water mark (RFC3339), survives sweeps
//   - "table"            table currently being paged (pagination-only)
//   - "last_updated_at"  keyset cursor, updated-at component (pagination-only)
//   - "last_id"          keyset cursor, id component (pagination-only)
//   - "sweep_started_at" start of the in-flight sweep (pagination-only)
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/schema"
	"github.com/knoom0/datanav/pkg/source"
)

const (
	defaultPageSize        = 500
	defaultUpdatedAtColumn = "updated_at"

	deadlineMargin = 2 * time.Second
)

// Adapter is the PostgreSQL source adapter.
type Adapter struct {
	dsn             string
	resources       []schema.Resource
	updatedAtColumn string
	pageSize        int
}

// New creates a PostgreSQL adapter from connector settings. Required key:
// dsn. Optional: updated_at_column (default "updated_at"). Every declared
// resource maps to a table of the same name and must declare an id field
// and the updated-at column.
func New(resources []schema.Resource, settings map[string]string) (source.Adapter, error) {
	dsn := settings["dsn"]
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "dsn is required")
	}

	updatedAtColumn := settings["updated_at_column"]
	if updatedAtColumn == "" {
		updatedAtColumn = defaultUpdatedAtColumn
	}

	for _, res := range resources {
		if _, ok := res.Field(schema.IDField); !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"resource %s must declare an id field", res.Name)
		}
		if _, ok := res.Field(updatedAtColumn); !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"resource %s must declare the %s column for incremental sync", res.Name, updatedAtColumn)
		}
	}

	return &Adapter{
		dsn:             dsn,
		resources:       resources,
		updatedAtColumn: updatedAtColumn,
		pageSize:        defaultPageSize,
	}, nil
}

// Authenticate implements source.Adapter. Database sources need no
// interactive authorization.
func (a *Adapter) Authenticate(ctx context.Context, redirectTarget string) (*source.AuthBegin, error) {
	return &source.AuthBegin{Immediate: true}, nil
}

// CompleteAuthentication implements source.Adapter.
func (a *Adapter) CompleteAuthentication(ctx context.Context, code, redirectTarget string) (*source.TokenPair, error) {
	return nil, errors.New(errors.ErrorTypeAuthExchange, "postgres sources do not use an authorization code flow")
}

// RestoreTokens implements source.Adapter. Database sources carry no tokens.
func (a *Adapter) RestoreTokens(tokens *source.TokenPair) {}

// Fetch implements source.Adapter.
func (a *Adapter) Fetch(ctx context.Context, req source.FetchRequest) (source.Cursor, error) {
	conn, err := pgx.Connect(ctx, a.dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProviderFetch, "failed to connect to source database")
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = a.pageSize
	}

	syncContext := req.SyncContext.Clone()

	sweepStartedAt := syncContext.GetString("sweep_started_at")
	if sweepStartedAt == "" {
		sweepStartedAt = time.Now().UTC().Format(time.RFC3339)
	}

	watermark := syncContext.GetString("watermark")
	if watermark == "" && req.LastSyncedAt != nil {
		watermark = req.LastSyncedAt.UTC().Format(time.RFC3339)
	}

	tableIdx := 0
	if resumeAt := syncContext.GetString("table"); resumeAt != "" {
		for i, res := range a.resources {
			if res.Name == resumeAt {
				tableIdx = i
				break
			}
		}
	}

	return &cursor{
		adapter:        a,
		conn:           conn,
		deadline:       req.Deadline,
		pageSize:       pageSize,
		watermark:      watermark,
		sweepStartedAt: sweepStartedAt,
		tableIdx:       tableIdx,
		lastUpdatedAt:  syncContext.GetString("last_updated_at"),
		lastID:         syncContext.GetString("last_id"),
	}, nil
}

// cursor pages through source tables with keyset pagination ordered by
// (updated_at, id).
type cursor struct {
	adapter        *Adapter
	conn           *pgx.Conn
	deadline       time.Time
	pageSize       int
	watermark      string
	sweepStartedAt string
	tableIdx       int
	lastUpdatedAt  string
	lastID         string

	page    []*source.Record
	pageIdx int

	finished bool
	hasMore  bool
}

// Next implements source.Cursor.
func (c *cursor) Next(ctx context.Context) (*source.Record, error) {
	for {
		if c.pageIdx < len(c.page) {
			record := c.page[c.pageIdx]
			c.pageIdx++
			return record, nil
		}
		if c.finished {
			return nil, nil
		}
		if c.tableIdx >= len(c.adapter.resources) {
			c.finish(false)
			return nil, nil
		}
		if !c.deadline.IsZero() && !time.Now().Before(c.deadline.Add(-deadlineMargin)) {
			c.finish(true)
			return nil, nil
		}

		if err := c.fetchPage(ctx); err != nil {
			c.finish(c.hasMore)
			return nil, err
		}
	}
}

// finish closes the connection; after it, Next only reports end-of-run.
func (c *cursor) finish(hasMore bool) {
	c.finished = true
	c.hasMore = hasMore
	if c.conn != nil {
		_ = c.conn.Close(context.Background())
		c.conn = nil
	}
}

// fetchPage runs one keyset page query against the current table.
func (c *cursor) fetchPage(ctx context.Context) error {
	res := c.adapter.resources[c.tableIdx]
	updatedCol := c.adapter.updatedAtColumn

	cols := make([]string, 0, len(res.Fields))
	for _, f := range res.Fields {
		cols = append(cols, pgx.Identifier{f.Name}.Sanitize())
	}

	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if c.watermark != "" {
		conds = append(conds, fmt.Sprintf("%s > %s", pgx.Identifier{updatedCol}.Sanitize(), arg(c.watermark)))
	}
	if c.lastUpdatedAt != "" {
		conds = append(conds, fmt.Sprintf("(%s, %s::text) > (%s, %s)",
			pgx.Identifier{updatedCol}.Sanitize(), pgx.Identifier{schema.IDField}.Sanitize(),
			arg(c.lastUpdatedAt), arg(c.lastID)))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), pgx.Identifier{res.Name}.Sanitize())
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s, %s::text LIMIT %d",
		pgx.Identifier{updatedCol}.Sanitize(), pgx.Identifier{schema.IDField}.Sanitize(), c.pageSize)

	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProviderFetch,
			fmt.Sprintf("failed to query table %s", res.Name))
	}
	defer rows.Close()

	c.page = c.page[:0]
	c.pageIdx = 0

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeProviderFetch, "failed to read row values")
		}

		fields := make(map[string]interface{}, len(res.Fields))
		for i, f := range res.Fields {
			fields[f.Name] = values[i]
		}
		c.page = append(c.page, &source.Record{Resource: res.Name, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeProviderFetch,
			fmt.Sprintf("failed to iterate table %s", res.Name))
	}

	if len(c.page) < c.pageSize {
		// Table exhausted; move on.
		c.tableIdx++
		c.lastUpdatedAt = ""
		c.lastID = ""
	} else {
		last := c.page[len(c.page)-1].Fields
		c.lastUpdatedAt = formatKeysetValue(last[c.adapter.updatedAtColumn])
		c.lastID = formatKeysetValue(last[schema.IDField])
	}
	return nil
}

// formatKeysetValue renders a keyset cursor component as text so it
// round-trips through the JSON-encoded sync context.
func formatKeysetValue(v interface{}) string {
	switch value := v.(type) {
	case time.Time:
		return value.UTC().Format(time.RFC3339Nano)
	case string:
		return value
	default:
		return fmt.Sprintf("%v", value)
	}
}

// Checkpoint implements source.Cursor.
func (c *cursor) Checkpoint() (source.SyncContext, bool) {
	if !c.hasMore {
		return source.SyncContext{"watermark": c.sweepStartedAt}, false
	}

	checkpoint := source.SyncContext{
		"sweep_started_at": c.sweepStartedAt,
		"table":            c.adapter.resources[min(c.tableIdx, len(c.adapter.resources)-1)].Name,
	}
	if c.watermark != "" {
		checkpoint["watermark"] = c.watermark
	}
	if c.lastUpdatedAt != "" {
		checkpoint["last_updated_at"] = c.lastUpdatedAt
		checkpoint["last_id"] = c.lastID
	}
	return checkpoint, true
}
