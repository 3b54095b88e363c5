// Package connector implements the per-source orchestrator: it owns one
// connector's authentication handshake, token custody, and the
// fetch-validate-write loop for one load cycle. It is the only component
// that touches both the source adapter and the record writer.
package connector

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/logger"
	"github.com/knoom0/datanav/pkg/metrics"
	"github.com/knoom0/datanav/pkg/schema"
	"github.com/knoom0/datanav/pkg/source"
	"github.com/knoom0/datanav/pkg/source/registry"
	"github.com/knoom0/datanav/pkg/store"
	"github.com/knoom0/datanav/pkg/writer"
)

// DefaultBatchSize is the combined buffered-record count that triggers a
// flush through validation and the record writer.
const DefaultBatchSize = 100

// Options tunes a connector instance.
type Options struct {
	// BatchSize overrides DefaultBatchSize when positive.
	BatchSize int
	// PageSize is the provider page size hint handed to the adapter.
	PageSize int
}

// Connector orchestrates one external data source.
type Connector struct {
	cfg       *registry.Config
	adapter   source.Adapter
	store     store.Store
	writer    writer.Writer
	batchSize int
	pageSize  int
	logger    *zap.Logger
}

// New builds a connector from its catalog entry. settings carries the
// provider-specific adapter configuration (credentials, endpoints).
func New(cfg *registry.Config, settings map[string]string, st store.Store, w writer.Writer, opts Options) (*Connector, error) {
	adapter, err := cfg.NewAdapter(cfg.Resources, settings)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create source adapter")
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Connector{
		cfg:       cfg,
		adapter:   adapter,
		store:     st,
		writer:    w,
		batchSize: batchSize,
		pageSize:  opts.PageSize,
		logger:    logger.Get().With(zap.String("connector", cfg.ID)),
	}, nil
}

// ID returns the connector's catalog identifier.
func (c *Connector) ID() string {
	return c.cfg.ID
}

// ConnectResult reports the outcome of starting a connection handshake.
type ConnectResult struct {
	// Success is true when the connector is connected (already was, or the
	// source needs no interactive authorization).
	Success bool `json:"success"`
	// AuthURL is set when the caller must redirect the user to the
	// provider's authorization page and later call ContinueToConnect.
	AuthURL string `json:"auth_url,omitempty"`
}

// Connect starts the authentication handshake. Idempotent: an already
// connected connector returns success without contacting the provider.
func (c *Connector) Connect(ctx context.Context, redirectTarget string) (*ConnectResult, error) {
	status, err := c.store.GetConnectorStatus(ctx, c.cfg.ID)
	if err != nil {
		return nil, err
	}
	if status.IsConnected {
		return &ConnectResult{Success: true}, nil
	}

	// Defensive reset: covers reconnect-after-revoke, and creates the
	// status row on the first authentication attempt.
	if err := c.store.SetConnection(ctx, c.cfg.ID, false, nil); err != nil {
		return nil, err
	}

	begin, err := c.adapter.Authenticate(ctx, redirectTarget)
	if err != nil {
		return nil, err
	}

	if begin.Immediate {
		if err := c.store.SetConnection(ctx, c.cfg.ID, true, nil); err != nil {
			return nil, err
		}
		c.logger.Info("connected without provider authorization")
		return &ConnectResult{Success: true}, nil
	}

	return &ConnectResult{Success: false, AuthURL: begin.AuthorizationURL}, nil
}

// ContinueToConnect exchanges the authorization code, persists the token
// pair and marks the connector connected. The connector stays disconnected
// when the provider rejects the code.
func (c *Connector) ContinueToConnect(ctx context.Context, code, redirectTarget string) error {
	tokens, err := c.adapter.CompleteAuthentication(ctx, code, redirectTarget)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeAuthExchange) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeAuthExchange, "provider rejected authorization code")
	}

	if err := c.store.SetConnection(ctx, c.cfg.ID, true, tokens); err != nil {
		return err
	}

	c.logger.Info("connected")
	return nil
}

// LoadOptions bounds one load run.
type LoadOptions struct {
	// Deadline is handed to the source adapter, which must stop yielding
	// and report hasMore near it rather than block past it.
	Deadline time.Time
	// OnProgress receives the number of records written by each flush.
	OnProgress func(written int64)
}

// LoadResult reports one bounded load run.
type LoadResult struct {
	UpdatedRecordCount int64
	IsFinished         bool
}

// Load performs one bounded load cycle: schema sync, token and continuation
// restore, fetch, per-resource buffering, validation, and batched writes.
// The updated sync context and lastSyncedAt are persisted on fetch
// completion regardless of how the trailing flush fares, so a later bounded
// run resumes correctly.
func (c *Connector) Load(ctx context.Context, opts LoadOptions) (*LoadResult, error) {
	// Schema sync happens even when no records arrive, so downstream
	// consumers always see an empty-but-present table.
	for _, res := range c.cfg.Resources {
		if err := c.writer.SyncTableSchema(ctx, res); err != nil {
			return nil, err
		}
	}

	status, err := c.store.GetConnectorStatus(ctx, c.cfg.ID)
	if err != nil {
		return nil, err
	}
	c.adapter.RestoreTokens(status.Tokens())

	cursor, err := c.adapter.Fetch(ctx, source.FetchRequest{
		LastSyncedAt: status.LastSyncedAt,
		SyncContext:  status.SyncContext,
		Deadline:     opts.Deadline,
		PageSize:     c.pageSize,
	})
	if err != nil {
		return nil, asProviderFetch(err)
	}

	buffers := make(map[string][]map[string]interface{})
	buffered := 0
	var total int64

	flush := func() error {
		written, err := c.flushBuffers(ctx, buffers)
		total += written
		if written > 0 && opts.OnProgress != nil {
			opts.OnProgress(written)
		}
		buffers = make(map[string][]map[string]interface{})
		buffered = 0
		return err
	}

	for {
		record, err := cursor.Next(ctx)
		if err != nil {
			return nil, asProviderFetch(err)
		}
		if record == nil {
			break
		}

		buffers[record.Resource] = append(buffers[record.Resource], record.Fields)
		buffered++
		if buffered >= c.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	flushErr := flush()

	syncContext, hasMore := cursor.Checkpoint()
	now := time.Now()
	if err := c.store.SetSyncState(ctx, c.cfg.ID, syncContext, &now); err != nil {
		return nil, err
	}
	if flushErr != nil {
		return nil, flushErr
	}

	c.logger.Info("load run complete",
		zap.Int64("updated_records", total),
		zap.Bool("has_more", hasMore))

	return &LoadResult{UpdatedRecordCount: total, IsFinished: !hasMore}, nil
}

// flushBuffers validates and writes every buffered record. Records missing
// an identifier are dropped and counted, not fatal; a schema violation is
// fatal for the batch.
func (c *Connector) flushBuffers(ctx context.Context, buffers map[string][]map[string]interface{}) (int64, error) {
	names := make([]string, 0, len(buffers))
	for name := range buffers {
		names = append(names, name)
	}
	sort.Strings(names)

	var written int64
	for _, name := range names {
		records := buffers[name]
		res, ok := c.cfg.Resource(name)
		if !ok {
			return written, errors.Newf(errors.ErrorTypeValidation,
				"adapter yielded record for undeclared resource %q", name)
		}

		valid := records[:0]
		dropped := 0
		for _, record := range records {
			if id, ok := record[schema.IDField]; !ok || id == nil {
				dropped++
				continue
			}
			if err := res.Validate(record); err != nil {
				return written, err
			}
			valid = append(valid, record)
		}
		if dropped > 0 {
			metrics.RecordsDropped.WithLabelValues(c.cfg.ID, name).Add(float64(dropped))
			c.logger.Warn("dropped records without identifiers",
				zap.String("resource", name), zap.Int("count", dropped))
		}
		if len(valid) == 0 {
			continue
		}

		updated, err := c.writer.SyncTableRecords(ctx, res, valid)
		if err != nil {
			return written, err
		}
		written += int64(updated)
		metrics.RecordsWritten.WithLabelValues(c.cfg.ID, name).Add(float64(updated))
	}
	return written, nil
}

// Disconnect drops every resource table owned by this connector and clears
// its status row. Destructive and not reversible; callers confirm intent
// upstream.
func (c *Connector) Disconnect(ctx context.Context) error {
	for _, res := range c.cfg.Resources {
		if err := c.writer.DropTable(ctx, res.Name); err != nil {
			return err
		}
	}
	if err := c.store.ClearConnectorStatus(ctx, c.cfg.ID); err != nil {
		return err
	}
	c.logger.Info("disconnected and dropped resource tables")
	return nil
}

// Status returns the connector's durable status row.
func (c *Connector) Status(ctx context.Context) (*store.ConnectorStatus, error) {
	return c.store.GetConnectorStatus(ctx, c.cfg.ID)
}

// asProviderFetch tags provider errors without disturbing errors the engine
// already classified.
func asProviderFetch(err error) error {
	var structured *errors.Error
	if errors.As(err, &structured) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeProviderFetch, "provider fetch failed")
}
