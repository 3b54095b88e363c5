package connector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/schema"
	"github.com/knoom0/datanav/pkg/source"
	"github.com/knoom0/datanav/pkg/source/registry"
	"github.com/knoom0/datanav/pkg/store"
	"github.com/knoom0/datanav/pkg/writer"
)

// fakeAdapter scripts the source side of a load cycle.
type fakeAdapter struct {
	immediate   bool
	authURL     string
	exchangeErr error
	tokens      *source.TokenPair

	records    []*source.Record
	fetchErr   error
	checkpoint source.SyncContext
	hasMore    bool

	restored *source.TokenPair
	fetchReq source.FetchRequest
}

func (f *fakeAdapter) Authenticate(ctx context.Context, redirectTarget string) (*source.AuthBegin, error) {
	return &source.AuthBegin{AuthorizationURL: f.authURL, Immediate: f.immediate}, nil
}

func (f *fakeAdapter) CompleteAuthentication(ctx context.Context, code, redirectTarget string) (*source.TokenPair, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.tokens, nil
}

func (f *fakeAdapter) RestoreTokens(tokens *source.TokenPair) {
	f.restored = tokens
}

func (f *fakeAdapter) Fetch(ctx context.Context, req source.FetchRequest) (source.Cursor, error) {
	f.fetchReq = req
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &fakeCursor{records: f.records, checkpoint: f.checkpoint, hasMore: f.hasMore}, nil
}

type fakeCursor struct {
	records    []*source.Record
	idx        int
	checkpoint source.SyncContext
	hasMore    bool
}

func (c *fakeCursor) Next(ctx context.Context) (*source.Record, error) {
	if c.idx >= len(c.records) {
		return nil, nil
	}
	record := c.records[c.idx]
	c.idx++
	return record, nil
}

func (c *fakeCursor) Checkpoint() (source.SyncContext, bool) {
	return c.checkpoint, c.hasMore
}

func testCatalog(adapter source.Adapter) *registry.Config {
	return &registry.Config{
		ID:   "testsource",
		Name: "Test Source",
		Resources: []schema.Resource{
			{
				Name: "contacts",
				Fields: []schema.Field{
					{Name: "id", Type: schema.FieldTypeString},
					{Name: "email", Type: schema.FieldTypeString, Nullable: true},
				},
			},
			{
				Name: "companies",
				Fields: []schema.Field{
					{Name: "id", Type: schema.FieldTypeString},
					{Name: "name", Type: schema.FieldTypeString, Nullable: true},
				},
			},
		},
		NewAdapter: func(resources []schema.Resource, settings map[string]string) (source.Adapter, error) {
			return adapter, nil
		},
	}
}

func newTestConnector(t *testing.T, adapter source.Adapter, opts Options) (*Connector, *store.MemoryStore, *writer.SQLiteWriter) {
	t.Helper()

	st := store.NewMemoryStore()
	w, err := writer.NewSQLiteWriter(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	conn, err := New(testCatalog(adapter), nil, st, w, opts)
	require.NoError(t, err)
	return conn, st, w
}

func contactRecord(id int) *source.Record {
	return &source.Record{
		Resource: "contacts",
		Fields:   map[string]interface{}{"id": fmt.Sprintf("c-%d", id), "email": fmt.Sprintf("c%d@example.com", id)},
	}
}

func TestConnectReturnsAuthURL(t *testing.T) {
	adapter := &fakeAdapter{authURL: "https://provider.example/authorize"}
	conn, st, _ := newTestConnector(t, adapter, Options{})
	ctx := context.Background()

	result, err := conn.Connect(ctx, "https://app.example/callback")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "https://provider.example/authorize", result.AuthURL)

	status, err := st.GetConnectorStatus(ctx, "testsource")
	require.NoError(t, err)
	assert.False(t, status.IsConnected, "not connected until the code is exchanged")
}

func TestConnectImmediate(t *testing.T) {
	adapter := &fakeAdapter{immediate: true}
	conn, st, _ := newTestConnector(t, adapter, Options{})
	ctx := context.Background()

	result, err := conn.Connect(ctx, "")
	require.NoError(t, err)
	assert.True(t, result.Success)

	status, err := st.GetConnectorStatus(ctx, "testsource")
	require.NoError(t, err)
	assert.True(t, status.IsConnected)
	require.NotNil(t, status.LastConnectedAt)
}

func TestConnectIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{immediate: true}
	conn, _, _ := newTestConnector(t, adapter, Options{})
	ctx := context.Background()

	_, err := conn.Connect(ctx, "")
	require.NoError(t, err)

	// A second connect short-circuits without touching the adapter.
	adapter.immediate = false
	adapter.authURL = "https://provider.example/authorize"
	result, err := conn.Connect(ctx, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.AuthURL)
}

func TestContinueToConnectPersistsTokens(t *testing.T) {
	adapter := &fakeAdapter{tokens: &source.TokenPair{AccessToken: "access", RefreshToken: "refresh"}}
	conn, st, _ := newTestConnector(t, adapter, Options{})
	ctx := context.Background()

	require.NoError(t, conn.ContinueToConnect(ctx, "the-code", "https://app.example/callback"))

	status, err := st.GetConnectorStatus(ctx, "testsource")
	require.NoError(t, err)
	assert.True(t, status.IsConnected)
	require.NotNil(t, status.AccessToken)
	assert.Equal(t, "access", *status.AccessToken)
}

func TestContinueToConnectRejectedCode(t *testing.T) {
	adapter := &fakeAdapter{exchangeErr: fmt.Errorf("invalid grant")}
	conn, st, _ := newTestConnector(t, adapter, Options{})
	ctx := context.Background()

	err := conn.ContinueToConnect(ctx, "bad-code", "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthExchange))

	status, err := st.GetConnectorStatus(ctx, "testsource")
	require.NoError(t, err)
	assert.False(t, status.IsConnected, "a rejected code must leave the connector disconnected")
}

func TestLoadWritesRecordsAndPersistsSyncState(t *testing.T) {
	adapter := &fakeAdapter{
		records: []*source.Record{
			contactRecord(1),
			contactRecord(2),
			{Resource: "companies", Fields: map[string]interface{}{"id": "co-1", "name": "Acme"}},
		},
		checkpoint: source.SyncContext{"since": "2026-03-01T00:00:00Z"},
		hasMore:    false,
	}
	conn, st, w := newTestConnector(t, adapter, Options{})
	ctx := context.Background()

	var progress int64
	result, err := conn.Load(ctx, LoadOptions{
		Deadline:   time.Now().Add(time.Minute),
		OnProgress: func(written int64) { progress += written },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.UpdatedRecordCount)
	assert.True(t, result.IsFinished)
	assert.Equal(t, int64(3), progress)

	contacts, err := w.CountRecords(ctx, "contacts")
	require.NoError(t, err)
	assert.Equal(t, int64(2), contacts)

	companies, err := w.CountRecords(ctx, "companies")
	require.NoError(t, err)
	assert.Equal(t, int64(1), companies)

	status, err := st.GetConnectorStatus(ctx, "testsource")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T00:00:00Z", status.SyncContext.GetString("since"))
	require.NotNil(t, status.LastSyncedAt)
}

func TestLoadFlushesAtBatchThreshold(t *testing.T) {
	var records []*source.Record
	for i := 0; i < 150; i++ {
		records = append(records, contactRecord(i))
	}
	adapter := &fakeAdapter{records: records}
	conn, _, w := newTestConnector(t, adapter, Options{})
	ctx := context.Background()

	var flushes []int64
	result, err := conn.Load(ctx, LoadOptions{
		Deadline:   time.Now().Add(time.Minute),
		OnProgress: func(written int64) { flushes = append(flushes, written) },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(150), result.UpdatedRecordCount)

	// 150 records with the default threshold of 100: one full flush, one
	// trailing flush.
	require.Len(t, flushes, 2)
	assert.Equal(t, int64(100), flushes[0])
	assert.Equal(t, int64(50), flushes[1])

	count, err := w.CountRecords(ctx, "contacts")
	require.NoError(t, err)
	assert.Equal(t, int64(150), count)
}

func TestLoadDropsRecordsWithoutID(t *testing.T) {
	adapter := &fakeAdapter{
		records: []*source.Record{
			contactRecord(1),
			{Resource: "contacts", Fields: map[string]interface{}{"email": "no-id@example.com"}},
			{Resource: "contacts", Fields: map[string]interface{}{"id": nil, "email": "nil-id@example.com"}},
			contactRecord(2),
		},
	}
	conn, _, w := newTestConnector(t, adapter, Options{})

	result, err := conn.Load(context.Background(), LoadOptions{Deadline: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.UpdatedRecordCount, "records without ids are dropped, not fatal")

	count, err := w.CountRecords(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestLoadSchemaViolationIsFatal(t *testing.T) {
	adapter := &fakeAdapter{
		records: []*source.Record{
			{Resource: "contacts", Fields: map[string]interface{}{"id": "c-1", "undeclared": "boom"}},
		},
	}
	conn, _, _ := newTestConnector(t, adapter, Options{})

	_, err := conn.Load(context.Background(), LoadOptions{Deadline: time.Now().Add(time.Minute)})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestLoadSyncsSchemasWithoutRecords(t *testing.T) {
	adapter := &fakeAdapter{}
	conn, _, w := newTestConnector(t, adapter, Options{})
	ctx := context.Background()

	result, err := conn.Load(ctx, LoadOptions{Deadline: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Zero(t, result.UpdatedRecordCount)
	assert.True(t, result.IsFinished)

	// Empty but present tables.
	for _, table := range []string{"contacts", "companies"} {
		count, err := w.CountRecords(ctx, table)
		require.NoError(t, err)
		assert.Zero(t, count)
	}
}

func TestLoadRestoresTokensAndContinuation(t *testing.T) {
	adapter := &fakeAdapter{}
	conn, st, _ := newTestConnector(t, adapter, Options{PageSize: 25})
	ctx := context.Background()

	require.NoError(t, st.SetConnection(ctx, "testsource", true, &source.TokenPair{AccessToken: "stored"}))
	syncedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.SetSyncState(ctx, "testsource", source.SyncContext{"after": "page-3"}, &syncedAt))

	_, err := conn.Load(ctx, LoadOptions{Deadline: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	require.NotNil(t, adapter.restored)
	assert.Equal(t, "stored", adapter.restored.AccessToken)
	assert.Equal(t, "page-3", adapter.fetchReq.SyncContext.GetString("after"))
	require.NotNil(t, adapter.fetchReq.LastSyncedAt)
	assert.Equal(t, syncedAt.Unix(), adapter.fetchReq.LastSyncedAt.Unix())
	assert.Equal(t, 25, adapter.fetchReq.PageSize)
}

func TestLoadProviderErrorPropagates(t *testing.T) {
	adapter := &fakeAdapter{fetchErr: fmt.Errorf("rate limited")}
	conn, _, _ := newTestConnector(t, adapter, Options{})

	_, err := conn.Load(context.Background(), LoadOptions{Deadline: time.Now().Add(time.Minute)})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProviderFetch))
	assert.Contains(t, err.Error(), "rate limited")
}

func TestDisconnectDropsTablesAndClearsStatus(t *testing.T) {
	adapter := &fakeAdapter{records: []*source.Record{contactRecord(1)}}
	conn, st, w := newTestConnector(t, adapter, Options{})
	ctx := context.Background()

	require.NoError(t, st.SetConnection(ctx, "testsource", true, &source.TokenPair{AccessToken: "access"}))
	_, err := conn.Load(ctx, LoadOptions{Deadline: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, conn.Disconnect(ctx))

	_, err = w.CountRecords(ctx, "contacts")
	require.Error(t, err, "resource tables are dropped")

	status, err := st.GetConnectorStatus(ctx, "testsource")
	require.NoError(t, err)
	assert.False(t, status.IsConnected)
	assert.Nil(t, status.AccessToken)
	assert.Empty(t, status.SyncContext)
}
