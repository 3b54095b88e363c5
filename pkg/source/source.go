// Package source defines the contract every data provider adapter
// implements: an authentication handshake and a resumable, deadline-aware,
// paged record fetch. The engine never special-cases providers; everything
// provider-specific lives behind the Adapter interface.
package source

import (
	"context"
	"time"
)

// SyncContext is opaque, provider-defined continuation state. The engine
// passes it through unchanged between runs; only the adapter that produced
// it may interpret or mutate its contents. Adapters document their own keys
// and must clear pagination-only keys once a full sweep completes, leaving
// only a durable high-water mark for the next incremental sync.
type SyncContext map[string]interface{}

// Clone returns a shallow copy, never nil.
func (sc SyncContext) Clone() SyncContext {
	out := make(SyncContext, len(sc))
	for k, v := range sc {
		out[k] = v
	}
	return out
}

// GetString returns the string value for a key, or "" when absent or not a
// string. Continuation state round-trips through JSON, so adapters should
// read their own keys defensively.
func (sc SyncContext) GetString(key string) string {
	if v, ok := sc[key].(string); ok {
		return v
	}
	return ""
}

// GetInt returns the integer value for a key, tolerating the float64 shape
// JSON decoding produces.
func (sc SyncContext) GetInt(key string) int {
	switch v := sc[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// TokenPair holds provider credentials obtained from an authorization-code
// exchange. The connector persists it; adapters hold it in memory only.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// AuthBegin is the result of starting an authentication handshake: either a
// URL the user must be redirected to, or Immediate for sources that need no
// interactive authorization (e.g. a direct database connection).
type AuthBegin struct {
	AuthorizationURL string
	Immediate        bool
}

// Record is one tagged record yielded by a fetch: the resource it belongs
// to plus its fields.
type Record struct {
	Resource string                 `json:"resource"`
	Fields   map[string]interface{} `json:"fields"`
}

// FetchRequest carries everything a fetch needs to resume and to stop on
// time. Deadline is advisory: the cursor must stop yielding and report
// hasMore near it rather than block past it.
type FetchRequest struct {
	LastSyncedAt *time.Time
	SyncContext  SyncContext
	Deadline     time.Time
	PageSize     int
}

// Cursor is a pull-based record stream over one fetch sweep. Next returns
// records until the sweep is over for this run, then returns (nil, nil).
// Checkpoint is valid once Next has returned nil: it reports the updated
// continuation state and whether the provider has more data, in which case
// a later run resumes from exactly that state.
type Cursor interface {
	Next(ctx context.Context) (*Record, error)
	Checkpoint() (SyncContext, bool)
}

// Adapter is the pluggable unit implementing authentication and paged fetch
// for one external provider. Provider errors propagate unmodified; retry is
// the scheduler's concern, never the adapter's.
type Adapter interface {
	// Authenticate starts the handshake and returns either an authorization
	// URL for a code flow or Immediate success.
	Authenticate(ctx context.Context, redirectTarget string) (*AuthBegin, error)

	// CompleteAuthentication exchanges an authorization code for tokens.
	// Fails with an auth_exchange error when the provider rejects the code.
	// On success the returned pair is also retained in memory by the adapter.
	CompleteAuthentication(ctx context.Context, code, redirectTarget string) (*TokenPair, error)

	// RestoreTokens hands previously persisted credentials back to the
	// adapter before a fetch.
	RestoreTokens(tokens *TokenPair)

	// Fetch opens a resumable record stream for one bounded run.
	Fetch(ctx context.Context, req FetchRequest) (Cursor, error)
}
