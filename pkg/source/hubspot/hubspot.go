// Package hubspot implements the source adapter for the HubSpot CRM API:
// an OAuth2 authorization-code handshake and a paged, resumable fetch over
// the CRM object endpoints.
//
// Sync context keys owned by this adapter:
//   - "since"            durable high-water mark (RFC3339), survives sweeps
//   - "resource"         resource currently being paged (pagination-only)
//   - "after"            provider page token (pagination-only)
//   - "sweep_started_at" start of the in-flight sweep (pagination-only)
//
// Pagination-only keys are cleared when a full sweep completes; "since" is
// then promoted to the sweep's start time so the next sync is incremental.
package hubspot

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/schema"
	"github.com/knoom0/datanav/pkg/source"
)

const (
	defaultAuthURL    = "https://app.hubspot.com/oauth/authorize"
	defaultTokenURL   = "https://api.hubapi.com/oauth/v1/token"
	defaultAPIBaseURL = "https://api.hubapi.com"

	defaultPageSize = 100

	// deadlineMargin is how close to the deadline the cursor keeps
	// fetching: a page request started inside the margin would likely
	// finish past the deadline.
	deadlineMargin = 2 * time.Second
)

// resourceNames are the CRM objects this adapter syncs, in sweep order.
var resourceNames = []string{"contacts", "companies", "deals"}

// resourceProperties maps each resource to the CRM properties requested
// from the provider. Only declared properties are requested and copied, so
// records always match the catalog schema.
var resourceProperties = map[string][]string{
	"contacts":  {"email", "firstname", "lastname", "phone", "lifecyclestage"},
	"companies": {"name", "domain", "industry", "city"},
	"deals":     {"dealname", "amount", "dealstage", "closedate"},
}

// Adapter is the HubSpot source adapter.
type Adapter struct {
	oauthConfig *oauth2.Config
	apiBaseURL  string
	httpClient  *http.Client
	tokens      *source.TokenPair
	pageSize    int

	// trustShortPage treats a page shorter than the limit as end of
	// pagination even when a next-page token is present. HubSpot has
	// historically behaved this way, but it is a heuristic, so it stays
	// configurable per deployment.
	trustShortPage bool
}

// New creates a HubSpot adapter from connector settings. Required keys:
// client_id, client_secret. Optional: auth_url, token_url, api_base_url,
// page_size, trust_short_page. The CRM resource set is fixed, so the
// declared resources are not consulted.
func New(_ []schema.Resource, settings map[string]string) (source.Adapter, error) {
	clientID := settings["client_id"]
	if clientID == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "client_id is required")
	}
	clientSecret := settings["client_secret"]
	if clientSecret == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "client_secret is required")
	}

	authURL := settings["auth_url"]
	if authURL == "" {
		authURL = defaultAuthURL
	}
	tokenURL := settings["token_url"]
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	apiBaseURL := settings["api_base_url"]
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}

	pageSize := defaultPageSize
	if raw := settings["page_size"]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "invalid page_size %q", raw)
		}
		pageSize = parsed
	}

	trustShortPage := true
	if raw := settings["trust_short_page"]; raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.Newf(errors.ErrorTypeConfig, "invalid trust_short_page %q", raw)
		}
		trustShortPage = parsed
	}

	return &Adapter{
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
			Scopes: []string{"crm.objects.contacts.read", "crm.objects.companies.read", "crm.objects.deals.read"},
		},
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		pageSize:       pageSize,
		trustShortPage: trustShortPage,
	}, nil
}

// Authenticate implements source.Adapter.
func (a *Adapter) Authenticate(ctx context.Context, redirectTarget string) (*source.AuthBegin, error) {
	cfg := *a.oauthConfig
	cfg.RedirectURL = redirectTarget
	return &source.AuthBegin{AuthorizationURL: cfg.AuthCodeURL("")}, nil
}

// CompleteAuthentication implements source.Adapter.
func (a *Adapter) CompleteAuthentication(ctx context.Context, code, redirectTarget string) (*source.TokenPair, error) {
	cfg := *a.oauthConfig
	cfg.RedirectURL = redirectTarget

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthExchange, "hubspot rejected authorization code")
	}

	a.tokens = &source.TokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	return a.tokens, nil
}

// RestoreTokens implements source.Adapter.
func (a *Adapter) RestoreTokens(tokens *source.TokenPair) {
	a.tokens = tokens
}

// Fetch implements source.Adapter.
func (a *Adapter) Fetch(ctx context.Context, req source.FetchRequest) (source.Cursor, error) {
	if a.tokens == nil || a.tokens.AccessToken == "" {
		return nil, errors.New(errors.ErrorTypeProviderFetch, "no access token available")
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = a.pageSize
	}

	syncContext := req.SyncContext.Clone()

	// The sweep's start time becomes the next durable high-water mark once
	// every resource has been paged through.
	sweepStartedAt := syncContext.GetString("sweep_started_at")
	if sweepStartedAt == "" {
		sweepStartedAt = time.Now().UTC().Format(time.RFC3339)
	}

	since := syncContext.GetString("since")
	if since == "" && req.LastSyncedAt != nil {
		since = req.LastSyncedAt.UTC().Format(time.RFC3339)
	}

	// Resume mid-sweep from the checkpointed resource.
	resourceIdx := 0
	if resumeAt := syncContext.GetString("resource"); resumeAt != "" {
		for i, name := range resourceNames {
			if name == resumeAt {
				resourceIdx = i
				break
			}
		}
	}

	return &cursor{
		adapter:        a,
		deadline:       req.Deadline,
		pageSize:       pageSize,
		since:          since,
		sweepStartedAt: sweepStartedAt,
		resourceIdx:    resourceIdx,
		after:          syncContext.GetString("after"),
	}, nil
}

// pageResponse mirrors the CRM v3 list endpoint body.
type pageResponse struct {
	Results []struct {
		ID         string                 `json:"id"`
		Properties map[string]interface{} `json:"properties"`
		UpdatedAt  string                 `json:"updatedAt"`
	} `json:"results"`
	Paging struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// cursor pages through the CRM objects one resource at a time.
type cursor struct {
	adapter        *Adapter
	deadline       time.Time
	pageSize       int
	since          string
	sweepStartedAt string
	resourceIdx    int
	after          string

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
		if c.resourceIdx >= len(resourceNames) {
			// Full sweep complete.
			c.finished = true
			c.hasMore = false
			return nil, nil
		}

		// Stop near the deadline instead of starting a page request that
		// would block past it.
		if !c.deadline.IsZero() && !time.Now().Before(c.deadline.Add(-deadlineMargin)) {
			c.finished = true
			c.hasMore = true
			return nil, nil
		}

		if err := c.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
}

// fetchPage retrieves the next page for the current resource and advances
// pagination state.
func (c *cursor) fetchPage(ctx context.Context) error {
	resource := resourceNames[c.resourceIdx]

	endpoint := c.adapter.apiBaseURL + "/crm/v3/objects/" + resource
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.pageSize))
	query.Set("properties", strings.Join(resourceProperties[resource], ","))
	if c.after != "" {
		query.Set("after", c.after)
	}
	if c.since != "" {
		query.Set("since", c.since)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProviderFetch, "failed to create HTTP request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.adapter.tokens.AccessToken)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.adapter.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProviderFetch, "hubspot request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProviderFetch, "failed to read hubspot response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.ErrorTypeProviderFetch,
			"hubspot API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page pageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return errors.Wrap(err, errors.ErrorTypeProviderFetch, "failed to decode hubspot response")
	}

	c.page = make([]*source.Record, 0, len(page.Results))
	c.pageIdx = 0
	for _, result := range page.Results {
		fields := map[string]interface{}{schema.IDField: result.ID}
		if result.UpdatedAt != "" {
			fields["updated_at"] = result.UpdatedAt
		}
		for _, key := range resourceProperties[resource] {
			if value, ok := result.Properties[key]; ok {
				fields[key] = value
			}
		}
		c.page = append(c.page, &source.Record{Resource: resource, Fields: fields})
	}

	nextAfter := page.Paging.Next.After
	shortPage := len(page.Results) < c.pageSize

	if nextAfter == "" || (c.adapter.trustShortPage && shortPage) {
		// This resource is exhausted; move to the next one.
		c.resourceIdx++
		c.after = ""
	} else {
		c.after = nextAfter
	}
	return nil
}

// Checkpoint implements source.Cursor.
func (c *cursor) Checkpoint() (source.SyncContext, bool) {
	if !c.hasMore {
		// Sweep complete: promote the sweep start to the durable
		// high-water mark and drop all pagination state.
		return source.SyncContext{"since": c.sweepStartedAt}, false
	}

	checkpoint := source.SyncContext{
		"sweep_started_at": c.sweepStartedAt,
		"resource":         resourceNames[min(c.resourceIdx, len(resourceNames)-1)],
	}
	if c.since != "" {
		checkpoint["since"] = c.since
	}
	if c.after != "" {
		checkpoint["after"] = c.after
	}
	return checkpoint, true
}
