// Package xero implements the SourceClient and AuthProvider ports against the
// Xero accounting and identity APIs.
package xero

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gregjones/httpcache"
	"golang.org/x/time/rate"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

const (
	// DefaultBaseURL is the Xero accounting API root.
	DefaultBaseURL = "https://api.xero.com/api.xro/2.0"

	// PageSize is the number of records requested per page. A shorter page
	// marks the end of a listing.
	PageSize = 100

	// modifiedSinceLayout is the If-Modified-Since format Xero accepts (UTC).
	modifiedSinceLayout = "2006-01-02T15:04:05"
)

// Compile-time interface satisfaction check.
var _ driven.SourceClient = (*Client)(nil)

// Client implements driven.SourceClient over the Xero REST API.
//
// Full scans go through a per-tenant httpcache transport so unchanged pages
// are revalidated with ETags. Incremental requests carry their own
// If-Modified-Since header and bypass the cache, otherwise a 304 would be
// replaced by a stale cached page.
type Client struct {
	base      http.RoundTripper
	timeout   time.Duration
	baseURL   string
	pageSize  int
	limiter   *tenantLimiter
	now       func() time.Time
	cacheMu   sync.Mutex
	cachedRTs map[string]http.RoundTripper
}

// NewClient creates a Client for the production API, throttled to one call
// per second per tenant.
func NewClient() *Client {
	return newClient(http.DefaultTransport, DefaultBaseURL, rate.Every(time.Second), 1)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base
// URL. It is intended for tests against an httptest server and does not
// throttle.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string) *Client {
	transport := httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	c := newClient(transport, baseURL, rate.Inf, 1)
	if httpClient.Timeout > 0 {
		c.timeout = httpClient.Timeout
	}
	return c
}

func newClient(base http.RoundTripper, baseURL string, limit rate.Limit, burst int) *Client {
	return &Client{
		base:      base,
		timeout:   60 * time.Second,
		baseURL:   baseURL,
		pageSize:  PageSize,
		limiter:   newTenantLimiter(limit, burst),
		now:       time.Now,
		cachedRTs: make(map[string]http.RoundTripper),
	}
}

// FetchPage requests one page of an entity listing ordered by UpdatedDateUTC.
// The page token is the 1-based Xero page number.
func (c *Client) FetchPage(ctx context.Context, cred model.Credential, entity model.EntityType, modifiedSince *time.Time, pageToken string) (model.Page, error) {
	resource, envelope, err := resourceFor(entity)
	if err != nil {
		return model.Page{}, err
	}

	page := 1
	if pageToken != "" {
		page, err = strconv.Atoi(pageToken)
		if err != nil || page < 1 {
			return model.Page{}, errors.Newf("invalid page token %q", pageToken)
		}
	}

	if err := c.limiter.Wait(ctx, cred.TenantID); err != nil {
		return model.Page{}, errors.Wrap(err, "wait for rate limiter")
	}

	req, err := c.newPageRequest(ctx, cred, resource, entity, page, modifiedSince)
	if err != nil {
		return model.Page{}, err
	}

	client := &http.Client{Transport: c.transportFor(cred.TenantID, modifiedSince), Timeout: c.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return model.Page{}, errors.Wrapf(err, "fetch %s page %d", entity, page)
	}
	defer resp.Body.Close()

	logRateLimit(resp, cred.TenantID, string(entity), page)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotModified:
		return model.Page{}, nil
	case resp.StatusCode == http.StatusNotFound:
		return model.Page{}, errors.Mark(errors.Newf("fetch %s page %d: not found", entity, page), driven.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.Page{}, errors.Mark(errors.Newf("fetch %s page %d: status %d", entity, page, resp.StatusCode), driven.ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp, c.now())
		slog.Warn("xero rate limited",
			"tenant", cred.TenantID,
			"entity", entity,
			"page", page,
			"problem", resp.Header.Get(headerLimitProblem),
			"retry_after", retryAfter,
		)
		return model.Page{}, errors.Wrapf(driven.NewRateLimitError(retryAfter), "fetch %s page %d", entity, page)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.Page{}, errors.Newf("fetch %s page %d: unexpected status %d: %s", entity, page, resp.StatusCode, body)
	}

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return model.Page{}, errors.Wrapf(err, "decode %s page %d", entity, page)
	}

	var records []json.RawMessage
	if raw, ok := payload[envelope]; ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &records); err != nil {
			return model.Page{}, errors.Wrapf(err, "decode %s records on page %d", entity, page)
		}
	}

	result := model.Page{Records: records}
	if len(records) >= c.pageSize {
		result.NextPageToken = strconv.Itoa(page + 1)
	}

	slog.Debug("xero page fetched",
		"tenant", cred.TenantID,
		"entity", entity,
		"page", page,
		"records", len(records),
		"has_next", result.HasNext(),
	)

	return result, nil
}

func (c *Client) newPageRequest(ctx context.Context, cred model.Credential, resource string, entity model.EntityType, page int, modifiedSince *time.Time) (*http.Request, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(c.pageSize))
	q.Set("includeArchived", "true")
	q.Set("order", "UpdatedDateUTC ASC")
	if entity == model.EntityInvoices {
		q.Set("summaryOnly", "false")
	}

	endpoint := c.baseURL + "/" + resource + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build page request")
	}

	tokenType := cred.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	req.Header.Set("Authorization", tokenType+" "+cred.AccessToken)
	req.Header.Set("Xero-tenant-id", cred.TenantID)
	req.Header.Set("Accept", "application/json")
	if modifiedSince != nil {
		req.Header.Set("If-Modified-Since", modifiedSince.UTC().Format(modifiedSinceLayout))
	}

	return req, nil
}

// transportFor returns the tenant's caching transport for full scans and the
// plain transport for incremental requests.
func (c *Client) transportFor(tenantID string, modifiedSince *time.Time) http.RoundTripper {
	if modifiedSince != nil {
		return c.base
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	rt, ok := c.cachedRTs[tenantID]
	if !ok {
		cache := httpcache.NewTransport(httpcache.NewMemoryCache())
		cache.Transport = c.base
		rt = cache
		c.cachedRTs[tenantID] = rt
	}
	return rt
}

// resourceFor maps an entity to its endpoint and JSON envelope key.
func resourceFor(entity model.EntityType) (resource, envelope string, err error) {
	switch entity {
	case model.EntityContacts:
		return "Contacts", "Contacts", nil
	case model.EntityInvoices:
		return "Invoices", "Invoices", nil
	default:
		return "", "", fmt.Errorf("entity %q has no xero endpoint", entity)
	}
}
