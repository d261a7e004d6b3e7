package xero

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// headerMinRemaining is the per-tenant calls left in the current minute.
	headerMinRemaining = "X-MinLimit-Remaining"
	// headerDayRemaining is the per-tenant calls left today.
	headerDayRemaining = "X-DayLimit-Remaining"
	// headerLimitProblem names the exhausted limit on a 429 response.
	headerLimitProblem = "X-Rate-Limit-Problem"
	headerRetryAfter   = "Retry-After"

	// lowRemainingThreshold triggers a warning log.
	lowRemainingThreshold = 5
)

// tenantLimiter throttles calls per tenant. Xero allows 60 calls per minute
// per tenant; the bucket keeps the client under that before the server has
// to answer 429.
type tenantLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newTenantLimiter(limit rate.Limit, burst int) *tenantLimiter {
	return &tenantLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the tenant may issue another call.
func (l *tenantLimiter) Wait(ctx context.Context, tenantID string) error {
	l.mu.Lock()
	bucket, ok := l.buckets[tenantID]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[tenantID] = bucket
	}
	l.mu.Unlock()

	return bucket.Wait(ctx)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. It returns zero when the header is absent or unparseable.
func parseRetryAfter(resp *http.Response, now time.Time) time.Duration {
	v := resp.Header.Get(headerRetryAfter)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// logRateLimit logs remaining quota after each response. Low quota logs at Warn.
func logRateLimit(resp *http.Response, tenantID, entity string, page int) {
	minute, minOK := headerInt(resp, headerMinRemaining)
	day, dayOK := headerInt(resp, headerDayRemaining)
	if !minOK && !dayOK {
		return
	}

	attrs := []any{
		"tenant", tenantID,
		"entity", entity,
		"page", page,
		"minute_remaining", minute,
		"day_remaining", day,
	}
	if (minOK && minute < lowRemainingThreshold) || (dayOK && day < lowRemainingThreshold) {
		slog.Warn("xero rate limit low", attrs...)
		return
	}
	slog.Debug("xero rate limit", attrs...)
}

func headerInt(resp *http.Response, name string) (int, bool) {
	v := resp.Header.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
