// Package driven defines secondary port interfaces for external adapters.
package driven

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Sync error taxonomy. Adapters mark their failures with these sentinels so
// the application layer can classify them with errors.Is.
var (
	// ErrAuthExpired means the refresh token was rejected. It is terminal
	// until the tenant is re-authorized.
	ErrAuthExpired = errors.New("authorization expired: re-authorization required")

	// ErrRateLimited means the source asked the caller to back off. The same
	// request may be retried after a delay.
	ErrRateLimited = errors.New("rate limited by source")

	// ErrUnauthorized means the source rejected the access token.
	ErrUnauthorized = errors.New("source rejected access token")

	// ErrNotFound means the requested remote resource or page does not exist.
	ErrNotFound = errors.New("remote resource not found")

	// ErrRecordInvalid marks a remote record that could not be decoded or validated.
	ErrRecordInvalid = errors.New("invalid remote record")

	// ErrTargetStoreUnavailable marks a failed write to the relational store.
	ErrTargetStoreUnavailable = errors.New("target store unavailable")

	// ErrRunInProgress is returned when a tenant already has a running sync.
	ErrRunInProgress = errors.New("sync run already in progress")

	// ErrRunFinalized is returned when finishing a run that is no longer running.
	ErrRunFinalized = errors.New("sync run already finalized")

	// ErrNoCredential is returned when a tenant has never been authorized.
	ErrNoCredential = errors.New("no credential stored: run the authorization handshake")
)

// RateLimitError carries the server-provided retry delay. It is always
// marked with ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// NewRateLimitError builds a rate-limit failure matching ErrRateLimited.
func NewRateLimitError(retryAfter time.Duration) error {
	return errors.Mark(&RateLimitError{RetryAfter: retryAfter}, ErrRateLimited)
}

// RetryAfter extracts the server-provided delay from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
