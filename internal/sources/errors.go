package sources

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy surfaced by adapters. The coordinator decides failover policy
// purely on these types.

// NetworkError covers sockets, timeouts and DNS.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitedError is an HTTP 429 or a provider-specific limit marker.
type RateLimitedError struct {
	Provider       string
	RetryAfterSecs int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited (retry after %ds)", e.Provider, e.RetryAfterSecs)
}

// BadResponseError is a well-formed HTTP response with an unexpected body.
type BadResponseError struct {
	Provider string
	Err      error
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("%s: bad response: %v", e.Provider, e.Err)
}

func (e *BadResponseError) Unwrap() error { return e.Err }

// UnsupportedError means the provider cannot serve this request type at all
// (e.g. a metadata-only subgraph asked for a tx stream).
type UnsupportedError struct {
	Provider string
	Op       string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s: operation %s unsupported", e.Provider, e.Op)
}

// MissingAPIKeyError means the user has not configured a key this provider
// needs. Not fatal; surfaced over the websocket as missing_api_key.
type MissingAPIKeyError struct {
	Service string
}

func (e *MissingAPIKeyError) Error() string {
	return fmt.Sprintf("missing API key for %s", e.Service)
}

// ProviderFailure is one (provider, reason) pair inside a RemoteError.
type ProviderFailure struct {
	Provider string
	Reason   string
}

// RemoteError aggregates every provider's failure after the coordinator has
// exhausted the chain.
type RemoteError struct {
	Failures []ProviderFailure
}

func (e *RemoteError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Provider, f.Reason))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// rateLimitMarkers are provider-specific "you are over the limit" phrases that
// arrive with HTTP 200 (e.g. {"Response":"Error","Message":"...limit..."}).
var rateLimitMarkers = []string{
	"rate limit",
	"max rate limit reached",
	"requests limit",
	"too many requests",
	"calls/sec",
}

// looksRateLimited reports whether a 200-status body is actually a rate-limit
// rejection in disguise.
func looksRateLimited(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsRetryableForFailover reports whether the coordinator should move on to the
// next provider (as opposed to rate-limit backoff handling).
func IsRetryableForFailover(err error) bool {
	var netErr *NetworkError
	var badErr *BadResponseError
	var unsupErr *UnsupportedError
	return errors.As(err, &netErr) || errors.As(err, &badErr) || errors.As(err, &unsupErr)
}
