// Package cache stores chart responses in Redis so repeated harvests of the
// same request do not hit the portal again. Entries expire after a fixed TTL
// or the response's Expires header, and carry the validators needed for a
// conditional request once they go stale.
package cache

import (
	"time"
)

// Entry is one cached response.
type Entry struct {
	// Body is the response body.
	Body []byte `json:"body"`

	// ETag for conditional requests (If-None-Match).
	ETag string `json:"etag,omitempty"`

	// LastModified for conditional requests (If-Modified-Since).
	LastModified time.Time `json:"last_modified,omitempty"`

	// StatusCode of the cached response.
	StatusCode int `json:"status_code"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when the entry was stored.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
