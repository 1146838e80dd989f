package cache

import (
	"net/http"
	"time"
)

// NewEntry builds an entry from a response and its already read body. The
// entry expires at the response's Expires header when it lies within ttl,
// and after ttl otherwise.
func NewEntry(resp *http.Response, body []byte, ttl time.Duration) *Entry {
	now := time.Now()
	entry := &Entry{
		Body:       body,
		ETag:       resp.Header.Get("ETag"),
		StatusCode: resp.StatusCode,
		Expires:    parseExpires(resp.Header, now, ttl),
		CachedAt:   now,
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		if t, err := http.ParseTime(lastMod); err == nil {
			entry.LastModified = t
		}
	}
	return entry
}

// parseExpires returns the Expires header capped at now+ttl.
func parseExpires(headers http.Header, now time.Time, ttl time.Duration) time.Time {
	limit := now.Add(ttl)

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return limit
	}
	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return limit
	}
	if expires.Before(now) {
		return now
	}
	if expires.After(limit) {
		return limit
	}
	return expires
}

// ShouldMakeConditionalRequest reports whether entry carries a validator.
func ShouldMakeConditionalRequest(entry *Entry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders adds If-None-Match or If-Modified-Since to req.
func AddConditionalHeaders(req *http.Request, entry *Entry) {
	if entry == nil || req == nil {
		return
	}
	// ETag wins over Last-Modified
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.Format(http.TimeFormat))
	}
}
