package cache

import (
	"net/http"
	"testing"
	"time"
)

func TestNewEntry(t *testing.T) {
	lastMod := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Etag":          {`"abc"`},
			"Last-Modified": {lastMod.Format(http.TimeFormat)},
		},
	}

	entry := NewEntry(resp, []byte(`{"chart":{}}`), time.Hour)

	if string(entry.Body) != `{"chart":{}}` {
		t.Errorf("Body = %q", entry.Body)
	}
	if entry.ETag != `"abc"` {
		t.Errorf("ETag = %q, want \"abc\"", entry.ETag)
	}
	if !entry.LastModified.Equal(lastMod) {
		t.Errorf("LastModified = %v, want %v", entry.LastModified, lastMod)
	}
	if ttl := entry.TTL(); ttl < 59*time.Minute || ttl > time.Hour {
		t.Errorf("TTL() = %v, want about 1h", ttl)
	}
}

func TestParseExpires(t *testing.T) {
	now := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	ttl := time.Hour

	tests := []struct {
		name    string
		expires string
		want    time.Time
	}{
		{"missing", "", now.Add(ttl)},
		{"invalid", "tomorrow", now.Add(ttl)},
		{"within ttl", now.Add(10 * time.Minute).Format(http.TimeFormat), now.Add(10 * time.Minute)},
		{"beyond ttl", now.Add(48 * time.Hour).Format(http.TimeFormat), now.Add(ttl)},
		{"in the past", now.Add(-time.Hour).Format(http.TimeFormat), now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.expires != "" {
				h.Set("Expires", tt.expires)
			}
			if got := parseExpires(h, now, ttl); !got.Equal(tt.want) {
				t.Errorf("parseExpires() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionalHeaders(t *testing.T) {
	lastMod := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		entry         *Entry
		wantCond      bool
		wantNoneMatch string
		wantModSince  string
	}{
		{"nil entry", nil, false, "", ""},
		{"no validators", &Entry{}, false, "", ""},
		{"etag", &Entry{ETag: `"v1"`, LastModified: lastMod}, true, `"v1"`, ""},
		{"last modified", &Entry{LastModified: lastMod}, true, "", lastMod.Format(http.TimeFormat)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldMakeConditionalRequest(tt.entry); got != tt.wantCond {
				t.Errorf("ShouldMakeConditionalRequest() = %v, want %v", got, tt.wantCond)
			}
			req, _ := http.NewRequest(http.MethodGet, "http://portal.test/", nil)
			AddConditionalHeaders(req, tt.entry)
			if got := req.Header.Get("If-None-Match"); got != tt.wantNoneMatch {
				t.Errorf("If-None-Match = %q, want %q", got, tt.wantNoneMatch)
			}
			if got := req.Header.Get("If-Modified-Since"); got != tt.wantModSince {
				t.Errorf("If-Modified-Since = %q, want %q", got, tt.wantModSince)
			}
		})
	}

	AddConditionalHeaders(nil, &Entry{ETag: "x"})
}
