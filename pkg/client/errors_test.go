package client

import (
	"errors"
	"strings"
	"testing"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		class    fetch.ErrorClass
		expected bool
	}{
		{fetch.ErrorClassServer, true},
		{fetch.ErrorClassRateLimit, true},
		{fetch.ErrorClassNetwork, true},
		{fetch.ErrorClassClient, false},
		{fetch.ErrorClassAuth, false},
		{fetch.ErrorClassDecode, false},
		{fetch.ErrorClassUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := shouldRetry(tt.class); got != tt.expected {
				t.Errorf("shouldRetry(%s) = %v, want %v", tt.class, got, tt.expected)
			}
		})
	}
}

func TestPortalError_Error(t *testing.T) {
	err := &PortalError{StatusCode: 503, ErrorClass: fetch.ErrorClassServer, Message: "Service Unavailable"}
	if got := err.Error(); got != "portal server error (status 503): Service Unavailable" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := &PortalError{ErrorClass: fetch.ErrorClassNetwork, Message: "request failed", Err: errors.New("connection refused")}
	if got := wrapped.Error(); !strings.HasSuffix(got, "request failed: connection refused") {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(wrapped, wrapped.Err) {
		t.Error("errors.Is() through Unwrap failed")
	}
}

func TestToFetchError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantFatal bool
		wantClass fetch.ErrorClass
	}{
		{"client", &PortalError{StatusCode: 400, ErrorClass: fetch.ErrorClassClient}, true, fetch.ErrorClassClient},
		{"decode", &PortalError{ErrorClass: fetch.ErrorClassDecode}, true, fetch.ErrorClassDecode},
		{"server", &PortalError{StatusCode: 500, ErrorClass: fetch.ErrorClassServer}, false, fetch.ErrorClassServer},
		{"auth", &PortalError{StatusCode: 401, ErrorClass: fetch.ErrorClassAuth}, false, fetch.ErrorClassAuth},
		{"plain", errors.New("boom"), false, fetch.ErrorClassUnknown},
		{"already fatal", fetch.Fatalf(fetch.ErrorClassDecode, "bad"), true, fetch.ErrorClassDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toFetchError(tt.err)
			if fetch.IsFatal(got) != tt.wantFatal {
				t.Errorf("IsFatal() = %v, want %v", fetch.IsFatal(got), tt.wantFatal)
			}
			if fetch.ClassOf(got) != tt.wantClass {
				t.Errorf("ClassOf() = %v, want %v", fetch.ClassOf(got), tt.wantClass)
			}
		})
	}
}
