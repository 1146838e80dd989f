package fetch

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTransientError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *TransientError
		contains []string
	}{
		{
			name:     "with status",
			err:      &TransientError{Class: ErrorClassServer, StatusCode: 503, Err: errors.New("unavailable")},
			contains: []string{"transient", "server", "503", "unavailable"},
		},
		{
			name:     "without status",
			err:      &TransientError{Class: ErrorClassNetwork, Err: errors.New("connection reset")},
			contains: []string{"transient", "network", "connection reset"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("Error() = %q, want it to contain %q", got, want)
				}
			}
		})
	}
}

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		wantFatal bool
		wantClass ErrorClass
		wantAuth  bool
	}{
		{"fatal decode", Fatal(ErrorClassDecode, base), true, ErrorClassDecode, false},
		{"wrapped fatal", fmt.Errorf("address 3: %w", Fatal(ErrorClassClient, base)), true, ErrorClassClient, false},
		{"transient server", Transient(ErrorClassServer, base), false, ErrorClassServer, false},
		{"transient auth", Transient(ErrorClassAuth, base), false, ErrorClassAuth, true},
		{"plain error", base, false, ErrorClassUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.wantFatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.wantFatal)
			}
			if got := ClassOf(tt.err); got != tt.wantClass {
				t.Errorf("ClassOf() = %v, want %v", got, tt.wantClass)
			}
			if got := NeedsAuth(tt.err); got != tt.wantAuth {
				t.Errorf("NeedsAuth() = %v, want %v", got, tt.wantAuth)
			}
		})
	}
}

func TestErrors_Unwrap(t *testing.T) {
	base := errors.New("root cause")
	if !errors.Is(Fatal(ErrorClassDecode, base), base) {
		t.Error("FatalError should unwrap to its cause")
	}
	if !errors.Is(Transient(ErrorClassNetwork, base), base) {
		t.Error("TransientError should unwrap to its cause")
	}
}
