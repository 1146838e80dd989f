package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker(cfg Config) *Tracker {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return NewTracker(cfg, nil, logger)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{"seconds", "30", 30 * time.Second, true},
		{"zero", "0", 0, true},
		{"padded", " 5 ", 5 * time.Second, true},
		{"http date", now.Add(2 * time.Minute).Format(http.TimeFormat), 2 * time.Minute, true},
		{"past http date", now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
		{"empty", "", 0, false},
		{"negative", "-3", 0, false},
		{"garbage", "soon", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, %v, want %v, %v", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTracker_ObserveCooldown(t *testing.T) {
	now := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(Config{DefaultCooldown: time.Second, MaxCooldown: 10 * time.Second})
	tracker.now = func() time.Time { return now }
	ctx := context.Background()

	tests := []struct {
		name       string
		status     int
		retryAfter string
		want       time.Duration
	}{
		{"retry-after honoured", http.StatusTooManyRequests, "3", 3 * time.Second},
		{"default doubles", http.StatusServiceUnavailable, "", 2 * time.Second},
		{"default doubles again", http.StatusTooManyRequests, "", 4 * time.Second},
		{"capped", http.StatusTooManyRequests, "600", 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.retryAfter != "" {
				header.Set("Retry-After", tt.retryAfter)
			}
			got, err := tracker.Observe(ctx, tt.status, header)
			if err != nil {
				t.Fatalf("Observe() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Observe() cooldown = %v, want %v", got, tt.want)
			}
		})
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Consecutive != 4 || state.IsHealthy {
		t.Errorf("state = %+v, want 4 consecutive and unhealthy", state)
	}
	if got := state.TimeUntilReset(now); got != 10*time.Second {
		t.Errorf("TimeUntilReset() = %v, want 10s", got)
	}

	if _, err := tracker.Observe(ctx, http.StatusOK, nil); err != nil {
		t.Fatalf("Observe(200) error = %v", err)
	}
	state, _ = tracker.GetState(ctx)
	if state.Consecutive != 0 || !state.IsHealthy {
		t.Errorf("state after success = %+v, want healthy", state)
	}
	if !state.InCooldown(now) {
		t.Error("success must not lift an active cool-down")
	}
}

func TestTracker_WaitHonoursCooldown(t *testing.T) {
	tracker := newTestTracker(Config{})
	header := http.Header{}
	header.Set("Retry-After", "1")
	if _, err := tracker.Observe(context.Background(), http.StatusTooManyRequests, header); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := tracker.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Wait() returned after %v, want prompt return on cancel", elapsed)
	}
}

func TestTracker_WaitPaces(t *testing.T) {
	tracker := newTestTracker(Config{RequestsPerSecond: 50, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := tracker.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	// first token is free, three more at 20ms each
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("4 waits took %v, want at least ~60ms", elapsed)
	}
}

func TestTracker_UnlimitedByDefault(t *testing.T) {
	tracker := newTestTracker(Config{})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := tracker.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("unpaced waits took %v", elapsed)
	}
}
