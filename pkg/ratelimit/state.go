// Package ratelimit gates requests to the registry portal. A token bucket
// paces requests and a cool-down, entered when the portal answers 429 or 503,
// holds every request back until the Retry-After window has passed. The
// cool-down can be shared across worker processes through Redis.
package ratelimit

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyCooldownUntil = "harvester:throttle:cooldown_until"
	RedisKeyConsecutive   = "harvester:throttle:consecutive"
	RedisKeyLastUpdate    = "harvester:throttle:last_update"
)

// ThrottleThresholdHealthy is the number of consecutive throttled responses
// below which the portal is considered healthy.
const ThrottleThresholdHealthy = 1

// ThrottleState is the current cool-down state.
type ThrottleState struct {
	// CooldownUntil is when requests may resume. Zero means no cool-down.
	CooldownUntil time.Time `json:"cooldown_until"`

	// Consecutive counts throttled responses since the last success.
	Consecutive int `json:"consecutive"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Consecutive < ThrottleThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *ThrottleState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// InCooldown reports whether requests must wait at now.
func (s *ThrottleState) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// TimeUntilReset returns the remaining cool-down, or 0 when none is active.
func (s *ThrottleState) TimeUntilReset(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth updates the IsHealthy field based on Consecutive.
func (s *ThrottleState) UpdateHealth() {
	s.IsHealthy = s.Consecutive < ThrottleThresholdHealthy
}
