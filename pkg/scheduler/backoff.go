package scheduler

import (
	"math/rand"
	"time"
)

// BackoffConfig controls the wait between dispatches of a block's pending members.
type BackoffConfig struct {
	// InitialBackoff is the wait before the first re-dispatch.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each re-dispatch.
	BackoffMultiplier float64
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay returns the un-jittered wait before re-dispatch number retry (1-based).
func (c BackoffConfig) Delay(retry int) time.Duration {
	if c.InitialBackoff <= 0 {
		return 0
	}
	mult := c.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.InitialBackoff)
	for i := 1; i < retry; i++ {
		d *= mult
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && time.Duration(d) > c.MaxBackoff {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// Jittered returns Delay(retry) with ±20% randomness.
func (c BackoffConfig) Jittered(retry int) time.Duration {
	d := c.Delay(retry)
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}
