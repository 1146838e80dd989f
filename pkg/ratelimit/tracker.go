package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request throttling.
var (
	throttleCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_throttle_cooldowns_total",
		Help: "Total number of cool-downs entered after a throttled response",
	})

	throttleWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_throttle_waits_total",
		Help: "Total number of requests held back by an active cool-down",
	})

	throttleWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_throttle_wait_seconds_total",
		Help: "Total time requests spent waiting for a cool-down or a rate limit token",
	})

	cooldownRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_cooldown_remaining_seconds",
		Help: "Remaining cool-down at the time it was entered",
	})
)

// Config tunes a Tracker.
type Config struct {
	// RequestsPerSecond paces requests; 0 or less disables pacing.
	RequestsPerSecond float64

	// Burst is the token bucket size. Defaults to 1.
	Burst int

	// DefaultCooldown applies to a throttled response without Retry-After.
	// It doubles for every consecutive throttled response. Defaults to 5s.
	DefaultCooldown time.Duration

	// MaxCooldown caps any cool-down, including Retry-After. Defaults to 5m.
	MaxCooldown time.Duration

	// SyncInterval bounds how often shared state is read from Redis. Defaults to 1s.
	SyncInterval time.Duration
}

// DefaultConfig paces requests at 10 per second.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		Burst:             10,
		DefaultCooldown:   5 * time.Second,
		MaxCooldown:       5 * time.Minute,
		SyncInterval:      time.Second,
	}
}

// Tracker gates requests. It is safe for concurrent use. Redis is optional;
// without it the cool-down is local to the process.
type Tracker struct {
	limiter *rate.Limiter
	config  Config
	redis   *redis.Client
	logger  zerolog.Logger

	mu       sync.Mutex
	state    ThrottleState
	lastSync time.Time

	now func() time.Time
}

// NewTracker creates a new request gate. redisClient may be nil.
func NewTracker(cfg Config, redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 5 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 5 * time.Minute
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Second
	}

	t := &Tracker{
		limiter: rate.NewLimiter(limit, cfg.Burst),
		config:  cfg,
		redis:   redisClient,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		now:     time.Now,
	}
	t.state.UpdateHealth()
	return t
}

// GetState returns the current throttle state, refreshed from Redis when the
// local copy is older than SyncInterval.
func (t *Tracker) GetState(ctx context.Context) (ThrottleState, error) {
	t.mu.Lock()
	state := t.state
	refresh := t.redis != nil && t.now().Sub(t.lastSync) >= t.config.SyncInterval
	t.mu.Unlock()
	if !refresh {
		return state, nil
	}

	shared, err := t.load(ctx)
	if err != nil {
		return state, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSync = t.now()
	if shared.CooldownUntil.After(t.state.CooldownUntil) {
		t.state.CooldownUntil = shared.CooldownUntil
	}
	if shared.Consecutive > t.state.Consecutive {
		t.state.Consecutive = shared.Consecutive
	}
	t.state.UpdateHealth()
	return t.state, nil
}

func (t *Tracker) load(ctx context.Context) (ThrottleState, error) {
	var state ThrottleState

	until, err := t.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return state, fmt.Errorf("get cooldown: %w", err)
	}
	if err == nil {
		state.CooldownUntil = time.UnixMilli(until)
	}

	consecutive, err := t.redis.Get(ctx, RedisKeyConsecutive).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return state, fmt.Errorf("get consecutive throttles: %w", err)
	}
	state.Consecutive = consecutive

	last, err := t.redis.Get(ctx, RedisKeyLastUpdate).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return state, fmt.Errorf("get last update: %w", err)
	}
	if err == nil {
		state.LastUpdate = time.UnixMilli(last)
	}

	state.UpdateHealth()
	return state, nil
}

// Wait blocks until a request may be sent: first until any cool-down has
// passed, then until the token bucket grants a token.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to read shared throttle state, using local state")
	}

	start := t.now()
	if d := state.TimeUntilReset(start); d > 0 {
		throttleWaitsTotal.Inc()
		t.logger.Debug().Dur("wait_duration", d).Msg("Cool-down active - holding request")

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := t.now().Sub(start); waited > time.Millisecond {
		throttleWaitSeconds.Add(waited.Seconds())
	}
	return nil
}

// Observe records the outcome of a response. A 429 or 503 enters a cool-down
// of Retry-After, or of an exponential default when the header is missing,
// and returns its length. Any other status clears the consecutive count.
func (t *Tracker) Observe(ctx context.Context, status int, header http.Header) (time.Duration, error) {
	if status != http.StatusTooManyRequests && status != http.StatusServiceUnavailable {
		return 0, t.recordSuccess(ctx)
	}

	now := t.now()
	t.mu.Lock()
	t.state.Consecutive++
	cooldown, ok := ParseRetryAfter(header.Get("Retry-After"), now)
	if !ok {
		cooldown = t.backoff(t.state.Consecutive)
	}
	if cooldown > t.config.MaxCooldown {
		cooldown = t.config.MaxCooldown
	}
	if until := now.Add(cooldown); until.After(t.state.CooldownUntil) {
		t.state.CooldownUntil = until
	}
	t.state.LastUpdate = now
	t.state.UpdateHealth()
	state := t.state
	t.mu.Unlock()

	throttleCooldownsTotal.Inc()
	cooldownRemaining.Set(cooldown.Seconds())

	t.logger.Warn().
		Int("status", status).
		Int("consecutive", state.Consecutive).
		Dur("cooldown", cooldown).
		Time("cooldown_until", state.CooldownUntil).
		Msg("Portal throttled request - entering cool-down")

	return cooldown, t.store(ctx, state, cooldown)
}

func (t *Tracker) recordSuccess(ctx context.Context) error {
	t.mu.Lock()
	if t.state.Consecutive == 0 {
		t.mu.Unlock()
		return nil
	}
	t.state.Consecutive = 0
	t.state.LastUpdate = t.now()
	t.state.UpdateHealth()
	t.mu.Unlock()

	t.logger.Info().Msg("Portal healthy again")
	if t.redis == nil {
		return nil
	}
	if err := t.redis.Set(ctx, RedisKeyConsecutive, 0, 0).Err(); err != nil {
		return fmt.Errorf("reset consecutive throttles: %w", err)
	}
	return nil
}

func (t *Tracker) store(ctx context.Context, state ThrottleState, cooldown time.Duration) error {
	if t.redis == nil {
		return nil
	}
	ttl := cooldown + time.Minute

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyCooldownUntil, state.CooldownUntil.UnixMilli(), ttl)
	pipe.Set(ctx, RedisKeyConsecutive, state.Consecutive, ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, state.LastUpdate.UnixMilli(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}
	return nil
}

func (t *Tracker) backoff(consecutive int) time.Duration {
	d := float64(t.config.DefaultCooldown) * math.Pow(2, float64(consecutive-1))
	if d > float64(t.config.MaxCooldown) {
		return t.config.MaxCooldown
	}
	return time.Duration(d)
}

// ParseRetryAfter reads a Retry-After value given in seconds or as an HTTP date.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
