package progress

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter receives one increment per completed unit.
type Counter interface {
	Incr(ctx context.Context) error
}

// CounterFunc adapts a function to the Counter interface.
type CounterFunc func(ctx context.Context) error

// Incr calls f(ctx).
func (f CounterFunc) Incr(ctx context.Context) error {
	return f(ctx)
}

// RedisCounter shares progress through Redis so other processes can observe it.
// The done count lives at Key and the total at Key + ":total".
type RedisCounter struct {
	redis   *redis.Client
	key     string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisCounter creates a counter at key. A zero ttl keeps the keys forever.
func NewRedisCounter(redisClient *redis.Client, key string, ttl time.Duration) *RedisCounter {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisCounter{redis: redisClient, key: key, ttl: ttl, timeout: 2 * time.Second}
}

// Key returns the Redis key holding the done count.
func (r *RedisCounter) Key() string {
	return r.key
}

// Init stores the starting done count and the total.
func (r *RedisCounter) Init(ctx context.Context, done, total int64) error {
	pipe := r.redis.Pipeline()
	pipe.Set(ctx, r.key, done, r.ttl)
	pipe.Set(ctx, r.key+":total", total, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("init progress counter: %w", err)
	}
	return nil
}

// Incr increments the done count.
func (r *RedisCounter) Incr(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.redis.Pipeline()
	pipe.Incr(ctx, r.key)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incr progress counter: %w", err)
	}
	return nil
}

// Load returns the done count and the total. Missing keys read as zero.
func (r *RedisCounter) Load(ctx context.Context) (done, total int64, err error) {
	done, err = r.redis.Get(ctx, r.key).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("get progress done: %w", err)
	}
	total, err = r.redis.Get(ctx, r.key+":total").Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("get progress total: %w", err)
	}
	return done, total, nil
}

// ProgressLine is the line a LineCounter writes per increment.
const ProgressLine = "progress +1"

// LineCounter writes one line per increment, for a parent process to relay.
type LineCounter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineCounter creates a counter writing to w.
func NewLineCounter(w io.Writer) *LineCounter {
	return &LineCounter{w: w}
}

// Incr writes a progress line.
func (l *LineCounter) Incr(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, ProgressLine+"\n")
	return err
}

// Relay reads lines written by a LineCounter from r and increments c once
// per progress line. Other lines are ignored. It returns when r is exhausted.
func Relay(ctx context.Context, r io.Reader, c Counter) (int64, error) {
	var n int64
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != ProgressLine {
			continue
		}
		if err := c.Incr(ctx); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read progress lines: %w", err)
	}
	return n, nil
}
