// Package config loads harvester configuration via Viper from an optional
// file, HARVESTER_ environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/registral-harvester/pkg/output"
	"github.com/Sternrassler/registral-harvester/pkg/registry"
	"github.com/Sternrassler/registral-harvester/pkg/scheduler"
)

// EnvPrefix prefixes every environment variable, e.g. HARVESTER_RUN_WORKERS.
const EnvPrefix = "HARVESTER"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config captures all configuration knobs.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	API      APIConfig      `mapstructure:"api"`
	Run      RunConfig      `mapstructure:"run"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Output   OutputConfig   `mapstructure:"output"`
	Progress ProgressConfig `mapstructure:"progress"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Cities   CitiesConfig   `mapstructure:"cities"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	File   string `mapstructure:"file"`
}

// APIConfig configures the portal client.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`

	// MaxRetries are in-request attempts; 0 keeps the per-class defaults.
	MaxRetries int           `mapstructure:"max_retries"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// RunConfig configures the scheduler.
type RunConfig struct {
	Strategy        string        `mapstructure:"strategy"`
	BlockSize       int           `mapstructure:"block_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	Workers         int           `mapstructure:"workers"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
	MaxBlockRetries int           `mapstructure:"max_block_retries"`
	WorkDir         string        `mapstructure:"work_dir"`
}

// SnapshotConfig selects where the ledger is persisted. RedisKey wins over
// Path when Redis is configured.
type SnapshotConfig struct {
	Path     string        `mapstructure:"path"`
	RedisKey string        `mapstructure:"redis_key"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RedisConfig enables the shared cache, cool-down, progress and snapshots.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// OutputConfig configures where results go. An empty Path writes to stdout.
type OutputConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

// ProgressConfig configures progress reporting.
type ProgressConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Bar      bool          `mapstructure:"bar"`

	// RedisKey prefixes the shared progress counter; the run ID is appended.
	RedisKey string `mapstructure:"redis_key"`
}

// MetricsConfig enables the /metrics endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// CitiesConfig locates the city table.
type CitiesConfig struct {
	Path string `mapstructure:"path"`
}

// New returns a Viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads path, if set, into v and returns the validated configuration.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
	v.SetDefault("api.base_url", registry.DefaultBaseURL)
	v.SetDefault("api.user_agent", "")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.rate_limit", 10.0)
	v.SetDefault("api.burst", 10)
	v.SetDefault("api.max_retries", 0)
	v.SetDefault("api.cache_ttl", "0s")
	v.SetDefault("run.strategy", string(scheduler.StrategyConcurrent))
	v.SetDefault("run.block_size", 50)
	v.SetDefault("run.concurrency", 0)
	v.SetDefault("run.workers", 0)
	v.SetDefault("run.retry_backoff", "1s")
	v.SetDefault("run.max_retry_backoff", "60s")
	v.SetDefault("run.max_block_retries", 0)
	v.SetDefault("run.work_dir", "")
	v.SetDefault("snapshot.path", "")
	v.SetDefault("snapshot.redis_key", "")
	v.SetDefault("snapshot.ttl", "168h")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("output.path", "")
	v.SetDefault("output.format", "")
	v.SetDefault("progress.interval", "5s")
	v.SetDefault("progress.bar", false)
	v.SetDefault("progress.redis_key", "harvester:progress")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("cities.path", "data/cities.csv")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, err := scheduler.ParseStrategy(c.Run.Strategy); err != nil {
		return fmt.Errorf("%w: run.strategy: %w", ErrInvalid, err)
	}
	if c.Run.BlockSize < 0 {
		return fmt.Errorf("%w: run.block_size must be >= 0", ErrInvalid)
	}
	if c.Run.Concurrency < 0 {
		return fmt.Errorf("%w: run.concurrency must be >= 0", ErrInvalid)
	}
	if c.Run.Workers < 0 {
		return fmt.Errorf("%w: run.workers must be >= 0", ErrInvalid)
	}
	if c.Run.MaxBlockRetries < 0 {
		return fmt.Errorf("%w: run.max_block_retries must be >= 0", ErrInvalid)
	}
	if c.Run.RetryBackoff <= 0 || c.Run.MaxRetryBackoff < c.Run.RetryBackoff {
		return fmt.Errorf("%w: run.retry_backoff must be > 0 and <= run.max_retry_backoff", ErrInvalid)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("%w: api.timeout must be > 0", ErrInvalid)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("%w: api.rate_limit must be >= 0", ErrInvalid)
	}
	if c.API.CacheTTL < 0 {
		return fmt.Errorf("%w: api.cache_ttl must be >= 0", ErrInvalid)
	}
	if c.Output.Format != "" {
		if _, err := output.ParseFormat(c.Output.Format); err != nil {
			return fmt.Errorf("%w: output.format: %w", ErrInvalid, err)
		}
	}
	if c.Snapshot.RedisKey != "" && c.Redis.Addr == "" {
		return fmt.Errorf("%w: snapshot.redis_key needs redis.addr", ErrInvalid)
	}
	return nil
}

// OutputFormat returns the configured format, derived from the output path
// when not set.
func (c Config) OutputFormat() output.Format {
	if c.Output.Format != "" {
		f, _ := output.ParseFormat(c.Output.Format)
		return f
	}
	return output.FormatFromPath(c.Output.Path, output.FormatJSONL)
}
