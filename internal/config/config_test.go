package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/registral-harvester/pkg/output"
	"github.com/Sternrassler/registral-harvester/pkg/registry"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, registry.DefaultBaseURL, cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "concurrent", cfg.Run.Strategy)
	assert.Equal(t, 50, cfg.Run.BlockSize)
	assert.Equal(t, time.Second, cfg.Run.RetryBackoff)
	assert.Equal(t, time.Minute, cfg.Run.MaxRetryBackoff)
	assert.Equal(t, 168*time.Hour, cfg.Snapshot.TTL)
	assert.Equal(t, 5*time.Second, cfg.Progress.Interval)
	assert.Equal(t, "data/cities.csv", cfg.Cities.Path)
	assert.Equal(t, output.FormatJSONL, cfg.OutputFormat())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	data := `
log:
  level: debug
run:
  strategy: partitioned
  workers: 4
  block_size: 0
  retry_backoff: 2s
api:
  rate_limit: 2.5
  cache_ttl: 10m
output:
  path: out/results.csv
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "partitioned", cfg.Run.Strategy)
	assert.Equal(t, 4, cfg.Run.Workers)
	assert.Equal(t, 0, cfg.Run.BlockSize)
	assert.Equal(t, 2*time.Second, cfg.Run.RetryBackoff)
	assert.Equal(t, 2.5, cfg.API.RateLimit)
	assert.Equal(t, 10*time.Minute, cfg.API.CacheTTL)
	assert.Equal(t, output.FormatCSV, cfg.OutputFormat())
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("HARVESTER_RUN_WORKERS", "7")
	t.Setenv("HARVESTER_REDIS_ADDR", "localhost:6380")
	t.Setenv("HARVESTER_OUTPUT_FORMAT", "parquet")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Run.Workers)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr)
	assert.Equal(t, output.FormatParquet, cfg.OutputFormat())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Run.Strategy = "parallel" }},
		{"negative block size", func(c *Config) { c.Run.BlockSize = -1 }},
		{"negative workers", func(c *Config) { c.Run.Workers = -2 }},
		{"negative block retries", func(c *Config) { c.Run.MaxBlockRetries = -1 }},
		{"backoff above max", func(c *Config) { c.Run.RetryBackoff = 2 * time.Minute }},
		{"zero timeout", func(c *Config) { c.API.Timeout = 0 }},
		{"negative rate", func(c *Config) { c.API.RateLimit = -1 }},
		{"unknown format", func(c *Config) { c.Output.Format = "xlsx" }},
		{"redis snapshot without redis", func(c *Config) { c.Snapshot.RedisKey = "harvester:snap" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "error %v does not wrap ErrInvalid", err)
		})
	}
}
