package main

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sternrassler/registral-harvester/internal/config"
	"github.com/Sternrassler/registral-harvester/pkg/client"
	"github.com/Sternrassler/registral-harvester/pkg/ledger"
	"github.com/Sternrassler/registral-harvester/pkg/logging"
	"github.com/Sternrassler/registral-harvester/pkg/ratelimit"
	"github.com/Sternrassler/registral-harvester/pkg/scheduler"
)

// app holds state shared by all commands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config

	logger   zerolog.Logger
	closeLog func() error

	stdout io.Writer
	stderr io.Writer
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		v:        config.New(),
		closeLog: func() error { return nil },
		stdout:   stdout,
		stderr:   stderr,
	}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Bulk-fetch death registration charts from the civil registry portal",
		Long: `harvester enumerates every combination of date, location, place and
gender of a request and fetches the matching chart from the civil registry
transparency portal. Runs can be resumed from a snapshot and spread across
worker processes.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.closeLog()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Bool("log-pretty", false, "human-readable console logs")
	flags.String("log-file", "", "also write warnings and errors to this file")
	a.bind(flags, map[string]string{
		"log.level":  "log-level",
		"log.pretty": "log-pretty",
		"log.file":   "log-file",
	})

	cmd.AddCommand(
		newFetchCmd(a),
		newWorkerCmd(a),
		newStatusCmd(a),
		newCitiesCmd(a),
		newMergeCmd(a),
	)
	return cmd
}

// bind maps config keys to flags. A flag only overrides the config when set.
func (a *app) bind(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func (a *app) init() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	a.cfg = cfg

	logger, closeLog, err := logging.Setup(logging.Config{
		Level:     logging.LogLevel(cfg.Log.Level),
		Pretty:    cfg.Log.Pretty,
		Output:    a.stderr,
		File:      cfg.Log.File,
		FileLevel: logging.LevelWarn,
	})
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	a.logger = logger.With().Str("component", "cli").Logger()
	a.closeLog = closeLog
	return nil
}

// redisClient connects to Redis when configured. It returns nil otherwise.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.cfg.Redis.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.logger.Debug().Str("addr", a.cfg.Redis.Addr).Msg("Connected to Redis")
	return rdb, nil
}

func (a *app) newClient(rdb *redis.Client) (*client.Client, error) {
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerSecond = a.cfg.API.RateLimit
	if a.cfg.API.Burst > 0 {
		rl.Burst = a.cfg.API.Burst
	}

	cfg := client.Config{
		BaseURL:   a.cfg.API.BaseURL,
		UserAgent: a.cfg.API.UserAgent,
		Timeout:   a.cfg.API.Timeout,
		RateLimit: rl,
		Redis:     rdb,
		CacheTTL:  a.cfg.API.CacheTTL,
	}
	if n := a.cfg.API.MaxRetries; n > 0 {
		cfg.Retry = client.RetryConfig{
			MaxAttempts:       n,
			InitialBackoff:    a.cfg.Run.RetryBackoff,
			MaxBackoff:        a.cfg.Run.MaxRetryBackoff,
			BackoffMultiplier: 2,
		}
	}
	return client.New(cfg)
}

// snapshotStore picks Redis when a snapshot key is configured, then a file,
// then no persistence.
func (a *app) snapshotStore(rdb *redis.Client) (ledger.Store, error) {
	switch {
	case a.cfg.Snapshot.RedisKey != "" && rdb != nil:
		return ledger.NewRedisStore(rdb, a.cfg.Snapshot.RedisKey, a.cfg.Snapshot.TTL), nil
	case a.cfg.Snapshot.Path != "":
		return ledger.NewFileStore(a.cfg.Snapshot.Path)
	default:
		return ledger.NopStore{}, nil
	}
}

func (a *app) backoff() scheduler.BackoffConfig {
	b := scheduler.DefaultBackoffConfig()
	b.InitialBackoff = a.cfg.Run.RetryBackoff
	b.MaxBackoff = a.cfg.Run.MaxRetryBackoff
	return b
}

// progressKey is the Redis key of a run's shared progress counter.
func (a *app) progressKey(runID string) string {
	return a.cfg.Progress.RedisKey + ":" + runID
}
