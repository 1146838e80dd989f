package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/registral-harvester/pkg/driver"
	"github.com/Sternrassler/registral-harvester/pkg/metrics"
	"github.com/Sternrassler/registral-harvester/pkg/output"
	"github.com/Sternrassler/registral-harvester/pkg/progress"
	"github.com/Sternrassler/registral-harvester/pkg/registry"
	"github.com/Sternrassler/registral-harvester/pkg/scheduler"
)

type fetchFlags struct {
	request     requestFlags
	resume      bool
	runID       string
	unionRegion string
}

func newFetchCmd(a *app) *cobra.Command {
	f := &fetchFlags{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch every chart of a request",
		Long: `Fetch resolves the request into its request space and fetches every
address with the configured strategy. Results are written once the run ends,
also when it ends incomplete. The exit code is 3 when addresses are left
pending and 130 when the run was interrupted.`,
		Example: `  harvester fetch --dates 2020-03-01:2020-06-30 --states all --output deaths.csv
  harvester fetch --dates all --cities Niterói-RJ --strategy partitioned --workers 4 --snapshot run.snap`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runFetch(cmd.Context(), f)
		},
	}

	flags := cmd.Flags()
	f.request.register(flags)
	flags.BoolVar(&f.resume, "resume", false, "resume from the snapshot")
	flags.StringVar(&f.runID, "run-id", "", "run identifier for shared progress (default: random)")
	flags.StringVar(&f.unionRegion, "union-region", "", "sum all locations per day into one record labelled with this region")

	flags.String("strategy", "", "sequential, concurrent or partitioned")
	flags.Int("block-size", 0, "addresses dispatched together; 0 is the whole space")
	flags.Int("concurrency", 0, "in-flight requests per process")
	flags.Int("workers", 0, "worker processes of the partitioned strategy")
	flags.Int("max-block-retries", 0, "give up after this many retries of one block; 0 retries forever")
	flags.String("work-dir", "", "directory for section snapshots of the partitioned strategy")
	flags.String("snapshot", "", "snapshot file for resuming")
	flags.StringP("output", "o", "", "output file or bucket URL; stdout when empty")
	flags.String("format", "", "csv, json, jsonl or parquet; derived from --output when empty")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.Bool("progress-bar", false, "draw a progress bar on stderr")
	a.bind(flags, map[string]string{
		"run.strategy":          "strategy",
		"run.block_size":        "block-size",
		"run.concurrency":       "concurrency",
		"run.workers":           "workers",
		"run.max_block_retries": "max-block-retries",
		"run.work_dir":          "work-dir",
		"snapshot.path":         "snapshot",
		"output.path":           "output",
		"output.format":         "format",
		"metrics.addr":          "metrics-addr",
		"progress.bar":          "progress-bar",
	})
	return cmd
}

func (a *app) runFetch(ctx context.Context, f *fetchFlags) error {
	req, err := f.request.request()
	if err != nil {
		return err
	}

	rdb, err := a.redisClient(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	c, err := a.newClient(rdb)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	defer c.Close()

	table, err := a.cityTable(ctx, c, req)
	if err != nil {
		return err
	}
	now := time.Now()
	sp, err := req.Space(ctx, table, now)
	if err != nil {
		return err
	}

	store, err := a.snapshotStore(rdb)
	if err != nil {
		return err
	}

	runID := f.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := a.logger.With().Str("run_id", runID).Logger()

	strategy, err := scheduler.ParseStrategy(a.cfg.Run.Strategy)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	report := &progress.ReporterConfig{Interval: a.cfg.Progress.Interval}
	if a.cfg.Progress.Bar {
		report.Bar = a.stderr
	}

	cfg := driver.Config[registry.Record]{
		Space:           sp,
		Builder:         c.Builder(),
		Executor:        c,
		Strategy:        strategy,
		BlockSize:       a.cfg.Run.BlockSize,
		Concurrency:     a.cfg.Run.Concurrency,
		Workers:         a.cfg.Run.Workers,
		WorkDir:         a.cfg.Run.WorkDir,
		MaxBlockRetries: a.cfg.Run.MaxBlockRetries,
		Backoff:         a.backoff(),
		Precondition:    c.Precondition,
		Store:           store,
		Resume:          f.resume,
		Report:          report,
		Logger:          &logger,
	}
	if strategy == scheduler.StrategyPartitioned {
		launcher, err := a.workerLauncher(&f.request, req, now)
		if err != nil {
			return err
		}
		cfg.Launcher = launcher
	}

	d, err := driver.New(cfg)
	if err != nil {
		return err
	}

	if addr := a.cfg.Metrics.Addr; addr != "" {
		srv, err := metrics.Start(addr)
		if err != nil {
			return err
		}
		logger.Info().Str("addr", srv.Addr()).Msg("Serving metrics")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	run, err := d.Start(ctx)
	if err != nil {
		return err
	}

	if rdb != nil {
		counter := progress.NewRedisCounter(rdb, a.progressKey(runID), a.cfg.Snapshot.TTL)
		tracker := run.Tracker()
		if err := counter.Init(ctx, tracker.Done(), tracker.Total()); err != nil {
			logger.Warn().Err(err).Msg("Failed to initialise shared progress")
		} else {
			tracker.Mirror(counter)
		}
	}

	var records []registry.Record
	for res := range run.Results() {
		records = append(records, res.Value)
	}
	outcome, runErr := run.Wait()

	// An interrupted run still writes what it has.
	err = a.writeRecords(context.WithoutCancel(ctx), c.Layout(), records, a.cfg.Output.Path, a.cfg.OutputFormat(), f.unionRegion)
	if err != nil {
		return err
	}

	switch outcome {
	case scheduler.Complete:
		return nil
	case scheduler.Interrupted:
		return &exitError{code: exitInterrupted, err: runErr}
	default:
		return &exitError{code: exitIncomplete, err: runErr}
	}
}

// writeRecords sorts records, optionally sums them per day, and writes them
// to dest, or to stdout when dest is empty.
func (a *app) writeRecords(ctx context.Context, layout registry.Layout, records []registry.Record, dest string, format output.Format, unionRegion string) error {
	if unionRegion != "" {
		records = output.Union(records, unionRegion)
	} else {
		output.Sort(records)
	}

	if dest == "" {
		return output.Write(a.stdout, format, layout, records)
	}
	return output.Save(ctx, dest, format, layout, records)
}

// workerLauncher starts worker processes running this binary's worker
// command with the same configuration and request.
func (a *app) workerLauncher(f *requestFlags, req registry.Request, now time.Time) (*scheduler.ExecLauncher, error) {
	reqArgs, err := f.workerArgs(req, now)
	if err != nil {
		return nil, err
	}
	args := []string{"worker"}
	if a.cfgFile != "" {
		args = append(args, "--config", a.cfgFile)
	}
	args = append(args, reqArgs...)

	env := []string{
		"HARVESTER_LOG_LEVEL=" + a.cfg.Log.Level,
		"HARVESTER_LOG_FILE=" + a.cfg.Log.File,
		"HARVESTER_RUN_BLOCK_SIZE=" + strconv.Itoa(a.cfg.Run.BlockSize),
		"HARVESTER_RUN_CONCURRENCY=" + strconv.Itoa(a.cfg.Run.Concurrency),
		"HARVESTER_RUN_MAX_BLOCK_RETRIES=" + strconv.Itoa(a.cfg.Run.MaxBlockRetries),
		"HARVESTER_RUN_RETRY_BACKOFF=" + a.cfg.Run.RetryBackoff.String(),
		"HARVESTER_RUN_MAX_RETRY_BACKOFF=" + a.cfg.Run.MaxRetryBackoff.String(),
		fmt.Sprintf("HARVESTER_LOG_PRETTY=%t", a.cfg.Log.Pretty),
	}
	return &scheduler.ExecLauncher{Args: args, Env: env, Stderr: a.stderr}, nil
}
