package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/registral-harvester/pkg/progress"
	"github.com/Sternrassler/registral-harvester/pkg/registry"
	"github.com/Sternrassler/registral-harvester/pkg/scheduler"
)

type workerFlags struct {
	request requestFlags
	section scheduler.Section
}

// newWorkerCmd is the command partitioned runs start per section. It writes
// one progress line per commit to stdout and logs to stderr.
func newWorkerCmd(a *app) *cobra.Command {
	f := &workerFlags{}
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Fetch one section of a partitioned run",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWorker(cmd.Context(), f)
		},
	}

	flags := cmd.Flags()
	f.request.register(flags)
	flags.IntVar(&f.section.Index, "section-index", 0, "section number")
	flags.Int64Var(&f.section.From, "section-from", 0, "first address of the section")
	flags.Int64Var(&f.section.To, "section-to", 0, "end of the section, exclusive")
	flags.StringVar(&f.section.Path, "section-path", "", "section snapshot file")
	_ = cmd.MarkFlagRequired("section-to")
	_ = cmd.MarkFlagRequired("section-path")
	return cmd
}

func (a *app) runWorker(ctx context.Context, f *workerFlags) error {
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
	sp, err := req.Space(ctx, table, time.Now())
	if err != nil {
		return err
	}

	concurrency := a.cfg.Run.Concurrency
	if concurrency == 0 {
		concurrency = a.cfg.Run.BlockSize
	}
	logger := a.logger.With().Int("section", f.section.Index).Logger()

	outcome, err := scheduler.RunSection(ctx, scheduler.WorkerConfig[registry.Record]{
		Space:           sp,
		Builder:         c.Builder(),
		Executor:        c,
		Concurrency:     concurrency,
		BlockSize:       a.cfg.Run.BlockSize,
		MaxBlockRetries: a.cfg.Run.MaxBlockRetries,
		Backoff:         a.backoff(),
		Precondition:    c.Precondition,
		Logger:          &logger,
	}, f.section, progress.NewLineCounter(a.stdout))

	switch outcome {
	case scheduler.Complete:
		return err
	case scheduler.Interrupted:
		return &exitError{code: exitInterrupted, err: err}
	default:
		return &exitError{code: exitIncomplete, err: err}
	}
}
