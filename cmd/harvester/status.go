package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/registral-harvester/pkg/ledger"
	"github.com/Sternrassler/registral-harvester/pkg/progress"
)

type statusFlags struct {
	runID    string
	snapshot string
}

func newStatusCmd(a *app) *cobra.Command {
	f := &statusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the progress of a run",
		Long: `Status reads the shared progress counter of a running fetch from Redis
(--run-id) and the committed count of its snapshot.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStatus(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run identifier passed to fetch")
	cmd.Flags().StringVar(&f.snapshot, "snapshot", "", "snapshot file (default: snapshot.path)")
	return cmd
}

func (a *app) runStatus(ctx context.Context, f *statusFlags) error {
	rdb, err := a.redisClient(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	shown := false
	if f.runID != "" {
		if rdb == nil {
			return &exitError{code: exitConfig, err: errors.New("--run-id needs redis.addr")}
		}
		done, total, err := progress.NewRedisCounter(rdb, a.progressKey(f.runID), 0).Load(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "run %s: %s\n", f.runID, progressLine(done, total))
		shown = true
	}

	var store ledger.Store
	if f.snapshot != "" {
		fs, err := ledger.NewFileStore(f.snapshot)
		if err != nil {
			return err
		}
		store = fs
	} else if store, err = a.snapshotStore(rdb); err != nil {
		return err
	}
	if _, nop := store.(ledger.NopStore); !nop {
		snap, err := store.Load(ctx)
		switch {
		case errors.Is(err, ledger.ErrNoSnapshot):
			fmt.Fprintln(a.stdout, "snapshot: none")
		case err != nil:
			return err
		default:
			fmt.Fprintf(a.stdout, "snapshot: %s, saved %s\n",
				progressLine(int64(snap.Committed()), snap.To-snap.From),
				snap.SavedAt.Format("2006-01-02 15:04:05"))
		}
		shown = true
	}

	if !shown {
		return &exitError{code: exitConfig, err: errors.New("nothing to show: pass --run-id or configure a snapshot")}
	}
	return nil
}

func progressLine(done, total int64) string {
	ratio := 0.0
	if total > 0 {
		ratio = float64(done) / float64(total)
	}
	return fmt.Sprintf("%d/%d %s %.1f%%", done, total, progress.Bar(ratio), ratio*100)
}
