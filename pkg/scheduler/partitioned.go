package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/ledger"
	"github.com/Sternrassler/registral-harvester/pkg/progress"
	"github.com/Sternrassler/registral-harvester/pkg/space"
)

// ErrWorkerIncomplete is returned when a section worker ended with pending slots.
var ErrWorkerIncomplete = errors.New("section worker ended incomplete")

// Section is the contiguous address range handed to one worker.
// Path holds the section snapshot: the worker restores from it and writes
// its final state back to it.
type Section struct {
	Index int           `json:"index"`
	From  space.Address `json:"from"`
	To    space.Address `json:"to"`
	Path  string        `json:"path"`
}

// Launcher runs one section worker to completion. Every slot the worker
// commits must increment progress exactly once.
type Launcher interface {
	Launch(ctx context.Context, section Section, progress progress.Counter) error
}

// PartitionedConfig holds options of the partitioned strategy.
type PartitionedConfig struct {
	// Workers is the number of sections, run concurrently. Defaults to runtime.NumCPU().
	Workers int

	// WorkDir is the parent of the per-block work directory. Defaults to os.TempDir().
	WorkDir string

	// KeepWorkDir leaves section snapshots on disk after merging.
	KeepWorkDir bool

	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// Partitioned splits a block into contiguous sections and runs each in a
// separate worker, then merges the section results back into the ledger.
type Partitioned[R any] struct {
	ledger   *ledger.Ledger[R]
	launcher Launcher
	tracker  *progress.Tracker
	config   PartitionedConfig
	logger   zerolog.Logger
}

// NewPartitioned creates a partitioned strategy. tracker may be nil.
func NewPartitioned[R any](l *ledger.Ledger[R], launcher Launcher, tracker *progress.Tracker, config PartitionedConfig) (*Partitioned[R], error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if config.Workers < 0 {
		return nil, fmt.Errorf("workers must be positive: %d", config.Workers)
	}
	if config.Workers == 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.WorkDir == "" {
		config.WorkDir = os.TempDir()
	}

	logger := log.With().Str("component", "partitioned").Logger()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "partitioned").Logger()
	}
	if config.Workers > runtime.NumCPU() {
		logger.Warn().
			Int("workers", config.Workers).
			Int("cpus", runtime.NumCPU()).
			Msg("More workers than CPUs")
	}

	return &Partitioned[R]{ledger: l, launcher: launcher, tracker: tracker, config: config, logger: logger}, nil
}

// RunBlock partitions the block, runs all workers and merges their sections.
// Every slot a worker left pending is reported as a fatal *SlotError.
func (p *Partitioned[R]) RunBlock(ctx context.Context, block []*ledger.Slot[R]) error {
	if len(block) == 0 {
		return nil
	}

	dir := filepath.Join(p.config.WorkDir, "harvester-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fetch.Fatal(fetch.ErrorClassUnknown, fmt.Errorf("create work directory: %w", err))
	}
	if !p.config.KeepWorkDir {
		defer os.RemoveAll(dir)
	}

	sections, err := p.prepare(ctx, dir, block)
	if err != nil {
		return fetch.Fatal(fetch.ErrorClassUnknown, err)
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
		g      errgroup.Group
	)
	relayed := make([]atomic.Int64, len(sections))
	g.SetLimit(p.config.Workers)

	for i, sec := range sections {
		counter := progress.CounterFunc(func(context.Context) error {
			relayed[i].Add(1)
			if p.tracker != nil {
				p.tracker.Advance()
			}
			return nil
		})

		g.Go(func() error {
			p.logger.Info().
				Int("worker", sec.Index).
				Int64("section_from", sec.From).
				Int64("section_to", sec.To).
				Msg("Starting section worker")

			if err := p.launcher.Launch(ctx, sec, counter); err != nil {
				workersTotal.WithLabelValues("error").Inc()
				p.logger.Warn().Err(err).Int("worker", sec.Index).Msg("Section worker failed")
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("worker %d [%d, %d): %w", sec.Index, sec.From, sec.To, err))
				mu.Unlock()
				return nil
			}
			workersTotal.WithLabelValues("ok").Inc()
			return nil
		})
	}
	g.Wait()

	for i, sec := range sections {
		if err := p.merge(sec, relayed[i].Load()); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	werr := result.ErrorOrNil()
	left := pending(block)
	if len(left) == 0 {
		if werr != nil {
			p.logger.Warn().Err(werr).Msg("Section workers reported errors, block settled anyway")
		}
		return nil
	}

	// Workers retry transient failures themselves, so what they left
	// pending failed fatally.
	p.logger.Error().
		Err(werr).
		Int("pending", len(left)).
		Int("slots", len(block)).
		Msg("Section workers left slots pending")

	var failed *multierror.Error
	for _, slot := range left {
		reason := slot.LastError()
		if reason == "" {
			reason = "no result from worker"
		}
		failed = multierror.Append(failed, &SlotError{
			Address: slot.Address(),
			Err:     fetch.Fatal(fetch.ClassOf(werr), fmt.Errorf("%w: %s", ErrWorkerIncomplete, reason)),
		})
	}
	return failed
}

// prepare splits the block into sections of roughly equal pending count and
// writes one section snapshot per worker.
func (p *Partitioned[R]) prepare(ctx context.Context, dir string, block []*ledger.Slot[R]) ([]Section, error) {
	_, end := p.ledger.Range()
	bounds := Partition(block, p.config.Workers, end)

	sections := make([]Section, 0, len(bounds))
	for i, b := range bounds {
		sec := Section{
			Index: i,
			From:  b[0],
			To:    b[1],
			Path:  filepath.Join(dir, fmt.Sprintf("section-%03d.snapshot", i)),
		}
		snap, err := p.ledger.Section(sec.From, sec.To)
		if err != nil {
			return nil, err
		}
		store, err := ledger.NewFileStore(sec.Path)
		if err != nil {
			return nil, err
		}
		if err := store.Save(ctx, snap); err != nil {
			return nil, fmt.Errorf("write section %d: %w", i, err)
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

// merge folds a section snapshot back into the ledger. Progress already
// relayed by the worker is not counted again; commits the relay missed are.
func (p *Partitioned[R]) merge(sec Section, relayed int64) error {
	store, err := ledger.NewFileStore(sec.Path)
	if err != nil {
		return err
	}
	snap, err := store.Load(context.Background())
	if err != nil {
		return fmt.Errorf("load section %d: %w", sec.Index, err)
	}
	merged, err := p.ledger.Merge(snap)
	if err != nil {
		return fmt.Errorf("merge section %d: %w", sec.Index, err)
	}
	if p.tracker != nil {
		for i := relayed; i < int64(merged); i++ {
			p.tracker.Advance()
		}
	}
	p.logger.Debug().
		Int("worker", sec.Index).
		Int("merged", merged).
		Int64("relayed", relayed).
		Msg("Section merged")
	return nil
}

// Partition splits the pending members of a block, in address order, into at
// most n contiguous address ranges [from, to) with roughly equal member
// counts. The ranges cover the block's span without gaps; end bounds the
// last range.
func Partition[R any](block []*ledger.Slot[R], n int, end space.Address) [][2]space.Address {
	if len(block) == 0 {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	if n > len(block) {
		n = len(block)
	}

	bounds := make([][2]space.Address, 0, n)
	per, extra := len(block)/n, len(block)%n
	i := 0
	for k := 0; k < n; k++ {
		size := per
		if k < extra {
			size++
		}
		from := block[i].Address()
		i += size
		to := block[len(block)-1].Address() + 1
		if i < len(block) {
			to = block[i].Address()
		}
		if to > end {
			to = end
		}
		bounds = append(bounds, [2]space.Address{from, to})
	}
	return bounds
}
