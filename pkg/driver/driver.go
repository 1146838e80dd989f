// Package driver wires a request space, a ledger, a progress tracker and a
// scheduler into one run. A run is started once, streams every committed
// result lazily and reports its outcome when it ends.
package driver

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/ledger"
	"github.com/Sternrassler/registral-harvester/pkg/progress"
	"github.com/Sternrassler/registral-harvester/pkg/scheduler"
	"github.com/Sternrassler/registral-harvester/pkg/space"
)

// ErrInvalidConfig is returned for configuration errors detected before any request.
var ErrInvalidConfig = errors.New("invalid run configuration")

// Config describes one run.
type Config[R any] struct {
	Space    *space.Space
	Builder  fetch.Builder
	Executor fetch.Executor[R]

	// Strategy defaults to concurrent.
	Strategy scheduler.StrategyName

	// BlockSize bounds the slots dispatched together; 0 is unbounded.
	// The partitioned strategy always dispatches the whole pending range.
	BlockSize int

	// Concurrency bounds in-flight requests of the concurrent strategy and of
	// every partitioned worker. Defaults to BlockSize.
	Concurrency int

	// Workers is the number of sections of the partitioned strategy.
	Workers int

	// Launcher starts partitioned workers. Defaults to in-process workers.
	Launcher scheduler.Launcher

	// NewSession gives every in-process partitioned worker its own executor
	// and precondition. Without it the workers share Executor and Precondition.
	NewSession func(ctx context.Context, sec scheduler.Section) (scheduler.Session[R], error)

	// WorkDir holds section snapshots of the partitioned strategy.
	WorkDir string

	MaxBlockRetries int
	Backoff         scheduler.BackoffConfig
	Precondition    func(ctx context.Context) error

	// Store persists the ledger. Defaults to NopStore.
	Store ledger.Store

	// Resume restores the ledger from Store before starting.
	Resume bool

	// Progress receives one increment per commit, in addition to the run's tracker.
	Progress progress.Counter

	// Report enables periodic progress reports.
	Report *progress.ReporterConfig

	Logger *zerolog.Logger
}

// Result is one committed address and its result.
type Result[R any] struct {
	Address space.Address
	Value   R
}

// Driver validates a configuration and starts runs from it.
type Driver[R any] struct {
	config Config[R]
	logger zerolog.Logger
}

// New validates cfg.
func New[R any](cfg Config[R]) (*Driver[R], error) {
	if cfg.Space == nil || cfg.Builder == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("%w: space, builder and executor are required", ErrInvalidConfig)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = scheduler.StrategyConcurrent
	}
	if _, err := scheduler.ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.BlockSize < 0 {
		return nil, fmt.Errorf("%w: %w: %d", ErrInvalidConfig, scheduler.ErrInvalidBlockSize, cfg.BlockSize)
	}
	if cfg.Concurrency < 0 {
		return nil, fmt.Errorf("%w: concurrency must not be negative: %d", ErrInvalidConfig, cfg.Concurrency)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("%w: workers must be positive: %d", ErrInvalidConfig, cfg.Workers)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = cfg.BlockSize
	}
	if cfg.Store == nil {
		cfg.Store = ledger.NopStore{}
	}

	logger := log.With().Str("component", "driver").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "driver").Logger()
	}
	return &Driver[R]{config: cfg, logger: logger}, nil
}

// Run is one started run.
type Run[R any] struct {
	ledger  *ledger.Ledger[R]
	tracker *progress.Tracker
	results *queue[Result[R]]

	consumed atomic.Bool
	done     chan struct{}
	outcome  scheduler.Outcome
	err      error
}

// Start builds the ledger, restores it if requested and starts the scheduler
// in the background. Configuration errors, including a snapshot taken over a
// different space, are returned before any request is made.
func (d *Driver[R]) Start(ctx context.Context) (*Run[R], error) {
	cfg := d.config

	l, err := ledger.New[R](cfg.Space, cfg.Builder, ledger.Config{Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Resume {
		if err := d.restore(ctx, l); err != nil {
			return nil, err
		}
	}

	run := &Run[R]{
		ledger:  l,
		tracker: progress.NewTracker(int64(l.Len()), int64(l.CommittedCount())),
		results: newQueue[Result[R]](),
		done:    make(chan struct{}),
	}
	if cfg.Progress != nil {
		run.tracker.Mirror(cfg.Progress)
	}

	for s := range l.Committed() {
		run.results.push(Result[R]{Address: s.Address(), Value: s.Result()})
	}
	l.OnCommit(func(s *ledger.Slot[R]) {
		run.results.push(Result[R]{Address: s.Address(), Value: s.Result()})
	})

	sched, err := d.scheduler(l, run.tracker)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	d.logger.Info().
		Str("strategy", string(cfg.Strategy)).
		Int64("total", cfg.Space.Total()).
		Int("committed", l.CommittedCount()).
		Int("block_size", cfg.BlockSize).
		Msg("Starting run")

	var reporters sync.WaitGroup
	reportCtx, stopReport := context.WithCancel(ctx)
	if cfg.Report != nil {
		reporter := progress.NewReporter(run.tracker, *cfg.Report, d.logger)
		reporters.Add(1)
		go func() {
			defer reporters.Done()
			reporter.Run(reportCtx)
		}()
	}

	go func() {
		defer close(run.done)
		run.tracker.Start()
		run.outcome, run.err = sched.Run(ctx)
		stopReport()
		reporters.Wait()
		run.results.close()

		d.logger.Info().
			Str("outcome", run.outcome.String()).
			Int("committed", l.CommittedCount()).
			Int("pending", l.PendingCount()).
			Float64("success_rate", l.SuccessRate()).
			Msg("Run finished")
	}()

	return run, nil
}

func (d *Driver[R]) restore(ctx context.Context, l *ledger.Ledger[R]) error {
	snap, err := d.config.Store.Load(ctx)
	if errors.Is(err, ledger.ErrNoSnapshot) {
		d.logger.Info().Msg("No snapshot to resume from, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := l.Restore(snap); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	d.logger.Info().
		Int("committed", l.CommittedCount()).
		Int("pending", l.PendingCount()).
		Time("saved_at", snap.SavedAt).
		Msg("Resumed from snapshot")
	return nil
}

func (d *Driver[R]) scheduler(l *ledger.Ledger[R], tracker *progress.Tracker) (*scheduler.Scheduler[R], error) {
	cfg := d.config
	blockSize := cfg.BlockSize

	var strategy scheduler.Strategy[R]
	switch cfg.Strategy {
	case scheduler.StrategySequential:
		strategy = scheduler.NewSequential(l, cfg.Executor, tracker)
	case scheduler.StrategyConcurrent:
		strategy = scheduler.NewConcurrent(l, cfg.Executor, tracker, cfg.Concurrency)
	case scheduler.StrategyPartitioned:
		launcher := cfg.Launcher
		if launcher == nil {
			launcher = &scheduler.InProcessLauncher[R]{Config: scheduler.WorkerConfig[R]{
				Space:           cfg.Space,
				Builder:         cfg.Builder,
				Executor:        cfg.Executor,
				NewSession:      cfg.NewSession,
				Concurrency:     cfg.Concurrency,
				BlockSize:       cfg.BlockSize,
				MaxBlockRetries: cfg.MaxBlockRetries,
				Backoff:         cfg.Backoff,
				Precondition:    cfg.Precondition,
				Logger:          cfg.Logger,
			}}
		}
		p, err := scheduler.NewPartitioned(l, launcher, tracker, scheduler.PartitionedConfig{
			Workers: cfg.Workers,
			WorkDir: cfg.WorkDir,
			Logger:  cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		strategy = p
		blockSize = 0
	}

	// Workers authenticate on their own.
	precondition := cfg.Precondition
	if cfg.Strategy == scheduler.StrategyPartitioned {
		precondition = nil
	}

	return scheduler.New(l, strategy, scheduler.Config{
		BlockSize:       blockSize,
		MaxBlockRetries: cfg.MaxBlockRetries,
		Backoff:         cfg.Backoff,
		Precondition:    precondition,
		Store:           cfg.Store,
		Logger:          cfg.Logger,
	})
}

// Results yields every committed result, including results restored from a
// snapshot, as they become available. The sequence ends when the run ends.
// It can be consumed once; later calls yield nothing.
func (r *Run[R]) Results() iter.Seq[Result[R]] {
	return func(yield func(Result[R]) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			return
		}
		for {
			res, ok := r.results.pop()
			if !ok || !yield(res) {
				return
			}
		}
	}
}

// Wait blocks until the run ends and returns its outcome.
func (r *Run[R]) Wait() (scheduler.Outcome, error) {
	<-r.done
	return r.outcome, r.err
}

// Done is closed when the run ends.
func (r *Run[R]) Done() <-chan struct{} {
	return r.done
}

// Tracker returns the run's progress tracker.
func (r *Run[R]) Tracker() *progress.Tracker {
	return r.tracker
}

// Ledger returns the run's ledger.
func (r *Run[R]) Ledger() *ledger.Ledger[R] {
	return r.ledger
}
