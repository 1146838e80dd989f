package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/ledger"
	"github.com/Sternrassler/registral-harvester/pkg/progress"
	"github.com/Sternrassler/registral-harvester/pkg/space"
)

// ExitIncomplete is the exit code of a worker process that stopped with pending slots.
const ExitIncomplete = 3

// DefaultWaitDelay bounds how long an interrupted worker process may take to
// save its section before it is killed.
const DefaultWaitDelay = 30 * time.Second

// Session is the executor and precondition one worker authenticates with.
type Session[R any] struct {
	Executor     fetch.Executor[R]
	Precondition func(ctx context.Context) error

	// Close releases the session. May be nil.
	Close func() error
}

// WorkerConfig describes how a section worker fetches its slots.
type WorkerConfig[R any] struct {
	Space    *space.Space
	Builder  fetch.Builder
	Executor fetch.Executor[R]

	// NewSession, when set, opens a separate session for every section in
	// place of Executor and Precondition.
	NewSession func(ctx context.Context, sec Section) (Session[R], error)

	// Concurrency bounds in-flight requests of the worker. 1 runs sequentially.
	Concurrency int

	// BlockSize, MaxBlockRetries, Backoff and Precondition configure the
	// worker's own scheduler.
	BlockSize       int
	MaxBlockRetries int
	Backoff         BackoffConfig
	Precondition    func(ctx context.Context) error

	Logger *zerolog.Logger
}

// RunSection restores the section snapshot, fetches every pending slot of the
// section and writes the final state back to the snapshot. Each commit
// increments counter once.
func RunSection[R any](ctx context.Context, cfg WorkerConfig[R], sec Section, counter progress.Counter) (Outcome, error) {
	executor, precondition := cfg.Executor, cfg.Precondition
	if cfg.NewSession != nil {
		sess, err := cfg.NewSession(ctx, sec)
		if err != nil {
			return Incomplete, fmt.Errorf("open session for section %d: %w", sec.Index, err)
		}
		if sess.Close != nil {
			defer sess.Close()
		}
		executor, precondition = sess.Executor, sess.Precondition
	}
	if executor == nil {
		return Incomplete, fmt.Errorf("section %d: executor is required", sec.Index)
	}

	l, err := ledger.New[R](cfg.Space, cfg.Builder, ledger.Config{From: sec.From, To: sec.To, Logger: cfg.Logger})
	if err != nil {
		return Incomplete, err
	}

	store, err := ledger.NewFileStore(sec.Path)
	if err != nil {
		return Incomplete, err
	}
	snap, err := store.Load(ctx)
	switch {
	case err == nil:
		if err := l.Restore(snap); err != nil {
			return Incomplete, fmt.Errorf("restore section %d: %w", sec.Index, err)
		}
	case errors.Is(err, ledger.ErrNoSnapshot):
	default:
		return Incomplete, err
	}

	tracker := progress.NewTracker(int64(l.Len()), int64(l.CommittedCount()))
	if counter != nil {
		tracker.Mirror(counter)
	}

	var strategy Strategy[R]
	if cfg.Concurrency == 1 {
		strategy = NewSequential(l, executor, tracker)
	} else {
		strategy = NewConcurrent(l, executor, tracker, cfg.Concurrency)
	}

	logger := cfg.Logger
	if logger != nil {
		child := logger.With().Int("worker", sec.Index).Logger()
		logger = &child
	}
	sched, err := New(l, strategy, Config{
		BlockSize:       cfg.BlockSize,
		MaxBlockRetries: cfg.MaxBlockRetries,
		Backoff:         cfg.Backoff,
		Precondition:    precondition,
		Store:           store,
		Logger:          logger,
	})
	if err != nil {
		return Incomplete, err
	}
	return sched.Run(ctx)
}

// InProcessLauncher runs section workers as goroutines of the current process.
// Workers share Config.Executor, and with it its session, unless
// Config.NewSession is set.
type InProcessLauncher[R any] struct {
	Config WorkerConfig[R]
}

// Launch runs the section and fails unless it completed.
func (l *InProcessLauncher[R]) Launch(ctx context.Context, sec Section, counter progress.Counter) error {
	outcome, err := RunSection(ctx, l.Config, sec, counter)
	if err != nil {
		return err
	}
	if outcome != Complete {
		return fmt.Errorf("%w: %s", ErrWorkerIncomplete, outcome)
	}
	return nil
}

// ExecLauncher runs each section worker as a child process. The command is
// Path with Args followed by the section flags; the child writes progress
// lines to stdout and logs to stderr.
type ExecLauncher struct {
	// Path of the executable. Defaults to the running binary.
	Path string

	// Args precede the section flags, e.g. global flags and the worker command.
	Args []string

	// Env is appended to the current environment.
	Env []string

	// Stderr receives worker logs. Defaults to os.Stderr.
	Stderr io.Writer

	// WaitDelay is how long a worker may run after it was interrupted.
	// Defaults to DefaultWaitDelay.
	WaitDelay time.Duration
}

// SectionArgs renders the flags a worker process needs to find its section.
func SectionArgs(sec Section) []string {
	return []string{
		"--section-index", strconv.Itoa(sec.Index),
		"--section-from", strconv.FormatInt(sec.From, 10),
		"--section-to", strconv.FormatInt(sec.To, 10),
		"--section-path", sec.Path,
	}
}

// Launch starts the worker process, relays its progress and waits for it.
// Cancelling ctx sends the worker an interrupt so it saves its section
// before exiting; it is killed only after WaitDelay.
func (e *ExecLauncher) Launch(ctx context.Context, sec Section, counter progress.Counter) error {
	path := e.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		path = self
	}

	args := append(append([]string{}, e.Args...), SectionArgs(sec)...)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Stderr = os.Stderr
	if e.Stderr != nil {
		cmd.Stderr = e.Stderr
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	if counter == nil {
		counter = progress.CounterFunc(func(context.Context) error { return nil })
	}
	// Keep relaying after cancellation: the worker still reports the
	// commits it makes while winding down.
	_, relayErr := progress.Relay(context.WithoutCancel(ctx), stdout, counter)
	waitErr := cmd.Wait()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == ExitIncomplete {
			return fmt.Errorf("%w: exit code %d", ErrWorkerIncomplete, ExitIncomplete)
		}
		return fmt.Errorf("worker process: %w", waitErr)
	}
	if relayErr != nil {
		return relayErr
	}
	return nil
}
