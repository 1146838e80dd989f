// Package scheduler drives a ledger to completion in blocks. Each block of
// pending slots is dispatched to an execution strategy; members that are still
// pending afterwards are re-dispatched after a backoff until the block
// settles or the context is cancelled. A slot that fails fatally is left
// pending and never dispatched again in the same run, while every other slot
// is still fetched. The ledger is persisted after every settled block.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/ledger"
	"github.com/Sternrassler/registral-harvester/pkg/space"
)

// DefaultBlockSize is the number of slots dispatched together.
const DefaultBlockSize = 1024

var (
	// ErrInvalidBlockSize is returned for a negative block size.
	ErrInvalidBlockSize = errors.New("block size must not be negative")

	// ErrRetriesExhausted is returned when a block did not settle within MaxBlockRetries.
	ErrRetriesExhausted = errors.New("block retries exhausted")
)

// Outcome is the final state of a run.
type Outcome int

const (
	// Complete means every slot committed.
	Complete Outcome = iota

	// Incomplete means the run ended with slots that failed fatally, or
	// stopped on a failure that is not tied to a slot.
	Incomplete

	// Interrupted means the run was cancelled.
	Interrupted
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case Incomplete:
		return "incomplete"
	case Interrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Strategy executes the slots of one block. It must commit or fail every slot
// it attempts through the ledger and advance progress once per commit.
// Fatal failures of single slots are returned as *SlotError, combined with
// multierror when there are several; the rest of the block still runs.
// Any other fatal error stops the run.
type Strategy[R any] interface {
	RunBlock(ctx context.Context, block []*ledger.Slot[R]) error
}

// SlotError is a fatal failure of one address.
type SlotError struct {
	Address space.Address
	Err     error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("address %d: %v", e.Address, e.Err)
}

func (e *SlotError) Unwrap() error {
	return e.Err
}

// Config holds scheduler options.
type Config struct {
	// BlockSize bounds the slots dispatched together. 0 means unbounded.
	BlockSize int

	// MaxBlockRetries stops the run when a block has not settled after this
	// many re-dispatches. 0 retries forever.
	MaxBlockRetries int

	// Backoff controls the wait between re-dispatches.
	Backoff BackoffConfig

	// Precondition runs before every dispatch, for example to renew a session.
	// It must be idempotent. An error aborts the run.
	Precondition func(ctx context.Context) error

	// Store receives a snapshot after every settled block. Defaults to NopStore.
	Store ledger.Store

	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// Scheduler runs the block loop over a ledger.
type Scheduler[R any] struct {
	ledger   *ledger.Ledger[R]
	strategy Strategy[R]
	config   Config
	logger   zerolog.Logger

	failed map[space.Address]bool
	causes *multierror.Error
}

// New creates a scheduler.
func New[R any](l *ledger.Ledger[R], strategy Strategy[R], config Config) (*Scheduler[R], error) {
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if strategy == nil {
		return nil, fmt.Errorf("strategy is required")
	}
	if config.BlockSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, config.BlockSize)
	}
	if config.MaxBlockRetries < 0 {
		return nil, fmt.Errorf("max block retries must not be negative: %d", config.MaxBlockRetries)
	}
	if config.Store == nil {
		config.Store = ledger.NopStore{}
	}

	logger := log.With().Str("component", "scheduler").Logger()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "scheduler").Logger()
	}

	return &Scheduler[R]{
		ledger:   l,
		strategy: strategy,
		config:   config,
		logger:   logger,
		failed:   make(map[space.Address]bool),
	}, nil
}

// Run dispatches blocks until every pending slot either committed or failed
// fatally. Fatal slot failures make the outcome Incomplete; the returned
// error collects their causes.
func (s *Scheduler[R]) Run(ctx context.Context) (Outcome, error) {
	start := time.Now()
	s.logger.Info().
		Int("slots", s.ledger.Len()).
		Int("pending", s.ledger.PendingCount()).
		Int("block_size", s.config.BlockSize).
		Msg("Starting fetch run")

	for block := 0; ; block++ {
		if err := ctx.Err(); err != nil {
			return s.interrupt(block, err)
		}

		members := s.collect()
		if len(members) == 0 {
			if len(s.failed) > 0 {
				s.logger.Error().
					Err(s.causes).
					Int("blocks", block).
					Int("failed", len(s.failed)).
					Int("committed", s.ledger.CommittedCount()).
					Dur("duration", time.Since(start)).
					Msg("Fetch run incomplete")
				return Incomplete, s.causes.ErrorOrNil()
			}
			s.logger.Info().
				Int("blocks", block).
				Int("committed", s.ledger.CommittedCount()).
				Dur("duration", time.Since(start)).
				Msg("Fetch run complete")
			return Complete, nil
		}

		if outcome, err := s.settle(ctx, block, members); err != nil {
			return outcome, err
		}
		s.save(ctx, block)
	}
}

// settle dispatches a block until each member committed or failed fatally.
func (s *Scheduler[R]) settle(ctx context.Context, block int, members []*ledger.Slot[R]) (Outcome, error) {
	for attempt := 1; ; attempt++ {
		if s.config.Precondition != nil {
			if err := s.config.Precondition(ctx); err != nil {
				if ctx.Err() != nil {
					return s.interrupt(block, ctx.Err())
				}
				blocksTotal.WithLabelValues("fatal").Inc()
				return s.abort(block, fmt.Errorf("precondition: %w", err))
			}
		}

		s.logger.Debug().
			Int("block", block).
			Int("attempt", attempt).
			Int("slots", len(members)).
			Msg("Dispatching block")

		err := s.strategy.RunBlock(ctx, members)
		if ctx.Err() != nil {
			return s.interrupt(block, ctx.Err())
		}
		if rest := s.record(err); rest != nil {
			if fetch.IsFatal(rest) {
				blocksTotal.WithLabelValues("fatal").Inc()
				return s.abort(block, rest)
			}
			s.logger.Warn().Err(rest).Int("block", block).Int("attempt", attempt).Msg("Block dispatch failed")
		}

		members = s.unsettled(members)
		if len(members) == 0 {
			blocksTotal.WithLabelValues("settled").Inc()
			blockAttempts.Observe(float64(attempt))
			return Complete, nil
		}

		if s.config.MaxBlockRetries > 0 && attempt > s.config.MaxBlockRetries {
			blocksTotal.WithLabelValues("exhausted").Inc()
			return s.abort(block, fmt.Errorf("%w: block %d still has %d pending slots after %d attempts",
				ErrRetriesExhausted, block, len(members), attempt))
		}

		wait := s.config.Backoff.Jittered(attempt)
		blockBackoffSeconds.Observe(wait.Seconds())
		s.logger.Info().
			Int("block", block).
			Int("attempt", attempt).
			Int("pending", len(members)).
			Dur("backoff", wait).
			Msg("Retrying pending block members")

		select {
		case <-ctx.Done():
			return s.interrupt(block, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (s *Scheduler[R]) abort(block int, err error) (Outcome, error) {
	s.logger.Error().
		Err(err).
		Int("block", block).
		Str("error_class", string(fetch.ClassOf(err))).
		Int("committed", s.ledger.CommittedCount()).
		Int("pending", s.ledger.PendingCount()).
		Msg("Fetch run stopped")
	s.save(context.Background(), block)
	if s.causes != nil {
		return Incomplete, multierror.Append(s.causes, err)
	}
	return Incomplete, err
}

func (s *Scheduler[R]) interrupt(block int, err error) (Outcome, error) {
	blocksTotal.WithLabelValues("interrupted").Inc()
	s.logger.Warn().
		Int("block", block).
		Int("committed", s.ledger.CommittedCount()).
		Int("pending", s.ledger.PendingCount()).
		Msg("Fetch run interrupted")
	s.save(context.Background(), block)
	return Interrupted, err
}

func (s *Scheduler[R]) save(ctx context.Context, block int) {
	snap, err := s.ledger.Snapshot()
	if err != nil {
		s.logger.Error().Err(err).Int("block", block).Msg("Failed to build snapshot")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.config.Store.Save(ctx, snap); err != nil {
		s.logger.Error().Err(err).Int("block", block).Msg("Failed to save snapshot")
		return
	}
	s.logger.Debug().Int("block", block).Int("committed", snap.Committed()).Msg("Snapshot saved")
}

// collect gathers the next block: pending slots that have not failed fatally.
func (s *Scheduler[R]) collect() []*ledger.Slot[R] {
	var out []*ledger.Slot[R]
	for slot := range s.ledger.Pending() {
		if s.failed[slot.Address()] {
			continue
		}
		out = append(out, slot)
		if s.config.BlockSize > 0 && len(out) >= s.config.BlockSize {
			break
		}
	}
	return out
}

// record marks the addresses of fatal slot errors as failed and returns the
// errors that are not tied to a slot.
func (s *Scheduler[R]) record(err error) error {
	if err == nil {
		return nil
	}
	errs := []error{err}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.WrappedErrors()
	}

	var rest *multierror.Error
	for _, e := range errs {
		var se *SlotError
		if errors.As(e, &se) && fetch.IsFatal(se) {
			if !s.failed[se.Address] {
				s.failed[se.Address] = true
				s.causes = multierror.Append(s.causes, se)
				slotsFailedTotal.Inc()
			}
			continue
		}
		rest = multierror.Append(rest, e)
	}
	return rest.ErrorOrNil()
}

func (s *Scheduler[R]) unsettled(members []*ledger.Slot[R]) []*ledger.Slot[R] {
	out := members[:0:0]
	for _, m := range members {
		if !m.Success() && !s.failed[m.Address()] {
			out = append(out, m)
		}
	}
	return out
}

func pending[R any](members []*ledger.Slot[R]) []*ledger.Slot[R] {
	out := members[:0:0]
	for _, m := range members {
		if !m.Success() {
			out = append(out, m)
		}
	}
	return out
}
