package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/ledger"
	"github.com/Sternrassler/registral-harvester/pkg/progress"
)

// StrategyName selects an execution strategy.
type StrategyName string

const (
	StrategySequential  StrategyName = "sequential"
	StrategyConcurrent  StrategyName = "concurrent"
	StrategyPartitioned StrategyName = "partitioned"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (StrategyName, error) {
	switch StrategyName(name) {
	case StrategySequential, StrategyConcurrent, StrategyPartitioned:
		return StrategyName(name), nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want sequential, concurrent or partitioned)", name)
	}
}

// executeSlot performs one slot. Transient failures are recorded on the slot
// and swallowed; fatal failures are recorded and returned as *SlotError.
func executeSlot[R any](ctx context.Context, l *ledger.Ledger[R], exec fetch.Executor[R], tracker *progress.Tracker, s *ledger.Slot[R]) error {
	q, err := l.Query(s)
	if err != nil {
		if !fetch.IsFatal(err) {
			err = fetch.Fatal(fetch.ErrorClassClient, err)
		}
		l.Fail(s, err)
		return &SlotError{Address: s.Address(), Err: err}
	}

	result, err := exec.Execute(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			// abandoned, not a failed attempt
			return nil
		}
		l.Fail(s, err)
		if fetch.IsFatal(err) {
			return &SlotError{Address: s.Address(), Err: err}
		}
		return nil
	}

	ok, err := l.Commit(s, result)
	if err != nil {
		return &SlotError{Address: s.Address(), Err: fetch.Fatal(fetch.ErrorClassUnknown, err)}
	}
	if ok && tracker != nil {
		tracker.Advance()
	}
	return nil
}

// Sequential executes the slots of a block one at a time, in address order.
type Sequential[R any] struct {
	ledger   *ledger.Ledger[R]
	executor fetch.Executor[R]
	tracker  *progress.Tracker
}

// NewSequential creates a sequential strategy. tracker may be nil.
func NewSequential[R any](l *ledger.Ledger[R], exec fetch.Executor[R], tracker *progress.Tracker) *Sequential[R] {
	return &Sequential[R]{ledger: l, executor: exec, tracker: tracker}
}

// RunBlock executes the block. Fatal slot failures are collected and
// returned once every member was attempted.
func (s *Sequential[R]) RunBlock(ctx context.Context, block []*ledger.Slot[R]) error {
	var failed *multierror.Error
	for _, slot := range block {
		if err := ctx.Err(); err != nil {
			return err
		}
		if slot.Success() {
			continue
		}
		if err := executeSlot(ctx, s.ledger, s.executor, s.tracker, slot); err != nil {
			failed = multierror.Append(failed, err)
		}
	}
	return failed.ErrorOrNil()
}

// Concurrent executes every slot of a block in its own goroutine, with at
// most Limit requests in flight.
type Concurrent[R any] struct {
	ledger   *ledger.Ledger[R]
	executor fetch.Executor[R]
	tracker  *progress.Tracker
	limit    int
}

// NewConcurrent creates a concurrent strategy. A limit of zero or less
// admits the whole block at once. tracker may be nil.
func NewConcurrent[R any](l *ledger.Ledger[R], exec fetch.Executor[R], tracker *progress.Tracker, limit int) *Concurrent[R] {
	return &Concurrent[R]{ledger: l, executor: exec, tracker: tracker, limit: limit}
}

// RunBlock executes the block and waits for every task. Fatal slot failures
// are collected and returned once all tasks finished.
func (c *Concurrent[R]) RunBlock(ctx context.Context, block []*ledger.Slot[R]) error {
	limit := c.limit
	if limit <= 0 || limit > len(block) {
		limit = len(block)
	}
	if limit == 0 {
		return nil
	}
	gate := semaphore.NewWeighted(int64(limit))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed *multierror.Error
	)
	for _, slot := range block {
		if slot.Success() {
			continue
		}
		if err := gate.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(slot *ledger.Slot[R]) {
			defer wg.Done()
			defer gate.Release(1)
			if err := executeSlot(ctx, c.ledger, c.executor, c.tracker, slot); err != nil {
				mu.Lock()
				failed = multierror.Append(failed, err)
				mu.Unlock()
			}
		}(slot)
	}
	wg.Wait()

	if err := failed.ErrorOrNil(); err != nil {
		return err
	}
	return ctx.Err()
}
