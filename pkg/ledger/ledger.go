// Package ledger keeps one request slot per address of a request space and
// records which of them have been committed. The ledger is the unit of
// persistence: it can be snapshotted between blocks and restored after a
// crash, so a run resumes where it stopped.
package ledger

import (
	"errors"
	"fmt"
	"iter"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/space"
)

var (
	// ErrConflictingCommit is returned when a committed slot receives a different result.
	ErrConflictingCommit = errors.New("slot already committed with a different result")

	// ErrForeignSlot is returned when a slot does not belong to the ledger.
	ErrForeignSlot = errors.New("slot does not belong to this ledger")

	// ErrInvalidRange is returned for an empty or out-of-space address range.
	ErrInvalidRange = errors.New("invalid address range")
)

// Config holds ledger construction options.
type Config struct {
	// From and To bound the addresses the ledger covers: [From, To).
	// Both zero means the whole space.
	From space.Address
	To   space.Address

	// Logger receives failure reasons. Defaults to the global logger.
	Logger *zerolog.Logger
}

// Ledger is the ordered collection of request slots over an address range.
// Commit and Fail are safe for concurrent use.
type Ledger[R any] struct {
	mu        sync.RWMutex
	space     *space.Space
	codec     space.Codec
	builder   fetch.Builder
	from, to  space.Address
	slots     []Slot[R]
	committed int
	onCommit  func(*Slot[R])
	logger    zerolog.Logger
}

// New creates a ledger with every slot pending.
func New[R any](sp *space.Space, builder fetch.Builder, cfg Config) (*Ledger[R], error) {
	if sp == nil {
		return nil, fmt.Errorf("space is required")
	}
	if builder == nil {
		return nil, fmt.Errorf("builder is required")
	}

	from, to := cfg.From, cfg.To
	if from == 0 && to == 0 {
		to = sp.Total()
	}
	if from < 0 || to > sp.Total() || from >= to {
		return nil, fmt.Errorf("%w: [%d, %d) in space of %d", ErrInvalidRange, from, to, sp.Total())
	}

	logger := log.With().Str("component", "ledger").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "ledger").Logger()
	}

	l := &Ledger[R]{
		space:   sp,
		codec:   sp.Codec(),
		builder: builder,
		from:    from,
		to:      to,
		slots:   make([]Slot[R], to-from),
		logger:  logger,
	}
	for i := range l.slots {
		l.slots[i].address = from + space.Address(i)
		l.slots[i].ledger = l
	}
	return l, nil
}

// Space returns the request space of the ledger.
func (l *Ledger[R]) Space() *space.Space {
	return l.space
}

// Range returns the covered addresses as [from, to).
func (l *Ledger[R]) Range() (space.Address, space.Address) {
	return l.from, l.to
}

// Len returns the number of slots.
func (l *Ledger[R]) Len() int {
	return len(l.slots)
}

// CommittedCount returns the number of committed slots.
func (l *Ledger[R]) CommittedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.committed
}

// PendingCount returns the number of slots not yet committed.
func (l *Ledger[R]) PendingCount() int {
	return l.Len() - l.CommittedCount()
}

// SuccessRate returns the committed share of slots, in [0, 1].
func (l *Ledger[R]) SuccessRate() float64 {
	return float64(l.CommittedCount()) / float64(l.Len())
}

// OnCommit registers fn to be called once for every slot transition to committed,
// including slots merged from a section snapshot. It is not called for slots
// loaded by Restore. fn runs outside the ledger lock.
func (l *Ledger[R]) OnCommit(fn func(*Slot[R])) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCommit = fn
}

// Slot returns the slot of an address.
func (l *Ledger[R]) Slot(a space.Address) (*Slot[R], error) {
	if a < l.from || a >= l.to {
		return nil, fmt.Errorf("%w: %d not in [%d, %d)", space.ErrOutOfRange, a, l.from, l.to)
	}
	return &l.slots[a-l.from], nil
}

// Pending yields the slots that have not committed, in address order.
// The view is recomputed on every iteration.
func (l *Ledger[R]) Pending() iter.Seq[*Slot[R]] {
	return func(yield func(*Slot[R]) bool) {
		for i := range l.slots {
			s := &l.slots[i]
			if s.Success() {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Committed yields the committed slots, in address order.
func (l *Ledger[R]) Committed() iter.Seq[*Slot[R]] {
	return func(yield func(*Slot[R]) bool) {
		for i := range l.slots {
			s := &l.slots[i]
			if !s.Success() {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// PendingSlots collects up to limit pending slots in address order.
// A limit of zero or less collects all of them.
func (l *Ledger[R]) PendingSlots(limit int) []*Slot[R] {
	var out []*Slot[R]
	for s := range l.Pending() {
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Split partitions the slots into committed and still-pending.
func (l *Ledger[R]) Split() (committed, pending []*Slot[R]) {
	for i := range l.slots {
		s := &l.slots[i]
		if s.Success() {
			committed = append(committed, s)
		} else {
			pending = append(pending, s)
		}
	}
	return committed, pending
}

// Query returns the request description of a slot, building it on first use.
func (l *Ledger[R]) Query(s *Slot[R]) (fetch.Query, error) {
	if s.ledger != l {
		return fetch.Query{}, ErrForeignSlot
	}

	s.queryOnce.Do(func() {
		choices, err := l.codec.Choices(s.address)
		if err != nil {
			s.queryErr = err
			return
		}
		q, err := l.builder.Build(choices)
		if err != nil {
			s.queryErr = fetch.Fatal(fetch.ErrorClassClient, fmt.Errorf("build query for address %d: %w", s.address, err))
			return
		}
		s.query = q
	})
	return s.query, s.queryErr
}

// Commit stores the result of a slot and marks it committed.
// It reports whether the slot transitioned. Committing the same result twice
// is a no-op; committing a different one returns ErrConflictingCommit.
func (l *Ledger[R]) Commit(s *Slot[R], result R) (bool, error) {
	if s.ledger != l {
		return false, ErrForeignSlot
	}

	l.mu.Lock()
	if s.success {
		same := reflect.DeepEqual(s.result, result)
		l.mu.Unlock()
		if !same {
			return false, fmt.Errorf("%w: address %d", ErrConflictingCommit, s.address)
		}
		return false, nil
	}
	s.result = result
	s.success = true
	s.attempts++
	s.lastErr = ""
	l.committed++
	hook := l.onCommit
	l.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return true, nil
}

// Fail records a failed attempt. It never changes the success flag.
func (l *Ledger[R]) Fail(s *Slot[R], reason error) {
	if s.ledger != l {
		return
	}

	l.mu.Lock()
	if s.success {
		l.mu.Unlock()
		return
	}
	s.attempts++
	attempts := s.attempts
	if reason != nil {
		s.lastErr = reason.Error()
	}
	l.mu.Unlock()

	l.logger.Warn().
		Err(reason).
		Int64("address", s.address).
		Int("attempt", attempts).
		Str("error_class", string(fetch.ClassOf(reason))).
		Msg("Request failed")
}
