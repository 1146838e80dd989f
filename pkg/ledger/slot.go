package ledger

import (
	"sync"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/space"
)

// Slot is the request/result record of one address.
// Its state changes only through Ledger.Commit and Ledger.Fail.
type Slot[R any] struct {
	address space.Address
	ledger  *Ledger[R]

	result   R
	success  bool
	attempts int
	lastErr  string

	queryOnce sync.Once
	query     fetch.Query
	queryErr  error
}

// Address returns the slot's address.
func (s *Slot[R]) Address() space.Address {
	return s.address
}

// Success reports whether the slot has committed.
func (s *Slot[R]) Success() bool {
	s.ledger.mu.RLock()
	defer s.ledger.mu.RUnlock()
	return s.success
}

// Result returns the committed result, or the zero value.
func (s *Slot[R]) Result() R {
	s.ledger.mu.RLock()
	defer s.ledger.mu.RUnlock()
	return s.result
}

// Attempts returns how many times the slot was executed.
func (s *Slot[R]) Attempts() int {
	s.ledger.mu.RLock()
	defer s.ledger.mu.RUnlock()
	return s.attempts
}

// LastError returns the reason of the most recent failure, if any.
func (s *Slot[R]) LastError() string {
	s.ledger.mu.RLock()
	defer s.ledger.mu.RUnlock()
	return s.lastErr
}
