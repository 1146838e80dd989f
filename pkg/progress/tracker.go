// Package progress tracks how many addresses of a run have committed and
// derives rate and ETA from it. A Tracker is safe for concurrent use and can
// mirror every advance into other counters, such as a Redis key observed by
// another process or a pipe read by a parent process.
package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// BarSteps is the width of the rendered progress bar.
const BarSteps = 20

// State is a point-in-time view of a tracker.
type State struct {
	Done    int64
	Total   int64
	Elapsed time.Duration
}

// Tracker counts completed units of work up to a fixed total.
type Tracker struct {
	total int64
	base  int64
	done  atomic.Int64

	mu      sync.RWMutex
	start   time.Time
	mirrors []Counter

	now func() time.Time
}

// NewTracker creates a tracker for total units, done of which are already
// complete (for example restored from a snapshot). Rate and ETA only
// consider work done after creation.
func NewTracker(total, done int64) *Tracker {
	if done > total {
		done = total
	}
	if done < 0 {
		done = 0
	}
	t := &Tracker{total: total, base: done, now: time.Now}
	t.done.Store(done)
	t.start = t.now()
	return t
}

// Mirror registers a counter that is incremented on every advance.
func (t *Tracker) Mirror(c Counter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mirrors = append(t.mirrors, c)
}

// Start resets the clock used for rate and ETA.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = t.now()
	t.base = t.done.Load()
}

// Advance records one completed unit. It never moves past the total and
// reports whether the count changed.
func (t *Tracker) Advance() bool {
	for {
		cur := t.done.Load()
		if cur >= t.total {
			return false
		}
		if t.done.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	t.mu.RLock()
	mirrors := t.mirrors
	t.mu.RUnlock()
	for _, m := range mirrors {
		if err := m.Incr(context.Background()); err != nil {
			log.Warn().Err(err).Str("component", "progress").Msg("Progress mirror update failed")
		}
	}
	return true
}

// Incr advances the tracker, so a Tracker can mirror another one.
func (t *Tracker) Incr(ctx context.Context) error {
	t.Advance()
	return nil
}

// Done returns the number of completed units.
func (t *Tracker) Done() int64 {
	return t.done.Load()
}

// Total returns the number of units to complete.
func (t *Tracker) Total() int64 {
	return t.total
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	start := t.start
	t.mu.RUnlock()
	return State{Done: t.done.Load(), Total: t.total, Elapsed: t.now().Sub(start)}
}

// Finished reports whether every unit is complete.
func (t *Tracker) Finished() bool {
	return t.done.Load() >= t.total
}

// Ratio returns the completed share, in [0, 1]. An empty tracker is complete.
func (t *Tracker) Ratio() float64 {
	if t.total == 0 {
		return 1
	}
	return float64(t.done.Load()) / float64(t.total)
}

// Rate returns completed units per second since the tracker started.
func (t *Tracker) Rate() float64 {
	st, base := t.stateSinceStart()
	secs := st.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(st.Done-base) / secs
}

// Remaining estimates the time left. ok is false while nothing was done yet.
func (t *Tracker) Remaining() (d time.Duration, ok bool) {
	st, base := t.stateSinceStart()
	progressed := st.Done - base
	if progressed <= 0 {
		return 0, st.Done >= st.Total
	}
	per := st.Elapsed / time.Duration(progressed)
	return per * time.Duration(st.Total-st.Done), true
}

// ETA renders the estimated time left, or "unknown" before the first advance.
func (t *Tracker) ETA() string {
	d, ok := t.Remaining()
	if !ok {
		return "unknown"
	}
	return FormatETA(d)
}

// String renders a one-line progress bar.
func (t *Tracker) String() string {
	st := t.Snapshot()
	return fmt.Sprintf("Progress: %s %d/%d %.2f%% eta: %s rate: %.2f/s",
		Bar(t.Ratio()), st.Done, st.Total, 100*t.Ratio(), t.ETA(), t.Rate())
}

func (t *Tracker) stateSinceStart() (State, int64) {
	t.mu.RLock()
	start, base := t.start, t.base
	t.mu.RUnlock()
	return State{Done: t.done.Load(), Total: t.total, Elapsed: t.now().Sub(start)}, base
}

// FormatETA renders d as 1d2h3m4s, 2h3m4s, 3m4s or 4s, truncated to seconds.
func FormatETA(d time.Duration) string {
	s := int64(d / time.Second)
	if s < 0 {
		s = 0
	}
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	m, s := s/60, s%60
	if m < 60 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h, m := m/60, m%60
	if h < 24 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	days, h := h/24, h%24
	return fmt.Sprintf("%dd%dh%dm%ds", days, h, m, s)
}

// Bar renders ratio as a bar of BarSteps cells. A partial bar ends in a '>'
// head that takes one of the cells.
func Bar(ratio float64) string {
	switch {
	case ratio <= 0:
		return "[" + strings.Repeat(" ", BarSteps) + "]"
	case ratio < 1:
		filled := min(int(ratio*BarSteps), BarSteps-1)
		return "[" + strings.Repeat("=", filled) + ">" + strings.Repeat(" ", BarSteps-filled-1) + "]"
	default:
		return "[" + strings.Repeat("=", BarSteps) + "]"
	}
}
