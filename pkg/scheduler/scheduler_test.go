package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/ledger"
	"github.com/Sternrassler/registral-harvester/pkg/progress"
	"github.com/Sternrassler/registral-harvester/pkg/space"
)

func lineSpace(n int) *space.Space {
	d := space.Dimension{Name: "n"}
	for i := 0; i < n; i++ {
		k := strconv.Itoa(i)
		d.Values = append(d.Values, space.Value{Key: k, Fields: map[string]string{"n": k}})
	}
	return space.MustNew(d)
}

var lineBuilder = fetch.BuilderFunc(func(choices []space.Value) (fetch.Query, error) {
	return fetch.Query{URL: "test://" + choices[0].Key, Fields: choices[0].Fields}, nil
})

// scripted answers each address with the next error of its script, then succeeds.
type scripted struct {
	mu      sync.Mutex
	scripts map[int][]error
	calls   map[int]int
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
}

func newScripted(scripts map[int][]error) *scripted {
	return &scripted{scripts: scripts, calls: map[int]int{}}
}

func (s *scripted) Execute(ctx context.Context, q fetch.Query) (int, error) {
	n, _ := strconv.Atoi(q.Fields["n"])

	cur := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.peak.Load()
		if cur <= peak || s.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.calls[n]
	s.calls[n]++
	if script := s.scripts[n]; call < len(script) && script[call] != nil {
		return 0, script[call]
	}
	return n * 10, nil
}

func (s *scripted) Calls(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[n]
}

var noBackoff = BackoffConfig{}

func newRun(t *testing.T, n int) (*ledger.Ledger[int], *progress.Tracker) {
	t.Helper()
	l, err := ledger.New[int](lineSpace(n), lineBuilder, ledger.Config{})
	require.NoError(t, err)
	return l, progress.NewTracker(int64(n), 0)
}

func TestScheduler_PermanentFailureIsIncomplete(t *testing.T) {
	permanent := fetch.Fatal(fetch.ErrorClassDecode, errors.New("unexpected chart shape"))

	strategies := map[string]func(*testing.T, *ledger.Ledger[int], fetch.Executor[int], *progress.Tracker) Strategy[int]{
		"sequential": func(_ *testing.T, l *ledger.Ledger[int], e fetch.Executor[int], tr *progress.Tracker) Strategy[int] {
			return NewSequential[int](l, e, tr)
		},
		"concurrent": func(_ *testing.T, l *ledger.Ledger[int], e fetch.Executor[int], tr *progress.Tracker) Strategy[int] {
			return NewConcurrent[int](l, e, tr, 2)
		},
		"partitioned": func(t *testing.T, l *ledger.Ledger[int], e fetch.Executor[int], tr *progress.Tracker) Strategy[int] {
			launcher := &InProcessLauncher[int]{Config: WorkerConfig[int]{Space: l.Space(), Builder: lineBuilder, Executor: e}}
			p, err := NewPartitioned[int](l, launcher, tr, PartitionedConfig{Workers: 2, WorkDir: t.TempDir()})
			require.NoError(t, err)
			return p
		},
	}

	for name, build := range strategies {
		for _, bad := range []int{0, 2, 4} {
			t.Run(fmt.Sprintf("%s/address %d", name, bad), func(t *testing.T) {
				l, tracker := newRun(t, 5)
				exec := newScripted(map[int][]error{bad: {permanent}})

				sched, err := New[int](l, build(t, l, exec, tracker), Config{BlockSize: 2, Backoff: noBackoff})
				require.NoError(t, err)

				outcome, err := sched.Run(context.Background())
				assert.Equal(t, Incomplete, outcome)
				assert.True(t, fetch.IsFatal(err), "error = %v", err)
				assert.Equal(t, 4, l.CommittedCount())
				assert.Equal(t, int64(4), tracker.Done())
				assert.Equal(t, 1, exec.Calls(bad), "fatal slot must not be retried")

				var se *SlotError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, space.Address(bad), se.Address)

				s, err := l.Slot(space.Address(bad))
				require.NoError(t, err)
				assert.False(t, s.Success())
				assert.NotEmpty(t, s.LastError())
			})
		}
	}
}

func TestScheduler_FatalSlotDoesNotStopOtherBlocks(t *testing.T) {
	l, tracker := newRun(t, 6)
	exec := newScripted(map[int][]error{
		1: {fetch.Fatal(fetch.ErrorClassClient, errors.New("400"))},
		2: {fetch.Transient(fetch.ErrorClassServer, errors.New("503"))},
		4: {fetch.Fatal(fetch.ErrorClassDecode, errors.New("no chart"))},
	})
	store := &recordingStore{}

	sched, err := New[int](l, NewConcurrent[int](l, exec, tracker, 0), Config{BlockSize: 2, Backoff: noBackoff, Store: store})
	require.NoError(t, err)

	outcome, err := sched.Run(context.Background())
	assert.Equal(t, Incomplete, outcome)
	require.Error(t, err)
	assert.ErrorContains(t, err, "400")
	assert.ErrorContains(t, err, "no chart")

	assert.Equal(t, 4, l.CommittedCount())
	for _, n := range []int{0, 3, 5} {
		assert.Equal(t, 1, exec.Calls(n), "address %d", n)
	}
	assert.Equal(t, 2, exec.Calls(2), "transient member is retried")
	assert.Equal(t, 1, exec.Calls(1))
	assert.Equal(t, 1, exec.Calls(4))

	require.Len(t, store.saved, 3)
	assert.Equal(t, 4, store.saved[2].Committed())
}

func TestScheduler_TransientThenSuccess(t *testing.T) {
	l, tracker := newRun(t, 3)
	exec := newScripted(map[int][]error{
		1: {fetch.Transient(fetch.ErrorClassServer, errors.New("503"))},
	})

	advances := 0
	tracker.Mirror(progress.CounterFunc(func(context.Context) error {
		advances++
		return nil
	}))

	sched, err := New[int](l, NewSequential[int](l, exec, tracker), Config{BlockSize: 2, Backoff: noBackoff})
	require.NoError(t, err)

	outcome, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Complete, outcome)

	s, err := l.Slot(1)
	require.NoError(t, err)
	assert.True(t, s.Success())
	assert.Equal(t, 2, s.Attempts())
	assert.Equal(t, 10, s.Result())
	assert.Equal(t, 3, advances, "one advance per committed slot")
	assert.Equal(t, int64(3), tracker.Done())
}

func TestScheduler_RetriesOnlyPendingMembers(t *testing.T) {
	l, tracker := newRun(t, 4)
	transient := fetch.Transient(fetch.ErrorClassNetwork, errors.New("reset"))
	exec := newScripted(map[int][]error{2: {transient, transient, transient}})

	sched, err := New[int](l, NewConcurrent[int](l, exec, tracker, 4), Config{BlockSize: 0, Backoff: noBackoff})
	require.NoError(t, err)

	outcome, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Complete, outcome)
	assert.Equal(t, 1, exec.Calls(0))
	assert.Equal(t, 1, exec.Calls(3))
	assert.Equal(t, 4, exec.Calls(2))
}

func TestScheduler_MaxBlockRetries(t *testing.T) {
	l, tracker := newRun(t, 2)
	transient := fetch.Transient(fetch.ErrorClassServer, errors.New("502"))
	exec := newScripted(map[int][]error{0: {transient, transient, transient, transient, transient}})

	sched, err := New[int](l, NewSequential[int](l, exec, tracker), Config{MaxBlockRetries: 2, Backoff: noBackoff})
	require.NoError(t, err)

	outcome, err := sched.Run(context.Background())
	assert.Equal(t, Incomplete, outcome)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, exec.Calls(0))
}

func TestScheduler_PreconditionRunsBeforeEveryDispatch(t *testing.T) {
	l, tracker := newRun(t, 4)
	exec := newScripted(map[int][]error{
		3: {fetch.Transient(fetch.ErrorClassAuth, errors.New("401"))},
	})

	var checks int
	sched, err := New[int](l, NewSequential[int](l, exec, tracker), Config{
		BlockSize:    2,
		Backoff:      noBackoff,
		Precondition: func(context.Context) error { checks++; return nil },
	})
	require.NoError(t, err)

	outcome, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Complete, outcome)
	// block [0,1] once, block [2,3] twice
	assert.Equal(t, 3, checks)
}

func TestScheduler_PreconditionFailureAborts(t *testing.T) {
	l, tracker := newRun(t, 2)
	exec := newScripted(nil)

	sched, err := New[int](l, NewSequential[int](l, exec, tracker), Config{
		Precondition: func(context.Context) error { return errors.New("login page unavailable") },
	})
	require.NoError(t, err)

	outcome, err := sched.Run(context.Background())
	assert.Equal(t, Incomplete, outcome)
	assert.ErrorContains(t, err, "login page unavailable")
	assert.Equal(t, 0, exec.Calls(0))
}

func TestScheduler_SavesSnapshotPerBlock(t *testing.T) {
	l, tracker := newRun(t, 5)
	exec := newScripted(nil)
	store := &recordingStore{}

	sched, err := New[int](l, NewSequential[int](l, exec, tracker), Config{BlockSize: 2, Store: store})
	require.NoError(t, err)

	_, err = sched.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, store.saved, 3)
	assert.Equal(t, []int{2, 4, 5}, store.committed())
}

func TestScheduler_CancelSavesSnapshot(t *testing.T) {
	l, tracker := newRun(t, 50)
	exec := newScripted(nil)
	exec.delay = 5 * time.Millisecond
	store := &recordingStore{}

	ctx, cancel := context.WithCancel(context.Background())
	tracker.Mirror(progress.CounterFunc(func(context.Context) error {
		if tracker.Done() >= 3 {
			cancel()
		}
		return nil
	}))

	sched, err := New[int](l, NewSequential[int](l, exec, tracker), Config{BlockSize: 10, Store: store})
	require.NoError(t, err)

	outcome, err := sched.Run(ctx)
	assert.Equal(t, Interrupted, outcome)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotEmpty(t, store.saved)

	last := store.saved[len(store.saved)-1]
	assert.Equal(t, l.CommittedCount(), last.Committed())
	assert.Less(t, l.CommittedCount(), 50)
}

func TestScheduler_ResumeMatchesUninterruptedRun(t *testing.T) {
	full, _ := newRun(t, 12)
	sched, err := New[int](full, NewSequential[int](full, newScripted(nil), nil), Config{BlockSize: 5})
	require.NoError(t, err)
	_, err = sched.Run(context.Background())
	require.NoError(t, err)

	first, _ := newRun(t, 12)
	store := &recordingStore{}
	exec := newScripted(map[int][]error{7: {fetch.Fatal(fetch.ErrorClassServer, errors.New("stop here"))}})
	sched, err = New[int](first, NewSequential[int](first, exec, nil), Config{BlockSize: 5, Store: store})
	require.NoError(t, err)
	outcome, _ := sched.Run(context.Background())
	require.Equal(t, Incomplete, outcome)

	resumed, _ := newRun(t, 12)
	require.NoError(t, resumed.Restore(store.saved[len(store.saved)-1]))
	sched, err = New[int](resumed, NewSequential[int](resumed, newScripted(nil), nil), Config{BlockSize: 5})
	require.NoError(t, err)
	outcome, err = sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Complete, outcome)

	assert.Equal(t, results(full), results(resumed))
}

func TestNew_Validation(t *testing.T) {
	l, _ := newRun(t, 2)
	strategy := NewSequential[int](l, newScripted(nil), nil)

	_, err := New[int](l, strategy, Config{BlockSize: -1})
	assert.ErrorIs(t, err, ErrInvalidBlockSize)

	_, err = New[int](l, nil, Config{})
	assert.Error(t, err)
}

func TestBackoffConfig_Delay(t *testing.T) {
	c := BackoffConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffMultiplier: 2}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Delay(tt.retry), "Delay(%d)", tt.retry)
	}

	j := c.Jittered(2)
	assert.GreaterOrEqual(t, j, 1600*time.Millisecond)
	assert.LessOrEqual(t, j, 2400*time.Millisecond)
	assert.Zero(t, BackoffConfig{}.Jittered(3))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "complete", Complete.String())
	assert.Equal(t, "incomplete", Incomplete.String())
	assert.Equal(t, "interrupted", Interrupted.String())
}

type recordingStore struct {
	mu    sync.Mutex
	saved []*ledger.Snapshot
}

func (r *recordingStore) Load(context.Context) (*ledger.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.saved) == 0 {
		return nil, ledger.ErrNoSnapshot
	}
	return r.saved[len(r.saved)-1], nil
}

func (r *recordingStore) Save(_ context.Context, snap *ledger.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, snap)
	return nil
}

func (r *recordingStore) committed() []int {
	out := make([]int, len(r.saved))
	for i, s := range r.saved {
		out[i] = s.Committed()
	}
	return out
}

func results(l *ledger.Ledger[int]) map[space.Address]int {
	out := map[space.Address]int{}
	for s := range l.Committed() {
		out[s.Address()] = s.Result()
	}
	return out
}

func ExampleOutcome() {
	fmt.Println(Incomplete)
	// Output: incomplete
}
