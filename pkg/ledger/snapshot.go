package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Sternrassler/registral-harvester/pkg/space"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 1

var (
	// ErrShapeMismatch is returned when a snapshot was taken over a different request space.
	ErrShapeMismatch = errors.New("snapshot request space does not match")

	// ErrRangeMismatch is returned when a snapshot covers a different address range.
	ErrRangeMismatch = errors.New("snapshot address range does not match")

	// ErrUnsupportedVersion is returned for snapshots written by an incompatible version.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")

	// ErrDuplicateSlot is returned when a snapshot lists an address more than once.
	ErrDuplicateSlot = errors.New("snapshot lists a slot twice")
)

// Snapshot is the persisted form of a ledger. Only slots that were attempted
// or committed are listed; every other address in [From, To) is pending.
type Snapshot struct {
	Version int           `json:"version"`
	Shape   space.Shape   `json:"shape"`
	From    space.Address `json:"from"`
	To      space.Address `json:"to"`
	Slots   []SlotRecord  `json:"slots"`
	SavedAt time.Time     `json:"saved_at"`
}

// SlotRecord is the persisted state of one slot.
type SlotRecord struct {
	Address   space.Address   `json:"address"`
	Success   bool            `json:"success"`
	Attempts  int             `json:"attempts"`
	Result    json.RawMessage `json:"result,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// Committed returns the number of committed slots recorded in the snapshot.
func (s *Snapshot) Committed() int {
	n := 0
	for _, r := range s.Slots {
		if r.Success {
			n++
		}
	}
	return n
}

// Snapshot captures the current ledger state.
func (l *Ledger[R]) Snapshot() (*Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := &Snapshot{
		Version: SnapshotVersion,
		Shape:   l.space.Shape(),
		From:    l.from,
		To:      l.to,
		SavedAt: time.Now().UTC(),
	}
	for i := range l.slots {
		s := &l.slots[i]
		if !s.success && s.attempts == 0 {
			continue
		}
		rec := SlotRecord{
			Address:   s.address,
			Success:   s.success,
			Attempts:  s.attempts,
			LastError: s.lastErr,
		}
		if s.success {
			data, err := json.Marshal(s.result)
			if err != nil {
				return nil, fmt.Errorf("marshal result of address %d: %w", s.address, err)
			}
			rec.Result = data
		}
		snap.Slots = append(snap.Slots, rec)
	}
	return snap, nil
}

// Restore replaces the ledger state with the snapshot's. The snapshot must
// have been taken over the same space and the same address range.
func (l *Ledger[R]) Restore(snap *Snapshot) error {
	if err := l.validate(snap); err != nil {
		return err
	}
	if snap.From != l.from || snap.To != l.to {
		return fmt.Errorf("%w: snapshot [%d, %d), ledger [%d, %d)", ErrRangeMismatch, snap.From, snap.To, l.from, l.to)
	}

	results := make([]R, len(snap.Slots))
	for i, rec := range snap.Slots {
		if rec.Address < l.from || rec.Address >= l.to {
			return fmt.Errorf("%w: slot %d outside [%d, %d)", ErrRangeMismatch, rec.Address, l.from, l.to)
		}
		if rec.Success {
			if err := json.Unmarshal(rec.Result, &results[i]); err != nil {
				return fmt.Errorf("unmarshal result of address %d: %w", rec.Address, err)
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var zero R
	for i := range l.slots {
		s := &l.slots[i]
		s.result, s.success, s.attempts, s.lastErr = zero, false, 0, ""
	}
	l.committed = 0
	for i, rec := range snap.Slots {
		s := &l.slots[rec.Address-l.from]
		s.success = rec.Success
		s.attempts = rec.Attempts
		s.lastErr = rec.LastError
		if rec.Success {
			s.result = results[i]
			l.committed++
		}
	}
	return nil
}

// Merge folds a section snapshot, covering a sub-range of the ledger, into
// the ledger. Committed records are committed through the normal commit path,
// so OnCommit fires for every slot that transitions. Attempt counts are
// carried over. It returns the number of slots that transitioned.
func (l *Ledger[R]) Merge(snap *Snapshot) (int, error) {
	if err := l.validate(snap); err != nil {
		return 0, err
	}
	if snap.From < l.from || snap.To > l.to {
		return 0, fmt.Errorf("%w: section [%d, %d) outside [%d, %d)", ErrRangeMismatch, snap.From, snap.To, l.from, l.to)
	}

	merged := 0
	for _, rec := range snap.Slots {
		s, err := l.Slot(rec.Address)
		if err != nil {
			return merged, err
		}

		l.mu.Lock()
		if rec.Attempts > 0 && !s.success {
			// Commit adds the successful attempt itself.
			s.attempts = rec.Attempts
			if rec.Success {
				s.attempts--
			}
			s.lastErr = rec.LastError
		}
		l.mu.Unlock()

		if !rec.Success {
			continue
		}
		var result R
		if err := json.Unmarshal(rec.Result, &result); err != nil {
			return merged, fmt.Errorf("unmarshal result of address %d: %w", rec.Address, err)
		}
		ok, err := l.Commit(s, result)
		if err != nil {
			return merged, err
		}
		if ok {
			merged++
		}
	}
	return merged, nil
}

// Section builds a snapshot of the sub-range [from, to) of the ledger.
func (l *Ledger[R]) Section(from, to space.Address) (*Snapshot, error) {
	if from < l.from || to > l.to || from >= to {
		return nil, fmt.Errorf("%w: [%d, %d) outside [%d, %d)", ErrInvalidRange, from, to, l.from, l.to)
	}

	full, err := l.Snapshot()
	if err != nil {
		return nil, err
	}
	section := &Snapshot{
		Version: full.Version,
		Shape:   full.Shape,
		From:    from,
		To:      to,
		SavedAt: full.SavedAt,
	}
	for _, rec := range full.Slots {
		if rec.Address >= from && rec.Address < to {
			section.Slots = append(section.Slots, rec)
		}
	}
	return section, nil
}

func (l *Ledger[R]) validate(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}
	if shape := l.space.Shape(); !shape.Equal(snap.Shape) {
		return fmt.Errorf("%w: snapshot sizes %v (%s), current sizes %v (%s)",
			ErrShapeMismatch, snap.Shape.Sizes, short(snap.Shape.Fingerprint), shape.Sizes, short(shape.Fingerprint))
	}
	seen := make(map[space.Address]struct{}, len(snap.Slots))
	for _, rec := range snap.Slots {
		if _, dup := seen[rec.Address]; dup {
			return fmt.Errorf("%w: address %d", ErrDuplicateSlot, rec.Address)
		}
		seen[rec.Address] = struct{}{}
	}
	return nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
)

// Encode serializes a snapshot as zstd-compressed JSON.
func Encode(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	initCodec()
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
}

// Decode parses a snapshot produced by Encode. Plain JSON is accepted too,
// so hand-edited snapshots can be restored.
func Decode(data []byte) (*Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		initCodec()
		plain, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
		trimmed = plain
	}

	var snap Snapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

func initCodec() {
	encoderOnce.Do(func() {
		var err error
		encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("create zstd encoder: %v", err))
		}
		decoder, err = zstd.NewReader(nil)
		if err != nil {
			panic(fmt.Sprintf("create zstd decoder: %v", err))
		}
	})
}
