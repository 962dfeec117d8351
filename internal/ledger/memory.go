package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"peg-stabilizer/internal/audit"
)

type chainHead struct {
	seq  uint64
	hash string
}

// MemoryLedger is an in-process Store. Writes are serialised; reads work on
// snapshots and never block each other.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []Record
	index   map[uuid.UUID]int
	heads   map[string]chainHead
	clock   func() time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		index: make(map[uuid.UUID]int),
		heads: make(map[string]chainHead),
		clock: time.Now,
	}
}

// WithClock overrides the append timestamp source.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

// Append implements Store.
func (l *MemoryLedger) Append(ctx context.Context, p *audit.Profile) (Record, error) {
	if err := validate(p); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	stored := p.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[stored.ID]; ok {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicate, stored.ID)
	}

	head, ok := l.heads[stored.PairID]
	if !ok {
		head = chainHead{hash: genesisHash}
	}
	seq := head.seq + 1
	hash, err := chainHash(seq, head.hash, stored)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Sequence:   seq,
		PrevHash:   head.hash,
		Hash:       hash,
		AppendedAt: l.clock().UTC(),
		Profile:    stored,
	}
	l.index[stored.ID] = len(l.records)
	l.records = append(l.records, rec)
	l.heads[stored.PairID] = chainHead{seq: seq, hash: hash}

	return copyRecord(rec), nil
}

// Get implements Store.
func (l *MemoryLedger) Get(_ context.Context, id uuid.UUID) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyRecord(l.records[i]), nil
}

// Iterate implements Store.
func (l *MemoryLedger) Iterate(ctx context.Context, r Range, fn func(Record) error) error {
	l.mu.RLock()
	snapshot := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		if r.match(rec.Profile) {
			snapshot = append(snapshot, rec)
			if r.Limit > 0 && len(snapshot) == r.Limit {
				break
			}
		}
	}
	l.mu.RUnlock()

	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(copyRecord(rec)); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Len returns the number of stored profiles.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func copyRecord(rec Record) Record {
	rec.Profile = rec.Profile.Clone()
	return rec
}

var _ Store = (*MemoryLedger)(nil)
