package changelog

import (
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
)

// ChangeNumberIndex assigns change numbers to stored changes across all
// domains. Change numbers increase strictly in assignment order and are
// never reused, not even after purge, Clear or restart.
type ChangeNumberIndex struct {
	mu            sync.Mutex
	store         IndexStore
	metrics       *metrics.Registry
	lastGenerated int64
	oldest        *ChangeNumberIndexRecord
	newest        *ChangeNumberIndexRecord
	closed        bool
}

func newChangeNumberIndex(store IndexStore, m *metrics.Registry) (*ChangeNumberIndex, error) {
	idx := &ChangeNumberIndex{store: store, metrics: m}
	last, err := store.LastGenerated()
	if err != nil {
		return nil, fmt.Errorf("read last change number: %w", err)
	}
	idx.lastGenerated = last
	if err := idx.refreshBounds(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (x *ChangeNumberIndex) refreshBounds() error {
	first, ok, err := x.store.First()
	if err != nil {
		return fmt.Errorf("read oldest change number: %w", err)
	}
	x.oldest = nil
	if ok {
		x.oldest = &first
	}
	last, ok, err := x.store.Last()
	if err != nil {
		return fmt.Errorf("read newest change number: %w", err)
	}
	x.newest = nil
	if ok {
		x.newest = &last
		if last.ChangeNumber > x.lastGenerated {
			x.lastGenerated = last.ChangeNumber
		}
	}
	x.publish()
	return nil
}

func (x *ChangeNumberIndex) publish() {
	var first, last int64
	if x.oldest != nil {
		first = x.oldest.ChangeNumber
	}
	if x.newest != nil {
		last = x.newest.ChangeNumber
	}
	x.metrics.SetChangeNumbers(first, last)
}

// AddRecord assigns the next change number to the change c of baseDN.
func (x *ChangeNumberIndex) AddRecord(baseDN string, c csn.CSN) (ChangeNumberIndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ChangeNumberIndexRecord{}, ErrClosed
	}

	rec := ChangeNumberIndexRecord{ChangeNumber: x.lastGenerated + 1, BaseDN: baseDN, CSN: c}
	if err := x.store.Append(rec); err != nil {
		return ChangeNumberIndexRecord{}, fmt.Errorf("append change number %d: %w", rec.ChangeNumber, err)
	}
	x.lastGenerated = rec.ChangeNumber
	x.newest = &rec
	if x.oldest == nil {
		first := rec
		x.oldest = &first
	}
	x.publish()
	return rec, nil
}

// OldestRecord returns the record with the lowest change number.
func (x *ChangeNumberIndex) OldestRecord() (ChangeNumberIndexRecord, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.oldest == nil {
		return ChangeNumberIndexRecord{}, false
	}
	return *x.oldest, true
}

// NewestRecord returns the record with the highest change number.
func (x *ChangeNumberIndex) NewestRecord() (ChangeNumberIndexRecord, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.newest == nil {
		return ChangeNumberIndexRecord{}, false
	}
	return *x.newest, true
}

// LastGeneratedChangeNumber returns the highest change number ever assigned.
func (x *ChangeNumberIndex) LastGeneratedChangeNumber() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastGenerated
}

// IsEmpty reports whether the index holds no record.
func (x *ChangeNumberIndex) IsEmpty() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.newest == nil
}

// Lookup returns the record of changeNumber.
func (x *ChangeNumberIndex) Lookup(changeNumber int64) (ChangeNumberIndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ChangeNumberIndexRecord{}, ErrClosed
	}
	return x.store.Lookup(changeNumber)
}

// FindCSN returns the record numbering the change c of baseDN.
func (x *ChangeNumberIndex) FindCSN(baseDN string, c csn.CSN) (ChangeNumberIndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ChangeNumberIndexRecord{}, ErrClosed
	}
	return x.store.FindCSN(baseDN, c)
}

// Scan returns up to limit records after the given change number.
func (x *ChangeNumberIndex) Scan(after int64, limit int) ([]ChangeNumberIndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil, ErrClosed
	}
	return x.store.Scan(after, limit)
}

// PurgeBefore removes records of changes older than cutoff.
func (x *ChangeNumberIndex) PurgeBefore(cutoff csn.CSN) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return 0, ErrClosed
	}
	n, err := x.store.PurgeBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge change number index: %w", err)
	}
	if n > 0 {
		return n, x.refreshBounds()
	}
	return 0, nil
}

// RemoveDomain removes the records of baseDN.
func (x *ChangeNumberIndex) RemoveDomain(baseDN string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return 0, ErrClosed
	}
	n, err := x.store.RemoveDomain(baseDN)
	if err != nil {
		return 0, fmt.Errorf("remove %s from change number index: %w", baseDN, err)
	}
	if n > 0 {
		return n, x.refreshBounds()
	}
	return 0, nil
}

// Clear removes every record. Numbering continues after the last
// generated change number.
func (x *ChangeNumberIndex) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if err := x.store.Clear(); err != nil {
		return fmt.Errorf("clear change number index: %w", err)
	}
	x.oldest, x.newest = nil, nil
	x.publish()
	return nil
}

func (x *ChangeNumberIndex) close() error {
	if x == nil {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return x.store.Close()
}
