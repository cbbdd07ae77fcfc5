package changelog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// DomainDB is the durable, CSN-ordered changelog of one base DN.
type DomainDB struct {
	baseDN string
	owner  *Changelog
	index  *ChangeNumberIndex

	mu           sync.RWMutex
	store        Store
	oldest       csn.ServerState
	newest       csn.ServerState
	count        int64
	generationID int64
	closed       bool
}

func newDomainDB(baseDN string, store Store, owner *Changelog, index *ChangeNumberIndex) (*DomainDB, error) {
	d := &DomainDB{baseDN: baseDN, owner: owner, index: index, store: store}
	if err := d.reload(); err != nil {
		return nil, err
	}
	gen, err := store.GenerationID()
	if err != nil {
		return nil, fmt.Errorf("read generation id of %s: %w", baseDN, err)
	}
	d.generationID = gen
	owner.metrics.SetGenerationID(baseDN, gen)
	return d, nil
}

func (d *DomainDB) reload() error {
	oldest, newest, err := d.store.Bounds()
	if err != nil {
		return fmt.Errorf("read bounds of %s: %w", d.baseDN, err)
	}
	count, err := d.store.Count()
	if err != nil {
		return fmt.Errorf("count %s: %w", d.baseDN, err)
	}
	if oldest == nil {
		oldest = csn.ServerState{}
	}
	if newest == nil {
		newest = csn.ServerState{}
	}
	d.oldest, d.newest, d.count = oldest, newest, count
	return nil
}

func (d *DomainDB) BaseDN() string { return d.baseDN }

// Append stores msg. It returns false without error when msg's CSN is
// already stored. When change numbers are computed, a stored update gets
// the next change number before Append returns.
func (d *DomainDB) Append(msg *protocol.UpdateMsg) (bool, error) {
	start := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, ErrClosed
	}

	c := msg.CSN()
	if d.newest.Covers(c) {
		_, err := d.store.Get(c)
		if err == nil {
			d.owner.metrics.RecordAppend("duplicate", time.Since(start))
			return false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			d.owner.metrics.RecordAppend("error", time.Since(start))
			return false, fmt.Errorf("lookup %s in %s: %w", c, d.baseDN, err)
		}
	}

	if err := d.store.Append(msg); err != nil {
		d.owner.metrics.RecordAppend("error", time.Since(start))
		return false, fmt.Errorf("append %s to %s: %w", c, d.baseDN, err)
	}
	d.newest.Update(c)
	if cur, ok := d.oldest[c.ServerID]; !ok || c.IsOlderThan(cur) {
		d.oldest[c.ServerID] = c
	}
	d.count++

	if d.owner.ComputeChangeNumber() {
		if _, err := d.index.AddRecord(d.baseDN, c); err != nil {
			d.owner.logger.Error("change number not assigned",
				logging.BaseDN(d.baseDN), logging.CSN(c), logging.Error(err))
			return true, err
		}
	}

	d.owner.metrics.RecordAppend("stored", time.Since(start))
	return true, nil
}

// Get returns the update stored under c.
func (d *DomainDB) Get(c csn.CSN) (*protocol.UpdateMsg, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.store.Get(c)
}

func (d *DomainDB) scan(serverID uint16, after csn.CSN, limit int) ([]*protocol.UpdateMsg, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.store.Scan(serverID, after, limit)
}

// Cursor iterates, in CSN order, the updates not covered by from.
func (d *DomainDB) Cursor(from csn.ServerState) *Cursor {
	return newCursor(d, from)
}

// OldestState returns the oldest stored CSN of every server.
func (d *DomainDB) OldestState() csn.ServerState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.oldest.Copy()
}

// NewestState returns the newest stored CSN of every server.
func (d *DomainDB) NewestState() csn.ServerState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.newest.Copy()
}

func (d *DomainDB) newestFor(serverID uint16) (csn.CSN, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.newest[serverID]
	return c, ok
}

// Count returns the number of stored updates.
func (d *DomainDB) Count() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.count
}

func (d *DomainDB) IsEmpty() bool {
	return d.Count() == 0
}

// GenerationID returns NoGenerationID until one is set.
func (d *DomainDB) GenerationID() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.generationID
}

// SetGenerationID persists the domain's generation id.
func (d *DomainDB) SetGenerationID(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.generationID == id {
		return nil
	}
	if err := d.store.SetGenerationID(id); err != nil {
		return fmt.Errorf("set generation id of %s: %w", d.baseDN, err)
	}
	d.generationID = id
	d.owner.metrics.SetGenerationID(d.baseDN, id)
	return nil
}

// PurgeBefore removes updates older than cutoff, keeping the newest update
// of every server.
func (d *DomainDB) PurgeBefore(cutoff csn.CSN) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	n, err := d.store.PurgeBefore(cutoff, d.newest.Copy())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := d.reload(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Clear removes every update and the domain's change number records. The
// generation id is left to the caller.
func (d *DomainDB) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.store.Clear(); err != nil {
		return fmt.Errorf("clear %s: %w", d.baseDN, err)
	}
	d.oldest, d.newest, d.count = csn.ServerState{}, csn.ServerState{}, 0
	if _, err := d.index.RemoveDomain(d.baseDN); err != nil {
		return err
	}
	return nil
}

func (d *DomainDB) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.store.Close()
}
