package changelog

import (
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

const cursorBatch = 64

// Cursor merges the per-server streams of a domain into CSN order.
// An exhausted cursor picks up updates appended later on the next call to
// Next. A Cursor is not safe for concurrent use.
type Cursor struct {
	db      *DomainDB
	pos     csn.ServerState
	pending map[uint16][]*protocol.UpdateMsg
	cur     *protocol.UpdateMsg
	err     error
}

func newCursor(db *DomainDB, from csn.ServerState) *Cursor {
	return &Cursor{
		db:      db,
		pos:     from.Copy(),
		pending: make(map[uint16][]*protocol.UpdateMsg),
	}
}

// Next advances to the oldest update not yet returned.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	c.cur = nil

	var best uint16
	found := false
	for sid, newest := range c.db.NewestState() {
		if len(c.pending[sid]) == 0 {
			last, seen := c.pos[sid]
			if seen && !newest.IsNewerThan(last) {
				continue
			}
			batch, err := c.db.scan(sid, last, cursorBatch)
			if err != nil {
				c.err = err
				return false
			}
			if len(batch) == 0 {
				continue
			}
			c.pending[sid] = batch
		}
		head := c.pending[sid][0]
		if !found || head.CSN().IsOlderThan(c.pending[best][0].CSN()) {
			best, found = sid, true
		}
	}
	if !found {
		return false
	}

	c.cur = c.pending[best][0]
	c.pending[best] = c.pending[best][1:]
	c.pos[best] = c.cur.CSN()
	return true
}

// Update returns the update Next advanced to.
func (c *Cursor) Update() *protocol.UpdateMsg { return c.cur }

// Err returns the storage error that stopped the cursor, or ErrClosed
// after Close.
func (c *Cursor) Err() error { return c.err }

// Position returns the newest CSN returned for every server, merged with
// the start state.
func (c *Cursor) Position() csn.ServerState { return c.pos.Copy() }

// Close releases buffered updates. Next returns false afterwards.
func (c *Cursor) Close() {
	c.pending = map[uint16][]*protocol.UpdateMsg{}
	c.cur = nil
	if c.err == nil {
		c.err = ErrClosed
	}
}
