// Package msgqueue holds the per-peer outbound queue of update messages,
// ordered by CSN and accounted in bytes.
package msgqueue

import (
	"slices"
	"sync"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// MsgQueue is an ordered CSN to UpdateMsg mapping. All methods are safe
// for concurrent use.
type MsgQueue struct {
	mu     sync.Mutex
	keys   []csn.CSN // ascending
	msgs   map[csn.CSN]*protocol.UpdateMsg
	bytes  int
	stats  Stats
	logger logging.Logger
}

// Stats counts the inconsistencies a queue repaired.
type Stats struct {
	// Anomalies counts replacements of a queued message by a different
	// message carrying the same CSN.
	Anomalies uint64
	// ByteResets counts byte totals forced to zero on an empty queue.
	ByteResets uint64
	// ConsumeMisses counts ConsumeUpTo calls whose target was absent.
	ConsumeMisses uint64
}

// ConsumeResult reports what ConsumeUpTo removed.
type ConsumeResult struct {
	Removed int
	// Found is false when the target was not queued and the queue was
	// drained completely.
	Found bool
}

// New creates an empty queue.
func New(logger logging.Logger) *MsgQueue {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &MsgQueue{
		msgs:   make(map[csn.CSN]*protocol.UpdateMsg),
		logger: logger,
	}
}

func (q *MsgQueue) search(c csn.CSN) (int, bool) {
	return slices.BinarySearchFunc(q.keys, c, csn.CSN.Compare)
}

// Add inserts msg, replacing any message with the same CSN. A replacement
// with different content is logged as an anomaly; the incoming message wins.
func (q *MsgQueue) Add(msg *protocol.UpdateMsg) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := msg.CSN()
	if old, ok := q.msgs[c]; ok {
		if old.SameContent(msg) {
			return
		}
		q.stats.Anomalies++
		q.logger.Warn("queued update replaced by a different update with the same csn",
			logging.CSN(c),
			logging.Int("old_size", old.Size()),
			logging.Int("new_size", msg.Size()))
		q.msgs[c] = msg
		q.bytes += msg.Size() - old.Size()
		return
	}

	i, _ := q.search(c)
	q.keys = slices.Insert(q.keys, i, c)
	q.msgs[c] = msg
	q.bytes += msg.Size()
}

// First returns the CSN-minimum message without removing it.
func (q *MsgQueue) First() (*protocol.UpdateMsg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.keys) == 0 {
		return nil, false
	}
	return q.msgs[q.keys[0]], true
}

// TryRemoveFirst removes and returns the CSN-minimum message.
func (q *MsgQueue) TryRemoveFirst() (*protocol.UpdateMsg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeFirstLocked()
}

func (q *MsgQueue) removeFirstLocked() (*protocol.UpdateMsg, bool) {
	if len(q.keys) == 0 {
		return nil, false
	}
	c := q.keys[0]
	q.keys[0] = csn.Zero
	q.keys = q.keys[1:]
	msg := q.msgs[c]
	delete(q.msgs, c)
	q.bytes -= msg.Size()

	if len(q.keys) == 0 {
		if q.bytes != 0 {
			q.stats.ByteResets++
			q.logger.Error("byte count of empty queue is not zero, resetting",
				logging.Int("bytes", q.bytes))
			q.bytes = 0
		}
		// Drop the backing array so a drained queue does not pin memory.
		q.keys = nil
	}
	return msg, true
}

// Contains reports whether a message with msg's CSN is queued.
func (q *MsgQueue) Contains(msg *protocol.UpdateMsg) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.msgs[msg.CSN()]
	return ok
}

// ConsumeUpTo removes messages in CSN order up to and including the one
// whose CSN equals msg's. When that CSN is not queued the whole queue is
// drained and the result's Found is false.
func (q *MsgQueue) ConsumeUpTo(msg *protocol.UpdateMsg) ConsumeResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	target := msg.CSN()
	var res ConsumeResult
	for {
		removed, ok := q.removeFirstLocked()
		if !ok {
			break
		}
		res.Removed++
		if removed.CSN() == target {
			res.Found = true
			break
		}
	}
	if !res.Found {
		q.stats.ConsumeMisses++
		q.logger.Debug("consume target not queued, queue drained",
			logging.CSN(target), logging.Int("removed", res.Removed))
	}
	return res
}

// Count returns the number of queued messages.
func (q *MsgQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// BytesCount returns the summed size of queued messages.
func (q *MsgQueue) BytesCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

func (q *MsgQueue) IsEmpty() bool {
	return q.Count() == 0
}

// Clear removes every message.
func (q *MsgQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = nil
	clear(q.msgs)
	q.bytes = 0
}

// Stats returns a copy of the repair counters.
func (q *MsgQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
