package csn

import (
	"sync"
	"time"
)

// Generator issues strictly increasing CSNs for one server id.
type Generator struct {
	mu       sync.Mutex
	serverID uint16
	lastTime int64
	seqNum   uint32
	now      func() time.Time
}

// NewGenerator creates a generator for serverID.
func NewGenerator(serverID uint16) *Generator {
	return &Generator{serverID: serverID, now: time.Now}
}

// Next returns a CSN newer than every CSN previously returned or passed to Adjust.
func (g *Generator) Next() CSN {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	if now > g.lastTime {
		g.lastTime = now
	}
	// Sequence numbers only grow, so a clock step back never reorders.
	g.seqNum++
	if g.seqNum == 0 {
		g.lastTime++
	}
	return CSN{Timestamp: g.lastTime, ServerID: g.serverID, SeqNum: g.seqNum}
}

// Adjust moves the generator forward so later CSNs sort after seen.
func (g *Generator) Adjust(seen CSN) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if seen.Timestamp >= g.lastTime {
		g.lastTime = seen.Timestamp + 1
	}
	if seen.ServerID == g.serverID && seen.SeqNum > g.seqNum {
		g.seqNum = seen.SeqNum
	}
}

// ServerID returns the server id stamped into generated CSNs.
func (g *Generator) ServerID() uint16 { return g.serverID }
