package replication

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/dd0wney/cluso-changelog/pkg/msgqueue"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// HandlerState is the lifecycle of a peer session. States only move forward.
type HandlerState int32

const (
	StateConnecting HandlerState = iota
	StateHandshaking
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s HandlerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("HandlerState(%d)", int32(s))
	}
}

type handlerOptions struct {
	queueSize         int
	windowSize        int
	heartbeatInterval time.Duration
	logger            logging.Logger
	metrics           *metrics.Registry
}

// ServerHandler is one connected data server or replication server in one
// domain. A reader goroutine feeds received updates to the domain and a
// writer goroutine drains the handler's queue, falling back to the domain
// changelog while the peer is too far behind for the queue to hold.
type ServerHandler struct {
	strategy roleStrategy
	session  Session
	domain   *ServerDomain
	opts     handlerOptions
	logger   logging.Logger
	metrics  *metrics.Registry

	// Peer description, fixed once the handshake is done.
	serverID          uint16
	serverURL         string
	dialAddr          string
	reachAddr         string
	outbound          bool
	generationID      int64
	groupID           uint8
	weight            int
	peerWindow        int
	heartbeatInterval time.Duration

	state atomic.Int32

	queue *msgqueue.MsgQueue
	// late is set while the writer reads from the changelog instead of
	// the queue.
	late   atomic.Bool
	cursor *changelog.Cursor // writer goroutine only

	// known is every change the peer is known to hold: its start state,
	// what it sent us and what we sent it.
	knownMu sync.Mutex
	known   csn.ServerState

	creditMu sync.Mutex
	credits  int
	creditCh chan struct{}
	received int // reader goroutine only

	topology atomic.Pointer[protocol.TopologyMsg]

	updatesIn  atomic.Uint64
	updatesOut atomic.Uint64
	heartbeats atomic.Uint64
	lastSeen   atomic.Int64

	wake         chan struct{}
	stopCh       chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func newServerHandler(strategy roleStrategy, session Session, domain *ServerDomain, opts handlerOptions) *ServerHandler {
	logger := logging.OrDefault(opts.logger)
	h := &ServerHandler{
		strategy:     strategy,
		session:      session,
		domain:       domain,
		opts:         opts,
		metrics:      metrics.OrDefault(opts.metrics),
		generationID: changelog.NoGenerationID,
		queue:        msgqueue.New(logger),
		known:        csn.NewServerState(),
		creditCh:     make(chan struct{}, 1),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	h.logger = logger.With(logging.Role(strategy.role().String()), logging.BaseDN(domain.BaseDN()))
	// Until the writer has compared the peer's state with the changelog,
	// it reads from the changelog.
	h.late.Store(true)
	return h
}

// fromServerStart records the description a data server sent.
func (h *ServerHandler) fromServerStart(m *protocol.ServerStartMsg) {
	h.serverID = m.ServerID
	h.serverURL = m.ServerURL
	h.generationID = m.GenerationID
	h.groupID = m.GroupID
	h.peerWindow = m.WindowSize
	h.heartbeatInterval = m.HeartbeatInterval
	h.setPeerState(m.ServerState)
	h.logger = h.logger.With(logging.ServerID(m.ServerID))
}

// fromReplServerStart records the description a replication server sent.
func (h *ServerHandler) fromReplServerStart(m *protocol.ReplServerStartMsg) {
	h.serverID = m.ServerID
	h.serverURL = m.ServerURL
	h.generationID = m.GenerationID
	h.groupID = m.GroupID
	h.weight = m.Weight
	h.peerWindow = m.WindowSize
	h.heartbeatInterval = m.HeartbeatInterval
	h.setPeerState(m.ServerState)
	h.logger = h.logger.With(logging.ServerID(m.ServerID))
}

func (h *ServerHandler) setPeerState(s csn.ServerState) {
	h.knownMu.Lock()
	h.known = s.Copy()
	h.knownMu.Unlock()

	h.creditMu.Lock()
	h.credits = h.peerWindow
	h.creditMu.Unlock()
}

func (h *ServerHandler) Role() Role           { return h.strategy.role() }
func (h *ServerHandler) ServerID() uint16     { return h.serverID }
func (h *ServerHandler) ServerURL() string    { return h.serverURL }
func (h *ServerHandler) GenerationID() int64  { return h.generationID }
func (h *ServerHandler) GroupID() uint8       { return h.groupID }
func (h *ServerHandler) State() HandlerState  { return HandlerState(h.state.Load()) }
func (h *ServerHandler) Domain() *ServerDomain { return h.domain }

// Weight returns the peer's weight, as last announced in its topology.
func (h *ServerHandler) Weight() int {
	if t := h.topology.Load(); t != nil {
		for _, rs := range t.ReplicationServers {
			if rs.ServerID == h.serverID {
				return rs.Weight
			}
		}
	}
	return h.weight
}

// Topology returns the last topology the peer sent, or nil.
func (h *ServerHandler) Topology() *protocol.TopologyMsg { return h.topology.Load() }

// UpdatesReceived and UpdatesSent count updates on this session.
func (h *ServerHandler) UpdatesReceived() uint64 { return h.updatesIn.Load() }
func (h *ServerHandler) UpdatesSent() uint64     { return h.updatesOut.Load() }

// Backlog returns the number of updates waiting for the peer. While the
// writer reads from the changelog the queue size is a lower bound.
func (h *ServerHandler) Backlog() int {
	n := h.queue.Count()
	if h.late.Load() && n < h.opts.queueSize {
		return h.opts.queueSize
	}
	return n
}

// Degraded reports whether the peer's backlog exceeds threshold.
func (h *ServerHandler) Degraded(threshold int) bool {
	return h.Role() == RoleDataServer && threshold > 0 && h.Backlog() > threshold
}

func (h *ServerHandler) transition(from, to HandlerState) error {
	if !h.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s to %s in state %s", ErrIllegalTransition, from, to, h.State())
	}
	return nil
}

// matches reports whether addr is the peer's advertised, dialed or
// observed address.
func (h *ServerHandler) matches(addr string) bool {
	return addr != "" && (addr == h.serverURL || addr == h.dialAddr || addr == h.reachAddr)
}

// preferred reports whether this session wins over another one with the
// same replication server: the session opened by the lower server id is
// kept.
func (h *ServerHandler) preferred() bool {
	local := h.domain.settings().ServerID
	if h.outbound {
		return local < h.serverID
	}
	return h.serverID < local
}

func (h *ServerHandler) isKnown(c csn.CSN) bool {
	h.knownMu.Lock()
	defer h.knownMu.Unlock()
	return h.known.Covers(c)
}

func (h *ServerHandler) markKnown(c csn.CSN) {
	h.knownMu.Lock()
	h.known.Update(c)
	h.knownMu.Unlock()
}

func (h *ServerHandler) knownState() csn.ServerState {
	h.knownMu.Lock()
	defer h.knownMu.Unlock()
	return h.known.Copy()
}

func (h *ServerHandler) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// enqueue hands msg to the writer. Called with the domain lock held.
func (h *ServerHandler) enqueue(msg *protocol.UpdateMsg) {
	if !h.late.Load() {
		if h.queue.Count() >= h.opts.queueSize {
			h.late.Store(true)
			h.queue.Clear()
			h.logger.Debug("queue full, reading from changelog", logging.Count(h.opts.queueSize))
		} else {
			h.queue.Add(msg)
		}
	}
	h.signal()
}

// nextUpdate returns the next update the peer does not hold yet.
func (h *ServerHandler) nextUpdate() (*protocol.UpdateMsg, bool) {
	for {
		if h.late.Load() || h.cursor != nil {
			if h.cursor == nil {
				h.cursor = h.domain.db.Cursor(h.knownState())
			}
			if h.cursor.Next() {
				u := h.cursor.Update()
				if h.isKnown(u.CSN()) {
					continue
				}
				return u, true
			}
			if err := h.cursor.Err(); err != nil {
				h.logger.Warn("changelog cursor failed", logging.Error(err))
				h.cursor.Close()
				h.cursor = nil
				return nil, false
			}
			// Appends that raced with the flag change were skipped by
			// enqueue, so the cursor is drained once more.
			if h.late.CompareAndSwap(true, false) {
				continue
			}
			h.cursor.Close()
			h.cursor = nil
		}

		u, ok := h.queue.TryRemoveFirst()
		if !ok {
			return nil, false
		}
		if h.isKnown(u.CSN()) {
			continue
		}
		return u, true
	}
}

func (h *ServerHandler) addCredits(n int) {
	if n <= 0 {
		return
	}
	h.creditMu.Lock()
	h.credits += n
	h.creditMu.Unlock()
	select {
	case h.creditCh <- struct{}{}:
	default:
	}
}

// acquireCredit blocks until the peer's window allows one more update.
func (h *ServerHandler) acquireCredit() bool {
	for {
		h.creditMu.Lock()
		if h.credits > 0 {
			h.credits--
			h.creditMu.Unlock()
			return true
		}
		h.creditMu.Unlock()

		select {
		case <-h.creditCh:
		case <-h.stopCh:
			return false
		}
	}
}

func (h *ServerHandler) writeLoop() {
	defer h.wg.Done()
	defer func() {
		if h.cursor != nil {
			h.cursor.Close()
			h.cursor = nil
		}
	}()

	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		u, ok := h.nextUpdate()
		if !ok {
			select {
			case <-h.wake:
				continue
			case <-h.stopCh:
				return
			}
		}
		if !h.acquireCredit() {
			return
		}
		if err := h.session.Send(u); err != nil {
			if h.State() == StateConnected {
				h.logger.Warn("send update failed", logging.CSN(u.CSN()), logging.Error(err))
			}
			h.Shutdown()
			return
		}
		h.markKnown(u.CSN())
		h.updatesOut.Add(1)
		h.metrics.RecordUpdate(metrics.Sent, u.Size())
	}
}

func (h *ServerHandler) heartbeatLoop() {
	defer h.wg.Done()
	if h.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.opts.heartbeatInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			seq++
			if err := h.session.Send(&protocol.HeartbeatMsg{Sequence: seq}); err != nil {
				h.Shutdown()
				return
			}
			h.metrics.HeartbeatsTotal.WithLabelValues(metrics.Sent).Inc()
		}
	}
}

// readLoop processes messages until the session fails or the peer stops.
func (h *ServerHandler) readLoop() {
	for {
		if h.heartbeatInterval > 0 {
			deadline := time.Now().Add(HeartbeatTimeout(h.heartbeatInterval))
			if err := h.session.SetReadDeadline(deadline); err != nil {
				return
			}
		}
		p, err := h.session.Receive()
		if err != nil {
			h.logReadError(err)
			return
		}
		h.lastSeen.Store(time.Now().UnixMilli())

		switch m := p.(type) {
		case *protocol.UpdateMsg:
			if err := h.receiveUpdate(m); err != nil {
				h.logger.Error("update rejected by domain", logging.CSN(m.CSN()), logging.Error(err))
				return
			}
		case *protocol.WindowMsg:
			h.addCredits(m.NumAck)
		case *protocol.HeartbeatMsg:
			h.heartbeats.Add(1)
			h.metrics.HeartbeatsTotal.WithLabelValues(metrics.Received).Inc()
		case *protocol.TopologyMsg:
			h.topology.Store(m)
		case *protocol.StopMsg:
			h.logger.Info("peer stopped session", logging.String("reason", m.Reason))
			return
		case *protocol.ErrorMsg:
			if m.Fatal {
				h.logger.Warn("peer reported fatal error", logging.Error(m))
				return
			}
			h.logger.Warn("peer reported error", logging.Error(m))
		default:
			h.metrics.ProtocolViolationsTotal.Inc()
			h.logger.Warn("unexpected message", logging.Stringer("type", p.MessageType()))
			return
		}
	}
}

func (h *ServerHandler) receiveUpdate(m *protocol.UpdateMsg) error {
	h.updatesIn.Add(1)
	h.metrics.RecordUpdate(metrics.Received, m.Size())
	h.markKnown(m.CSN())

	if err := h.domain.Put(m, h); err != nil {
		return err
	}

	h.received++
	if half := h.opts.windowSize / 2; h.received >= max(half, 1) {
		if err := h.session.Send(&protocol.WindowMsg{NumAck: h.received}); err != nil {
			return err
		}
		h.received = 0
	}
	return nil
}

func (h *ServerHandler) logReadError(err error) {
	if h.State() != StateConnected {
		return
	}
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		h.logger.Info("peer closed session")
	case errors.As(err, &netErr) && netErr.Timeout():
		h.logger.Warn("peer heartbeat timed out", logging.Duration("interval", h.heartbeatInterval))
	case errors.Is(err, ErrProtocolViolation):
		h.metrics.ProtocolViolationsTotal.Inc()
		h.logger.Warn("protocol violation", logging.Error(err))
	default:
		h.logger.Warn("read failed", logging.Error(err))
	}
}

// start moves a registered handler to CONNECTED and starts its writer and
// heartbeat goroutines.
func (h *ServerHandler) start() error {
	if err := h.transition(StateHandshaking, StateConnected); err != nil {
		return err
	}
	h.metrics.PeerConnected(h.Role().String())
	h.logger.Info("peer connected",
		logging.Peer(h.serverURL), logging.Int64("generation_id", h.generationID))

	h.wg.Add(2)
	go h.writeLoop()
	go h.heartbeatLoop()
	return nil
}

// serve runs the reader loop in the calling goroutine and returns once the
// handler has shut down and its goroutines have exited.
func (h *ServerHandler) serve() {
	h.readLoop()
	h.Shutdown()
	h.wg.Wait()
}

// Stop tells the peer why the session ends, then shuts the handler down.
func (h *ServerHandler) Stop(reason string) {
	if h.State() == StateConnected {
		if err := h.session.Send(&protocol.StopMsg{Reason: reason}); err != nil {
			h.logger.Debug("stop message not sent", logging.Error(err))
		}
	}
	h.Shutdown()
}

// Shutdown leaves the domain, closes the session and stops the writer. It
// is idempotent and does not wait for the handler goroutines.
func (h *ServerHandler) Shutdown() {
	h.shutdownOnce.Do(func() {
		wasConnected := false
		for {
			cur := h.State()
			if cur >= StateDisconnecting {
				break
			}
			if h.transition(cur, StateDisconnecting) == nil {
				wasConnected = cur == StateConnected
				break
			}
		}

		h.domain.Unregister(h)
		if err := h.session.Close(); err != nil {
			h.logger.Debug("close session", logging.Error(err))
		}
		close(h.stopCh)
		h.queue.Clear()
		h.state.Store(int32(StateClosed))

		if wasConnected {
			h.metrics.PeerDisconnected(h.Role().String())
			h.logger.Info("peer disconnected")
		}
	})
}

// Done is closed once Shutdown has run.
func (h *ServerHandler) Done() <-chan struct{} { return h.stopCh }
