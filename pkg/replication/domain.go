package replication

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// domainSettings is the part of the server configuration a domain reads.
// It is fetched on every use so configuration changes apply at once.
type domainSettings struct {
	ServerID                uint16
	ServerURL               string
	GroupID                 uint8
	Weight                  int
	DegradedStatusThreshold int
	QueueSize               int
	WindowSize              int
	HeartbeatInterval       time.Duration
}

type domainOptions struct {
	settings func() domainSettings
	logger   logging.Logger
	metrics  *metrics.Registry
	// onUpdate is called after an update is stored, without locks held.
	onUpdate func()
	// onTopology is called with every topology the domain broadcasts.
	onTopology func(*protocol.TopologyMsg)
}

// ServerDomain is the replication state of one base DN: its changelog and
// the data servers and replication servers connected for it.
type ServerDomain struct {
	baseDN   string
	db       *changelog.DomainDB
	settings func() domainSettings
	logger   logging.Logger
	metrics  *metrics.Registry
	onUpdate func()
	onTopo   func(*protocol.TopologyMsg)

	mu              sync.RWMutex
	generationID    int64
	dataServers     map[uint16]*ServerHandler
	replServers     map[uint16]*ServerHandler
	updatesReceived uint64
	stopped         bool

	monMu          sync.Mutex
	monitorPeriod  time.Duration
	lastMonitor    *protocol.DomainMonitor
	lastMonitorAt  time.Time
	maxBacklog     int
	backlogSum     float64
	backlogSamples int
}

func newServerDomain(db *changelog.DomainDB, opts domainOptions) *ServerDomain {
	d := &ServerDomain{
		baseDN:       db.BaseDN(),
		db:           db,
		settings:     opts.settings,
		metrics:      metrics.OrDefault(opts.metrics),
		onUpdate:     opts.onUpdate,
		onTopo:       opts.onTopology,
		generationID: db.GenerationID(),
		dataServers:  make(map[uint16]*ServerHandler),
		replServers:  make(map[uint16]*ServerHandler),
	}
	d.logger = logging.OrDefault(opts.logger).With(logging.Component("domain"), logging.BaseDN(d.baseDN))
	d.metrics.SetGenerationID(d.baseDN, d.generationID)
	return d
}

func (d *ServerDomain) BaseDN() string { return d.baseDN }

// DB returns the domain's changelog.
func (d *ServerDomain) DB() *changelog.DomainDB { return d.db }

// GenerationID returns the domain's generation id, or
// changelog.NoGenerationID when none is established.
func (d *ServerDomain) GenerationID() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.generationID
}

func (d *ServerDomain) handlerOptions() handlerOptions {
	s := d.settings()
	return handlerOptions{
		queueSize:         s.QueueSize,
		windowSize:        s.WindowSize,
		heartbeatInterval: s.HeartbeatInterval,
		logger:            d.logger,
		metrics:           d.metrics,
	}
}

// localStart describes this server to a peer of the domain.
func (d *ServerDomain) localStart() *protocol.ReplServerStartMsg {
	s := d.settings()
	return &protocol.ReplServerStartMsg{
		ServerID:                s.ServerID,
		ServerURL:               s.ServerURL,
		BaseDN:                  d.baseDN,
		GenerationID:            d.GenerationID(),
		WindowSize:              s.WindowSize,
		GroupID:                 s.GroupID,
		Weight:                  s.Weight,
		DegradedStatusThreshold: s.DegradedStatusThreshold,
		HeartbeatInterval:       s.HeartbeatInterval,
		ServerState:             d.db.NewestState(),
		ProtocolVersion:         protocol.Version,
	}
}

// setGenerationIDLocked changes and persists the generation id.
func (d *ServerDomain) setGenerationIDLocked(id int64) error {
	if err := d.db.SetGenerationID(id); err != nil {
		return fmt.Errorf("persist generation id of %s: %w", d.baseDN, err)
	}
	d.generationID = id
	d.metrics.SetGenerationID(d.baseDN, id)
	return nil
}

// Put stores msg and forwards it to every interested peer except from.
// An update already stored is a duplicate and is not forwarded again.
func (d *ServerDomain) Put(msg *protocol.UpdateMsg, from *ServerHandler) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrShutdown
	}

	stored, err := d.db.Append(msg)
	if !stored {
		d.mu.Unlock()
		if err != nil {
			return fmt.Errorf("store update %s: %w", msg.CSN(), err)
		}
		d.metrics.DuplicateUpdatesTotal.Inc()
		return nil
	}
	d.updatesReceived++

	for _, h := range d.replServers {
		if h != from && h.strategy.wants(from) {
			h.enqueue(msg)
		}
	}
	for _, h := range d.dataServers {
		if h != from && h.strategy.wants(from) {
			h.enqueue(msg)
		}
	}
	d.mu.Unlock()

	if err != nil {
		// Stored but not numbered. Peers already have it.
		d.logger.Error("update stored without change number", logging.CSN(msg.CSN()), logging.Error(err))
	}
	if d.onUpdate != nil {
		d.onUpdate()
	}
	return nil
}

func (d *ServerDomain) peersLocked(role Role) map[uint16]*ServerHandler {
	if role == RoleReplicationServer {
		return d.replServers
	}
	return d.dataServers
}

// Register admits a handshaking peer. The domain's generation id is adopted
// from the first peer that has one; a peer with another generation id is
// refused. When the same replication server is already connected, the
// session opened by the lower server id is kept and the other one is
// returned for the caller to shut down.
func (d *ServerDomain) Register(h *ServerHandler) (replaced *ServerHandler, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, ErrShutdown
	}

	peers := d.peersLocked(h.Role())
	if existing, ok := peers[h.serverID]; ok {
		if h.Role() != RoleReplicationServer || !h.preferred() || existing.preferred() {
			return nil, fmt.Errorf("%w: server %d in %s", ErrAlreadyConnected, h.serverID, d.baseDN)
		}
		replaced = existing
	}

	switch {
	case h.generationID == changelog.NoGenerationID:
		// A peer without data accepts the domain's generation.
	case d.generationID == changelog.NoGenerationID:
		if err := d.setGenerationIDLocked(h.generationID); err != nil {
			return nil, err
		}
		d.logger.Info("generation id established",
			logging.Int64("generation_id", h.generationID), logging.ServerID(h.serverID))
	case d.generationID != h.generationID:
		return nil, fmt.Errorf("%w: server %d has %d, %s has %d",
			ErrGenerationIDMismatch, h.serverID, h.generationID, d.baseDN, d.generationID)
	}

	peers[h.serverID] = h
	return replaced, nil
}

// Unregister removes h if it is registered. When the last peer leaves an
// empty domain, its generation id is reset.
func (d *ServerDomain) Unregister(h *ServerHandler) {
	d.mu.Lock()
	peers := d.peersLocked(h.Role())
	if peers[h.serverID] != h {
		d.mu.Unlock()
		return
	}
	delete(peers, h.serverID)

	if len(d.dataServers) == 0 && len(d.replServers) == 0 && d.db.IsEmpty() &&
		d.generationID != changelog.NoGenerationID {
		if err := d.setGenerationIDLocked(changelog.NoGenerationID); err != nil {
			d.logger.Warn("generation id not reset", logging.Error(err))
		}
	}
	stopped := d.stopped
	d.mu.Unlock()

	if !stopped {
		d.SendTopologyToAll()
	}
}

// Handlers returns a snapshot of the connected peers of role.
func (d *ServerDomain) Handlers(role Role) []*ServerHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocked(d.peersLocked(role))
}

func (d *ServerDomain) allHandlers() []*ServerHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(d.sortedLocked(d.dataServers), d.sortedLocked(d.replServers)...)
}

func (d *ServerDomain) sortedLocked(m map[uint16]*ServerHandler) []*ServerHandler {
	ids := slices.Sorted(maps.Keys(m))
	out := make([]*ServerHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// Handler returns the connected peer of role with serverID.
func (d *ServerDomain) Handler(role Role, serverID uint16) (*ServerHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.peersLocked(role)[serverID]
	return h, ok
}

// ResetGenerationID installs a new generation id. A different id discards
// the changelog and disconnects every peer of the old generation.
func (d *ServerDomain) ResetGenerationID(id int64) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrShutdown
	}
	if id == d.generationID {
		d.mu.Unlock()
		return nil
	}
	if err := d.db.Clear(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("clear %s: %w", d.baseDN, err)
	}
	if err := d.setGenerationIDLocked(id); err != nil {
		d.mu.Unlock()
		return err
	}
	var stale []*ServerHandler
	for _, m := range []map[uint16]*ServerHandler{d.dataServers, d.replServers} {
		for _, h := range m {
			if h.generationID != id {
				stale = append(stale, h)
			}
		}
	}
	d.mu.Unlock()

	d.logger.Info("generation id reset", logging.Int64("generation_id", id), logging.Count(len(stale)))
	for _, h := range stale {
		h.Stop("generation id reset")
	}
	return nil
}

// StopAllServers disconnects every peer of the domain.
func (d *ServerDomain) StopAllServers() {
	for _, h := range d.allHandlers() {
		h.Stop("replication server reconfigured")
	}
}

// StopReplicationServers disconnects the replication servers reached
// through one of addrs.
func (d *ServerDomain) StopReplicationServers(addrs []string) {
	for _, h := range d.Handlers(RoleReplicationServer) {
		for _, addr := range addrs {
			if h.matches(addr) {
				h.Stop("removed from configuration")
				break
			}
		}
	}
}

// ConnectedRSAddresses returns the advertised, dialed and observed
// addresses of the connected replication servers.
func (d *ServerDomain) ConnectedRSAddresses() []string {
	var out []string
	for _, h := range d.Handlers(RoleReplicationServer) {
		for _, addr := range []string{h.serverURL, h.dialAddr, h.reachAddr} {
			if addr != "" && !slices.Contains(out, addr) {
				out = append(out, addr)
			}
		}
	}
	return out
}

// isConnectedTo reports whether a replication server reached through addr
// is connected.
func (d *ServerDomain) isConnectedTo(addr string) bool {
	return slices.Contains(d.ConnectedRSAddresses(), addr)
}

// LatestServerState returns the newest change stored per server.
func (d *ServerDomain) LatestServerState() csn.ServerState { return d.db.NewestState() }

// OldestServerState returns the oldest change stored per server.
func (d *ServerDomain) OldestServerState() csn.ServerState { return d.db.OldestState() }

// Topology describes the domain as seen from this server.
func (d *ServerDomain) Topology() *protocol.TopologyMsg {
	s := d.settings()
	d.mu.RLock()
	defer d.mu.RUnlock()

	topo := &protocol.TopologyMsg{BaseDN: d.baseDN}
	for _, h := range d.sortedLocked(d.dataServers) {
		topo.DataServers = append(topo.DataServers, d.dsInfo(h, s))
	}
	topo.ReplicationServers = append(topo.ReplicationServers, protocol.RSInfo{
		ServerID:     s.ServerID,
		URL:          s.ServerURL,
		GenerationID: d.generationID,
		GroupID:      s.GroupID,
		Weight:       s.Weight,
		DSCount:      len(d.dataServers),
	})
	for _, h := range d.sortedLocked(d.replServers) {
		topo.ReplicationServers = append(topo.ReplicationServers, rsInfo(h))
	}
	return topo
}

func (d *ServerDomain) dsInfo(h *ServerHandler, s domainSettings) protocol.DSInfo {
	status := protocol.StatusNormal
	if h.Degraded(s.DegradedStatusThreshold) {
		status = protocol.StatusDegraded
	}
	return protocol.DSInfo{
		ServerID:     h.serverID,
		RSServerID:   s.ServerID,
		URL:          h.serverURL,
		GenerationID: h.generationID,
		GroupID:      h.groupID,
		Status:       status,
	}
}

func rsInfo(h *ServerHandler) protocol.RSInfo {
	info := protocol.RSInfo{
		ServerID:     h.serverID,
		URL:          h.serverURL,
		GenerationID: h.generationID,
		GroupID:      h.groupID,
		Weight:       h.Weight(),
	}
	if t := h.Topology(); t != nil {
		info.DSCount = len(t.DataServers)
	}
	return info
}

// SendTopologyToAll sends the current topology to every connected peer.
func (d *ServerDomain) SendTopologyToAll() {
	topo := d.Topology()
	for _, h := range d.allHandlers() {
		if h.State() != StateConnected {
			continue
		}
		if err := h.session.Send(topo); err != nil {
			h.logger.Debug("topology not sent", logging.Error(err))
		}
	}
	if d.onTopo != nil {
		d.onTopo(topo)
	}
}

// UpdateMonitoringPeriod sets how long a Monitor snapshot is reused.
func (d *ServerDomain) UpdateMonitoringPeriod(period time.Duration) {
	d.monMu.Lock()
	d.monitorPeriod = period
	d.lastMonitor = nil
	d.monMu.Unlock()
}

// Monitor returns the domain's monitoring snapshot, refreshed at most once
// per monitoring period.
func (d *ServerDomain) Monitor() protocol.DomainMonitor {
	d.monMu.Lock()
	defer d.monMu.Unlock()

	if d.lastMonitor != nil && time.Since(d.lastMonitorAt) < d.monitorPeriod {
		return *d.lastMonitor
	}

	topo := d.Topology()
	backlog := 0
	for _, h := range d.Handlers(RoleDataServer) {
		backlog += h.Backlog()
	}
	d.maxBacklog = max(d.maxBacklog, backlog)
	d.backlogSum += float64(backlog)
	d.backlogSamples++

	d.mu.RLock()
	received := d.updatesReceived
	gen := d.generationID
	d.mu.RUnlock()

	m := protocol.DomainMonitor{
		BaseDN:          d.baseDN,
		GenerationID:    gen,
		DataServers:     topo.DataServers,
		ReplServers:     topo.ReplicationServers[1:],
		OldestState:     d.db.OldestState(),
		NewestState:     d.db.NewestState(),
		StoredChanges:   d.db.Count(),
		Backlog:         backlog,
		MaxBacklog:      d.maxBacklog,
		AvgBacklog:      d.backlogSum / float64(d.backlogSamples),
		UpdatesReceived: received,
	}
	d.lastMonitor = &m
	d.lastMonitorAt = time.Now()

	degraded := 0
	for _, ds := range m.DataServers {
		if ds.Status == protocol.StatusDegraded {
			degraded++
		}
	}
	d.metrics.SetBacklog(d.baseDN, backlog)
	d.metrics.SetDegraded(d.baseDN, degraded)
	return m
}

// Shutdown disconnects every peer. The domain accepts nothing afterwards.
func (d *ServerDomain) Shutdown() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	for _, h := range d.allHandlers() {
		h.Stop("replication server shutting down")
	}
}
