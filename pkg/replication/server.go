package replication

import (
	"context"
	gotls "crypto/tls"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/changelog/filestore"
	"github.com/dd0wney/cluso-changelog/pkg/changelog/pgstore"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// Options holds the collaborators of a ReplicationServer. Zero values get
// process defaults.
type Options struct {
	Logger   logging.Logger
	Metrics  *metrics.Registry
	Registry *Registry
	// Backend overrides the changelog backend selected by the configuration.
	Backend changelog.Backend
	// SearchLayer receives the external changelog workflow. Defaults to a
	// MemorySearchLayer.
	SearchLayer SearchLayer
}

// ReplicationServer accepts data servers, replication servers and external
// changelog readers, keeps one changelog per replicated base DN and
// maintains connections to the other replication servers of the topology.
type ReplicationServer struct {
	logger      logging.Logger
	metrics     *metrics.Registry
	registry    *Registry
	searchLayer SearchLayer
	backend     changelog.Backend
	instanceID  string

	cfgMu     sync.RWMutex
	cfg       ServerConfig
	serverURL string
	// serializes ApplyConfigurationChange
	changeMu sync.Mutex

	tlsMu     sync.RWMutex
	serverTLS *gotls.Config
	clientTLS *gotls.Config

	changelog *changelog.Changelog
	publisher Publisher

	domainsMu sync.RWMutex
	domains   map[string]*ServerDomain

	lnMu      sync.Mutex
	listener  net.Listener
	lnStopped bool
	// lnDone is closed when the accept loop of listener returns.
	lnDone chan struct{}

	sessMu   sync.Mutex
	sessions map[Session]struct{}

	selfMu    sync.Mutex
	selfAddrs map[string]bool
	// peerIDs maps configured peer addresses to the server id that
	// answered there.
	peerIDs map[string]uint16

	ticketMu   sync.Mutex
	ticket     uint64
	inProgress bool
	ticketCh   chan struct{}
	wakeCh     chan struct{}

	eclMu      sync.Mutex
	eclEnabled bool
	writers    map[*ECLServerWriter]struct{}

	monitorReset chan struct{}

	startMu      sync.Mutex
	started      bool
	stopped      bool
	stopCh       chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

	wg     sync.WaitGroup // listen, connect and monitor loops
	connWG sync.WaitGroup // peer sessions
	eclWG  sync.WaitGroup // external changelog writers
}

// New creates a stopped replication server.
func New(cfg ServerConfig, opts Options) (*ReplicationServer, error) {
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rs := &ReplicationServer{
		metrics:      metrics.OrDefault(opts.Metrics),
		registry:     opts.Registry,
		searchLayer:  opts.SearchLayer,
		backend:      opts.Backend,
		instanceID:   uuid.NewString(),
		cfg:          cfg,
		domains:      make(map[string]*ServerDomain),
		sessions:     make(map[Session]struct{}),
		selfAddrs:    make(map[string]bool),
		peerIDs:      make(map[string]uint16),
		ticketCh:     make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
		writers:      make(map[*ECLServerWriter]struct{}),
		monitorReset: make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	rs.logger = logging.OrDefault(opts.Logger).With(
		logging.Component("replication-server"), logging.ServerID(cfg.ServerID))
	if rs.registry == nil {
		rs.registry = DefaultRegistry()
	}
	if rs.searchLayer == nil {
		rs.searchLayer = NewMemorySearchLayer()
	}
	return rs, nil
}

func (rs *ReplicationServer) InstanceID() string { return rs.instanceID }

func (rs *ReplicationServer) ServerID() uint16 {
	rs.cfgMu.RLock()
	defer rs.cfgMu.RUnlock()
	return rs.cfg.ServerID
}

// ServerURL returns the address advertised to peers.
func (rs *ReplicationServer) ServerURL() string {
	rs.cfgMu.RLock()
	defer rs.cfgMu.RUnlock()
	return rs.serverURL
}

// Config returns a copy of the active configuration.
func (rs *ReplicationServer) Config() ServerConfig {
	rs.cfgMu.RLock()
	defer rs.cfgMu.RUnlock()
	return rs.cfg.Clone()
}

// Addr returns the bound replication address, or nil before Start.
func (rs *ReplicationServer) Addr() net.Addr {
	rs.lnMu.Lock()
	defer rs.lnMu.Unlock()
	if rs.listener == nil {
		return nil
	}
	return rs.listener.Addr()
}

// SearchLayer returns the layer the external changelog is published to.
func (rs *ReplicationServer) SearchLayer() SearchLayer { return rs.searchLayer }

// Changelog returns the changelog database, or nil before Start.
func (rs *ReplicationServer) Changelog() *changelog.Changelog { return rs.changelog }

func (rs *ReplicationServer) isRunning() bool {
	rs.startMu.Lock()
	defer rs.startMu.Unlock()
	return rs.started && !rs.stopped
}

func (rs *ReplicationServer) stopping() bool {
	select {
	case <-rs.stopCh:
		return true
	default:
		return false
	}
}

func (rs *ReplicationServer) settings() domainSettings {
	rs.cfgMu.RLock()
	defer rs.cfgMu.RUnlock()
	return domainSettings{
		ServerID:                rs.cfg.ServerID,
		ServerURL:               rs.serverURL,
		GroupID:                 rs.cfg.GroupID,
		Weight:                  rs.cfg.Weight,
		DegradedStatusThreshold: rs.cfg.DegradedStatusThreshold,
		QueueSize:               rs.cfg.QueueSize,
		WindowSize:              rs.cfg.WindowSize,
		HeartbeatInterval:       rs.cfg.HeartbeatInterval,
	}
}

func openBackend(ctx context.Context, cfg ServerConfig, logger logging.Logger) (changelog.Backend, error) {
	switch cfg.DBImplementation {
	case DBMemory:
		return changelog.NewMemoryBackend(), nil
	case DBPostgres:
		b, err := pgstore.Open(ctx, cfg.DBURL, pgstore.Options{})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		b, err := filestore.Open(cfg.DBDirectory, filestore.Options{Compress: cfg.DBCompress, Logger: logger})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// Start opens the changelog, binds the replication port and starts the
// listen, connect and monitoring loops. A changelog that cannot be opened
// leaves the server unusable and is returned.
func (rs *ReplicationServer) Start(ctx context.Context) error {
	rs.startMu.Lock()
	defer rs.startMu.Unlock()
	if rs.started {
		return ErrAlreadyRunning
	}
	if rs.stopped {
		return ErrShutdown
	}

	cfg := rs.Config()
	cleanup := NewResourceCleanup(rs.logger)
	defer cleanup.Cleanup()

	backend := rs.backend
	if backend == nil {
		var err error
		backend, err = openBackend(ctx, cfg, rs.logger)
		if err != nil {
			return fmt.Errorf("open changelog backend %s: %w", cfg.DBImplementation, err)
		}
	}
	cl := changelog.New(backend, changelog.Options{
		PurgeDelay:          cfg.PurgeDelay,
		ComputeChangeNumber: cfg.ComputeChangeNumber,
		Logger:              rs.logger,
		Metrics:             rs.metrics,
	})
	if err := cl.InitializeDB(); err != nil {
		if cerr := backend.Close(); cerr != nil {
			rs.logger.Warn("closing changelog backend", logging.Error(cerr))
		}
		return fmt.Errorf("initialize changelog: %w", err)
	}
	cleanup.AddFunc(cl.ShutdownDB, "changelog")
	rs.changelog = cl

	if err := rs.loadTLS(cfg); err != nil {
		return err
	}

	for _, dn := range rs.initialBaseDNs(cfg) {
		if _, err := rs.Domain(dn, true); err != nil {
			return err
		}
	}
	cleanup.AddFunc(func() error {
		rs.shutdownDomains()
		return nil
	}, "domains")

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	cleanup.Add(ln, "replication listener")

	if cfg.MonitorPublishAddr != "" {
		p, err := NewPublisher(cfg.MonitorTransport, cfg.MonitorPublishAddr)
		if err != nil {
			return err
		}
		cleanup.Add(p, "monitor publisher")
		rs.publisher = p
	}
	cleanup.Clear()

	rs.lnMu.Lock()
	rs.serveListener(ln)
	rs.lnMu.Unlock()
	rs.setServerURL(cfg, ln.Addr())

	rs.started = true
	rs.wg.Add(2)
	go rs.runConnect()
	go rs.runMonitor()

	rs.registry.Register(rs)
	rs.logger.Info("replication server started",
		logging.String("listen", ln.Addr().String()),
		logging.String("url", rs.ServerURL()),
		logging.String("changelog", backend.Name()),
		logging.Count(len(rs.Domains())))
	return nil
}

func (rs *ReplicationServer) initialBaseDNs(cfg ServerConfig) []string {
	set := make(map[string]struct{})
	for _, dn := range cfg.BaseDNs {
		set[dn] = struct{}{}
	}
	for _, dn := range rs.changelog.BaseDNs() {
		set[dn] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

func (rs *ReplicationServer) loadTLS(cfg ServerConfig) error {
	server, err := cfg.TLS.ServerConfig()
	if err != nil {
		return fmt.Errorf("TLS server configuration: %w", err)
	}
	client, err := cfg.TLS.ClientConfig("")
	if err != nil {
		return fmt.Errorf("TLS client configuration: %w", err)
	}
	rs.tlsMu.Lock()
	rs.serverTLS, rs.clientTLS = server, client
	rs.tlsMu.Unlock()
	return nil
}

// setServerURL derives the advertised address from the bound one unless
// the configuration names it.
func (rs *ReplicationServer) setServerURL(cfg ServerConfig, bound net.Addr) {
	url := cfg.ServerURL
	if url == "" {
		host, port, err := net.SplitHostPort(bound.String())
		if err == nil {
			if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
				host = "localhost"
				if name, err := os.Hostname(); err == nil && name != "" {
					host = name
				}
			}
			url = net.JoinHostPort(host, port)
		} else {
			url = bound.String()
		}
	}
	rs.cfgMu.Lock()
	rs.serverURL = url
	rs.cfgMu.Unlock()
}

// Domain returns the domain of baseDN, creating it when create is set.
func (rs *ReplicationServer) Domain(baseDN string, create bool) (*ServerDomain, error) {
	rs.domainsMu.RLock()
	d, ok := rs.domains[baseDN]
	rs.domainsMu.RUnlock()
	if ok {
		return d, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDomain, baseDN)
	}
	if rs.changelog == nil {
		return nil, ErrNotRunning
	}

	rs.domainsMu.Lock()
	defer rs.domainsMu.Unlock()
	if d, ok := rs.domains[baseDN]; ok {
		return d, nil
	}
	if rs.stopping() {
		return nil, ErrShutdown
	}
	db, err := rs.changelog.DomainDB(baseDN)
	if err != nil {
		return nil, fmt.Errorf("open changelog of %s: %w", baseDN, err)
	}
	d = newServerDomain(db, domainOptions{
		settings:   rs.settings,
		logger:     rs.logger,
		metrics:    rs.metrics,
		onUpdate:   rs.notifyECL,
		onTopology: rs.publishTopology,
	})
	d.UpdateMonitoringPeriod(rs.Config().MonitoringPeriod)
	rs.domains[baseDN] = d
	rs.logger.Info("domain created", logging.BaseDN(baseDN))
	return d, nil
}

// Domains returns the domains ordered by base DN.
func (rs *ReplicationServer) Domains() []*ServerDomain {
	rs.domainsMu.RLock()
	defer rs.domainsMu.RUnlock()
	out := make([]*ServerDomain, 0, len(rs.domains))
	for _, dn := range slices.Sorted(maps.Keys(rs.domains)) {
		out = append(out, rs.domains[dn])
	}
	return out
}

// RemoveDomain disconnects the peers of baseDN and deletes its changelog.
func (rs *ReplicationServer) RemoveDomain(baseDN string) error {
	rs.domainsMu.Lock()
	d, ok := rs.domains[baseDN]
	delete(rs.domains, baseDN)
	rs.domainsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchDomain, baseDN)
	}

	d.Shutdown()
	if err := rs.changelog.RemoveDomain(baseDN); err != nil {
		return err
	}
	rs.metrics.ForgetDomain(baseDN)
	rs.logger.Info("domain removed", logging.BaseDN(baseDN))
	return nil
}

// GenerationID returns the generation id of baseDN, or
// changelog.NoGenerationID when the domain is unknown.
func (rs *ReplicationServer) GenerationID(baseDN string) int64 {
	d, err := rs.Domain(baseDN, false)
	if err != nil {
		return changelog.NoGenerationID
	}
	return d.GenerationID()
}

// ChangeNumberIndex returns the change number index, or nil before Start.
func (rs *ReplicationServer) ChangeNumberIndex() *changelog.ChangeNumberIndex {
	if rs.changelog == nil {
		return nil
	}
	return rs.changelog.ChangeNumberIndexDB()
}

// ComputeChangeNumber reports whether stored changes get change numbers.
func (rs *ReplicationServer) ComputeChangeNumber() bool {
	return rs.changelog != nil && rs.changelog.ComputeChangeNumber()
}

func (rs *ReplicationServer) trackSession(s Session) {
	rs.sessMu.Lock()
	rs.sessions[s] = struct{}{}
	rs.sessMu.Unlock()
}

func (rs *ReplicationServer) untrackSession(s Session) {
	rs.sessMu.Lock()
	delete(rs.sessions, s)
	rs.sessMu.Unlock()
}

func (rs *ReplicationServer) closeSessions() {
	rs.sessMu.Lock()
	sessions := slices.Collect(maps.Keys(rs.sessions))
	rs.sessMu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (rs *ReplicationServer) shutdownDomains() {
	for _, d := range rs.Domains() {
		d.Shutdown()
	}
}

// Shutdown stops the loops, disconnects every peer and reader and closes
// the changelog. It is idempotent; every call returns the result of the
// first.
func (rs *ReplicationServer) Shutdown() error {
	rs.shutdownOnce.Do(func() {
		rs.startMu.Lock()
		started := rs.started
		rs.stopped = true
		rs.startMu.Unlock()

		close(rs.stopCh)
		if !started {
			return
		}

		var errs []error
		rs.lnMu.Lock()
		rs.lnStopped = true
		if rs.listener != nil {
			if err := rs.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("close listener: %w", err))
			}
		}
		rs.lnMu.Unlock()
		rs.wg.Wait()

		if err := rs.DisableExternalChangelog(); err != nil {
			errs = append(errs, err)
		}
		rs.shutdownDomains()
		rs.closeSessions()
		rs.connWG.Wait()
		rs.eclWG.Wait()

		if rs.publisher != nil {
			if err := rs.publisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close monitor publisher: %w", err))
			}
		}
		if err := rs.changelog.ShutdownDB(); err != nil {
			errs = append(errs, fmt.Errorf("shut down changelog: %w", err))
		}
		rs.registry.Deregister(rs)

		if len(errs) > 0 {
			rs.shutdownErr = errs[0]
			for _, err := range errs[1:] {
				rs.logger.Warn("shutdown", logging.Error(err))
			}
		}
		rs.logger.Info("replication server stopped")
	})
	return rs.shutdownErr
}

// Done is closed when Shutdown starts.
func (rs *ReplicationServer) Done() <-chan struct{} { return rs.stopCh }

// handshakeContext bounds a TLS handshake.
func handshakeContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// selfStart describes this server when no domain exists for baseDN.
func (rs *ReplicationServer) selfStart(baseDN string) *protocol.ReplServerStartMsg {
	s := rs.settings()
	return &protocol.ReplServerStartMsg{
		ServerID:        s.ServerID,
		ServerURL:       s.ServerURL,
		BaseDN:          baseDN,
		GenerationID:    changelog.NoGenerationID,
		ProtocolVersion: protocol.Version,
	}
}
