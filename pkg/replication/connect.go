package replication

import (
	"context"
	gotls "crypto/tls"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

const (
	maxConnectJitter   = 100 * time.Millisecond
	connectParallelism = 4
	waitRecheck        = 500 * time.Millisecond
)

// runConnect keeps this server connected to every configured replication
// server, for every domain.
func (rs *ReplicationServer) runConnect() {
	defer rs.wg.Done()

	for {
		rs.connectPass()

		interval := rs.Config().ConnectInterval + rand.N(maxConnectJitter)
		timer := time.NewTimer(interval)
		select {
		case <-rs.stopCh:
			timer.Stop()
			return
		case <-rs.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// wakeConnect starts a connect pass without waiting for the interval.
func (rs *ReplicationServer) wakeConnect() {
	select {
	case rs.wakeCh <- struct{}{}:
	default:
	}
}

func (rs *ReplicationServer) connectPass() {
	rs.ticketMu.Lock()
	rs.inProgress = true
	rs.ticketMu.Unlock()

	defer func() {
		rs.ticketMu.Lock()
		rs.ticket++
		rs.inProgress = false
		close(rs.ticketCh)
		rs.ticketCh = make(chan struct{})
		rs.ticketMu.Unlock()
	}()

	rs.metrics.ReconnectPassesTotal.Inc()
	cfg := rs.Config()
	if len(cfg.Peers) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-rs.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var g errgroup.Group
	g.SetLimit(connectParallelism)
	for _, d := range rs.Domains() {
		for _, addr := range cfg.Peers {
			if rs.isSelf(addr) || rs.connectedTo(d, addr) {
				continue
			}
			g.Go(func() error {
				if err := rs.connectToRS(ctx, d, addr, cfg); err != nil && !rs.stopping() {
					rs.logger.Debug("replication server not connected",
						logging.BaseDN(d.BaseDN()), logging.Peer(addr), logging.Error(err))
				}
				return nil
			})
		}
	}
	g.Wait()
}

// WaitConnections wakes the connect loop and returns once a full connect
// pass has started and finished after the call.
func (rs *ReplicationServer) WaitConnections(ctx context.Context) error {
	if !rs.isRunning() {
		return ErrNotRunning
	}

	rs.ticketMu.Lock()
	target := rs.ticket + 1
	if rs.inProgress {
		target++
	}
	rs.ticketMu.Unlock()
	rs.wakeConnect()

	for {
		rs.ticketMu.Lock()
		reached := rs.ticket >= target
		ch := rs.ticketCh
		rs.ticketMu.Unlock()
		if reached {
			return nil
		}

		select {
		case <-ch:
		case <-time.After(waitRecheck):
		case <-ctx.Done():
			return ctx.Err()
		case <-rs.stopCh:
			return ErrShutdown
		}
	}
}

func (rs *ReplicationServer) markSelf(addr string) {
	rs.selfMu.Lock()
	rs.selfAddrs[addr] = true
	rs.selfMu.Unlock()
	rs.logger.Info("configured replication server is this server", logging.Peer(addr))
}

// notePeer records that the replication server at addr is id. Refusals
// carry the peer's description too, so an address that reaches an already
// connected server is learned on the first attempt.
func (rs *ReplicationServer) notePeer(addr string, id uint16) {
	rs.selfMu.Lock()
	defer rs.selfMu.Unlock()
	rs.peerIDs[addr] = id
}

func (rs *ReplicationServer) peerAt(addr string) (uint16, bool) {
	rs.selfMu.Lock()
	defer rs.selfMu.Unlock()
	id, ok := rs.peerIDs[addr]
	return id, ok
}

func (rs *ReplicationServer) forgetPeer(addr string) {
	rs.selfMu.Lock()
	defer rs.selfMu.Unlock()
	delete(rs.peerIDs, addr)
}

// connectedTo reports whether d has a session with the replication server
// configured at addr, matching by address or by the id last seen there.
func (rs *ReplicationServer) connectedTo(d *ServerDomain, addr string) bool {
	if d.isConnectedTo(addr) {
		return true
	}
	id, ok := rs.peerAt(addr)
	if !ok {
		return false
	}
	_, ok = d.Handler(RoleReplicationServer, id)
	return ok
}

// stopRemovedPeers disconnects the replication servers no longer reached
// through any configured address.
func (rs *ReplicationServer) stopRemovedPeers(removed, kept []string) {
	var ids []uint16
	for _, addr := range removed {
		if id, ok := rs.peerAt(addr); ok {
			ids = append(ids, id)
		}
		rs.forgetPeer(addr)
	}
	for _, addr := range kept {
		if id, ok := rs.peerAt(addr); ok {
			ids = slices.DeleteFunc(ids, func(x uint16) bool { return x == id })
		}
	}
	for _, d := range rs.Domains() {
		d.StopReplicationServers(removed)
		for _, id := range ids {
			if h, ok := d.Handler(RoleReplicationServer, id); ok {
				h.Stop("removed from configuration")
			}
		}
	}
}

// isSelf reports whether addr reaches this server.
func (rs *ReplicationServer) isSelf(addr string) bool {
	rs.selfMu.Lock()
	known := rs.selfAddrs[addr]
	rs.selfMu.Unlock()
	if known || addr == rs.ServerURL() {
		return true
	}

	bound := rs.Addr()
	if bound == nil {
		return false
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	_, localPort, err := net.SplitHostPort(bound.String())
	if err != nil || port != localPort {
		return false
	}
	return isLocalHost(host)
}

func isLocalHost(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	if name, err := os.Hostname(); err == nil && strings.EqualFold(host, name) {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
			return true
		}
	}
	return false
}

func (rs *ReplicationServer) tlsClient(addr string) *gotls.Config {
	rs.tlsMu.RLock()
	base := rs.clientTLS
	rs.tlsMu.RUnlock()
	if base == nil {
		return nil
	}
	cfg := base.Clone()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		cfg.ServerName = host
	}
	return cfg
}

// connectToRS opens a session to the replication server at addr for
// domain d and serves it in a new goroutine.
func (rs *ReplicationServer) connectToRS(ctx context.Context, d *ServerDomain, addr string, cfg ServerConfig) error {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	if cfg.SourceAddress != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(cfg.SourceAddress)}
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		rs.metrics.OutboundConnectsTotal.WithLabelValues("failed").Inc()
		return err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	if tlsCfg := rs.tlsClient(addr); tlsCfg != nil {
		tconn := gotls.Client(conn, tlsCfg)
		hctx, cancel := handshakeContext(cfg.HandshakeTimeout)
		err := tconn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			conn.Close()
			rs.metrics.OutboundConnectsTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("TLS handshake with %s: %w", addr, err)
		}
		conn = tconn
	}

	sess := NewSession(conn, cfg.HandshakeTimeout)
	h := newServerHandler(replicationServerRole{}, sess, d, d.handlerOptions())
	h.outbound = true
	h.dialAddr = addr
	if err := h.transition(StateConnecting, StateHandshaking); err != nil {
		sess.Close()
		return err
	}

	reply, err := rs.handshakeRS(sess, d, cfg)
	if err != nil {
		sess.Close()
		rs.metrics.OutboundConnectsTotal.WithLabelValues("refused").Inc()
		return err
	}
	if reply.Server.ServerID == cfg.ServerID {
		sess.Close()
		rs.markSelf(addr)
		return nil
	}
	rs.notePeer(addr, reply.Server.ServerID)
	if !reply.Accepted() {
		sess.Close()
		rs.metrics.OutboundConnectsTotal.WithLabelValues("refused").Inc()
		return &HandshakeError{Code: reply.Code, Message: reply.Message}
	}

	h.fromReplServerStart(reply.Server)
	replaced, err := d.Register(h)
	if err != nil {
		if serr := sess.Send(&protocol.StopMsg{Reason: err.Error()}); serr != nil {
			rs.logger.Debug("stop message not sent", logging.Error(serr))
		}
		sess.Close()
		rs.metrics.OutboundConnectsTotal.WithLabelValues("refused").Inc()
		return err
	}
	if replaced != nil {
		replaced.Stop("superseded by another session")
	}
	if err := h.start(); err != nil {
		h.Shutdown()
		return err
	}
	rs.metrics.OutboundConnectsTotal.WithLabelValues("connected").Inc()
	d.SendTopologyToAll()

	rs.trackSession(sess)
	rs.connWG.Add(1)
	go func() {
		defer rs.connWG.Done()
		defer rs.untrackSession(sess)
		h.serve()
	}()
	return nil
}

// handshakeRS sends our start message and reads the peer's reply.
func (rs *ReplicationServer) handshakeRS(sess Session, d *ServerDomain, cfg ServerConfig) (*protocol.HandshakeReply, error) {
	if err := sess.Send(d.localStart()); err != nil {
		return nil, err
	}
	p, err := receiveWithin(sess, cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	reply, ok := p.(*protocol.HandshakeReply)
	if !ok {
		return nil, fmt.Errorf("%w: %s instead of handshake reply", ErrProtocolViolation, p.MessageType())
	}
	if reply.Server == nil {
		if !reply.Accepted() {
			return nil, &HandshakeError{Code: reply.Code, Message: reply.Message}
		}
		return nil, fmt.Errorf("%w: handshake reply without server description", ErrProtocolViolation)
	}
	if err := checkVersion(reply.Server.ProtocolVersion); err != nil {
		return nil, err
	}
	return reply, nil
}
