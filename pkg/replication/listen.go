package replication

import (
	gotls "crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// serveListener makes ln the replication listener and starts its accept
// loop. lnMu must be held.
func (rs *ReplicationServer) serveListener(ln net.Listener) {
	done := make(chan struct{})
	rs.listener = ln
	rs.lnDone = done
	rs.wg.Add(1)
	go rs.runListen(ln, done)
}

// runListen accepts sessions on ln until it is closed, then closes done.
func (rs *ReplicationServer) runListen(ln net.Listener, done chan<- struct{}) {
	defer rs.wg.Done()
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if rs.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			rs.logger.Warn("accept failed", logging.Error(err))
			select {
			case <-rs.stopCh:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		rs.connWG.Add(1)
		go func() {
			defer rs.connWG.Done()
			rs.handleConnection(conn)
		}()
	}
}

// restartListener moves the replication port to addr. The old accept loop
// has returned before anything is bound. When addr cannot be bound the
// previous address is bound again and the error returned.
func (rs *ReplicationServer) restartListener(addr string) error {
	rs.lnMu.Lock()
	defer rs.lnMu.Unlock()
	if rs.lnStopped || rs.listener == nil {
		return ErrNotRunning
	}

	old, oldDone := rs.listener, rs.lnDone
	oldAddr := old.Addr().String()
	rs.listener, rs.lnDone = nil, nil
	if err := old.Close(); err != nil {
		rs.logger.Debug("close listener", logging.Error(err))
	}
	<-oldDone

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		back, rerr := net.Listen("tcp", oldAddr)
		if rerr != nil {
			rs.logger.Error("replication port lost",
				logging.String("address", oldAddr), logging.Error(rerr))
			return errors.Join(fmt.Errorf("listen on %s: %w", addr, err), rerr)
		}
		ln, err = back, fmt.Errorf("listen on %s: %w", addr, err)
	}

	rs.serveListener(ln)
	rs.setServerURL(rs.Config(), ln.Addr())
	rs.logger.Info("replication listener bound", logging.String("address", ln.Addr().String()))
	return err
}

func (rs *ReplicationServer) tlsServer() *gotls.Config {
	rs.tlsMu.RLock()
	defer rs.tlsMu.RUnlock()
	return rs.serverTLS
}

// handleConnection secures a new session and dispatches it on its first
// message.
func (rs *ReplicationServer) handleConnection(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	cfg := rs.Config()

	if tlsCfg := rs.tlsServer(); tlsCfg != nil {
		tconn := gotls.Server(conn, tlsCfg)
		ctx, cancel := handshakeContext(cfg.HandshakeTimeout)
		err := tconn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			rs.logger.Debug("TLS handshake failed", logging.Peer(conn.RemoteAddr().String()), logging.Error(err))
			conn.Close()
			return
		}
		conn = tconn
	}

	sess := NewSession(conn, cfg.HandshakeTimeout)
	rs.trackSession(sess)
	defer rs.untrackSession(sess)

	first, err := receiveWithin(sess, cfg.HandshakeTimeout)
	if err != nil {
		if !rs.stopping() {
			rs.logger.Debug("no start message", logging.Peer(sess.RemoteAddr()), logging.Error(err))
		}
		sess.Close()
		return
	}

	switch m := first.(type) {
	case *protocol.ServerStartMsg:
		rs.startFromRemoteDS(sess, m)
	case *protocol.ReplServerStartMsg:
		rs.startFromRemoteRS(sess, m)
	case *protocol.StartECLSessionMsg:
		rs.startECLSession(sess, m)
	default:
		rs.metrics.ProtocolViolationsTotal.Inc()
		rs.refuse(sess, "unknown", fmt.Errorf("%w: %s before start message", ErrProtocolViolation, first.MessageType()), nil)
	}
}

// refuse answers a start message with a refusal and closes the session.
func (rs *ReplicationServer) refuse(sess Session, role string, err error, server *protocol.ReplServerStartMsg) {
	code := replyCodeFor(err)
	reply := &protocol.HandshakeReply{Code: code, Message: err.Error(), Server: server}
	if serr := sess.Send(reply); serr != nil {
		rs.logger.Debug("refusal not sent", logging.Error(serr))
	}
	sess.Close()
	rs.metrics.RecordHandshake(role, string(code))
	rs.logger.Info("session refused",
		logging.Role(role), logging.Peer(sess.RemoteAddr()), logging.Error(err))
}

// reachableAt joins the host a peer connected from with the port it
// advertises. A peer advertising a host name is usually configured here by
// that address instead.
func reachableAt(remote, advertised string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return ""
	}
	_, port, err := net.SplitHostPort(advertised)
	if err != nil {
		return ""
	}
	return net.JoinHostPort(host, port)
}

func checkVersion(v int) error {
	if v != protocol.Version {
		return fmt.Errorf("%w: protocol version %d, want %d", ErrProtocolViolation, v, protocol.Version)
	}
	return nil
}

// startFromRemoteDS handshakes with a data server.
func (rs *ReplicationServer) startFromRemoteDS(sess Session, m *protocol.ServerStartMsg) {
	role := RoleDataServer.String()
	if err := checkVersion(m.ProtocolVersion); err != nil {
		rs.refuse(sess, role, err, nil)
		return
	}
	d, err := rs.Domain(m.BaseDN, true)
	if err != nil {
		rs.refuse(sess, role, err, nil)
		return
	}

	h := newServerHandler(dataServerRole{}, sess, d, d.handlerOptions())
	if err := h.transition(StateConnecting, StateHandshaking); err != nil {
		rs.refuse(sess, role, err, nil)
		return
	}
	h.fromServerStart(m)
	rs.accept(h)
}

// startFromRemoteRS handshakes with a replication server that dialed us.
func (rs *ReplicationServer) startFromRemoteRS(sess Session, m *protocol.ReplServerStartMsg) {
	role := RoleReplicationServer.String()
	if err := checkVersion(m.ProtocolVersion); err != nil {
		rs.refuse(sess, role, err, nil)
		return
	}
	if m.ServerID == rs.ServerID() {
		rs.refuse(sess, role, errSelfConnection, rs.selfStart(m.BaseDN))
		return
	}
	d, err := rs.Domain(m.BaseDN, true)
	if err != nil {
		rs.refuse(sess, role, err, nil)
		return
	}

	h := newServerHandler(replicationServerRole{}, sess, d, d.handlerOptions())
	if err := h.transition(StateConnecting, StateHandshaking); err != nil {
		rs.refuse(sess, role, err, nil)
		return
	}
	h.fromReplServerStart(m)
	h.reachAddr = reachableAt(sess.RemoteAddr(), m.ServerURL)
	rs.accept(h)
}

// accept registers a handshaking handler, replies and serves the session
// until it ends.
func (rs *ReplicationServer) accept(h *ServerHandler) {
	d := h.domain
	role := h.Role().String()

	replaced, err := d.Register(h)
	if err != nil {
		rs.refuse(h.session, role, err, d.localStart())
		return
	}
	if replaced != nil {
		replaced.Stop("superseded by another session")
	}

	if err := h.session.Send(&protocol.HandshakeReply{Code: protocol.ReplyOK, Server: d.localStart()}); err != nil {
		h.logger.Warn("handshake reply not sent", logging.Error(err))
		h.Shutdown()
		return
	}
	if err := h.start(); err != nil {
		h.Shutdown()
		return
	}
	rs.metrics.RecordHandshake(role, string(protocol.ReplyOK))
	d.SendTopologyToAll()
	h.serve()
}
