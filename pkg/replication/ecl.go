package replication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// EnableExternalChangelog publishes the external changelog once a connect
// pass has completed, so the first readers see the changes of every
// reachable replication server.
func (rs *ReplicationServer) EnableExternalChangelog(ctx context.Context) error {
	if err := rs.WaitConnections(ctx); err != nil {
		return err
	}

	rs.eclMu.Lock()
	defer rs.eclMu.Unlock()
	if rs.eclEnabled {
		return nil
	}

	if err := rs.searchLayer.RegisterWorkflow(ECLWorkflowName, rs); err != nil {
		return fmt.Errorf("register %s workflow: %w", ECLWorkflowName, err)
	}
	var registered []string
	for _, attr := range rs.eclAttributes() {
		if err := rs.searchLayer.RegisterVirtualAttribute(attr.name, attr.value); err != nil {
			for _, name := range registered {
				rs.searchLayer.DeregisterVirtualAttribute(name)
			}
			rs.searchLayer.DeregisterWorkflow(ECLWorkflowName)
			return fmt.Errorf("register attribute %s: %w", attr.name, err)
		}
		registered = append(registered, attr.name)
	}

	rs.eclEnabled = true
	rs.logger.Info("external changelog enabled")
	return nil
}

type eclAttribute struct {
	name  string
	value func() string
}

func (rs *ReplicationServer) eclAttributes() []eclAttribute {
	return []eclAttribute{
		{AttrLastChangelogCookie, func() string { return rs.NewestECLCookie(nil).String() }},
		{AttrFirstChangeNumber, func() string { return strconv.FormatInt(rs.OldestChangeNumber(), 10) }},
		{AttrLastChangeNumber, func() string { return strconv.FormatInt(rs.NewestChangeNumber(), 10) }},
		{AttrChangelog, func() string { return ECLBaseDN }},
	}
}

// DisableExternalChangelog withdraws the external changelog and ends every
// running search.
func (rs *ReplicationServer) DisableExternalChangelog() error {
	rs.eclMu.Lock()
	if !rs.eclEnabled {
		rs.eclMu.Unlock()
		return nil
	}
	rs.eclEnabled = false
	writers := make([]*ECLServerWriter, 0, len(rs.writers))
	for w := range rs.writers {
		writers = append(writers, w)
	}
	rs.eclMu.Unlock()

	var errs []error
	for _, attr := range rs.eclAttributes() {
		if err := rs.searchLayer.DeregisterVirtualAttribute(attr.name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rs.searchLayer.DeregisterWorkflow(ECLWorkflowName); err != nil {
		errs = append(errs, err)
	}
	for _, w := range writers {
		w.ShutdownWriter()
	}
	rs.logger.Info("external changelog disabled", logging.Count(len(writers)))
	return errors.Join(errs...)
}

// ECLEnabled reports whether the external changelog is published.
func (rs *ReplicationServer) ECLEnabled() bool {
	rs.eclMu.Lock()
	defer rs.eclMu.Unlock()
	return rs.eclEnabled
}

func (rs *ReplicationServer) addWriter(w *ECLServerWriter) bool {
	rs.eclMu.Lock()
	defer rs.eclMu.Unlock()
	if !rs.eclEnabled {
		return false
	}
	rs.writers[w] = struct{}{}
	rs.eclWG.Add(1)
	rs.metrics.ECLSessions.Inc()
	return true
}

func (rs *ReplicationServer) removeWriter(w *ECLServerWriter) {
	rs.eclMu.Lock()
	defer rs.eclMu.Unlock()
	if _, ok := rs.writers[w]; ok {
		delete(rs.writers, w)
		rs.eclWG.Done()
		rs.metrics.ECLSessions.Dec()
	}
}

// notifyECL wakes the writers after a change was stored.
func (rs *ReplicationServer) notifyECL() {
	rs.eclMu.Lock()
	defer rs.eclMu.Unlock()
	for w := range rs.writers {
		w.notify()
	}
}

// startECLSession serves an external changelog reader on sess.
func (rs *ReplicationServer) startECLSession(sess Session, m *protocol.StartECLSessionMsg) {
	role := RoleECL.String()
	if !rs.ECLEnabled() {
		rs.refuse(sess, role, ErrECLDisabled, nil)
		return
	}
	h, err := newECLServerHandler(rs, m)
	if err != nil {
		rs.refuse(sess, role, err, nil)
		return
	}
	w := newECLServerWriter(h, sess, nil, rs.logger, rs.metrics)
	if !rs.addWriter(w) {
		rs.refuse(sess, role, ErrECLDisabled, nil)
		return
	}
	defer rs.removeWriter(w)

	if err := sess.Send(&protocol.HandshakeReply{Code: protocol.ReplyOK, SessionID: h.SessionID()}); err != nil {
		sess.Close()
		return
	}
	rs.metrics.RecordHandshake(role, string(protocol.ReplyOK))
	w.logger.Info("external changelog session started",
		logging.Peer(sess.RemoteAddr()), logging.Stringer("mode", h.Mode()))

	go w.run()
	w.ResumeWriter()

	rs.readECLSession(sess, w)

	w.ShutdownWriter()
	sess.Close()
	<-w.Done()
}

// readECLSession handles what a reader sends while its search runs: a new
// start message restarts the search.
func (rs *ReplicationServer) readECLSession(sess Session, w *ECLServerWriter) {
	for {
		p, err := sess.Receive()
		if err != nil {
			return
		}
		switch m := p.(type) {
		case *protocol.StartECLSessionMsg:
			if err := w.handler.restart(m); err != nil {
				sess.Send(&protocol.ErrorMsg{Code: string(replyCodeFor(err)), Message: err.Error(), Fatal: true})
				return
			}
			if err := w.ResumeWriter(); err != nil {
				return
			}
		case *protocol.HeartbeatMsg:
		case *protocol.StopMsg:
			return
		default:
			rs.metrics.ProtocolViolationsTotal.Inc()
			return
		}
	}
}

// StartPersistentSearch runs an external changelog search delivering to
// ps until ctx is done or delivery fails.
func (rs *ReplicationServer) StartPersistentSearch(ctx context.Context, msg *protocol.StartECLSessionMsg, ps PersistentSearch) (*ECLServerWriter, error) {
	if !rs.ECLEnabled() {
		return nil, ErrECLDisabled
	}
	h, err := newECLServerHandler(rs, msg)
	if err != nil {
		return nil, err
	}
	w := newECLServerWriter(h, nil, ps, rs.logger, rs.metrics)
	if !rs.addWriter(w) {
		return nil, ErrECLDisabled
	}

	go func() {
		defer rs.removeWriter(w)
		w.run()
	}()
	go func() {
		select {
		case <-ctx.Done():
			w.ShutdownWriter()
		case <-w.Done():
		}
	}()
	if err := w.ResumeWriter(); err != nil {
		return nil, err
	}
	return w, nil
}

// NewestECLCookie returns the cookie positioned after the newest change of
// every domain but the excluded ones.
func (rs *ReplicationServer) NewestECLCookie(excluded []string) csn.Cookie {
	cookie := csn.Cookie{}
	for _, d := range rs.Domains() {
		if slices.Contains(excluded, d.BaseDN()) {
			continue
		}
		state := d.LatestServerState()
		if len(state) > 0 {
			cookie[d.BaseDN()] = state
		}
	}
	return cookie
}

// ValidateCookie checks that every change after cookie is still stored.
// A domain the server does not know or holds no change for, or a position
// older than the oldest stored change of a server, requires a full resync.
func (rs *ReplicationServer) ValidateCookie(cookie csn.Cookie, ignored []string) error {
	for _, dn := range cookie.BaseDNs() {
		if slices.Contains(ignored, dn) {
			continue
		}
		d, err := rs.Domain(dn, false)
		if err != nil || len(d.LatestServerState()) == 0 {
			return fmt.Errorf("%w: unknown domain %s in cookie", ErrResyncRequired, dn)
		}
		oldest := d.OldestServerState()
		for sid, c := range cookie[dn] {
			if o, ok := oldest[sid]; ok && c.IsOlderThan(o) {
				return fmt.Errorf("%w: %s position %s for server %d is older than the oldest change %s",
					ErrResyncRequired, dn, c, sid, o)
			}
		}
	}
	return nil
}

// OldestChangeNumber returns the lowest stored change number, or the last
// generated one when none is stored.
func (rs *ReplicationServer) OldestChangeNumber() int64 {
	index := rs.ChangeNumberIndex()
	if index == nil {
		return 0
	}
	if rec, ok := index.OldestRecord(); ok {
		return rec.ChangeNumber
	}
	return index.LastGeneratedChangeNumber()
}

// NewestChangeNumber returns the highest stored change number, or the
// last generated one when none is stored.
func (rs *ReplicationServer) NewestChangeNumber() int64 {
	index := rs.ChangeNumberIndex()
	if index == nil {
		return 0
	}
	if rec, ok := index.NewestRecord(); ok {
		return rec.ChangeNumber
	}
	return index.LastGeneratedChangeNumber()
}
