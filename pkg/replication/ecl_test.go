package replication

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

const otherBaseDN = "dc=other,dc=com"

func newECLServer(t *testing.T) *ReplicationServer {
	t.Helper()
	return newTestServer(t, 1, func(cfg *ServerConfig) {
		cfg.BaseDNs = []string{testBaseDN, otherBaseDN}
	})
}

func putUpdates(t *testing.T, rs *ReplicationServer, baseDN string, us ...*protocol.UpdateMsg) {
	t.Helper()
	d, err := rs.Domain(baseDN, false)
	require.NoError(t, err)
	for _, u := range us {
		require.NoError(t, d.Put(u, nil))
	}
}

func update(ts int64, serverID uint16) *protocol.UpdateMsg {
	return protocol.NewUpdateMsg(csn.New(ts, serverID, 0), []byte("change"), false, protocol.Version)
}

func newTestWriter(t *testing.T, rs *ReplicationServer, msg *protocol.StartECLSessionMsg) (*ECLServerWriter, *fakeSession) {
	t.Helper()
	h, err := newECLServerHandler(rs, msg)
	require.NoError(t, err)
	sess := newFakeSession()
	w := newECLServerWriter(h, sess, nil, logging.NewNopLogger(), rs.metrics)
	go w.run()
	t.Cleanup(func() {
		w.ShutdownWriter()
		<-w.Done()
	})
	return w, sess
}

func eclUpdates(s *fakeSession) []*protocol.ECLUpdateMsg {
	return sentOfType[*protocol.ECLUpdateMsg](s)
}

func TestECLServerWriter_NonPersistentSuspendsAfterDone(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, newUpdates(10, 3)...)

	w, sess := newTestWriter(t, rs, &protocol.StartECLSessionMsg{Mode: protocol.NonPersistent})
	assert.Equal(t, WriterSuspended, w.State())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, eclUpdates(sess), "a suspended writer sends nothing")

	require.NoError(t, w.ResumeWriter())
	require.Eventually(t, func() bool {
		return len(sentOfType[*protocol.DoneMsg](sess)) == 1 && w.State() == WriterSuspended
	}, eventually, 5*time.Millisecond)

	got := eclUpdates(sess)
	require.Len(t, got, 3)
	for i, u := range got {
		assert.Equal(t, int64(i+1), u.ChangeNumber)
		assert.Equal(t, testBaseDN, u.BaseDN)
	}
	assert.Equal(t, got[2].Cookie, w.Handler().Cookie().String())

	// Resuming continues from the last cookie.
	putUpdates(t, rs, testBaseDN, newUpdates(11, 1)...)
	require.NoError(t, w.ResumeWriter())
	require.Eventually(t, func() bool {
		return len(sentOfType[*protocol.DoneMsg](sess)) == 2 && w.State() == WriterSuspended
	}, eventually, 5*time.Millisecond)
	assert.Len(t, eclUpdates(sess), 4)
}

func TestECLServerWriter_ShutdownIsIdempotent(t *testing.T) {
	rs := newECLServer(t)
	w, sess := newTestWriter(t, rs, &protocol.StartECLSessionMsg{Mode: protocol.Persistent})
	require.NoError(t, w.ResumeWriter())

	w.ShutdownWriter()
	w.ShutdownWriter()

	select {
	case <-w.Done():
	case <-time.After(eventually):
		t.Fatal("writer did not exit")
	}
	assert.Equal(t, WriterShutdown, w.State())
	assert.ErrorIs(t, w.ResumeWriter(), ErrShutdown)
	assert.True(t, sess.isClosed())
}

func TestECLServerWriter_PersistentSendsDoneOnce(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, newUpdates(10, 2)...)

	w, sess := newTestWriter(t, rs, &protocol.StartECLSessionMsg{Mode: protocol.Persistent})
	require.NoError(t, w.ResumeWriter())
	require.Eventually(t, func() bool {
		return len(eclUpdates(sess)) == 2 && len(sentOfType[*protocol.DoneMsg](sess)) == 1
	}, eventually, 5*time.Millisecond)

	putUpdates(t, rs, otherBaseDN, newUpdates(20, 2)...)
	w.notify()
	require.Eventually(t, func() bool { return len(eclUpdates(sess)) == 4 }, eventually, 5*time.Millisecond)
	assert.Len(t, sentOfType[*protocol.DoneMsg](sess), 1)
	assert.Equal(t, WriterRunning, w.State())
}

func TestECLServerWriter_ChangesOnly(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, newUpdates(10, 3)...)

	w, sess := newTestWriter(t, rs, &protocol.StartECLSessionMsg{Mode: protocol.PersistentChangesOnly})
	require.NoError(t, w.ResumeWriter())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, eclUpdates(sess))

	fresh := newUpdates(11, 1)
	putUpdates(t, rs, testBaseDN, fresh...)
	w.notify()
	require.Eventually(t, func() bool { return len(eclUpdates(sess)) == 1 }, eventually, 5*time.Millisecond)
	assert.Equal(t, fresh[0].CSN(), eclUpdates(sess)[0].Update.CSN())
	assert.Empty(t, sentOfType[*protocol.DoneMsg](sess))
}

func TestECLServerHandler_MergesDomainsInCSNOrder(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, update(1000, 10), update(1002, 10), update(1004, 10))
	putUpdates(t, rs, otherBaseDN, update(1001, 20), update(1003, 20))

	h, err := newECLServerHandler(rs, &protocol.StartECLSessionMsg{})
	require.NoError(t, err)
	defer h.close()

	var stamps []int64
	var dns []string
	for {
		u, err := h.TakeECLUpdate()
		require.NoError(t, err)
		if u == nil {
			break
		}
		stamps = append(stamps, u.Update.CSN().Timestamp)
		dns = append(dns, u.BaseDN)
	}
	assert.Equal(t, []int64{1000, 1001, 1002, 1003, 1004}, stamps)
	assert.Equal(t, []string{testBaseDN, otherBaseDN, testBaseDN, otherBaseDN, testBaseDN}, dns)

	cookie := h.Cookie()
	assert.ElementsMatch(t, []string{testBaseDN, otherBaseDN}, cookie.BaseDNs())
	assert.True(t, cookie.State(testBaseDN).Covers(csn.New(1004, 10, 0)))
	assert.True(t, cookie.State(otherBaseDN).Covers(csn.New(1003, 20, 0)))
}

func TestECLServerHandler_ExcludedDomains(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, update(1000, 10))
	putUpdates(t, rs, otherBaseDN, update(1001, 20))

	for _, byNumber := range []bool{false, true} {
		t.Run(strconv.FormatBool(byNumber), func(t *testing.T) {
			msg := &protocol.StartECLSessionMsg{ExcludedBaseDNs: []string{otherBaseDN}}
			if byNumber {
				msg.StartChangeNumber = 1
			}
			h, err := newECLServerHandler(rs, msg)
			require.NoError(t, err)
			defer h.close()

			u, err := h.TakeECLUpdate()
			require.NoError(t, err)
			require.NotNil(t, u)
			assert.Equal(t, testBaseDN, u.BaseDN)

			u, err = h.TakeECLUpdate()
			require.NoError(t, err)
			assert.Nil(t, u)
		})
	}
}

func TestECLServerHandler_StartChangeNumber(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, newUpdates(10, 4)...)

	h, err := newECLServerHandler(rs, &protocol.StartECLSessionMsg{StartChangeNumber: 3})
	require.NoError(t, err)
	defer h.close()

	var cns []int64
	for {
		u, err := h.TakeECLUpdate()
		require.NoError(t, err)
		if u == nil {
			break
		}
		cns = append(cns, u.ChangeNumber)
	}
	assert.Equal(t, []int64{3, 4}, cns)
}

func TestECLServerHandler_RejectsBadStart(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, update(2000, 10), update(2001, 10))

	tests := []struct {
		name string
		msg  *protocol.StartECLSessionMsg
		want error
	}{
		{"malformed cookie", &protocol.StartECLSessionMsg{Cookie: "not a cookie"}, ErrProtocolViolation},
		{"unknown domain", &protocol.StartECLSessionMsg{
			Cookie: csn.Cookie{"dc=unknown": csn.NewServerState(csn.New(2000, 10, 0))}.String(),
		}, ErrResyncRequired},
		{"purged position", &protocol.StartECLSessionMsg{
			Cookie: csn.Cookie{testBaseDN: csn.NewServerState(csn.New(1000, 10, 0))}.String(),
		}, ErrResyncRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newECLServerHandler(rs, tt.msg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReplicationServer_ValidateCookie(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, update(2000, 10), update(2005, 10))

	ok := csn.Cookie{testBaseDN: csn.NewServerState(csn.New(2000, 10, 0))}
	assert.NoError(t, rs.ValidateCookie(ok, nil))
	assert.NoError(t, rs.ValidateCookie(csn.Cookie{}, nil))

	unknown := csn.Cookie{"dc=gone": csn.NewServerState(csn.New(2000, 10, 0))}
	assert.ErrorIs(t, rs.ValidateCookie(unknown, nil), ErrResyncRequired)
	assert.NoError(t, rs.ValidateCookie(unknown, []string{"dc=gone"}), "ignored domains are not checked")

	newest := rs.NewestECLCookie(nil)
	assert.True(t, newest.State(testBaseDN).Covers(csn.New(2005, 10, 0)))
	assert.NotContains(t, newest.BaseDNs(), otherBaseDN, "empty domains are left out")
	assert.Empty(t, rs.NewestECLCookie([]string{testBaseDN}).BaseDNs())
}

func TestReplicationServer_ExternalChangelogAttributes(t *testing.T) {
	rs := newECLServer(t)
	layer := rs.SearchLayer().(*MemorySearchLayer)
	putUpdates(t, rs, testBaseDN, newUpdates(10, 3)...)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, rs.EnableExternalChangelog(ctx))
	require.NoError(t, rs.EnableExternalChangelog(ctx))
	assert.True(t, rs.ECLEnabled())

	_, ok := layer.Workflow(ECLWorkflowName)
	assert.True(t, ok)
	attrs := layer.Attributes()
	assert.Equal(t, ECLBaseDN, attrs[AttrChangelog])
	assert.Equal(t, "1", attrs[AttrFirstChangeNumber])
	assert.Equal(t, "3", attrs[AttrLastChangeNumber])
	assert.Equal(t, rs.NewestECLCookie(nil).String(), attrs[AttrLastChangelogCookie])

	require.NoError(t, rs.DisableExternalChangelog())
	assert.False(t, rs.ECLEnabled())
	assert.Empty(t, layer.Attributes())
	_, ok = layer.Workflow(ECLWorkflowName)
	assert.False(t, ok)
}

func TestReplicationServer_ExternalChangelogSession(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, newUpdates(10, 3)...)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()

	_, err := DialECL(ctx, addrOf(rs), &protocol.StartECLSessionMsg{}, nil)
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr), "sessions are refused while the external changelog is disabled")

	require.NoError(t, rs.EnableExternalChangelog(ctx))
	cl, err := DialECL(ctx, addrOf(rs), &protocol.StartECLSessionMsg{Mode: protocol.NonPersistent}, nil)
	require.NoError(t, err)
	defer cl.Close()
	assert.NotEmpty(t, cl.SessionID())

	var last *protocol.ECLUpdateMsg
	for i := 1; i <= 3; i++ {
		p, err := cl.Next()
		require.NoError(t, err)
		u, ok := p.(*protocol.ECLUpdateMsg)
		require.True(t, ok, "got %T", p)
		assert.Equal(t, int64(i), u.ChangeNumber)
		last = u
	}
	p, err := cl.Next()
	require.NoError(t, err)
	require.IsType(t, &protocol.DoneMsg{}, p)

	require.NoError(t, cl.Restart(&protocol.StartECLSessionMsg{Cookie: last.Cookie, Mode: protocol.Persistent}))
	p, err = cl.Next()
	require.NoError(t, err)
	require.IsType(t, &protocol.DoneMsg{}, p, "nothing after the cookie")

	putUpdates(t, rs, testBaseDN, newUpdates(11, 1)...)
	p, err = cl.Next()
	require.NoError(t, err)
	u, ok := p.(*protocol.ECLUpdateMsg)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, int64(4), u.ChangeNumber)
}

type recordingSearch struct {
	mu        sync.Mutex
	entries   []ECLEntry
	failAfter int
	cancelled error
}

func (s *recordingSearch) SendEntry(e ECLEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.entries) == s.failAfter {
		return errors.New("client gone")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSearch) Cancel(err error) {
	s.mu.Lock()
	s.cancelled = err
	s.mu.Unlock()
}

func (s *recordingSearch) snapshot() ([]ECLEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ECLEntry(nil), s.entries...), s.cancelled
}

func TestReplicationServer_StartPersistentSearch(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, newUpdates(10, 2)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := rs.StartPersistentSearch(ctx, &protocol.StartECLSessionMsg{Mode: protocol.Persistent}, &recordingSearch{})
	require.ErrorIs(t, err, ErrECLDisabled)

	require.NoError(t, rs.EnableExternalChangelog(ctx))
	layer := rs.SearchLayer().(*MemorySearchLayer)
	wf, ok := layer.Workflow(ECLWorkflowName)
	require.True(t, ok)

	ps := &recordingSearch{}
	w, err := wf.StartPersistentSearch(ctx, &protocol.StartECLSessionMsg{Mode: protocol.Persistent}, ps)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, _ := ps.snapshot()
		return len(entries) == 2
	}, eventually, 5*time.Millisecond)

	putUpdates(t, rs, testBaseDN, newUpdates(11, 1)...)
	require.Eventually(t, func() bool {
		entries, _ := ps.snapshot()
		return len(entries) == 3
	}, eventually, 5*time.Millisecond)

	entries, _ := ps.snapshot()
	assert.Equal(t, "changeNumber=1,cn=changelog", entries[0].DN)
	assert.Equal(t, testBaseDN, entries[0].TargetDN)
	assert.Equal(t, uint16(11), entries[2].ServerID)
	assert.Equal(t, []byte("change"), entries[2].Changes)

	cancel()
	select {
	case <-w.Done():
	case <-time.After(eventually):
		t.Fatal("search not stopped by its context")
	}
}

func TestReplicationServer_PersistentSearchCancelledOnDeliveryFailure(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, newUpdates(10, 3)...)
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, rs.EnableExternalChangelog(ctx))

	ps := &recordingSearch{failAfter: 1}
	w, err := rs.StartPersistentSearch(ctx, &protocol.StartECLSessionMsg{Mode: protocol.Persistent}, ps)
	require.NoError(t, err)

	select {
	case <-w.Done():
	case <-time.After(eventually):
		t.Fatal("writer still running after delivery failure")
	}
	entries, cancelled := ps.snapshot()
	assert.Len(t, entries, 1)
	assert.Error(t, cancelled)
	assert.Equal(t, WriterShutdown, w.State())
}

func TestToEntry_WithoutChangeNumber(t *testing.T) {
	u := update(1000, 7)
	e, err := toEntry(&protocol.ECLUpdateMsg{BaseDN: testBaseDN, Cookie: "c", Update: u})
	require.NoError(t, err)
	assert.Equal(t, "replicationCSN="+u.CSN().String()+","+testBaseDN+",cn=changelog", e.DN)
	assert.Equal(t, time.UnixMilli(1000), e.ChangeTime)

	_, err = toEntry(&protocol.ECLUpdateMsg{})
	assert.Error(t, err)
}

func TestReplicationServer_ValidateCookieEmptyDomain(t *testing.T) {
	rs := newECLServer(t)
	putUpdates(t, rs, testBaseDN, update(2000, 10))
	_, err := rs.Domain(otherBaseDN, false)
	require.NoError(t, err, "the domain exists but holds no change")

	pos := csn.NewServerState(csn.New(2000, 10, 0))
	empty := csn.Cookie{testBaseDN: pos, otherBaseDN: csn.NewServerState(csn.New(1500, 11, 0))}
	assert.ErrorIs(t, rs.ValidateCookie(empty, nil), ErrResyncRequired)
	assert.NoError(t, rs.ValidateCookie(empty, []string{otherBaseDN}))

	_, err = newECLServerHandler(rs, &protocol.StartECLSessionMsg{Cookie: empty.String()})
	assert.ErrorIs(t, err, ErrResyncRequired, "an ECL session cannot start from it either")

	putUpdates(t, rs, otherBaseDN, update(1500, 11))
	assert.NoError(t, rs.ValidateCookie(empty, nil), "known once it holds a change")
}
