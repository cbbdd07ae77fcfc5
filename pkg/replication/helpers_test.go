package replication

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

const testBaseDN = "dc=example,dc=com"

// fakeSession records what is sent and replays what is pushed to in.
type fakeSession struct {
	mu      sync.Mutex
	sent    []protocol.Payload
	in      chan protocol.Payload
	closed  chan struct{}
	once    sync.Once
	onClose func()
	sendErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		in:     make(chan protocol.Payload, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSession) Send(p protocol.Payload) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, p)
	return nil
}

func (s *fakeSession) Receive() (protocol.Payload, error) {
	select {
	case p := <-s.in:
		return p, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeSession) SetReadDeadline(time.Time) error { return nil }
func (s *fakeSession) RemoteAddr() string              { return "fake:0" }

func (s *fakeSession) Close() error {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.closed)
	})
	return nil
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// updates returns the updates sent so far, in order.
func (s *fakeSession) updates() []*protocol.UpdateMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.UpdateMsg
	for _, p := range s.sent {
		if u, ok := p.(*protocol.UpdateMsg); ok {
			out = append(out, u)
		}
	}
	return out
}

func sentOfType[T protocol.Payload](s *fakeSession) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []T
	for _, p := range s.sent {
		if m, ok := p.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

func testSettings() domainSettings {
	return domainSettings{
		ServerID:                1,
		ServerURL:               "rs1.example.com:8989",
		GroupID:                 1,
		Weight:                  1,
		DegradedStatusThreshold: 10,
		QueueSize:               100,
		WindowSize:              1000,
	}
}

func newTestChangelog(t *testing.T, m *metrics.Registry) *changelog.Changelog {
	t.Helper()
	cl := changelog.New(changelog.NewMemoryBackend(), changelog.Options{
		ComputeChangeNumber: true,
		Logger:              logging.NewNopLogger(),
		Metrics:             m,
	})
	require.NoError(t, cl.InitializeDB())
	t.Cleanup(func() { _ = cl.ShutdownDB() })
	return cl
}

func newTestDomain(t *testing.T, settings domainSettings) (*ServerDomain, *metrics.Registry) {
	t.Helper()
	m := metrics.NewRegistry()
	db, err := newTestChangelog(t, m).DomainDB(testBaseDN)
	require.NoError(t, err)
	d := newServerDomain(db, domainOptions{
		settings: func() domainSettings { return settings },
		logger:   logging.NewNopLogger(),
		metrics:  m,
	})
	return d, m
}

// newTestPeer builds a handshaking handler for a peer with the given id and
// generation.
func newTestPeer(t *testing.T, d *ServerDomain, strategy roleStrategy, id uint16, gen int64) (*ServerHandler, *fakeSession) {
	t.Helper()
	sess := newFakeSession()
	h := newServerHandler(strategy, sess, d, d.handlerOptions())
	require.NoError(t, h.transition(StateConnecting, StateHandshaking))
	h.serverID = id
	h.serverURL = fmt.Sprintf("peer%d.example.com:8989", id)
	h.generationID = gen
	h.peerWindow = 1000
	h.setPeerState(csn.NewServerState())
	return h, sess
}

// connectTestPeer registers and starts a peer.
func connectTestPeer(t *testing.T, d *ServerDomain, strategy roleStrategy, id uint16, gen int64) (*ServerHandler, *fakeSession) {
	t.Helper()
	h, sess := newTestPeer(t, d, strategy, id, gen)
	replaced, err := d.Register(h)
	require.NoError(t, err)
	require.Nil(t, replaced)
	require.NoError(t, h.start())
	t.Cleanup(func() {
		h.Shutdown()
		h.wg.Wait()
	})
	return h, sess
}

func newUpdates(serverID uint16, n int) []*protocol.UpdateMsg {
	gen := csn.NewGenerator(serverID)
	out := make([]*protocol.UpdateMsg, n)
	for i := range out {
		out[i] = protocol.NewUpdateMsg(gen.Next(), []byte("change"), false, protocol.Version)
	}
	return out
}

func csnsOf(us []*protocol.UpdateMsg) []csn.CSN {
	out := make([]csn.CSN, len(us))
	for i, u := range us {
		out[i] = u.CSN()
	}
	return out
}
