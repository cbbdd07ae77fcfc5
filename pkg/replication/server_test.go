package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

const eventually = 5 * time.Second

func testServerConfig(id uint16) ServerConfig {
	cfg := DefaultServerConfig()
	cfg.ServerID = id
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.BaseDNs = []string{testBaseDN}
	cfg.DBImplementation = DBMemory
	cfg.PurgeDelay = 0
	cfg.ConnectInterval = 50 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 500 * time.Millisecond
	cfg.MonitoringPeriod = 100 * time.Millisecond
	cfg.WindowSize = 50
	cfg.QueueSize = 20
	return cfg
}

func newStoppedServer(t *testing.T, cfg ServerConfig, reg *Registry) *ReplicationServer {
	t.Helper()
	if reg == nil {
		reg = NewRegistry()
	}
	rs, err := New(cfg, Options{
		Logger:   logging.NewNopLogger(),
		Metrics:  metrics.NewRegistry(),
		Registry: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Shutdown() })
	return rs
}

func newTestServer(t *testing.T, id uint16, mutate func(*ServerConfig)) *ReplicationServer {
	t.Helper()
	cfg := testServerConfig(id)
	if mutate != nil {
		mutate(&cfg)
	}
	rs := newStoppedServer(t, cfg, nil)
	require.NoError(t, rs.Start(context.Background()))
	return rs
}

func addrOf(rs *ReplicationServer) string { return rs.Addr().String() }

func dialDS(t *testing.T, rs *ReplicationServer, id uint16, gen int64) *DataServerClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	c, err := DialDataServer(ctx, addrOf(rs), DataServerOptions{
		ServerID:     id,
		BaseDN:       testBaseDN,
		GenerationID: gen,
		WindowSize:   20,
		Timeout:      2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receiveN(t *testing.T, c *DataServerClient, n int) []*protocol.UpdateMsg {
	t.Helper()
	out := make([]*protocol.UpdateMsg, 0, n)
	timeout := time.After(eventually)
	for len(out) < n {
		select {
		case u, ok := <-c.Updates():
			require.True(t, ok, "session ended: %v", c.Err())
			out = append(out, u)
		case <-timeout:
			t.Fatalf("received %d of %d updates", len(out), n)
		}
	}
	return out
}

func publishN(t *testing.T, c *DataServerClient, gen *csn.Generator, n int) []*protocol.UpdateMsg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	out := make([]*protocol.UpdateMsg, n)
	for i := range out {
		out[i] = protocol.NewUpdateMsg(gen.Next(), []byte("modify"), false, protocol.Version)
		require.NoError(t, c.Publish(ctx, out[i]))
	}
	return out
}

func meshServers(t *testing.T, servers ...*ReplicationServer) {
	t.Helper()
	for _, rs := range servers {
		cfg := rs.Config()
		cfg.Peers = nil
		for _, peer := range servers {
			if peer != rs {
				cfg.Peers = append(cfg.Peers, addrOf(peer))
			}
		}
		res := rs.ApplyConfigurationChange(cfg)
		require.Equal(t, ResultSuccess, res.ResultCode, res.Messages)
	}
	for _, rs := range servers {
		d, err := rs.Domain(testBaseDN, false)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return len(d.Handlers(RoleReplicationServer)) == len(servers)-1
		}, eventually, 10*time.Millisecond)
	}
}

func TestReplicationServer_Lifecycle(t *testing.T) {
	reg := NewRegistry()
	rs := newStoppedServer(t, testServerConfig(1), reg)
	assert.Nil(t, rs.Addr())
	assert.ErrorIs(t, rs.WaitConnections(context.Background()), ErrNotRunning)

	require.NoError(t, rs.Start(context.Background()))
	assert.ErrorIs(t, rs.Start(context.Background()), ErrAlreadyRunning)
	assert.NotNil(t, rs.Addr())
	assert.Equal(t, addrOf(rs), rs.ServerURL())

	found, ok := reg.Lookup(1)
	require.True(t, ok)
	assert.Same(t, rs, found)

	require.NoError(t, rs.Shutdown())
	require.NoError(t, rs.Shutdown())
	assert.ErrorIs(t, rs.Start(context.Background()), ErrShutdown)
	_, ok = reg.Lookup(1)
	assert.False(t, ok)

	select {
	case <-rs.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
}

func TestReplicationServer_ShutdownBeforeStart(t *testing.T) {
	rs := newStoppedServer(t, testServerConfig(1), nil)
	require.NoError(t, rs.Shutdown())
	assert.ErrorIs(t, rs.Start(context.Background()), ErrShutdown)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testServerConfig(0)
	_, err := New(cfg, Options{Logger: logging.NewNopLogger()})
	assert.Error(t, err)
}

func TestReplicationServer_DataServersExchangeUpdates(t *testing.T) {
	rs := newTestServer(t, 1, nil)
	ds1 := dialDS(t, rs, 101, 42)
	ds2 := dialDS(t, rs, 102, 42)

	assert.Equal(t, uint16(1), ds1.Server().ServerID)
	assert.Equal(t, int64(42), rs.GenerationID(testBaseDN))

	sent := publishN(t, ds1, csn.NewGenerator(101), 60)
	got := receiveN(t, ds2, len(sent))
	assert.Equal(t, csnsOf(sent), csnsOf(got))

	d, err := rs.Domain(testBaseDN, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.DB().Count() == int64(len(sent)) }, eventually, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		topo := ds2.Topology()
		return topo != nil && len(topo.DataServers) == 2
	}, eventually, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		m := rs.Monitor()
		return len(m.Domains) == 1 && len(m.Domains[0].DataServers) == 2 &&
			m.Domains[0].StoredChanges == int64(len(sent))
	}, eventually, 20*time.Millisecond)
	m := rs.Monitor()
	assert.Equal(t, int64(1), m.FirstCN)
	assert.Equal(t, int64(len(sent)), m.LastCN)
}

func TestReplicationServer_DataServerReceivesStoredChanges(t *testing.T) {
	rs := newTestServer(t, 1, nil)
	ds1 := dialDS(t, rs, 101, 42)
	sent := publishN(t, ds1, csn.NewGenerator(101), 30)

	d, err := rs.Domain(testBaseDN, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.DB().Count() == 30 }, eventually, 10*time.Millisecond)

	late := dialDS(t, rs, 102, 42)
	got := receiveN(t, late, len(sent))
	assert.Equal(t, csnsOf(sent), csnsOf(got), "a new data server catches up from the changelog")
}

func TestReplicationServer_RefusesDataServers(t *testing.T) {
	rs := newTestServer(t, 1, nil)
	dialDS(t, rs, 101, 42)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()

	t.Run("generation mismatch", func(t *testing.T) {
		_, err := DialDataServer(ctx, addrOf(rs), DataServerOptions{ServerID: 102, BaseDN: testBaseDN, GenerationID: 7})
		require.ErrorIs(t, err, ErrGenerationIDMismatch)
		var herr *HandshakeError
		require.True(t, errors.As(err, &herr))
		assert.Equal(t, protocol.ReplyGenerationIDMismatch, herr.Code)
	})

	t.Run("duplicate server id", func(t *testing.T) {
		_, err := DialDataServer(ctx, addrOf(rs), DataServerOptions{ServerID: 101, BaseDN: testBaseDN, GenerationID: 42})
		require.ErrorIs(t, err, ErrAlreadyConnected)
	})
}

func TestReplicationServer_ThreeServerConvergence(t *testing.T) {
	a := newTestServer(t, 1, nil)
	b := newTestServer(t, 2, nil)
	c := newTestServer(t, 3, nil)
	meshServers(t, a, b, c)

	dsA := dialDS(t, a, 101, 1)
	dsC := dialDS(t, c, 103, 1)

	sentA := publishN(t, dsA, csn.NewGenerator(101), 40)
	got := receiveN(t, dsC, len(sentA))
	assert.Equal(t, csnsOf(sentA), csnsOf(got))

	sentC := publishN(t, dsC, csn.NewGenerator(103), 10)
	got = receiveN(t, dsA, len(sentC))
	assert.Equal(t, csnsOf(sentC), csnsOf(got))

	for _, rs := range []*ReplicationServer{a, b, c} {
		d, err := rs.Domain(testBaseDN, false)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return d.DB().Count() == 50 }, eventually, 10*time.Millisecond,
			"server %d did not converge", rs.ServerID())
	}

	dA, _ := a.Domain(testBaseDN, false)
	dB, _ := b.Domain(testBaseDN, false)
	assert.True(t, dA.LatestServerState().Equal(dB.LatestServerState()))
}

func TestReplicationServer_ReplacementServerCatchesUp(t *testing.T) {
	a := newTestServer(t, 1, nil)
	b := newTestServer(t, 2, nil)
	meshServers(t, a, b)

	ds := dialDS(t, a, 101, 1)
	gen := csn.NewGenerator(101)
	publishN(t, ds, gen, 10)

	dB, _ := b.Domain(testBaseDN, false)
	require.Eventually(t, func() bool { return dB.DB().Count() == 10 }, eventually, 10*time.Millisecond)

	require.NoError(t, b.Shutdown())
	dA, _ := a.Domain(testBaseDN, false)
	require.Eventually(t, func() bool { return len(dA.Handlers(RoleReplicationServer)) == 0 }, eventually, 10*time.Millisecond)
	publishN(t, ds, gen, 15)

	// A fresh server with the same id and an empty changelog.
	b2 := newTestServer(t, 2, func(cfg *ServerConfig) { cfg.Peers = []string{addrOf(a)} })
	cfgA := a.Config()
	cfgA.Peers = []string{addrOf(b2)}
	require.Equal(t, ResultSuccess, a.ApplyConfigurationChange(cfgA).ResultCode)

	dB2, _ := b2.Domain(testBaseDN, false)
	require.Eventually(t, func() bool { return dB2.DB().Count() == 25 }, eventually, 10*time.Millisecond)
	assert.Equal(t, int64(1), dB2.GenerationID(), "generation adopted from the peer")
}

func TestReplicationServer_IgnoresItselfAsPeer(t *testing.T) {
	rs := newTestServer(t, 1, nil)
	cfg := rs.Config()
	cfg.Peers = []string{addrOf(rs)}
	require.Equal(t, ResultSuccess, rs.ApplyConfigurationChange(cfg).ResultCode)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, rs.WaitConnections(ctx))
	require.NoError(t, rs.WaitConnections(ctx))

	d, _ := rs.Domain(testBaseDN, false)
	assert.Empty(t, d.Handlers(RoleReplicationServer))
	assert.True(t, rs.isSelf(addrOf(rs)))
}

func TestReplicationServer_RemovedPeerIsDisconnected(t *testing.T) {
	a := newTestServer(t, 1, nil)
	b := newTestServer(t, 2, nil)
	meshServers(t, a, b)

	cfgA := a.Config()
	cfgA.Peers = nil
	require.Equal(t, ResultSuccess, a.ApplyConfigurationChange(cfgA).ResultCode)
	cfgB := b.Config()
	cfgB.Peers = nil
	require.Equal(t, ResultSuccess, b.ApplyConfigurationChange(cfgB).ResultCode)

	dA, _ := a.Domain(testBaseDN, false)
	require.Eventually(t, func() bool { return len(dA.Handlers(RoleReplicationServer)) == 0 }, eventually, 10*time.Millisecond)
}

func TestReplicationServer_ApplyConfigurationChange(t *testing.T) {
	rs := newTestServer(t, 1, nil)

	t.Run("invalid", func(t *testing.T) {
		cfg := rs.Config()
		cfg.WindowSize = 1
		ok, msgs := rs.IsConfigurationAcceptable(cfg)
		assert.False(t, ok)
		assert.NotEmpty(t, msgs)

		res := rs.ApplyConfigurationChange(cfg)
		assert.Equal(t, ResultConstraintViolation, res.ResultCode)
		assert.Equal(t, 50, rs.Config().WindowSize)
	})

	t.Run("restart required", func(t *testing.T) {
		cfg := rs.Config()
		cfg.ServerID = 9
		cfg.DBImplementation = DBFile
		res := rs.ApplyConfigurationChange(cfg)
		assert.Equal(t, ResultSuccess, res.ResultCode)
		assert.True(t, res.AdminActionRequired)
		assert.Len(t, res.Messages, 2)
		assert.Equal(t, uint16(1), rs.ServerID())
		assert.Equal(t, DBMemory, rs.Config().DBImplementation)
	})

	t.Run("new base dn", func(t *testing.T) {
		cfg := rs.Config()
		cfg.BaseDNs = append(cfg.BaseDNs, "dc=other,dc=com")
		require.Equal(t, ResultSuccess, rs.ApplyConfigurationChange(cfg).ResultCode)
		_, err := rs.Domain("dc=other,dc=com", false)
		assert.NoError(t, err)
	})

	t.Run("changelog settings", func(t *testing.T) {
		cfg := rs.Config()
		cfg.PurgeDelay = time.Hour
		cfg.ComputeChangeNumber = false
		require.Equal(t, ResultSuccess, rs.ApplyConfigurationChange(cfg).ResultCode)
		assert.Equal(t, time.Hour, rs.Changelog().PurgeDelay())
		assert.False(t, rs.ComputeChangeNumber())
	})

	t.Run("listen address", func(t *testing.T) {
		before := addrOf(rs)
		cfg := rs.Config()
		cfg.ListenAddr = "127.0.0.1:0"
		cfg.ServerURL = ""
		// Same text as the current address, so nothing moves.
		require.Equal(t, ResultSuccess, rs.ApplyConfigurationChange(cfg).ResultCode)
		assert.Equal(t, before, addrOf(rs))

		require.NoError(t, rs.restartListener("127.0.0.1:0"))
		after := addrOf(rs)
		assert.NotEqual(t, before, after)
		assert.Equal(t, after, rs.ServerURL())
		dialDS(t, rs, 150, 0)
	})
}

func acceptLoopDone(rs *ReplicationServer) <-chan struct{} {
	rs.lnMu.Lock()
	defer rs.lnMu.Unlock()
	return rs.lnDone
}

func TestReplicationServer_RestartListenerJoinsOldAcceptLoop(t *testing.T) {
	rs := newTestServer(t, 1, nil)
	other := newTestServer(t, 2, nil)

	for i := range 3 {
		done := acceptLoopDone(rs)
		require.NoError(t, rs.restartListener("127.0.0.1:0"))
		select {
		case <-done:
		default:
			t.Fatalf("restart %d returned while the old accept loop ran", i)
		}
	}

	// A failed move rebinds the old address, after the old loop returned.
	before := addrOf(rs)
	done := acceptLoopDone(rs)
	assert.Error(t, rs.restartListener(addrOf(other)))
	select {
	case <-done:
	default:
		t.Fatal("fallback rebind while the old accept loop ran")
	}
	assert.Equal(t, before, addrOf(rs))
	dialDS(t, rs, 150, 0)

	stopped := make(chan error, 1)
	go func() { stopped <- rs.Shutdown() }()
	select {
	case <-stopped:
	case <-time.After(eventually):
		t.Fatal("shutdown did not join the accept loops")
	}
}

func TestReplicationServer_ListenerKeptWhenAddressUnavailable(t *testing.T) {
	a := newTestServer(t, 1, nil)
	b := newTestServer(t, 2, nil)

	cfg := b.Config()
	cfg.ListenAddr = addrOf(a)
	ok, msgs := b.IsConfigurationAcceptable(cfg)
	assert.False(t, ok)
	assert.NotEmpty(t, msgs)

	before := addrOf(b)
	res := b.ApplyConfigurationChange(cfg)
	assert.Equal(t, ResultOther, res.ResultCode)
	assert.Equal(t, before, addrOf(b))
	dialDS(t, b, 101, 0)
}

func TestReplicationServer_RemoveDomain(t *testing.T) {
	rs := newTestServer(t, 1, nil)
	ds := dialDS(t, rs, 101, 1)
	publishN(t, ds, csn.NewGenerator(101), 3)

	require.NoError(t, rs.RemoveDomain(testBaseDN))
	_, err := rs.Domain(testBaseDN, false)
	assert.ErrorIs(t, err, ErrNoSuchDomain)
	assert.ErrorIs(t, rs.RemoveDomain(testBaseDN), ErrNoSuchDomain)

	select {
	case _, ok := <-ds.Updates():
		for ok {
			_, ok = <-ds.Updates()
		}
	case <-time.After(eventually):
		t.Fatal("data server of a removed domain still connected")
	}
}

func TestReplicationServer_ResetGenerationIDDisconnectsPeers(t *testing.T) {
	rs := newTestServer(t, 1, nil)
	ds := dialDS(t, rs, 101, 5)
	publishN(t, ds, csn.NewGenerator(101), 3)

	d, _ := rs.Domain(testBaseDN, false)
	require.Eventually(t, func() bool { return d.DB().Count() == 3 }, eventually, 10*time.Millisecond)
	require.NoError(t, d.ResetGenerationID(6))

	require.Eventually(t, func() bool { return ds.Err() != nil }, eventually, 10*time.Millisecond)
	assert.ErrorIs(t, ds.Err(), ErrShutdown)
	assert.Equal(t, int64(0), d.DB().Count())

	dialDS(t, rs, 102, 6)
}
